// Package twitchapi contains minimal helpers for the Twitch Helix API: the
// token owner's user record and EventSub subscription management, plus the
// OAuth2 authorization code flow used to obtain a broadcaster token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// TokenProvider supplies the user access token sent as the Bearer credential.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Refresher is implemented by providers that can force a new access token
// after Helix rejects the current one.
type Refresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed token.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("access token empty")
	}
	return string(s), nil
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s %s: %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// HelixClient provides the Helix calls the service needs.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	HTTPClient *http.Client
	// BaseURL overrides DefaultBaseURL, mainly for tests.
	BaseURL string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// do sends one request and decodes a JSON response into out (when non-nil).
// A 401 is retried once with a forced refresh when the provider supports it.
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if hc.Tokens == nil {
		return errors.New("helix client has no token provider")
	}
	tok, err := hc.Tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	err = hc.send(ctx, tok, method, path, query, body, out)
	if r, ok := hc.Tokens.(Refresher); ok && IsStatus(err, http.StatusUnauthorized) {
		slog.Info("helix rejected access token, refreshing", slog.String("path", path), slog.String("component", "twitchapi"))
		if tok, err = r.ForceRefresh(ctx); err != nil {
			return fmt.Errorf("refresh after 401: %w", err)
		}
		err = hc.send(ctx, tok, method, path, query, body, out)
	}
	return err
}

func (hc *HelixClient) send(ctx context.Context, tok, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := hc.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUser returns the user that owns the access token.
func (hc *HelixClient) GetUser(ctx context.Context) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", nil, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}
