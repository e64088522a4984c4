package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// DefaultScopes is what the service needs to read redemptions.
const DefaultScopes = "channel:read:redemptions"

// OAuthConfig builds the authorization code flow configuration. Scopes may be
// separated by commas or spaces.
func OAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	if scopes == "" {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
		Endpoint:     twitch.Endpoint,
	}
}

// WithHTTPClient makes oauth2 calls made with ctx use hc.
func WithHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// BuildAuthorizeURL constructs the user authorization URL for OAuth code grant.
func BuildAuthorizeURL(cfg *oauth2.Config, state string) (string, error) {
	if cfg == nil || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return cfg.AuthCodeURL(state), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	if cfg == nil || cfg.ClientID == "" || cfg.ClientSecret == "" || code == "" || cfg.RedirectURL == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	return cfg.Exchange(ctx, code)
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if cfg == nil || cfg.ClientID == "" || cfg.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An expired seed forces the token source to hit the token endpoint.
	seed := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := cfg.TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// TokenScopes extracts the granted scopes Twitch returns as a JSON array.
func TokenScopes(tok *oauth2.Token) []string {
	if tok == nil {
		return nil
	}
	switch v := tok.Extra("scope").(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}

// ComputeExpiry returns the token expiry, defaulting to +60m when unknown.
func ComputeExpiry(tok *oauth2.Token) time.Time {
	if tok == nil || tok.Expiry.IsZero() {
		return time.Now().Add(60 * time.Minute)
	}
	return tok.Expiry
}
