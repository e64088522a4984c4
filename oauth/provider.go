package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/karma-tender/store"
)

// ErrNoTokens is returned when the broadcaster has not authorized yet.
var ErrNoTokens = errors.New("no broadcaster tokens; authorize first")

// expiryBuffer is how close to expiry an access token is still handed out.
const expiryBuffer = 60 * time.Second

// RefreshFunc performs the provider-specific refresh_token grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// TokenStore persists the broadcaster grant.
type TokenStore interface {
	SaveTokens(ctx context.Context, t store.Tokens) error
	LoadTokens(ctx context.Context) (*store.Tokens, error)
}

// Provider hands out the broadcaster access token, refreshing and persisting
// it when it is close to expiry. Safe for concurrent use.
type Provider struct {
	store   TokenStore
	refresh RefreshFunc
	now     func() time.Time

	mu     sync.Mutex
	cached *store.Tokens
}

func NewProvider(s TokenStore, fn RefreshFunc) *Provider {
	return &Provider{store: s, refresh: fn, now: time.Now}
}

// Tokens returns a copy of the current grant, loading it on first use.
func (p *Provider) Tokens(ctx context.Context) (*store.Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// Save replaces the grant, e.g. after a fresh authorization.
func (p *Provider) Save(ctx context.Context, t store.Tokens) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.SaveTokens(ctx, t); err != nil {
		return err
	}
	p.cached = &t
	return nil
}

// AccessToken implements twitchapi.TokenProvider.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	if t.ExpiresAt.IsZero() || p.now().Add(expiryBuffer).Before(t.ExpiresAt) || t.RefreshToken == "" {
		return t.AccessToken, nil
	}
	t, err = p.refreshLocked(ctx, t)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// ForceRefresh implements twitchapi.Refresher.
func (p *Provider) ForceRefresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	t, err = p.refreshLocked(ctx, t)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// RefreshIfExpiring refreshes when the remaining lifetime is within window
// and reports whether a refresh happened.
func (p *Provider) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	if t.RefreshToken == "" {
		return false, nil
	}
	if !t.ExpiresAt.IsZero() && t.ExpiresAt.Sub(p.now()) > window {
		return false, nil
	}
	if _, err := p.refreshLocked(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) loadLocked(ctx context.Context) (*store.Tokens, error) {
	if p.cached != nil {
		return p.cached, nil
	}
	t, err := p.store.LoadTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if t == nil {
		return nil, ErrNoTokens
	}
	p.cached = t
	return t, nil
}

func (p *Provider) refreshLocked(ctx context.Context, cur *store.Tokens) (*store.Tokens, error) {
	if cur.RefreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}
	if p.refresh == nil {
		return nil, errors.New("token refresh not configured")
	}
	tok, err := p.refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	next := *cur
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ObtainedAt = p.now().UTC()
	next.ExpiresAt = tok.Expiry
	if err := p.store.SaveTokens(ctx, next); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	p.cached = &next
	slog.Info("broadcaster token refreshed",
		slog.String("broadcaster", next.BroadcasterLogin),
		slog.Time("expires_at", next.ExpiresAt),
		slog.String("component", "oauth"))
	return &next, nil
}
