// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"github.com/onnwee/karma-tender/broadcast"
	"github.com/onnwee/karma-tender/eventsub"
	"github.com/onnwee/karma-tender/ledger"
	"github.com/onnwee/karma-tender/store"
	"github.com/onnwee/karma-tender/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Store is the persistence the API reads directly.
type Store interface {
	Ping(ctx context.Context) error
	PendingAll(ctx context.Context) (map[string]store.Redemption, error)
}

// Ledger is the karma read and admin surface.
type Ledger interface {
	All(ctx context.Context) (map[string]decimal.Decimal, error)
	Get(ctx context.Context, user string) (decimal.Decimal, error)
	Reset(ctx context.Context, user string) (ledger.Change, error)
	Set(ctx context.Context, user string, value decimal.Decimal) (ledger.Change, error)
	Add(ctx context.Context, user string, delta decimal.Decimal) (ledger.Change, error)
}

// Subscriber hands out live ledger updates.
type Subscriber interface {
	Subscribe() (<-chan broadcast.Event, func())
}

// Tokens holds the broadcaster grant.
type Tokens interface {
	Tokens(ctx context.Context) (*store.Tokens, error)
	Save(ctx context.Context, t store.Tokens) error
}

// Session is the running EventSub session.
type Session interface {
	State() eventsub.SessionState
	Restart(ctx context.Context, broadcasterID string) error
}

// UserLookup resolves the user owning an access token.
type UserLookup func(ctx context.Context, accessToken string) (*twitchapi.User, error)

// Deps are the services behind the API. OAuth and Session may be nil when
// Twitch is not configured.
type Deps struct {
	Store      Store
	Ledger     Ledger
	Hub        Subscriber
	Tokens     Tokens
	Session    Session
	OAuth      *oauth2.Config
	LookupUser UserLookup
	Settings   map[string]any
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance. ctx outlives requests and is
// used for work started on their behalf, like the event stream.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	return &Handlers{
		Deps:       d,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
		now:        time.Now,
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records a state value. It reports false when the store is
// full, which fails the login instead of growing without bound.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState validates and removes a state value. States are single use.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return !h.now().After(exp)
}
