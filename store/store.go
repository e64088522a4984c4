// Package store defines the persistence boundary shared by the ledger, the
// redemption lifecycle and the OAuth token handling, along with the records
// that cross it. Concrete backends live in db (Postgres),
// store/sqlitestore (local file) and store/redisstore (hosted Redis).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Backend names accepted by STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// ErrUnknownBackend is returned when STORE_BACKEND names no known backend.
var ErrUnknownBackend = errors.New("unknown store backend")

// ParseBackend validates a backend name.
func ParseBackend(name string) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(name)); b {
	case BackendPostgres, BackendSQLite, BackendRedis:
		return b, nil
	case "pg", "postgresql":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// Status is the lifecycle status of a tracked redemption.
type Status string

const (
	StatusUnfulfilled Status = "UNFULFILLED"
	StatusFulfilled   Status = "FULFILLED"
	StatusCanceled    Status = "CANCELED"
)

// ParseStatus upper-cases a platform status value. Unknown values are
// returned as-is so callers can decide to ignore them.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// Redemption is a pending channel point redemption awaiting resolution.
type Redemption struct {
	CreatedAt     time.Time       `json:"at"`
	ID            string          `json:"id"`
	User          string          `json:"user"`
	Title         string          `json:"title"`
	RewardID      string          `json:"reward_id"`
	BroadcasterID string          `json:"broadcaster_id"`
	Status        Status          `json:"status"`
	Delta         decimal.Decimal `json:"delta"`
}

// Tokens is the OAuth grant of the broadcaster the service acts for.
type Tokens struct {
	ObtainedAt       time.Time `json:"obtained_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	BroadcasterLogin string    `json:"broadcaster_login"`
	BroadcasterID    string    `json:"broadcaster_id"`
	Scope            []string  `json:"scope"`
}

// Store is the persistence boundary. ApplyDelta and SetUser must be atomic per
// user: concurrent calls for the same user serialize inside the backend and
// never lose an update or leave a value outside bounds.
type Store interface {
	GetAll(ctx context.Context) (map[string]decimal.Decimal, error)
	GetUser(ctx context.Context, user string) (decimal.Decimal, error)
	ApplyDelta(ctx context.Context, user string, delta decimal.Decimal, b Bounds) (decimal.Decimal, error)
	// SetUser returns the value it replaced alongside the stored one, both
	// read inside the same atomic step.
	SetUser(ctx context.Context, user string, value decimal.Decimal, b Bounds) (prev, next decimal.Decimal, err error)

	SaveTokens(ctx context.Context, t Tokens) error
	// LoadTokens returns nil, nil when no tokens were saved yet.
	LoadTokens(ctx context.Context) (*Tokens, error)

	// PendingAdd upserts by ID.
	PendingAdd(ctx context.Context, r Redemption) error
	// PendingGet returns nil, nil when the id is unknown.
	PendingGet(ctx context.Context, id string) (*Redemption, error)
	PendingAll(ctx context.Context) (map[string]Redemption, error)
	PendingDelete(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
