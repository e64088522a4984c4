// Package ledger owns the per-user karma values: every mutation is clamped
// into the configured bounds by the store's atomic primitive and announced to
// observers once it has been persisted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/broadcast"
	"github.com/onnwee/karma-tender/store"
	"github.com/onnwee/karma-tender/telemetry"
)

// Sources recorded on admin mutations.
const (
	SourceAdminReset = "admin:reset"
	SourceAdminSet   = "admin:set"
	SourceAdminAdd   = "admin:add"
)

// RewardSource is the event source for a fulfilled reward.
func RewardSource(title string) string { return "reward:" + title }

var (
	// ErrZeroDelta is returned by Add when asked to add nothing.
	ErrZeroDelta = errors.New("delta must be non-zero")
	// ErrEmptyUser is returned when the user normalizes to nothing.
	ErrEmptyUser = errors.New("user is empty")
)

// Store is the subset of store.Store the ledger needs.
type Store interface {
	GetAll(ctx context.Context) (map[string]decimal.Decimal, error)
	GetUser(ctx context.Context, user string) (decimal.Decimal, error)
	ApplyDelta(ctx context.Context, user string, delta decimal.Decimal, b store.Bounds) (decimal.Decimal, error)
	SetUser(ctx context.Context, user string, value decimal.Decimal, b store.Bounds) (prev, next decimal.Decimal, err error)
}

// Publisher receives successful mutations.
type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

// NormalizeUser lower-cases, trims and collapses inner whitespace.
func NormalizeUser(user string) string {
	return strings.ToLower(strings.Join(strings.Fields(user), " "))
}

// Ledger applies bounded mutations and publishes them.
type Ledger struct {
	store  Store
	bounds store.Bounds
	pub    Publisher
	now    func() time.Time
}

// New builds a ledger. A nil publisher disables publishing.
func New(s Store, bounds store.Bounds, pub Publisher) *Ledger {
	return &Ledger{store: s, bounds: bounds, pub: pub, now: time.Now}
}

// Bounds returns the configured clamp range.
func (l *Ledger) Bounds() store.Bounds { return l.bounds }

// ApplyDelta adds delta to user's value, clamped, and publishes the result.
func (l *Ledger) ApplyDelta(ctx context.Context, user string, delta decimal.Decimal, source string) (decimal.Decimal, error) {
	key := NormalizeUser(user)
	if key == "" {
		return decimal.Zero, ErrEmptyUser
	}
	v, err := l.store.ApplyDelta(ctx, key, delta, l.bounds)
	if err != nil {
		return decimal.Zero, fmt.Errorf("apply delta for %s: %w", key, err)
	}
	l.publish(ctx, key, v, delta, source)
	return v, nil
}

// Change is the outcome of an admin mutation.
type Change struct {
	User  string          `json:"user"`
	Value decimal.Decimal `json:"value"`
	Delta decimal.Decimal `json:"delta"`
}

// SetUser overwrites user's value, clamped, publishing the change from the
// previous value as the delta. Nothing is published when the value does not
// move.
func (l *Ledger) SetUser(ctx context.Context, user string, value decimal.Decimal, source string) (decimal.Decimal, error) {
	c, err := l.set(ctx, user, value, source)
	return c.Value, err
}

func (l *Ledger) set(ctx context.Context, user string, value decimal.Decimal, source string) (Change, error) {
	key := NormalizeUser(user)
	if key == "" {
		return Change{}, ErrEmptyUser
	}
	prev, v, err := l.store.SetUser(ctx, key, value, l.bounds)
	if err != nil {
		return Change{}, fmt.Errorf("set %s: %w", key, err)
	}
	c := Change{User: key, Value: v, Delta: v.Sub(prev)}
	if !c.Delta.IsZero() {
		l.publish(ctx, key, v, c.Delta, source)
	}
	return c, nil
}

// Reset sets user back to zero.
func (l *Ledger) Reset(ctx context.Context, user string) (Change, error) {
	return l.set(ctx, user, decimal.Zero, SourceAdminReset)
}

// Set is the admin form of SetUser.
func (l *Ledger) Set(ctx context.Context, user string, value decimal.Decimal) (Change, error) {
	return l.set(ctx, user, value, SourceAdminSet)
}

// Add is the admin form of ApplyDelta; delta must be non-zero.
func (l *Ledger) Add(ctx context.Context, user string, delta decimal.Decimal) (Change, error) {
	if delta.IsZero() {
		return Change{}, ErrZeroDelta
	}
	v, err := l.ApplyDelta(ctx, user, delta, SourceAdminAdd)
	if err != nil {
		return Change{}, err
	}
	return Change{User: NormalizeUser(user), Value: v, Delta: delta}, nil
}

// Get returns user's value; unseen users read as zero.
func (l *Ledger) Get(ctx context.Context, user string) (decimal.Decimal, error) {
	return l.store.GetUser(ctx, NormalizeUser(user))
}

// All returns every known value.
func (l *Ledger) All(ctx context.Context) (map[string]decimal.Decimal, error) {
	return l.store.GetAll(ctx)
}

func (l *Ledger) publish(ctx context.Context, user string, value, delta decimal.Decimal, source string) {
	kind, _, _ := strings.Cut(source, ":")
	telemetry.IncLedgerUpdate(kind)
	telemetry.LoggerWithCorr(ctx).Info("karma updated",
		slog.String("user", user),
		slog.String("value", value.String()),
		slog.String("delta", delta.String()),
		slog.String("source", source),
		slog.String("component", "ledger"))
	if l.pub == nil {
		return
	}
	l.pub.Publish(ctx, broadcast.Event{
		User:   user,
		Value:  value,
		Delta:  delta,
		Source: source,
		At:     l.now().UTC(),
	})
}
