// Package redemption drives the channel point redemption lifecycle: a
// redemption of a mapped reward is tracked as pending when it is added and
// applied to the ledger at most once, when the broadcaster fulfills it.
package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/ledger"
	"github.com/onnwee/karma-tender/store"
	"github.com/onnwee/karma-tender/telemetry"
	"github.com/onnwee/karma-tender/twitchapi"
)

// ErrMissingID is returned for an add notification without a redemption id.
var ErrMissingID = errors.New("redemption id missing")

// PendingStore holds redemptions awaiting a terminal status.
type PendingStore interface {
	PendingAdd(ctx context.Context, r store.Redemption) error
	PendingGet(ctx context.Context, id string) (*store.Redemption, error)
	PendingDelete(ctx context.Context, id string) error
}

// Resolver maps a reward title to a delta; zero means unmapped.
type Resolver interface {
	Resolve(title string) decimal.Decimal
}

// Ledger applies a fulfilled redemption.
type Ledger interface {
	ApplyDelta(ctx context.Context, user string, delta decimal.Decimal, source string) (decimal.Decimal, error)
}

// Processor handles redemption notifications. Lifecycle transitions are
// serialized so a duplicated FULFILLED delivery can never apply twice.
type Processor struct {
	pending  PendingStore
	resolver Resolver
	ledger   Ledger
	now      func() time.Time

	mu sync.Mutex
}

func NewProcessor(pending PendingStore, resolver Resolver, l Ledger) *Processor {
	return &Processor{pending: pending, resolver: resolver, ledger: l, now: time.Now}
}

type event struct {
	ID                string    `json:"id"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	UserName          string    `json:"user_name"`
	UserLogin         string    `json:"user_login"`
	Status            string    `json:"status"`
	RedeemedAt        time.Time `json:"redeemed_at"`
	Reward            struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reward"`
}

// HandleNotification dispatches one notification by subscription type.
// Unrelated types are ignored.
func (p *Processor) HandleNotification(ctx context.Context, subscriptionType string, payload json.RawMessage) error {
	switch subscriptionType {
	case twitchapi.TypeRedemptionAdd, twitchapi.TypeRedemptionUpdate:
	default:
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "redemption", "redemption.handle", telemetry.SubscriptionTypeAttr(subscriptionType))
	defer span.End()

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		err = fmt.Errorf("decode %s event: %w", subscriptionType, err)
		telemetry.RecordError(span, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if subscriptionType == twitchapi.TypeRedemptionAdd {
		err = p.add(ctx, ev)
	} else {
		err = p.update(ctx, ev)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (p *Processor) add(ctx context.Context, ev event) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "redemption"))
	if ev.ID == "" {
		return ErrMissingID
	}
	delta := p.resolver.Resolve(ev.Reward.Title)
	if delta.IsZero() {
		telemetry.IncRedemption(telemetry.OutcomeUnmapped)
		log.Debug("ignoring unmapped reward", slog.String("id", ev.ID), slog.String("title", ev.Reward.Title))
		return nil
	}

	user := ev.UserName
	if user == "" {
		user = ev.UserLogin
	}
	if user == "" {
		user = "unknown"
	}
	at := ev.RedeemedAt
	if at.IsZero() {
		at = p.now()
	}

	rec := store.Redemption{
		ID:            ev.ID,
		User:          user,
		Title:         ev.Reward.Title,
		Delta:         delta,
		RewardID:      ev.Reward.ID,
		BroadcasterID: ev.BroadcasterUserID,
		CreatedAt:     at.UTC(),
		Status:        store.StatusUnfulfilled,
	}
	if err := p.pending.PendingAdd(ctx, rec); err != nil {
		return fmt.Errorf("track redemption %s: %w", ev.ID, err)
	}
	telemetry.IncRedemption(telemetry.OutcomeTracked)
	log.Info("redemption pending",
		slog.String("id", ev.ID), slog.String("user", user),
		slog.String("title", ev.Reward.Title), slog.String("delta", delta.String()))
	return nil
}

func (p *Processor) update(ctx context.Context, ev event) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "redemption"), slog.String("id", ev.ID))
	rec, err := p.pending.PendingGet(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("lookup redemption %s: %w", ev.ID, err)
	}
	if rec == nil {
		telemetry.IncRedemption(telemetry.OutcomeUnknown)
		log.Debug("update for untracked redemption")
		return nil
	}

	switch store.ParseStatus(ev.Status) {
	case store.StatusFulfilled:
		// Removing the record first makes any redelivery a no-op, even if the
		// ledger write below fails.
		if err := p.pending.PendingDelete(ctx, rec.ID); err != nil {
			return fmt.Errorf("clear redemption %s: %w", rec.ID, err)
		}
		if _, err := p.ledger.ApplyDelta(ctx, rec.User, rec.Delta, ledger.RewardSource(rec.Title)); err != nil {
			log.Error("fulfilled redemption not applied", slog.String("user", rec.User), slog.String("delta", rec.Delta.String()), slog.Any("err", err))
			return fmt.Errorf("apply redemption %s: %w", rec.ID, err)
		}
		telemetry.IncRedemption(telemetry.OutcomeFulfilled)
	case store.StatusCanceled:
		if err := p.pending.PendingDelete(ctx, rec.ID); err != nil {
			return fmt.Errorf("clear redemption %s: %w", rec.ID, err)
		}
		telemetry.IncRedemption(telemetry.OutcomeCanceled)
		log.Info("redemption canceled", slog.String("user", rec.User))
	default:
		log.Debug("ignoring redemption status", slog.String("status", ev.Status))
	}
	return nil
}
