package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/karma-tender/telemetry"
	"github.com/onnwee/karma-tender/twitchapi"
)

// SubscriptionAPI is the subset of the Helix client the reconciler needs.
type SubscriptionAPI interface {
	ListSubscriptions(ctx context.Context) ([]twitchapi.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	CreateSubscription(ctx context.Context, req twitchapi.CreateSubscriptionRequest) (*twitchapi.Subscription, error)
}

// RedemptionTypes are the subscription types bound to every session.
var RedemptionTypes = []string{twitchapi.TypeRedemptionAdd, twitchapi.TypeRedemptionUpdate}

// Reconciler converges remote subscriptions onto the current session: stale
// redemption subscriptions on the websocket transport are removed and one
// subscription per redemption type is created for the new session.
type Reconciler struct {
	api SubscriptionAPI
}

func NewReconciler(api SubscriptionAPI) *Reconciler {
	return &Reconciler{api: api}
}

func isRedemptionType(t string) bool {
	for _, rt := range RedemptionTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Reconcile is idempotent. List and delete failures are logged and counted
// but do not stop the creates; the returned error joins failed creates.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID, broadcasterID string) error {
	if sessionID == "" || broadcasterID == "" {
		return errors.New("reconcile: session id and broadcaster id required")
	}
	ctx, span := telemetry.StartSpan(ctx, "eventsub", "eventsub.reconcile", telemetry.SessionIDAttr(sessionID))
	defer span.End()
	var err error
	telemetry.TimeFunc(telemetry.ReconcileDuration, func() { err = r.reconcile(ctx, sessionID, broadcasterID) })
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, sessionID, broadcasterID string) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "eventsub"), slog.String("session_id", sessionID))

	subs, err := r.api.ListSubscriptions(ctx)
	if err != nil {
		telemetry.IncSubscriptionError("list")
		log.Warn("list subscriptions failed", slog.Any("err", err))
	}
	removed := 0
	for _, s := range subs {
		if !isRedemptionType(s.Type) || s.Transport.Method != twitchapi.TransportWebSocket {
			continue
		}
		if err := r.api.DeleteSubscription(ctx, s.ID); err != nil {
			telemetry.IncSubscriptionError("delete")
			log.Warn("delete subscription failed", slog.String("id", s.ID), slog.String("type", s.Type), slog.Any("err", err))
			continue
		}
		removed++
	}

	var errs []error
	created := 0
	for _, typ := range RedemptionTypes {
		sub, err := r.api.CreateSubscription(ctx, twitchapi.CreateSubscriptionRequest{
			Type:      typ,
			Version:   "1",
			Condition: twitchapi.Condition{BroadcasterUserID: broadcasterID},
			Transport: twitchapi.Transport{Method: twitchapi.TransportWebSocket, SessionID: sessionID},
		})
		if err != nil {
			telemetry.IncSubscriptionError("create")
			log.Error("create subscription failed, running degraded", slog.String("type", typ), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("subscribe %s: %w", typ, err))
			continue
		}
		created++
		log.Debug("subscription created", slog.String("id", sub.ID), slog.String("type", typ))
	}
	log.Info("subscriptions reconciled", slog.Int("removed", removed), slog.Int("created", created))
	return errors.Join(errs...)
}
