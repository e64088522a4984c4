// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redemption outcomes recorded on RedemptionsTotal.
const (
	OutcomeTracked   = "tracked"
	OutcomeUnmapped  = "unmapped"
	OutcomeFulfilled = "fulfilled"
	OutcomeCanceled  = "canceled"
	OutcomeUnknown   = "unknown"
)

var (
	once sync.Once

	// Counters
	RewardsUnmapped    prometheus.Counter
	RedemptionsTotal   *prometheus.CounterVec
	LedgerUpdates      *prometheus.CounterVec
	EventSubReconnects prometheus.Counter
	SubscriptionErrors *prometheus.CounterVec
	BroadcastDropped   prometheus.Counter

	// Histograms (seconds)
	NotificationDuration prometheus.Observer
	ReconcileDuration    prometheus.Observer

	// Gauges
	SessionOpenGauge     prometheus.Gauge // 1=open,0=otherwise
	BroadcastSubscribers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RewardsUnmapped = promauto.NewCounter(prometheus.CounterOpts{Name: "karma_rewards_unmapped_total", Help: "Redeemed reward titles with no mapped delta"})
		RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "karma_redemptions_total", Help: "Redemption lifecycle events by outcome"}, []string{"outcome"})
		LedgerUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Name: "karma_ledger_updates_total", Help: "Successful ledger mutations by source kind"}, []string{"kind"})
		EventSubReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "karma_eventsub_reconnects_total", Help: "Event stream reconnect attempts"})
		SubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "karma_subscription_errors_total", Help: "Subscription management failures by operation"}, []string{"op"})
		BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "karma_broadcast_dropped_total", Help: "Ledger events not delivered to a slow observer"})
		NotificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "karma_notification_duration_seconds", Help: "Notification handling duration seconds", Buckets: prometheus.DefBuckets})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "karma_reconcile_duration_seconds", Help: "Subscription reconcile duration seconds", Buckets: prometheus.DefBuckets})
		SessionOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "karma_eventsub_session_open", Help: "Event stream session open=1 otherwise 0"})
		BroadcastSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "karma_broadcast_subscribers", Help: "Currently connected ledger observers"})
	})
}

// IncUnmapped counts a redemption whose title resolved to no delta.
func IncUnmapped() {
	if RewardsUnmapped != nil {
		RewardsUnmapped.Inc()
	}
}

// IncRedemption counts a lifecycle outcome.
func IncRedemption(outcome string) {
	if RedemptionsTotal != nil {
		RedemptionsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncLedgerUpdate counts a mutation; kind is the source prefix (reward, admin).
func IncLedgerUpdate(kind string) {
	if LedgerUpdates != nil {
		LedgerUpdates.WithLabelValues(kind).Inc()
	}
}

// IncReconnect counts an event stream redial.
func IncReconnect() {
	if EventSubReconnects != nil {
		EventSubReconnects.Inc()
	}
}

// IncSubscriptionError counts a failed list, delete or create call.
func IncSubscriptionError(op string) {
	if SubscriptionErrors != nil {
		SubscriptionErrors.WithLabelValues(op).Inc()
	}
}

// IncBroadcastDropped counts an event a full subscriber missed.
func IncBroadcastDropped() {
	if BroadcastDropped != nil {
		BroadcastDropped.Inc()
	}
}

// SetSessionOpen sets gauge to 1 if open else 0.
func SetSessionOpen(open bool) {
	if SessionOpenGauge == nil {
		return
	}
	if open {
		SessionOpenGauge.Set(1)
	} else {
		SessionOpenGauge.Set(0)
	}
}

// AddBroadcastSubscribers moves the observer gauge by n.
func AddBroadcastSubscribers(n int) {
	if BroadcastSubscribers != nil {
		BroadcastSubscribers.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
