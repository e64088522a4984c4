// Package oauth keeps the broadcaster's OAuth grant usable: it serves the
// current access token to API clients and refreshes it, with jittered
// periodic checks, before it expires.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically checks the stored
// grant and refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, p *Provider, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			checkOnce(ctx, p, window)

			// Per-iteration jitter of +/-20% of interval.
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func checkOnce(ctx context.Context, p *Provider, window time.Duration) {
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	refreshed, err := p.RefreshIfExpiring(ctx2, window)
	switch {
	case errors.Is(err, ErrNoTokens):
		return
	case err != nil:
		slog.Warn("token refresh failed", slog.Any("err", err), slog.String("component", "oauth"))
	case refreshed:
		slog.Debug("scheduled token refresh done", slog.String("component", "oauth"))
	}
}
