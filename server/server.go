// Package server exposes the HTTP API: health, status, metrics, the karma
// read API with its live event stream, the broadcaster OAuth flow, and the
// admin adjustments. Every request gets a correlation id and a span.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configure the middleware around the routes.
type Options struct {
	Auth               AuthConfig
	RateLimit          RateLimitConfig
	CORSAllowedOrigins []string
}

// NewRouter returns the HTTP handler with all routes. ctx bounds background
// work such as the rate limiter cleanup and sessions started from the OAuth
// callback.
func NewRouter(ctx context.Context, d Deps, opts Options) http.Handler {
	h := NewHandlers(ctx, d)
	limiter := newIPRateLimiter(ctx, opts.RateLimit)

	r := chi.NewRouter()
	r.Use(observe)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)
	r.Get("/config", h.HandleConfig)

	r.Get("/auth/twitch/start", h.HandleTwitchOAuthStart)
	r.Get("/auth/twitch/callback", h.HandleTwitchOAuthCallback)

	r.Route("/api", func(r chi.Router) {
		r.Get("/karma", h.HandleKarmaList)
		r.Get("/karma/pending", h.HandleKarmaPending)
		r.Get("/karma/events", h.HandleKarmaEvents)
		r.Get("/karma/{user}", h.HandleKarmaUser)

		r.Route("/admin/karma", func(r chi.Router) {
			r.Use(admin(opts.Auth, limiter))
			r.Post("/reset/{user}", h.HandleAdminReset)
			r.Post("/set/{user}", h.HandleAdminSet)
			r.Post("/add/{user}", h.HandleAdminAdd)
		})
	})

	r.Route("/admin/karma/{user}", func(r chi.Router) {
		r.Use(admin(opts.Auth, limiter))
		r.Post("/reset", h.HandleAdminReset)
		r.Post("/set", h.HandleAdminSet)
		r.Post("/add", h.HandleAdminAdd)
	})

	return withCORS(r, opts.CORSAllowedOrigins)
}

// admin applies auth first, then rate limiting.
func admin(cfg AuthConfig, limiter *ipRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return adminAuth(rateLimitMiddleware(next, limiter), cfg)
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
