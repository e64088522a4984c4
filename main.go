// Command karma-tender tracks a per-viewer karma score driven by channel
// point redemptions. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured store (Postgres, SQLite or Redis).
//   - Keeps the broadcaster's OAuth grant fresh and holds one EventSub
//     session open, binding the redemption subscriptions to it.
//   - Applies fulfilled redemptions to the bounded ledger and streams every
//     change to observers.
//   - Exposes the HTTP API with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/karma-tender/backend"
	"github.com/onnwee/karma-tender/broadcast"
	"github.com/onnwee/karma-tender/config"
	"github.com/onnwee/karma-tender/eventsub"
	"github.com/onnwee/karma-tender/ledger"
	"github.com/onnwee/karma-tender/oauth"
	"github.com/onnwee/karma-tender/redemption"
	"github.com/onnwee/karma-tender/rewards"
	"github.com/onnwee/karma-tender/server"
	"github.com/onnwee/karma-tender/telemetry"
	"github.com/onnwee/karma-tender/twitchapi"
)

const serviceVersion = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(cfg.OtelEndpoint, "karma-tender", serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	shutdown()
	if err != nil {
		slog.Error("karma-tender exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	mapping, err := rewards.LoadMapping(rewards.Source{JSON: cfg.RewardMapJSON, File: cfg.RewardMapFile})
	if err != nil {
		slog.Warn("reward mapping invalid, using built-in defaults", slog.Any("err", err), slog.String("component", "rewards"))
		mapping = rewards.DefaultMapping()
	}
	resolver := rewards.NewResolver(mapping)
	slog.Info("reward mapping loaded", slog.Int("titles", resolver.Len()), slog.String("component", "rewards"))

	hub := broadcast.NewHub(cfg.BroadcastBuffer)
	led := ledger.New(st, cfg.Bounds(), hub)
	processor := redemption.NewProcessor(st, resolver, led)

	oauthCfg := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	tokens := oauth.NewProvider(st, func(rctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return twitchapi.RefreshToken(rctx, oauthCfg, refreshToken)
	})
	oauth.StartRefresher(ctx, tokens, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)

	helix := &twitchapi.HelixClient{Tokens: tokens, ClientID: cfg.TwitchClientID}
	manager := eventsub.NewManager(eventsub.ManagerConfig{
		URL:              cfg.EventSubURL,
		ReconnectDelay:   cfg.EventSubReconnectDelay,
		ReconcileTimeout: cfg.EventSubReconcileTimeout,
		WelcomeTimeout:   cfg.EventSubWelcomeTimeout,
	}, eventsub.NewReconciler(helix), processor)
	defer manager.Stop()

	twitchReady := cfg.ValidateTwitchReady() == nil
	if !twitchReady {
		slog.Warn("twitch not configured, event stream disabled", slog.Any("err", cfg.ValidateTwitchReady()), slog.String("component", "eventsub"))
	} else {
		startSession(ctx, cfg, tokens, manager)
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	deps := server.Deps{
		Store:   st,
		Ledger:  led,
		Hub:     hub,
		Tokens:  tokens,
		Session: manager,
		LookupUser: func(lctx context.Context, accessToken string) (*twitchapi.User, error) {
			return (&twitchapi.HelixClient{Tokens: twitchapi.StaticToken(accessToken), ClientID: cfg.TwitchClientID}).GetUser(lctx)
		},
		Settings: map[string]any{
			"store_backend":    cfg.StoreBackend,
			"karma_min":        cfg.KarmaMin.String(),
			"karma_max":        cfg.KarmaMax.String(),
			"reward_titles":    resolver.Len(),
			"eventsub_url":     cfg.EventSubURL,
			"twitch_scopes":    oauthCfg.Scopes,
			"admin_enabled":    cfg.AdminConfigured(),
			"authorize_url":    cfg.AuthorizeURL(),
			"broadcast_buffer": cfg.BroadcastBuffer,
		},
	}
	if twitchReady {
		deps.OAuth = oauthCfg
	}
	if !cfg.AdminConfigured() {
		slog.Warn("admin API disabled (set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD)", slog.String("component", "http"))
	}

	router := server.NewRouter(ctx, deps, server.Options{
		Auth: server.AuthConfig{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
		RateLimit:          server.RateLimitConfig{RequestsPerIP: cfg.AdminRateLimit, Window: cfg.AdminRateWindow},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	return server.Start(ctx, router, cfg.HTTPAddr)
}

// startSession refreshes a stored grant if it is close to expiry and opens
// the event stream for its broadcaster. Without a grant the stream starts
// from the OAuth callback instead.
func startSession(ctx context.Context, cfg *config.Config, tokens *oauth.Provider, manager *eventsub.Manager) {
	log := slog.With(slog.String("component", "eventsub"))

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	_, err := tokens.RefreshIfExpiring(rctx, cfg.TokenRefreshWindow)
	cancel()
	if err != nil && !errors.Is(err, oauth.ErrNoTokens) {
		log.Warn("boot token refresh failed", slog.Any("err", err))
	}

	t, err := tokens.Tokens(ctx)
	switch {
	case errors.Is(err, oauth.ErrNoTokens):
		log.Info("no broadcaster authorization yet", slog.String("authorize_url", cfg.AuthorizeURL()))
		return
	case err != nil:
		log.Error("load broadcaster tokens failed", slog.Any("err", err))
		return
	case t.BroadcasterID == "":
		log.Warn("stored grant has no broadcaster id, re-authorize", slog.String("authorize_url", cfg.AuthorizeURL()))
		return
	}
	if err := manager.Restart(ctx, t.BroadcasterID); err != nil {
		log.Error("event stream start failed", slog.Any("err", err))
		return
	}
	log.Info("event stream started", slog.String("broadcaster", t.BroadcasterLogin))
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
