// Package config loads environment variables into a typed Config used across
// the service. Defaults let the binary run locally against a SQLite file with
// no setup; Twitch credentials are only checked by ValidateTwitchReady.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/store"
)

type Config struct {
	// Twitch
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchRedirectURI  string `env:"TWITCH_REDIRECT_URI"`
	TwitchScopes       string `env:"TWITCH_SCOPES" envDefault:"channel:read:redemptions"`
	PublicURL          string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	// HTTP
	HTTPAddr           string        `env:"HTTP_ADDR" envDefault:":8080"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	AdminToken         string        `env:"ADMIN_TOKEN"`
	AdminUsername      string        `env:"ADMIN_USERNAME"`
	AdminPassword      string        `env:"ADMIN_PASSWORD"`
	AdminRateLimit     int           `env:"ADMIN_RATE_LIMIT" envDefault:"30"`
	AdminRateWindow    time.Duration `env:"ADMIN_RATE_WINDOW" envDefault:"1m"`

	// Storage
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"sqlite"`
	DBDsn          string `env:"DB_DSN"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/karma.db"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"karma:"`
	EncryptionKey  string `env:"ENCRYPTION_KEY"`

	// Ledger
	KarmaMin        decimal.Decimal `env:"KARMA_MIN" envDefault:"-5"`
	KarmaMax        decimal.Decimal `env:"KARMA_MAX" envDefault:"5"`
	RewardMapJSON   string          `env:"REWARD_MAP_JSON"`
	RewardMapFile   string          `env:"REWARD_MAP_FILE"`
	BroadcastBuffer int             `env:"BROADCAST_BUFFER" envDefault:"16"`

	// EventSub
	EventSubURL              string        `env:"EVENTSUB_URL" envDefault:"wss://eventsub.wss.twitch.tv/ws"`
	EventSubReconnectDelay   time.Duration `env:"EVENTSUB_RECONNECT_DELAY" envDefault:"1500ms"`
	EventSubReconcileTimeout time.Duration `env:"EVENTSUB_RECONCILE_TIMEOUT" envDefault:"30s"`
	EventSubWelcomeTimeout   time.Duration `env:"EVENTSUB_WELCOME_TIMEOUT" envDefault:"10s"`
	TokenRefreshInterval     time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"5m"`
	TokenRefreshWindow       time.Duration `env:"TOKEN_REFRESH_WINDOW" envDefault:"15m"`

	// Telemetry
	OtelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses the environment and validates the result. Missing Twitch
// credentials are not an error here; see ValidateTwitchReady.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	b, err := store.ParseBackend(cfg.StoreBackend)
	if err != nil {
		return nil, err
	}
	cfg.StoreBackend = b
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if !c.KarmaMin.LessThan(c.KarmaMax) {
		errs = append(errs, fmt.Errorf("KARMA_MIN (%s) must be below KARMA_MAX (%s)", c.KarmaMin, c.KarmaMax))
	}
	if _, err := store.ParseBackend(c.StoreBackend); err != nil {
		errs = append(errs, err)
	}
	if c.StoreBackend == store.BackendPostgres && c.DBDsn == "" {
		errs = append(errs, errors.New("DB_DSN is required for the postgres backend"))
	}
	if c.EventSubReconnectDelay <= 0 {
		errs = append(errs, errors.New("EVENTSUB_RECONNECT_DELAY must be positive"))
	}
	if c.EventSubReconcileTimeout <= 0 {
		errs = append(errs, errors.New("EVENTSUB_RECONCILE_TIMEOUT must be positive"))
	}
	if c.EventSubWelcomeTimeout <= 0 {
		errs = append(errs, errors.New("EVENTSUB_WELCOME_TIMEOUT must be positive"))
	}
	if c.TokenRefreshInterval <= 0 || c.TokenRefreshWindow <= 0 {
		errs = append(errs, errors.New("TOKEN_REFRESH_INTERVAL and TOKEN_REFRESH_WINDOW must be positive"))
	}
	if c.BroadcastBuffer < 1 {
		errs = append(errs, fmt.Errorf("invalid BROADCAST_BUFFER: %d (must be >= 1)", c.BroadcastBuffer))
	}
	if c.AdminRateLimit < 1 || c.AdminRateWindow <= 0 {
		errs = append(errs, errors.New("ADMIN_RATE_LIMIT and ADMIN_RATE_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateTwitchReady checks the fields the OAuth flow and Helix calls need.
func (c *Config) ValidateTwitchReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" || c.TwitchRedirectURI == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI")
	}
	return nil
}

// Bounds returns the configured ledger bounds.
func (c *Config) Bounds() store.Bounds {
	return store.Bounds{Min: c.KarmaMin, Max: c.KarmaMax}
}

// AdminConfigured reports whether any admin credential is set.
func (c *Config) AdminConfigured() bool {
	return c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != "")
}

// AuthorizeURL is where an operator starts the broadcaster login.
func (c *Config) AuthorizeURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/auth/twitch/start"
}
