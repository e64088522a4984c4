// Package backend opens the store.Store selected by STORE_BACKEND, with the
// token codec derived from ENCRYPTION_KEY.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/karma-tender/config"
	"github.com/onnwee/karma-tender/crypto"
	"github.com/onnwee/karma-tender/db"
	"github.com/onnwee/karma-tender/store"
	"github.com/onnwee/karma-tender/store/redisstore"
	"github.com/onnwee/karma-tender/store/sqlitestore"
)

// Codec builds the token codec. Without a key tokens are stored as plaintext
// JSON and a sealed blob fails to load.
func Codec(key string) (store.TokenCodec, error) {
	if key == "" {
		return store.TokenCodec{}, nil
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return store.TokenCodec{}, fmt.Errorf("token encryption: %w", err)
	}
	return store.TokenCodec{Enc: enc}, nil
}

// Open connects to the configured backend. Postgres is migrated to the
// latest schema before it is returned.
func Open(ctx context.Context, cfg *config.Config) (store.Store, error) {
	codec, err := Codec(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if codec.Enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored unencrypted", slog.String("component", "store"))
	}

	switch cfg.StoreBackend {
	case store.BackendPostgres:
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, err
		}
		return db.New(database, codec), nil
	case store.BackendSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath, codec)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite store opened", slog.String("path", cfg.SQLitePath), slog.String("component", "store"))
		return s, nil
	case store.BackendRedis:
		client, err := redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return redisstore.New(client, cfg.RedisKeyPrefix, codec), nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownBackend, cfg.StoreBackend)
	}
}
