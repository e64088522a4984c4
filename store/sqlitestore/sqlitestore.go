// Package sqlitestore is the local-file backend of store.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial schema with decimal text columns
const currentSchemaVersion = 1

const timeLayout = time.RFC3339Nano

// Store implements store.Store on a single SQLite file.
type Store struct {
	db    *sql.DB
	codec store.TokenCodec
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path, creating parent directories.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - immediate transactions so read-modify-write takes the write lock up front
//   - a single connection, SQLite allows one writer
func Open(path string, codec store.TokenCodec) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, codec: codec}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// DB returns the underlying handle for the operator CLI.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func (s *Store) GetAll(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_name, value FROM karma`)
	if err != nil {
		return nil, fmt.Errorf("query karma: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var user string
		var v decimal.Decimal
		if err := rows.Scan(&user, &v); err != nil {
			return nil, fmt.Errorf("scan karma: %w", err)
		}
		out[user] = v
	}
	return out, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, user string) (decimal.Decimal, error) {
	return getValue(ctx, s.db, user)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getValue(ctx context.Context, q queryRower, user string) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := q.QueryRowContext(ctx, `SELECT value FROM karma WHERE user_name = ?`, user).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get karma: %w", err)
	}
	return v, nil
}

// ApplyDelta reads, clamps and writes inside one immediate transaction.
func (s *Store) ApplyDelta(ctx context.Context, user string, delta decimal.Decimal, b store.Bounds) (decimal.Decimal, error) {
	_, next, err := s.update(ctx, user, func(cur decimal.Decimal) decimal.Decimal {
		return b.Clamp(cur.Add(delta))
	})
	return next, err
}

func (s *Store) SetUser(ctx context.Context, user string, value decimal.Decimal, b store.Bounds) (prev, next decimal.Decimal, err error) {
	return s.update(ctx, user, func(decimal.Decimal) decimal.Decimal {
		return b.Clamp(value)
	})
}

// update runs read, fn and write in one transaction and returns the value
// it read along with the one it wrote.
func (s *Store) update(ctx context.Context, user string, fn func(decimal.Decimal) decimal.Decimal) (prev, next decimal.Decimal, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err = getValue(ctx, tx, user)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	next = fn(prev)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO karma (user_name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		user, next.String(), now())
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("write karma: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("commit: %w", err)
	}
	return prev, next, nil
}

func (s *Store) SaveTokens(ctx context.Context, t store.Tokens) error {
	blob, err := s.codec.Encode(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		blob, now())
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

func (s *Store) LoadTokens(ctx context.Context) (*store.Tokens, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tokens WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return s.codec.Decode(blob)
}
