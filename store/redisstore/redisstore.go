// Package redisstore is the hosted-Redis backend of store.Store.
//
// Layout under the configured key prefix:
//
//	<prefix>karma    hash  user -> decimal string
//	<prefix>pending  hash  redemption id -> JSON record
//	<prefix>tokens   string sealed token blob
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/store"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "karma:"

// maxTxAttempts bounds optimistic retries when a watched key changes.
const maxTxAttempts = 50

// ErrContention is returned when a ledger update loses the optimistic race
// maxTxAttempts times in a row.
var ErrContention = errors.New("redis ledger update contention")

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
	// PingRetries bounds the startup ping attempts.
	PingRetries uint64
}

// Connect builds a client and pings it with exponential backoff.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	retries := opts.PingRetries
	if retries == 0 {
		retries = 5
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	err := backoff.Retry(func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("redis connection failed, retrying", slog.String("addr", opts.Addr), slog.Any("err", err))
			return err
		}
		return nil
	}, b)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	slog.Info("connected to redis", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
	return client, nil
}

// Store implements store.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	codec  store.TokenCodec
}

var _ store.Store = (*Store)(nil)

// New wraps a connected client. An empty prefix uses DefaultKeyPrefix.
func New(client *redis.Client, prefix string, codec store.TokenCodec) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix, codec: codec}
}

func (s *Store) karmaKey() string   { return s.prefix + "karma" }
func (s *Store) pendingKey() string { return s.prefix + "pending" }
func (s *Store) tokensKey() string  { return s.prefix + "tokens" }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) GetAll(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := s.client.HGetAll(ctx, s.karmaKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("get all karma: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for user, v := range raw {
		dv, err := decimal.NewFromString(v)
		if err != nil {
			slog.Warn("skipping unparsable karma value", slog.String("user", user), slog.String("value", v))
			continue
		}
		out[user] = dv
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, user string) (decimal.Decimal, error) {
	return parseValue(s.client.HGet(ctx, s.karmaKey(), user))
}

func parseValue(cmd *redis.StringCmd) (decimal.Decimal, error) {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get karma: %w", err)
	}
	dv, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse karma %q: %w", v, err)
	}
	return dv, nil
}

// ApplyDelta runs a WATCH/MULTI read-modify-write, retried while another
// writer touches the hash between read and commit.
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

func (s *Store) update(ctx context.Context, user string, fn func(decimal.Decimal) decimal.Decimal) (prev, next decimal.Decimal, err error) {
	txf := func(tx *redis.Tx) error {
		cur, err := parseValue(tx.HGet(ctx, s.karmaKey(), user))
		if err != nil {
			return err
		}
		prev, next = cur, fn(cur)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, s.karmaKey(), user, next.String())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, s.karmaKey())
		if err == nil {
			return prev, next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("apply karma: %w", err)
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("%w for user %q", ErrContention, user)
}

func (s *Store) SaveTokens(ctx context.Context, t store.Tokens) error {
	blob, err := s.codec.Encode(t)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.tokensKey(), blob, 0).Err(); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

func (s *Store) LoadTokens(ctx context.Context) (*store.Tokens, error) {
	blob, err := s.client.Get(ctx, s.tokensKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return s.codec.Decode(blob)
}

func (s *Store) PendingAdd(ctx context.Context, r store.Redemption) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	if err := s.client.HSet(ctx, s.pendingKey(), r.ID, data).Err(); err != nil {
		return fmt.Errorf("pending add: %w", err)
	}
	return nil
}

func (s *Store) PendingGet(ctx context.Context, id string) (*store.Redemption, error) {
	data, err := s.client.HGet(ctx, s.pendingKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending get: %w", err)
	}
	var r store.Redemption
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal pending %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) PendingAll(ctx context.Context) (map[string]store.Redemption, error) {
	raw, err := s.client.HGetAll(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("pending all: %w", err)
	}
	out := make(map[string]store.Redemption, len(raw))
	for id, data := range raw {
		var r store.Redemption
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			slog.Warn("skipping unparsable pending record", slog.String("id", id), slog.Any("err", err))
			continue
		}
		out[id] = r
	}
	return out, nil
}

func (s *Store) PendingDelete(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.pendingKey(), id).Err(); err != nil {
		return fmt.Errorf("pending delete: %w", err)
	}
	return nil
}
