package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/karma-tender/crypto"
	"github.com/onnwee/karma-tender/store"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "", store.TokenCodec{})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := Connect(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestConnect_FailsAfterRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := Connect(ctx, Options{Addr: "127.0.0.1:1", PingRetries: 1})
	assert.Error(t, err)
}

func TestApplyDelta_ClampsExactly(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()
	b := store.DefaultBounds()

	_, err := s.ApplyDelta(ctx, "alice", d("4.9"), b)
	require.NoError(t, err)
	v, err := s.ApplyDelta(ctx, "alice", d("1"), b)
	require.NoError(t, err)
	assert.Equal(t, "5", v.String())
	assert.Equal(t, "5", mr.HGet("karma:karma", "alice"))

	v, err = s.ApplyDelta(ctx, "bob", d("-0.25"), b)
	require.NoError(t, err)
	assert.Equal(t, "-0.25", v.String())

	unseen, err := s.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, unseen.IsZero())
}

func TestApplyDelta_ConcurrentNoLostUpdates(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()
	b, err := store.NewBounds(d("-100"), d("100"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyDelta(ctx, "alice", d("0.5"), b)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10", v.String())
}

func TestGetAll_SkipsGarbage(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()
	prev, v, err := s.SetUser(ctx, "alice", d("-7"), store.DefaultBounds())
	require.NoError(t, err)
	assert.True(t, prev.IsZero())
	assert.Equal(t, "-5", v.String())
	prev, _, err = s.SetUser(ctx, "alice", d("-7"), store.DefaultBounds())
	require.NoError(t, err)
	assert.Equal(t, "-5", prev.String())
	mr.HSet("karma:karma", "mallory", "not-a-number")

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "-5", all["alice"].String())
}

func TestPending_Lifecycle(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	r := store.Redemption{ID: "r1", User: "alice", Title: "eat🍏", Delta: d("0.15"), Status: store.StatusUnfulfilled, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PendingAdd(ctx, r))
	later := r
	later.User, later.Title, later.Delta = "bob", "heal💓", d("-0.25")
	require.NoError(t, s.PendingAdd(ctx, later))

	got, err := s.PendingGet(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Delta.Equal(d("-0.25")))
	assert.Equal(t, "bob", got.User)
	assert.Equal(t, "heal💓", got.Title)

	all, err := s.PendingAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "r1")

	require.NoError(t, s.PendingDelete(ctx, "r1"))
	got, err = s.PendingGet(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokens_SealedAtRest(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	key := make([]byte, crypto.KeySize)
	_, _ = rand.Read(key)
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", store.TokenCodec{Enc: enc})
	defer s.Close()
	ctx := context.Background()

	none, err := s.LoadTokens(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.SaveTokens(ctx, store.Tokens{AccessToken: "secret-access", RefreshToken: "secret-refresh"}))
	raw, err := mr.Get("test:tokens")
	require.NoError(t, err)
	assert.True(t, store.IsSealed(raw))
	assert.NotContains(t, raw, "secret")

	got, err := s.LoadTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret-refresh", got.RefreshToken)
}
