package db_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/db"
	"github.com/onnwee/karma-tender/store"
	"github.com/onnwee/karma-tender/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRunMigrations_Idempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)

	for i := 0; i < 2; i++ {
		if err := db.RunMigrations(database); err != nil {
			t.Fatalf("RunMigrations() run %d error = %v", i, err)
		}
	}

	for _, table := range []string{"karma", "pending", "tokens"} {
		var exists bool
		err := database.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := db.MigrationVersion(database)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if dirty || version < 2 {
		t.Errorf("MigrationVersion() = %d dirty=%v, want >= 2 clean", version, dirty)
	}

	var dataType string
	if err := database.QueryRow(`SELECT data_type FROM information_schema.columns
		WHERE table_name = 'pending' AND column_name = 'delta'`).Scan(&dataType); err != nil {
		t.Fatalf("query column type: %v", err)
	}
	if dataType != "numeric" {
		t.Errorf("pending.delta type = %q, want numeric", dataType)
	}
}

func TestApplyDelta_Clamp(t *testing.T) {
	s := db.New(testutil.SetupTestDB(t), store.TokenCodec{})
	ctx := context.Background()
	b := store.DefaultBounds()

	tests := []struct {
		user  string
		delta string
		want  string
	}{
		{"alice", "4.9", "4.9"},
		{"alice", "1", "5"},
		{"alice", "-0.25", "4.75"},
		{"bob", "-9", "-5"},
	}
	for _, tt := range tests {
		got, err := s.ApplyDelta(ctx, tt.user, d(tt.delta), b)
		if err != nil {
			t.Fatalf("ApplyDelta(%s, %s) error = %v", tt.user, tt.delta, err)
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("ApplyDelta(%s, %s) = %s, want %s", tt.user, tt.delta, got, tt.want)
		}
	}

	v, err := s.GetUser(ctx, "nobody")
	if err != nil || !v.IsZero() {
		t.Errorf("GetUser(nobody) = %s, %v; want 0", v, err)
	}
}

func TestSetUser_ReturnsReplacedValue(t *testing.T) {
	s := db.New(testutil.SetupTestDB(t), store.TokenCodec{})
	ctx := context.Background()
	b := store.DefaultBounds()

	prev, next, err := s.SetUser(ctx, "carol", d("9"), b)
	if err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if !prev.IsZero() || !next.Equal(d("5")) {
		t.Errorf("SetUser(new) = %s, %s; want 0, 5", prev, next)
	}
	if _, err := s.ApplyDelta(ctx, "carol", d("-1.25"), b); err != nil {
		t.Fatal(err)
	}
	prev, next, err = s.SetUser(ctx, "carol", d("1"), b)
	if err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if !prev.Equal(d("3.75")) || !next.Equal(d("1")) {
		t.Errorf("SetUser(existing) = %s, %s; want 3.75, 1", prev, next)
	}
}

func TestApplyDelta_Concurrent(t *testing.T) {
	s := db.New(testutil.SetupTestDB(t), store.TokenCodec{})
	ctx := context.Background()
	b, _ := store.NewBounds(d("-100"), d("100"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyDelta(ctx, "alice", d("0.1"), b); err != nil {
				t.Errorf("ApplyDelta() error = %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(d("2")) {
		t.Errorf("after 20 x 0.1 value = %s, want 2", v)
	}
}

func TestPendingAndTokens(t *testing.T) {
	s := db.New(testutil.SetupTestDB(t), store.TokenCodec{})
	ctx := context.Background()

	r := store.Redemption{ID: "r1", User: "alice", Title: "hydrate💧", Delta: d("0.1"),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond), Status: store.StatusUnfulfilled}
	if err := s.PendingAdd(ctx, r); err != nil {
		t.Fatalf("PendingAdd() error = %v", err)
	}
	later := r
	later.User, later.Title, later.Delta = "bob", "eat🍏", d("-0.25")
	if err := s.PendingAdd(ctx, later); err != nil {
		t.Fatalf("PendingAdd() second error = %v", err)
	}
	got, err := s.PendingGet(ctx, "r1")
	if err != nil || got == nil {
		t.Fatalf("PendingGet() = %v, %v", got, err)
	}
	if !got.Delta.Equal(d("-0.25")) || got.User != "bob" || got.Title != "eat🍏" {
		t.Errorf("PendingGet() = %+v, want later payload", got)
	}
	if all, err := s.PendingAll(ctx); err != nil || len(all) != 1 {
		t.Errorf("PendingAll() = %d records, %v; want 1", len(all), err)
	}
	if err := s.PendingDelete(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.PendingGet(ctx, "r1"); got != nil {
		t.Errorf("record still present after delete")
	}

	if tok, err := s.LoadTokens(ctx); err != nil || tok != nil {
		t.Fatalf("LoadTokens() on empty = %v, %v", tok, err)
	}
	if err := s.SaveTokens(ctx, store.Tokens{AccessToken: "a", BroadcasterID: "7"}); err != nil {
		t.Fatal(err)
	}
	tok, err := s.LoadTokens(ctx)
	if err != nil || tok == nil || tok.BroadcasterID != "7" {
		t.Errorf("LoadTokens() = %+v, %v", tok, err)
	}
}
