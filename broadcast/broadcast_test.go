package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(user string) Event {
	return Event{
		User:   user,
		Value:  decimal.RequireFromString("4.75"),
		Delta:  decimal.RequireFromString("-0.25"),
		Source: "reward:bleed🩸",
		At:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublish_FanOut(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(context.Background(), event("alice"))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, "alice", ev.User)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublish_NoBacklogForLateSubscriber(t *testing.T) {
	h := NewHub(4)
	h.Publish(context.Background(), event("early"))

	ch, cancel := h.Subscribe()
	defer cancel()
	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received %v", ev)
	default:
	}
}

func TestPublish_FullSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	slow, cancelSlow := h.Subscribe()
	defer cancelSlow()
	fast, cancelFast := h.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		h.Publish(context.Background(), event("one"))
		<-fast
		h.Publish(context.Background(), event("two"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, "one", (<-slow).User)
	select {
	case ev := <-slow:
		t.Fatalf("slow subscriber should have missed %q", ev.User)
	default:
	}
	assert.Equal(t, "two", (<-fast).User)
}

func TestSubscribe_CancelIdempotent(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	require.Equal(t, 1, h.Subscribers())
	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)

	h.Publish(context.Background(), event("after"))
}

func TestEvent_MarshalJSON(t *testing.T) {
	raw, err := json.Marshal(event("alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"alice","value":4.75,"delta":-0.25,"source":"reward:bleed🩸","at":"2025-01-01T00:00:00Z"}`, string(raw))
}
