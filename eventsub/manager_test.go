package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverConn struct {
	conn *websocket.Conn
	path string
}

// newWSServer accepts websocket connections on any path and hands them to the
// test. The handler only reads, so the test goroutine is the single writer.
func newWSServer(t *testing.T) (string, <-chan serverConn) {
	t.Helper()
	conns := make(chan serverConn, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.SetCloseHandler(func(int, string) error { return nil })
		conns <- serverConn{conn: conn, path: r.URL.Path}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func send(t *testing.T, c serverConn, frame string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func welcomeFrame(sessionID string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%[1]s","message_type":"session_welcome"},"payload":{"session":{"id":%[1]q,"status":"connected","keepalive_timeout_seconds":30}}}`, sessionID)
}

func reconnectFrame(url string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"id":"s1","status":"reconnecting","reconnect_url":%q}}}`, url)
}

func notificationFrame(msgID, typ, event string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"notification","subscription_type":%q},"payload":{"subscription":{"type":%q},"event":%s}}`, msgID, typ, typ, event)
}

type reconcileCall struct {
	sessionID     string
	broadcasterID string
}

type fakeReconciler struct {
	calls chan reconcileCall
	err   error
}

func (f *fakeReconciler) Reconcile(_ context.Context, sessionID, broadcasterID string) error {
	f.calls <- reconcileCall{sessionID: sessionID, broadcasterID: broadcasterID}
	return f.err
}

type notification struct {
	typ   string
	event json.RawMessage
}

type fakeHandler struct {
	got chan notification
}

func (f *fakeHandler) HandleNotification(_ context.Context, typ string, event json.RawMessage) error {
	f.got <- notification{typ: typ, event: append(json.RawMessage(nil), event...)}
	return nil
}

func newTestManager(t *testing.T, url string) (*Manager, *fakeReconciler, *fakeHandler) {
	t.Helper()
	rec := &fakeReconciler{calls: make(chan reconcileCall, 8)}
	h := &fakeHandler{got: make(chan notification, 8)}
	m := NewManager(ManagerConfig{
		URL:            url,
		BroadcasterID:  "b1",
		ReconnectDelay: 10 * time.Millisecond,
	}, rec, h)
	t.Cleanup(m.Stop)
	return m, rec, h
}

func waitForSession(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := m.State()
		return s.State == StateOpen && s.ID == id
	}, 3*time.Second, 5*time.Millisecond, "session %s never opened", id)
}

func TestManager_WelcomeReconcilesAndForwards(t *testing.T) {
	url, conns := newWSServer(t)
	m, rec, h := newTestManager(t, url+"/ws")
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrRunning)

	c := recv(t, conns)
	send(t, c, welcomeFrame("s1"))
	call := recv(t, rec.calls)
	assert.Equal(t, reconcileCall{sessionID: "s1", broadcasterID: "b1"}, call)
	waitForSession(t, m, "s1")

	send(t, c, notificationFrame("n1", "channel.channel_points_custom_reward_redemption.add", `{"id":"r1"}`))
	got := recv(t, h.got)
	assert.Equal(t, "channel.channel_points_custom_reward_redemption.add", got.typ)
	assert.JSONEq(t, `{"id":"r1"}`, string(got.event))

	// Keepalives, revocations and malformed frames leave the session intact.
	send(t, c, `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`)
	send(t, c, `{"metadata":{"message_type":"revocation","subscription_type":"x"},"payload":{"subscription":{"status":"authorization_revoked"}}}`)
	send(t, c, `{not json`)
	send(t, c, `{"metadata":{"message_type":"mystery"}}`)
	send(t, c, notificationFrame("n2", "channel.channel_points_custom_reward_redemption.update", `{"id":"r1","status":"fulfilled"}`))
	got = recv(t, h.got)
	assert.Equal(t, "channel.channel_points_custom_reward_redemption.update", got.typ)
	assert.Equal(t, "s1", m.State().ID)

	m.Stop()
	assert.False(t, m.Running())
	assert.Equal(t, SessionState{State: StateClosed}, m.State())
}

func TestManager_SessionReconnectDialsSuppliedURL(t *testing.T) {
	url, conns := newWSServer(t)
	m, rec, h := newTestManager(t, url+"/ws")
	require.NoError(t, m.Start(context.Background()))

	first := recv(t, conns)
	assert.Equal(t, "/ws", first.path)
	send(t, first, welcomeFrame("s1"))
	recv(t, rec.calls)

	send(t, first, reconnectFrame(url+"/handover"))
	second := recv(t, conns)
	assert.Equal(t, "/handover", second.path)

	send(t, second, welcomeFrame("s2"))
	call := recv(t, rec.calls)
	assert.Equal(t, "s2", call.sessionID)
	waitForSession(t, m, "s2")
	assert.Equal(t, url+"/handover", m.State().ReconnectURL)

	send(t, second, notificationFrame("n1", "t", `{"n":2}`))
	assert.JSONEq(t, `{"n":2}`, string(recv(t, h.got).event))
}

func TestManager_RedialsAfterUnsolicitedClose(t *testing.T) {
	url, conns := newWSServer(t)
	m, rec, _ := newTestManager(t, url+"/ws")
	require.NoError(t, m.Start(context.Background()))

	first := recv(t, conns)
	send(t, first, welcomeFrame("s1"))
	recv(t, rec.calls)
	require.NoError(t, first.conn.Close())

	second := recv(t, conns)
	assert.Equal(t, "/ws", second.path)
	send(t, second, welcomeFrame("s2"))
	assert.Equal(t, "s2", recv(t, rec.calls).sessionID)
	waitForSession(t, m, "s2")
}

func TestManager_RedialsHandoverURLAfterClose(t *testing.T) {
	url, conns := newWSServer(t)
	m, rec, _ := newTestManager(t, url+"/ws")
	require.NoError(t, m.Start(context.Background()))

	first := recv(t, conns)
	send(t, first, welcomeFrame("s1"))
	recv(t, rec.calls)

	send(t, first, reconnectFrame(url+"/handover"))
	second := recv(t, conns)
	require.Equal(t, "/handover", second.path)
	send(t, second, welcomeFrame("s2"))
	recv(t, rec.calls)
	waitForSession(t, m, "s2")

	require.NoError(t, second.conn.Close())
	third := recv(t, conns)
	assert.Equal(t, "/handover", third.path)
	send(t, third, welcomeFrame("s3"))
	assert.Equal(t, "s3", recv(t, rec.calls).sessionID)
	waitForSession(t, m, "s3")
}

func TestManager_FallsBackToDefaultWhenHandoverUnreachable(t *testing.T) {
	url, conns := newWSServer(t)
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := "ws" + strings.TrimPrefix(gone.URL, "http") + "/handover"
	gone.Close()

	m, rec, _ := newTestManager(t, url+"/ws")
	require.NoError(t, m.Start(context.Background()))

	first := recv(t, conns)
	send(t, first, welcomeFrame("s1"))
	recv(t, rec.calls)

	send(t, first, reconnectFrame(goneURL))
	second := recv(t, conns)
	require.Equal(t, "/ws", second.path)
	send(t, second, welcomeFrame("s2"))
	assert.Equal(t, "s2", recv(t, rec.calls).sessionID)
	waitForSession(t, m, "s2")
	assert.Empty(t, m.State().ReconnectURL)

	// The failed handover URL is forgotten for later redials too.
	require.NoError(t, second.conn.Close())
	third := recv(t, conns)
	assert.Equal(t, "/ws", third.path)
}

func TestManager_RedialsWhenWelcomeNeverArrives(t *testing.T) {
	url, conns := newWSServer(t)
	rec := &fakeReconciler{calls: make(chan reconcileCall, 8)}
	m := NewManager(ManagerConfig{
		URL:            url + "/ws",
		BroadcasterID:  "b1",
		ReconnectDelay: 10 * time.Millisecond,
		WelcomeTimeout: 300 * time.Millisecond,
	}, rec, nil)
	t.Cleanup(m.Stop)
	require.NoError(t, m.Start(context.Background()))

	// The first connection stays silent.
	recv(t, conns)
	next := recv(t, conns)
	assert.Equal(t, "/ws", next.path)
	send(t, next, welcomeFrame("s1"))
	assert.Equal(t, "s1", recv(t, rec.calls).sessionID)
	waitForSession(t, m, "s1")
}

func TestManager_ReconcileFailureKeepsSession(t *testing.T) {
	url, conns := newWSServer(t)
	m, rec, h := newTestManager(t, url+"/ws")
	rec.err = errors.New("create failed")
	require.NoError(t, m.Start(context.Background()))

	c := recv(t, conns)
	send(t, c, welcomeFrame("s1"))
	recv(t, rec.calls)
	waitForSession(t, m, "s1")

	send(t, c, notificationFrame("n1", "t", `{}`))
	recv(t, h.got)
}

func TestManager_RestartAfterStop(t *testing.T) {
	url, conns := newWSServer(t)
	m, rec, _ := newTestManager(t, url+"/ws")
	require.NoError(t, m.Start(context.Background()))
	c := recv(t, conns)
	send(t, c, welcomeFrame("s1"))
	recv(t, rec.calls)

	require.NoError(t, m.Restart(context.Background(), "b2"))
	c = recv(t, conns)
	send(t, c, welcomeFrame("s2"))
	assert.Equal(t, reconcileCall{sessionID: "s2", broadcasterID: "b2"}, recv(t, rec.calls))
}

func TestLoop_DiscardsSupersededFrames(t *testing.T) {
	m, _, h := newTestManager(t, "ws://unused")
	l := m.newLoop()
	l.gen = 2

	stale, err := ParseFrame([]byte(notificationFrame("old", "t", `{"gen":1}`)))
	require.NoError(t, err)
	current, err := ParseFrame([]byte(notificationFrame("new", "t", `{"gen":2}`)))
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, l.dispatch(ctx, inbound{gen: 1, frame: stale}))
	assert.True(t, l.dispatch(ctx, inbound{gen: 1, err: errors.New("closed")}), "stale read errors must not trigger a reconnect")
	assert.True(t, l.dispatch(ctx, inbound{gen: 2, frame: current}))

	got := recv(t, h.got)
	assert.JSONEq(t, `{"gen":2}`, string(got.event))
	select {
	case extra := <-h.got:
		t.Fatalf("unexpected notification %s", extra.event)
	default:
	}
}
