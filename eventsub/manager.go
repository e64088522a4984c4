// Package eventsub keeps one Twitch EventSub WebSocket session alive, binds
// the redemption subscriptions to it and forwards notifications to a handler.
//
// A single run loop owns the connection. Every dialed connection gets a new
// generation number and a reader goroutine that pushes decoded frames onto
// one channel; frames from a superseded connection are discarded, so a
// session_reconnect handover can never deliver events out of order.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/onnwee/karma-tender/telemetry"
)

// DefaultURL is the public EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultReconnectDelay   = 1500 * time.Millisecond
	defaultReconcileTimeout = 30 * time.Second
	// defaultWelcomeTimeout bounds the wait for session_welcome on a fresh
	// connection.
	defaultWelcomeTimeout = 10 * time.Second
	// keepaliveGrace is added to the session keepalive before a silent
	// connection is treated as dead.
	keepaliveGrace = 5 * time.Second
)

// ErrRunning is returned by Start while a run loop is active.
var ErrRunning = errors.New("eventsub manager already running")

// State of the socket session.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateOpen       State = "OPEN"
	StateClosed     State = "CLOSED"
)

// SessionState describes the current session. It is replaced wholesale on
// every connect.
type SessionState struct {
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	ID           string    `json:"id"`
	ReconnectURL string    `json:"reconnect_url,omitempty"`
	State        State     `json:"state"`
}

// NotificationHandler receives the raw event of every notification.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, subscriptionType string, event json.RawMessage) error
}

// SubscriptionReconciler binds subscriptions to a fresh session.
type SubscriptionReconciler interface {
	Reconcile(ctx context.Context, sessionID, broadcasterID string) error
}

// ManagerConfig configures a Manager. Zero durations select the defaults.
type ManagerConfig struct {
	Dialer           *websocket.Dialer
	URL              string
	BroadcasterID    string
	ReconnectDelay   time.Duration
	ReconcileTimeout time.Duration
	WelcomeTimeout   time.Duration
}

// Manager owns the EventSub session.
type Manager struct {
	cfg        ManagerConfig
	reconciler SubscriptionReconciler
	handler    NotificationHandler

	mu     sync.Mutex
	state  SessionState
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg ManagerConfig, reconciler SubscriptionReconciler, handler NotificationHandler) *Manager {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = defaultReconcileTimeout
	}
	if cfg.WelcomeTimeout <= 0 {
		cfg.WelcomeTimeout = defaultWelcomeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		cfg:        cfg,
		reconciler: reconciler,
		handler:    handler,
		state:      SessionState{State: StateClosed},
	}
}

// Start launches the run loop. The loop lives until ctx is canceled or Stop
// is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.state = SessionState{State: StateConnecting}
	go func() {
		defer close(done)
		m.run(runCtx)
		m.mu.Lock()
		if m.done == done {
			m.cancel, m.done = nil, nil
			cancel()
		}
		m.mu.Unlock()
		m.setState(SessionState{State: StateClosed})
	}()
	return nil
}

// Stop closes the live connection, waits for the run loop and clears the
// session state. It is a no-op when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setState(SessionState{State: StateClosed})
}

// Restart stops any running session and starts a new one for broadcasterID.
// Only one session is ever active.
func (m *Manager) Restart(ctx context.Context, broadcasterID string) error {
	m.Stop()
	m.mu.Lock()
	m.cfg.BroadcasterID = broadcasterID
	m.mu.Unlock()
	return m.Start(ctx)
}

// Running reports whether a run loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// State returns a copy of the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	telemetry.SetSessionOpen(s.State == StateOpen)
}

func (m *Manager) broadcasterID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.BroadcasterID
}

// inbound is one frame, or the terminal read error, of connection gen.
type inbound struct {
	frame *Frame
	err   error
	gen   uint64
}

// loop is the run loop's private state. Only the run goroutine touches it.
type loop struct {
	m            *Manager
	in           chan inbound
	conn         *websocket.Conn
	gen          uint64
	reconnectURL string
	log          *slog.Logger
}

func (m *Manager) newLoop() *loop {
	return &loop{
		m:   m,
		in:  make(chan inbound, 64),
		log: slog.Default().With(slog.String("component", "eventsub")),
	}
}

func (m *Manager) run(ctx context.Context) {
	l := m.newLoop()
	defer l.closeConn()

	if err := l.connect(ctx, m.cfg.URL, false); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			l.log.Info("eventsub stopped")
			return
		case msg := <-l.in:
			if !l.dispatch(ctx, msg) {
				return
			}
		}
	}
}

// dispatch handles one inbound message. It returns false when the loop must
// exit because ctx ended during a reconnect.
func (l *loop) dispatch(ctx context.Context, msg inbound) bool {
	if msg.gen != l.gen {
		l.log.Debug("dropping frame from superseded connection", slog.Uint64("gen", msg.gen), slog.Uint64("current", l.gen))
		return true
	}
	if msg.err != nil {
		if ctx.Err() != nil {
			return false
		}
		l.log.Warn("eventsub connection lost", slog.Any("err", msg.err))
		telemetry.IncReconnect()
		target := l.reconnectURL
		if target == "" {
			target = l.m.cfg.URL
		}
		return l.connect(ctx, target, true) == nil
	}

	f := msg.frame
	switch f.Metadata.MessageType {
	case MessageWelcome:
		l.welcome(ctx, f)
	case MessageReconnect:
		if f.Payload.Session == nil || f.Payload.Session.ReconnectURL == "" {
			l.log.Warn("session_reconnect without reconnect_url")
			return true
		}
		l.reconnectURL = f.Payload.Session.ReconnectURL
		l.log.Info("eventsub reconnect requested", slog.String("url", l.reconnectURL))
		telemetry.IncReconnect()
		return l.connect(ctx, l.reconnectURL, false) == nil
	case MessageNotify:
		l.notify(ctx, f)
	case MessageRevocation:
		l.log.Warn("subscription revoked",
			slog.String("type", f.Metadata.SubscriptionType),
			slog.String("subscription", string(f.Payload.Subscription)))
	case MessageKeepalive:
	default:
		l.log.Debug("ignoring eventsub frame", slog.String("message_type", f.Metadata.MessageType))
	}
	return true
}

func (l *loop) welcome(ctx context.Context, f *Frame) {
	if f.Payload.Session == nil || f.Payload.Session.ID == "" {
		l.log.Warn("session_welcome without session id")
		return
	}
	sess := f.Payload.Session
	connected := sess.ConnectedAt
	if connected.IsZero() {
		connected = time.Now().UTC()
	}
	l.m.setState(SessionState{ID: sess.ID, ReconnectURL: l.reconnectURL, State: StateOpen, ConnectedAt: connected})
	l.log.Info("eventsub session open", slog.String("session_id", sess.ID))

	if l.m.reconciler == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, l.m.cfg.ReconcileTimeout)
	defer cancel()
	if err := l.m.reconciler.Reconcile(rctx, sess.ID, l.m.broadcasterID()); err != nil {
		l.log.Error("subscription reconcile incomplete", slog.String("session_id", sess.ID), slog.Any("err", err))
	}
}

func (l *loop) notify(ctx context.Context, f *Frame) {
	if l.m.handler == nil {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, f.Metadata.MessageID)
	var err error
	telemetry.TimeFunc(telemetry.NotificationDuration, func() {
		err = l.m.handler.HandleNotification(ctx, f.Metadata.SubscriptionType, f.Payload.Event)
	})
	if err != nil {
		l.log.Warn("notification dropped",
			slog.String("type", f.Metadata.SubscriptionType),
			slog.String("message_id", f.Metadata.MessageID),
			slog.Any("err", err))
	}
}

// connect replaces the current connection with one dialed to target. When
// wait is set it first sleeps the reconnect delay. Failed dials are retried
// at the same fixed delay against the configured URL until ctx ends; a
// reconnect URL that fails once is forgotten.
func (l *loop) connect(ctx context.Context, target string, wait bool) error {
	l.closeConn()
	l.m.setState(SessionState{State: StateConnecting})

	delay := l.m.cfg.ReconnectDelay
	if wait {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(delay), ctx)
	url := target
	dial := func() error {
		conn, _, err := l.m.cfg.Dialer.DialContext(ctx, url, nil)
		if err != nil {
			url = l.m.cfg.URL
			l.reconnectURL = ""
			return err
		}
		l.gen++
		l.conn = conn
		go readFrames(ctx, conn, l.gen, l.m.cfg.WelcomeTimeout, l.in, l.log)
		return nil
	}
	notify := func(err error, next time.Duration) {
		l.log.Warn("eventsub dial failed", slog.Any("err", err), slog.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(dial, bo, notify); err != nil {
		return err
	}
	l.log.Debug("eventsub connected", slog.Uint64("gen", l.gen))
	return nil
}

func (l *loop) closeConn() {
	if l.conn == nil {
		return
	}
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = l.conn.Close()
	l.conn = nil
}

// readFrames pumps frames from conn until it fails. Until session_welcome
// arrives reads are bounded by welcome; after it the session keepalive sets
// the deadline so a silent connection is detected.
func readFrames(ctx context.Context, conn *websocket.Conn, gen uint64, welcome time.Duration, out chan<- inbound, log *slog.Logger) {
	var keepalive time.Duration
	_ = conn.SetReadDeadline(time.Now().Add(welcome))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inbound{gen: gen, err: err}:
			case <-ctx.Done():
			}
			return
		}
		f, err := ParseFrame(data)
		if err != nil {
			log.Warn("dropping eventsub frame", slog.Any("err", err))
			continue
		}
		if f.Metadata.MessageType == MessageWelcome && f.Payload.Session != nil {
			keepalive = time.Duration(f.Payload.Session.KeepaliveTimeoutSeconds) * time.Second
			if keepalive <= 0 {
				_ = conn.SetReadDeadline(time.Time{})
			}
		}
		if keepalive > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(keepalive + keepaliveGrace))
		}
		select {
		case out <- inbound{gen: gen, frame: f}:
		case <-ctx.Done():
			return
		}
	}
}
