// Package realtime maintains the client's one long-lived websocket to the
// notification endpoint: authenticated connect, keepalive pings, close-code
// classification and an exponential-backoff reconnection state machine
// gated on credential validity.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"civitas-client/internal/model"
	"civitas-client/internal/signal"
	"civitas-client/internal/token"
)

// Close codes with protocol-specific meaning.
const (
	closeAuthRejected = 4001
	closeTokenExpired = 4002
	closeForbidden    = 4003
)

const maxReconnectDelay = 30 * time.Second

// Message is one inbound frame, discriminated by its type field. Data is
// the full raw frame so listeners can decode type-specific payloads.
type Message struct {
	Type string
	Data json.RawMessage
}

// Listener receives inbound and synthetic connection messages. Listeners
// must not block; panics are contained per listener.
type Listener func(Message)

// RefreshFunc asks the session layer to renew credentials before a
// reconnect attempt following an authentication failure.
type RefreshFunc func(ctx context.Context) error

type Options struct {
	URL                  string
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	AuthFailureThreshold int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.AuthFailureThreshold <= 0 {
		opts.AuthFailureThreshold = 3
	}
	return opts
}

type Transport struct {
	opts   Options
	tokens *token.Store
	bus    signal.Bus

	mu              sync.Mutex
	refresh         RefreshFunc
	conn            *websocket.Conn
	connected       bool
	connecting      bool
	failed          bool
	manual          bool
	attempts        int
	authFailures    int
	queue           [][]byte
	listeners       map[string]Listener
	connectListener string
	stopPing        chan struct{}
	reconnectTimer  *time.Timer

	writeMu sync.Mutex

	unsubscribe func()
}

// New builds a transport and subscribes it to the signal bus so that an
// out-of-band credential renewal (silent rotation observed by the HTTP
// gateway) can wake a transport that is waiting passively after repeated
// authentication failures.
func New(opts Options, tokens *token.Store, bus signal.Bus) *Transport {
	t := &Transport{
		opts:      opts.withDefaults(),
		tokens:    tokens,
		bus:       bus,
		listeners: map[string]Listener{},
		manual:    true,
	}

	signals, unsubscribe := bus.Subscribe()
	t.unsubscribe = unsubscribe
	go func() {
		for s := range signals {
			if s.Type == signal.TypeTokenRenewed {
				t.ReconnectWithNewToken()
			}
		}
	}()

	return t
}

// SetRefreshFunc wires the session layer's refresh operation. Must be set
// before Connect for the refresh-then-reconnect cycle to work.
func (t *Transport) SetRefreshFunc(fn RefreshFunc) {
	t.mu.Lock()
	t.refresh = fn
	t.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (t *Transport) State() model.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return model.ConnectionState{
		IsConnected:       t.connected,
		IsConnecting:      t.connecting,
		ConnectionFailed:  t.failed,
		ReconnectAttempts: t.attempts,
	}
}

// AddListener registers a message listener and returns its removal func.
func (t *Transport) AddListener(l Listener) func() {
	id := uuid.NewString()

	t.mu.Lock()
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Connect opens the socket. No-op when already connected or connecting.
// With a missing or expired credential no socket is opened; an
// auth.required signal is published instead. There is a single onMessage
// slot: a repeated Connect replaces the previous callback rather than
// stacking another copy.
func (t *Transport) Connect(onMessage Listener) {
	t.mu.Lock()
	if onMessage != nil {
		if t.connectListener != "" {
			delete(t.listeners, t.connectListener)
		}
		t.connectListener = uuid.NewString()
		t.listeners[t.connectListener] = onMessage
	}
	if t.connected || t.connecting {
		t.mu.Unlock()
		return
	}

	access := t.tokens.GetAccess()
	if access == "" || t.tokens.IsExpired(access) {
		t.mu.Unlock()
		slog.Warn("realtime connect refused, credentials missing or expired")
		t.bus.Publish(signal.New(signal.TypeAuthRequired, "missing or expired access token"))
		return
	}

	t.manual = false
	t.failed = false
	t.connecting = true
	t.mu.Unlock()

	go t.dial(access)
}

func (t *Transport) dial(access string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	defer cancel()

	endpoint := t.opts.URL + "?" + url.Values{
		"token":      {access},
		"session_id": {t.tokens.SessionID(access)},
	}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()

		slog.Warn("realtime connect failed", "error", err)
		t.emit(Message{Type: "connection_error", Data: errorPayload(err)})
		t.scheduleReconnect()
		return
	}

	t.mu.Lock()
	if t.manual {
		// Disconnected while the dial was in flight.
		t.connecting = false
		t.mu.Unlock()
		_ = conn.Close()
		return
	}

	t.conn = conn
	t.connected = true
	t.connecting = false
	t.failed = false
	t.attempts = 0
	t.authFailures = 0
	queued := t.queue
	t.queue = nil
	stop := make(chan struct{})
	t.stopPing = stop
	t.mu.Unlock()

	slog.Info("realtime connected", "queued", len(queued))

	// Drain strictly in enqueue order before anything else goes out.
	t.flushQueue(conn, queued)

	go t.keepalive(conn, stop)
	go t.readLoop(conn)
}

// flushQueue sends queued payloads in enqueue order. On a write error the
// unsent remainder goes back to the front of the queue, ahead of anything
// enqueued since the snapshot, so the next connection delivers it in the
// original order.
func (t *Transport) flushQueue(conn *websocket.Conn, queued [][]byte) {
	for i, payload := range queued {
		if err := t.write(conn, payload); err != nil {
			slog.Warn("failed to flush queued messages", "error", err, "requeued", len(queued)-i)

			t.mu.Lock()
			t.queue = append(append([][]byte{}, queued[i:]...), t.queue...)
			t.mu.Unlock()
			return
		}
	}
}

func (t *Transport) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.write(conn, ping); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, err)
			return
		}
		t.handleMessage(data)
	}
}

func (t *Transport) handleMessage(data []byte) {
	var envelope struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Warn("discarding malformed realtime frame", "error", err)
		return
	}

	switch envelope.Type {
	case "pong":
		// Keepalive acknowledgment.
		return
	case "error":
		if isAuthErrorText(envelope.Message) {
			slog.Warn("realtime authentication error", "message", envelope.Message)
			t.handleAuthFailure()
			return
		}
		t.emit(Message{Type: envelope.Type, Data: data})
	default:
		t.emit(Message{Type: envelope.Type, Data: data})
	}
}

func (t *Transport) handleClose(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		// Stale read loop from a connection already replaced or torn down.
		t.mu.Unlock()
		return
	}

	t.conn = nil
	t.connected = false
	if t.stopPing != nil {
		close(t.stopPing)
		t.stopPing = nil
	}
	manual := t.manual
	t.mu.Unlock()

	_ = conn.Close()

	if manual {
		return
	}

	t.emit(Message{Type: "connection_closed", Data: errorPayload(err)})

	code := -1
	if closeErr, ok := err.(*websocket.CloseError); ok {
		code = closeErr.Code
	}

	switch code {
	case websocket.CloseNormalClosure:
		slog.Info("realtime closed normally")

	case closeAuthRejected, closeForbidden:
		slog.Warn("realtime closed by server auth rejection", "code", code)
		t.bus.Publish(signal.New(signal.TypeAuthRequired, "realtime authentication rejected"))

	case closeTokenExpired:
		access := t.tokens.GetAccess()
		if access != "" && !t.tokens.IsExpired(access) {
			slog.Info("realtime token expired on server, reconnecting with current credentials")
			t.reconnectNow()
		} else {
			t.bus.Publish(signal.New(signal.TypeAuthRequired, "access token expired"))
		}

	default:
		slog.Warn("realtime closed abnormally", "code", code, "error", err)
		t.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next attempt. It stops
// scheduling once the attempt ceiling is exhausted (terminal failure,
// signaled exactly once) or when the transport is waiting passively for a
// credential renewal.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.manual || t.connected || t.connecting || t.reconnectTimer != nil {
		t.mu.Unlock()
		return
	}

	if t.authFailures >= t.opts.AuthFailureThreshold {
		t.mu.Unlock()
		slog.Warn("realtime waiting for renewed credentials", "failures", t.opts.AuthFailureThreshold)
		return
	}

	if t.attempts >= t.opts.MaxReconnectAttempts {
		terminal := !t.failed
		t.failed = true
		t.mu.Unlock()

		if terminal {
			slog.Error("realtime reconnect attempts exhausted", "attempts", t.opts.MaxReconnectAttempts)
			t.bus.Publish(signal.New(signal.TypeConnectionFailed, "reconnect attempts exhausted"))
			t.emit(Message{Type: "connection_failed"})
		}
		return
	}

	t.attempts++
	delay := backoffDelay(t.opts.ReconnectBase, t.attempts)
	t.reconnectTimer = time.AfterFunc(delay, t.attemptReconnect)
	attempt := t.attempts
	t.mu.Unlock()

	slog.Info("realtime reconnect scheduled", "attempt", attempt, "delay", delay)
}

// backoffDelay is min(base * 2^(attempt-1), 30s).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}

	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

func (t *Transport) attemptReconnect() {
	t.mu.Lock()
	t.reconnectTimer = nil
	if t.manual || t.connected || t.connecting {
		t.mu.Unlock()
		return
	}

	// Credential validity is re-checked before every attempt.
	access := t.tokens.GetAccess()
	if access == "" || t.tokens.IsExpired(access) {
		t.mu.Unlock()
		t.bus.Publish(signal.New(signal.TypeAuthRequired, "credentials expired during reconnect"))
		return
	}

	t.connecting = true
	t.mu.Unlock()

	go t.dial(access)
}

// reconnectNow retries immediately without consuming a backoff attempt.
func (t *Transport) reconnectNow() {
	t.mu.Lock()
	if t.manual || t.connected || t.connecting {
		t.mu.Unlock()
		return
	}

	access := t.tokens.GetAccess()
	if access == "" || t.tokens.IsExpired(access) {
		t.mu.Unlock()
		t.bus.Publish(signal.New(signal.TypeAuthRequired, "credentials expired"))
		return
	}

	t.connecting = true
	t.mu.Unlock()

	go t.dial(access)
}

// handleAuthFailure runs the authentication-failure path: below the
// threshold, a token-refresh-then-reconnect cycle; at the threshold, stop
// everything and wait for an external renewal signal. No login redirect is
// raised in the passive state, renewal may still arrive out of band.
func (t *Transport) handleAuthFailure() {
	t.mu.Lock()
	t.authFailures++
	failures := t.authFailures
	refresh := t.refresh
	t.mu.Unlock()

	if failures >= t.opts.AuthFailureThreshold {
		slog.Warn("realtime authentication failed repeatedly, waiting for renewed credentials", "failures", failures)
		return
	}

	go func() {
		if refresh != nil {
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
			defer cancel()

			if err := refresh(ctx); err != nil {
				slog.Warn("token refresh after realtime auth failure failed", "error", err)
				return
			}
		}
		t.reconnectNow()
	}()
}

// ReconnectWithNewToken resets the failure counters and reconnects using
// the freshly rotated credentials. Called when the signal bus reports a
// renewal; a transport disconnected on purpose stays down.
func (t *Transport) ReconnectWithNewToken() {
	t.mu.Lock()
	t.authFailures = 0
	t.attempts = 0
	t.failed = false
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.manual || t.connected || t.connecting {
		t.mu.Unlock()
		return
	}

	access := t.tokens.GetAccess()
	if access == "" || t.tokens.IsExpired(access) {
		t.mu.Unlock()
		return
	}

	t.connecting = true
	t.mu.Unlock()

	slog.Info("realtime reconnecting with renewed credentials")
	go t.dial(access)
}

// Send transmits payload when connected. Otherwise the payload is queued
// for the next connection (strict FIFO) or dropped with a warning,
// depending on queueIfDisconnected.
func (t *Transport) Send(payload any, queueIfDisconnected bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode outbound message", "error", err)
		return
	}

	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	if !connected {
		if queueIfDisconnected {
			t.queue = append(t.queue, data)
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		slog.Warn("dropping message, realtime not connected")
		return
	}
	t.mu.Unlock()

	if err := t.write(conn, data); err != nil {
		slog.Warn("realtime send failed", "error", err)
	}
}

// Disconnect tears the connection down on purpose: cancels timers, closes
// the socket with a normal code, clears the queue, listeners and counters.
// Idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manual = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.stopPing != nil {
		close(t.stopPing)
		t.stopPing = nil
	}
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.connecting = false
	t.failed = false
	t.attempts = 0
	t.authFailures = 0
	t.queue = nil
	t.listeners = map[string]Listener{}
	t.connectListener = ""
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
}

// Close releases the transport entirely, including its bus subscription.
func (t *Transport) Close() {
	t.Disconnect()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return conn.WriteMessage(websocket.TextMessage, data)
}

// emit delivers msg to a snapshot of the listener set. The copy tolerates
// listeners removing themselves during delivery; a panicking listener
// cannot break delivery to the others.
func (t *Transport) emit(msg Message) {
	t.mu.Lock()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("realtime listener panicked", "panic", r)
				}
			}()
			l(msg)
		}()
	}
}

func isAuthErrorText(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{"auth", "token", "unauthorized", "forbidden"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func errorPayload(err error) json.RawMessage {
	if err == nil {
		return nil
	}

	data, _ := json.Marshal(map[string]string{"message": err.Error()})
	return data
}
