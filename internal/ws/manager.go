// Package ws owns the persistent chat socket: the connection manager
// drives its lifecycle (heartbeat, capped exponential reconnect, idle-aware
// suspension, join-set replay) and the stream decodes its frames into bus
// events. Neither touches domain state; the sync engine owns that.
package ws

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gridhq/gridclient/internal/auth"
	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

// Socket is the slice of a websocket connection the manager drives.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a socket to the given endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Socket, error)

// Dial is the production DialFunc backed by gorilla/websocket.
func Dial(ctx context.Context, endpoint string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tune the manager's timers. Zero values take the defaults, which
// match the chat server's expectations.
type Options struct {
	HeartbeatInterval time.Duration // default 30s
	PongTimeout       time.Duration // default 10s
	BackoffBase       time.Duration // default 1s
	BackoffCap        time.Duration // default 30s
	MaxAttempts       int           // default 10
	Dial              DialFunc      // default Dial
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.Dial == nil {
		o.Dial = Dial
	}
}

// Manager owns the chat socket. All methods are safe for concurrent use.
type Manager struct {
	wsURL   string
	auth    auth.Provider
	machine *status.ConnMachine
	bus     *bus.Bus
	stream  *Stream
	logger  *zap.Logger
	opts    Options

	mu             sync.Mutex
	sock           Socket
	gen            int
	joined         map[string]struct{}
	attempts       int
	closeExpected  bool
	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	stopHeartbeat  chan struct{}
	unsubPong      func()
}

// NewManager creates a connection manager. Start the connection with
// Connect; Shutdown releases the pong subscription and timers.
func NewManager(wsURL string, ap auth.Provider, machine *status.ConnMachine, b *bus.Bus, stream *Stream, logger *zap.Logger, opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		wsURL:   wsURL,
		auth:    ap,
		machine: machine,
		bus:     b,
		stream:  stream,
		logger:  logger,
		opts:    opts,
		joined:  make(map[string]struct{}),
	}
	ch, unsub := b.Subscribe("stream.pong", 16)
	m.unsubPong = unsub
	go func() {
		for range ch {
			m.onPong()
		}
	}()
	return m
}

// Connect opens the socket if it is not already open. Calling it while
// connected is a no-op. An explicit Connect also re-arms reconnection
// after a fatal backoff exhaustion.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.sock != nil {
		m.mu.Unlock()
		m.logger.Debug("already connected")
		return nil
	}
	m.attempts = 0
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	_ = m.machine.Transition(status.Connecting)

	token, err := m.auth.Token(ctx)
	if err != nil {
		_ = m.machine.Transition(status.Disconnected)
		m.scheduleReconnect()
		return fmt.Errorf("obtain token: %w", err)
	}
	endpoint := fmt.Sprintf("%s/ws/chat/?token=%s&user_id=%s",
		m.wsURL, url.QueryEscape(token), url.QueryEscape(m.auth.CurrentUserID()))

	sock, err := m.opts.Dial(ctx, endpoint)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		_ = m.machine.Transition(status.Disconnected)
		m.scheduleReconnect()
		return fmt.Errorf("dial chat socket: %w", err)
	}

	m.mu.Lock()
	m.sock = sock
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.closeExpected = false
	m.stopHeartbeat = make(chan struct{})
	joined := make([]string, 0, len(m.joined))
	for id := range m.joined {
		joined = append(joined, id)
	}
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connected)
	m.logger.Info("chat socket connected")

	// Rejoin everything that was joined before the last disconnect.
	for _, id := range joined {
		m.Send(joinFrame{Type: "join_channel", ChannelID: id})
	}

	go m.readLoop(sock, gen)
	go m.heartbeatLoop(gen)
	return nil
}

// Disconnect is the user-initiated close: normal closure, join-set
// cleared, no auto-reconnect.
func (m *Manager) Disconnect() {
	m.closeSocket("client disconnect")
	m.mu.Lock()
	m.joined = make(map[string]struct{})
	m.mu.Unlock()
}

// DisconnectForIdle closes the socket to save resources but preserves the
// join-set so a later Connect restores every conversation. The closure is
// expected, so no reconnect is scheduled.
func (m *Manager) DisconnectForIdle(reason string) {
	m.mu.Lock()
	n := len(m.joined)
	m.mu.Unlock()
	m.closeSocket(reason)
	m.logger.Info("disconnected for idle", zap.String("reason", reason), zap.Int("preserved_joins", n))
}

func (m *Manager) closeSocket(reason string) {
	m.mu.Lock()
	m.closeExpected = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	sock := m.sock
	m.sock = nil
	m.stopTimersLocked()
	m.mu.Unlock()

	if sock != nil {
		_ = sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		_ = sock.Close()
	}
	_ = m.machine.Transition(status.Disconnected)
}

// Send writes one frame. Returns false when the socket is not open or the
// write fails; callers decide whether to fall back to REST.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		m.logger.Debug("cannot send frame: socket not connected")
		return false
	}
	if err := sock.WriteJSON(v); err != nil {
		m.logger.Warn("frame write failed", zap.Error(err))
		return false
	}
	return true
}

// Join records the conversation in the join-set and issues join_channel.
// The set survives idle disconnects and is replayed on reconnect.
func (m *Manager) Join(conversationID string) {
	m.mu.Lock()
	m.joined[conversationID] = struct{}{}
	m.mu.Unlock()
	m.Send(joinFrame{Type: "join_channel", ChannelID: conversationID})
}

// Leave removes the conversation from the join-set and issues leave_channel.
func (m *Manager) Leave(conversationID string) {
	m.mu.Lock()
	delete(m.joined, conversationID)
	m.mu.Unlock()
	m.Send(joinFrame{Type: "leave_channel", ChannelID: conversationID})
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock != nil
}

// Joined returns the current join-set.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	return out
}

// Shutdown stops timers and the pong subscription. The socket, if open,
// is closed as a user disconnect.
func (m *Manager) Shutdown() {
	m.Disconnect()
	if m.unsubPong != nil {
		m.unsubPong()
		m.unsubPong = nil
	}
}

func (m *Manager) readLoop(sock Socket, gen int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		// Every inbound frame is proof the connection is useful; the
		// activity monitor folds this into its idle accounting.
		m.bus.Publish(bus.Event{Kind: "conn.activity", Timestamp: time.Now()})
		m.stream.HandleFrame(data)
	}
}

func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection replaced this one; nothing to do.
		m.mu.Unlock()
		return
	}
	expected := m.closeExpected
	m.closeExpected = false
	m.sock = nil
	m.stopTimersLocked()
	m.mu.Unlock()

	_ = m.machine.Transition(status.Disconnected)

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if expected || normal {
		m.logger.Info("chat socket closed", zap.Bool("expected", expected))
		return
	}
	m.logger.Warn("chat socket closed unexpectedly", zap.Error(err))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.attempts >= m.opts.MaxAttempts {
		m.mu.Unlock()
		m.logger.Error("max reconnect attempts reached", zap.Int("attempts", m.opts.MaxAttempts))
		m.bus.Publish(bus.Event{
			Kind:      "conn.fatal",
			Timestamp: time.Now(),
			Payload:   "unable to reconnect to chat server",
		})
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := backoffDelay(attempt, m.opts.BackoffBase, m.opts.BackoffCap, time.Duration(rand.Int63n(int64(time.Second))))
	m.reconnectTimer = time.AfterFunc(delay, func() {
		_ = m.dial(context.Background())
	})
	m.mu.Unlock()

	_ = m.machine.Transition(status.Reconnecting)
	m.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// backoffDelay computes min(base * 2^(attempt-1) + jitter, max).
func backoffDelay(attempt int, base, max, jitter time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		// Shift overflow or already past the cap.
		return max
	}
	d += jitter
	if d > max {
		return max
	}
	return d
}

func (m *Manager) heartbeatLoop(gen int) {
	m.mu.Lock()
	stop := m.stopHeartbeat
	m.mu.Unlock()
	if stop == nil {
		return
	}
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			stale := gen != m.gen || m.sock == nil
			m.mu.Unlock()
			if stale {
				return
			}
			if !m.Send(pingFrame{Type: "ping"}) {
				continue
			}
			m.armPongTimer(gen)
		case <-stop:
			return
		}
	}
}

func (m *Manager) armPongTimer(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pongTimer != nil {
		m.pongTimer.Stop()
	}
	m.pongTimer = time.AfterFunc(m.opts.PongTimeout, func() {
		m.mu.Lock()
		sock := m.sock
		stale := gen != m.gen
		m.mu.Unlock()
		if stale || sock == nil {
			return
		}
		m.logger.Warn("ping timeout, forcing reconnect")
		// Abnormal close: the read loop observes the error and takes
		// the reconnect path.
		_ = sock.Close()
	})
}

func (m *Manager) onPong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

func (m *Manager) stopTimersLocked() {
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}
