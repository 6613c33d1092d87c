// Package activity watches user engagement and drives the idle policy:
// disconnect after sustained inactivity, eager disconnect when the window
// is hidden and notifications are off, reconnect on the first sign of life.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

// Conn is the slice of the connection manager the monitor drives.
type Conn interface {
	Connect(ctx context.Context) error
	DisconnectForIdle(reason string)
	IsConnected() bool
}

// NotifyPolicy reports whether desktop notifications are enabled. A hidden
// window keeps its connection only when they are: without notifications
// there is nothing to deliver, so the socket is not worth holding.
type NotifyPolicy interface {
	Enabled() bool
}

// Options tune the monitor's timers. Zero values take the defaults.
type Options struct {
	IdleTimeout   time.Duration // default 5m
	InputThrottle time.Duration // default 100ms
}

func (o *Options) withDefaults() {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.InputThrottle == 0 {
		o.InputThrottle = 100 * time.Millisecond
	}
}

// Monitor folds input pulses, window visibility and inbound frame activity
// into the process-wide idle state. All methods are safe for concurrent use.
type Monitor struct {
	conn   Conn
	idle   *status.IdleTracker
	policy NotifyPolicy
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	lastInput  time.Time
	lastServer time.Time
	visible    bool
	idleTimer  *time.Timer
	unsub      func()
	stopped    bool

	// Set when this monitor closed the connection for idleness. Activity
	// reconnects only then; user-initiated disconnects and exhausted
	// reconnect attempts stay down until an explicit Connect.
	idleDisconnected bool
}

// NewMonitor creates a monitor. Call Start to arm the idle timer.
func NewMonitor(conn Conn, idle *status.IdleTracker, policy NotifyPolicy, b *bus.Bus, logger *zap.Logger, opts Options) *Monitor {
	opts.withDefaults()
	m := &Monitor{
		conn:      conn,
		idle:      idle,
		policy:    policy,
		logger:    logger,
		opts:      opts,
		lastInput: time.Now(),
		visible:   true,
	}
	ch, unsub := b.Subscribe("conn.activity", 64)
	m.unsub = unsub
	go func() {
		for ev := range ch {
			m.mu.Lock()
			m.lastServer = ev.Timestamp
			m.mu.Unlock()
		}
	}()
	return m
}

// Start arms the idle timer.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInput = time.Now()
	m.armIdleTimerLocked(m.opts.IdleTimeout)
}

// Stop halts the timer and the activity subscription.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// RecordInput registers one user input pulse. Pulses inside the throttle
// window still move the input clock but skip the timer reset; mouse-move
// storms must not cost a timer re-arm each. The first pulse after an idle
// disconnect reconnects.
func (m *Monitor) RecordInput() {
	now := time.Now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	throttled := now.Sub(m.lastInput) < m.opts.InputThrottle
	m.lastInput = now
	if throttled {
		m.mu.Unlock()
		return
	}
	visible := m.visible
	idleDisconnected := m.idleDisconnected
	if visible {
		m.armIdleTimerLocked(m.opts.IdleTimeout)
	}
	m.mu.Unlock()

	if !visible {
		return
	}
	if m.idle.Current() == status.Idle {
		m.idle.Set(status.Active)
	}
	if idleDisconnected && !m.conn.IsConnected() {
		m.logger.Info("user active again, reconnecting")
		go m.reconnect()
	}
}

// SetVisible reports a window visibility change. Going hidden cancels the
// idle timer and disconnects eagerly unless notifications are enabled;
// coming back returns to the active state and reconnects when the idle
// policy was what closed the connection.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	if m.stopped || m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible
	if visible {
		m.lastInput = time.Now()
		m.armIdleTimerLocked(m.opts.IdleTimeout)
	} else if m.idleTimer != nil {
		// Hidden windows do not idle out; the hidden policy below is the
		// only thing that may close the connection.
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	idleDisconnected := m.idleDisconnected
	m.mu.Unlock()

	if visible {
		m.idle.Set(status.Active)
		if idleDisconnected && !m.conn.IsConnected() {
			m.logger.Info("window visible again, reconnecting")
			go m.reconnect()
		}
		return
	}

	m.idle.Set(status.Hidden)
	if m.policy.Enabled() {
		m.logger.Debug("window hidden, keeping connection for notifications")
		return
	}
	if m.conn.IsConnected() {
		m.markIdleDisconnect()
		m.conn.DisconnectForIdle("window hidden")
	}
}

// LastServerActivity returns the arrival time of the most recent inbound
// frame, zero before the first one.
func (m *Monitor) LastServerActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastServer
}

func (m *Monitor) reconnect() {
	if err := m.conn.Connect(context.Background()); err != nil {
		m.logger.Warn("reconnect on activity failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.idleDisconnected = false
	m.mu.Unlock()
}

func (m *Monitor) markIdleDisconnect() {
	m.mu.Lock()
	m.idleDisconnected = true
	m.mu.Unlock()
}

func (m *Monitor) armIdleTimerLocked(d time.Duration) {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(d, m.onIdleDeadline)
}

// onIdleDeadline fires when the timer elapses. Throttled pulses move the
// input clock without re-arming the timer, and inbound server frames count
// as connection usefulness while visible, so the deadline is re-checked
// against the latest of the two clocks before disconnecting.
func (m *Monitor) onIdleDeadline() {
	m.mu.Lock()
	if m.stopped || !m.visible {
		m.mu.Unlock()
		return
	}
	last := m.lastInput
	if m.lastServer.After(last) {
		last = m.lastServer
	}
	elapsed := time.Since(last)
	if remaining := m.opts.IdleTimeout - elapsed; remaining > 0 {
		m.armIdleTimerLocked(remaining)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("idle timeout reached", zap.Duration("since_activity", elapsed))
	m.idle.Set(status.Idle)
	if m.conn.IsConnected() {
		m.markIdleDisconnect()
		m.conn.DisconnectForIdle("user idle timeout")
	}
}
