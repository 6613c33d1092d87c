// Package presence keeps both directions of online status: it derives the
// local user's presence from connection and idle state and writes changes
// to the server, and it mirrors other users' presence from the stream.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/model"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

// State is the presence value reported to the server.
type State string

const (
	StateActive     State = "active"
	StateBackground State = "background"
	StateOffline    State = "offline"
)

// Writer persists the local user's presence state.
type Writer interface {
	UpdatePresence(ctx context.Context, state string) error
}

// Tracker derives local presence and mirrors remote presence. Writes are
// change-only: the same derived state is never reported twice in a row.
type Tracker struct {
	writer Writer
	logger *zap.Logger

	mu      sync.Mutex
	conn    status.ConnState
	idle    status.IdleState
	written State
	online  map[string]model.PresenceEvent

	unsubs []func()
	wg     sync.WaitGroup
}

// NewTracker creates a tracker and starts consuming conn.state,
// idle.changed, and stream.presence events.
func NewTracker(writer Writer, b *bus.Bus, logger *zap.Logger) *Tracker {
	t := &Tracker{
		writer:  writer,
		logger:  logger,
		conn:    status.Disconnected,
		idle:    status.Active,
		written: StateOffline,
		online:  make(map[string]model.PresenceEvent),
	}
	t.consume(b, "conn.state", t.onConnState)
	t.consume(b, "idle.changed", t.onIdleChange)
	t.consume(b, "stream.presence", t.onRemotePresence)
	return t
}

func (t *Tracker) consume(b *bus.Bus, kind string, fn func(bus.Event)) {
	ch, unsub := b.Subscribe(kind, 64)
	t.unsubs = append(t.unsubs, unsub)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for ev := range ch {
			fn(ev)
		}
	}()
}

// Shutdown reports offline and stops the subscriptions.
func (t *Tracker) Shutdown(ctx context.Context) {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	t.wg.Wait()

	t.mu.Lock()
	already := t.written == StateOffline
	t.written = StateOffline
	t.mu.Unlock()
	if already {
		return
	}
	if err := t.writer.UpdatePresence(ctx, string(StateOffline)); err != nil {
		t.logger.Warn("offline presence write failed", zap.Error(err))
	}
}

// Current returns the most recently written local presence state.
func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// IsOnline reports whether a remote user was last seen online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID].IsOnline
}

// Snapshot returns the known remote presence map.
func (t *Tracker) Snapshot() map[string]model.PresenceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]model.PresenceEvent, len(t.online))
	for id, p := range t.online {
		out[id] = p
	}
	return out
}

func (t *Tracker) onConnState(ev bus.Event) {
	change, ok := ev.Payload.(status.ConnChange)
	if !ok {
		return
	}
	t.mu.Lock()
	t.conn = change.To
	t.mu.Unlock()
	t.reconcile()
}

func (t *Tracker) onIdleChange(ev bus.Event) {
	change, ok := ev.Payload.(status.IdleChange)
	if !ok {
		return
	}
	t.mu.Lock()
	t.idle = change.To
	t.mu.Unlock()
	t.reconcile()
}

func (t *Tracker) onRemotePresence(ev bus.Event) {
	p, ok := ev.Payload.(model.PresenceEvent)
	if !ok {
		return
	}
	t.mu.Lock()
	t.online[p.UserID] = p
	t.mu.Unlock()
}

// reconcile derives the local state and writes it if it changed.
func (t *Tracker) reconcile() {
	t.mu.Lock()
	derived := derive(t.conn, t.idle)
	if derived == t.written {
		t.mu.Unlock()
		return
	}
	prev := t.written
	t.written = derived
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.writer.UpdatePresence(ctx, string(derived)); err != nil {
		t.logger.Warn("presence write failed",
			zap.String("state", string(derived)), zap.Error(err))
		// Roll back so the next reconcile retries the write.
		t.mu.Lock()
		if t.written == derived {
			t.written = prev
		}
		t.mu.Unlock()
		return
	}
	t.logger.Debug("presence updated", zap.String("state", string(derived)))
}

func derive(conn status.ConnState, idle status.IdleState) State {
	if conn != status.Connected {
		return StateOffline
	}
	if idle == status.Active {
		return StateActive
	}
	return StateBackground
}
