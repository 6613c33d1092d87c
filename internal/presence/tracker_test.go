package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/model"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

type recordWriter struct {
	mu     sync.Mutex
	states []string
	fail   bool
}

func (w *recordWriter) UpdatePresence(_ context.Context, state string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("server unavailable")
	}
	w.states = append(w.states, state)
	return nil
}

func (w *recordWriter) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.states...)
}

func setup(t *testing.T) (*Tracker, *bus.Bus, *recordWriter) {
	t.Helper()
	b := bus.New()
	w := &recordWriter{}
	tr := NewTracker(w, b, zap.NewNop())
	t.Cleanup(func() { tr.Shutdown(context.Background()) })
	return tr, b, w
}

func connEvent(to status.ConnState) bus.Event {
	return bus.Event{Kind: "conn.state", Timestamp: time.Now(), Payload: status.ConnChange{To: to}}
}

func idleEvent(to status.IdleState) bus.Event {
	return bus.Event{Kind: "idle.changed", Timestamp: time.Now(), Payload: status.IdleChange{To: to}}
}

func waitStates(t *testing.T, w *recordWriter, want ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := w.all()
		if len(got) >= len(want) {
			for i, s := range want {
				if got[i] != s {
					t.Fatalf("writes = %v, want prefix %v", got, want)
				}
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: writes = %v, want %v", w.all(), want)
}

func TestConnectWritesActive(t *testing.T) {
	tr, b, w := setup(t)

	b.Publish(connEvent(status.Connected))
	waitStates(t, w, "active")
	if tr.Current() != StateActive {
		t.Errorf("current = %s", tr.Current())
	}
}

func TestHiddenWritesBackground(t *testing.T) {
	_, b, w := setup(t)

	b.Publish(connEvent(status.Connected))
	waitStates(t, w, "active")

	b.Publish(idleEvent(status.Hidden))
	waitStates(t, w, "active", "background")
}

func TestDisconnectWritesOffline(t *testing.T) {
	_, b, w := setup(t)

	b.Publish(connEvent(status.Connected))
	waitStates(t, w, "active")

	b.Publish(connEvent(status.Disconnected))
	waitStates(t, w, "active", "offline")
}

func TestChangeOnlyWrites(t *testing.T) {
	_, b, w := setup(t)

	b.Publish(connEvent(status.Connected))
	waitStates(t, w, "active")

	// Idle moving between non-active states while connected both derive
	// background; only the first transition may write.
	b.Publish(idleEvent(status.Idle))
	waitStates(t, w, "active", "background")
	b.Publish(idleEvent(status.Hidden))

	time.Sleep(50 * time.Millisecond)
	if got := w.all(); len(got) != 2 {
		t.Errorf("writes = %v, want exactly 2", got)
	}
}

func TestFailedWriteRetriesOnNextChange(t *testing.T) {
	_, b, w := setup(t)

	w.mu.Lock()
	w.fail = true
	w.mu.Unlock()
	b.Publish(connEvent(status.Connected))
	time.Sleep(50 * time.Millisecond)

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	// The failed write rolled back, so the same derived state writes again
	// on the next event.
	b.Publish(idleEvent(status.Idle))
	b.Publish(idleEvent(status.Active))
	waitStates(t, w, "background")
}

func TestRemotePresenceMirrored(t *testing.T) {
	tr, b, _ := setup(t)

	b.Publish(bus.Event{
		Kind:      "stream.presence",
		Timestamp: time.Now(),
		Payload:   model.PresenceEvent{UserID: "u1", IsOnline: true},
	})

	deadline := time.Now().Add(2 * time.Second)
	for !tr.IsOnline("u1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.IsOnline("u1") {
		t.Fatal("remote presence not mirrored")
	}
	if tr.IsOnline("u2") {
		t.Error("unknown user reported online")
	}

	b.Publish(bus.Event{
		Kind:      "stream.presence",
		Timestamp: time.Now(),
		Payload:   model.PresenceEvent{UserID: "u1", IsOnline: false},
	})
	deadline = time.Now().Add(2 * time.Second)
	for tr.IsOnline("u1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.IsOnline("u1") {
		t.Error("offline transition not mirrored")
	}
}

func TestShutdownWritesOffline(t *testing.T) {
	b := bus.New()
	w := &recordWriter{}
	tr := NewTracker(w, b, zap.NewNop())

	b.Publish(connEvent(status.Connected))
	waitStates(t, w, "active")

	tr.Shutdown(context.Background())
	waitStates(t, w, "active", "offline")
}

func TestShutdownReturnsWhileEventsFlow(t *testing.T) {
	b := bus.New()
	w := &recordWriter{}
	tr := NewTracker(w, b, zap.NewNop())

	b.Publish(connEvent(status.Connected))
	waitStates(t, w, "active")

	done := make(chan struct{})
	go func() {
		tr.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
