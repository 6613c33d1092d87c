// Package status tracks the two process-wide state enums: the connection
// state owned by the connection manager and the idle state owned by the
// activity monitor. Changes are announced on the bus; repeated identical
// states are not re-emitted.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
)

// ConnState is the transport connection state.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Reconnecting ConnState = "reconnecting"
)

// validConnTransitions defines the allowed connection state moves.
var validConnTransitions = map[ConnState][]ConnState{
	Disconnected: {Connecting, Reconnecting},
	Connecting:   {Connected, Disconnected, Reconnecting},
	Connected:    {Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// ConnMachine tracks and enforces connection state transitions. Only the
// connection manager mutates it.
type ConnMachine struct {
	mu      sync.RWMutex
	current ConnState
	bus     *bus.Bus
}

// NewConnMachine creates a machine starting disconnected.
func NewConnMachine(b *bus.Bus) *ConnMachine {
	return &ConnMachine{current: Disconnected, bus: b}
}

// Current returns the current connection state.
func (m *ConnMachine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, publishing a conn.state event. Moving
// to the current state is a no-op; an invalid move returns an error.
func (m *ConnMachine) Transition(to ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validConnTransitions[m.current], to) {
		return fmt.Errorf("invalid connection transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state",
			Timestamp: time.Now(),
			Payload:   ConnChange{From: from, To: to},
		})
	}
	return nil
}

// ConnChange is the payload for conn.state events.
type ConnChange struct {
	From ConnState
	To   ConnState
}

// IdleState classifies user/tab engagement.
type IdleState string

const (
	Active IdleState = "active"
	Idle   IdleState = "idle"
	Hidden IdleState = "hidden"
)

// IdleTracker holds the single idle state instance. Only the activity
// monitor writes it.
type IdleTracker struct {
	mu      sync.RWMutex
	current IdleState
	bus     *bus.Bus
}

// NewIdleTracker creates a tracker starting active.
func NewIdleTracker(b *bus.Bus) *IdleTracker {
	return &IdleTracker{current: Active, bus: b}
}

// Current returns the current idle state.
func (t *IdleTracker) Current() IdleState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Set updates the idle state, publishing idle.changed only on an actual
// change.
func (t *IdleTracker) Set(to IdleState) {
	t.mu.Lock()
	if to == t.current {
		t.mu.Unlock()
		return
	}
	from := t.current
	t.current = to
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      "idle.changed",
			Timestamp: time.Now(),
			Payload:   IdleChange{From: from, To: to},
		})
	}
}

// IdleChange is the payload for idle.changed events.
type IdleChange struct {
	From IdleState
	To   IdleState
}
