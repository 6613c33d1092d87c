package status

import (
	"testing"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
)

func TestConnMachineValidTransitions(t *testing.T) {
	m := NewConnMachine(nil)

	steps := []ConnState{Connecting, Connected, Disconnected, Reconnecting, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.Current() != Connected {
		t.Errorf("current = %s, want connected", m.Current())
	}
}

func TestConnMachineInvalidTransition(t *testing.T) {
	m := NewConnMachine(nil)

	// Cannot go straight from disconnected to connected.
	if err := m.Transition(Connected); err == nil {
		t.Error("expected error for disconnected -> connected")
	}
	if m.Current() != Disconnected {
		t.Errorf("current = %s, want disconnected after rejected transition", m.Current())
	}
}

func TestConnMachineSelfTransitionIsNoop(t *testing.T) {
	b := bus.New()
	m := NewConnMachine(b)
	ch, unsub := b.Subscribe("conn.state", 10)
	defer unsub()

	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("self transition should be a no-op, got %v", err)
	}

	<-ch
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnMachinePublishesChange(t *testing.T) {
	b := bus.New()
	m := NewConnMachine(b)
	ch, unsub := b.Subscribe("conn.state", 10)
	defer unsub()

	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(ConnChange)
		if !ok {
			t.Fatalf("payload type %T, want ConnChange", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v, want disconnected -> connecting", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conn.state event")
	}
}

func TestIdleTrackerDeduplicates(t *testing.T) {
	b := bus.New()
	tr := NewIdleTracker(b)
	ch, unsub := b.Subscribe("idle.", 10)
	defer unsub()

	tr.Set(Idle)
	tr.Set(Idle)
	tr.Set(Hidden)

	var got []IdleState
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			got = append(got, evt.Payload.(IdleChange).To)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for idle.changed")
		}
	}
	if got[0] != Idle || got[1] != Hidden {
		t.Errorf("events = %v, want [idle hidden]", got)
	}

	select {
	case evt := <-ch:
		t.Errorf("duplicate state re-emitted: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
