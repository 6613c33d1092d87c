package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.state", Timestamp: time.Now(), Payload: "connected"})

	select {
	case evt := <-ch:
		if evt.Kind != "conn.state" {
			t.Errorf("got kind %q, want conn.state", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.state"})
	b.Publish(Event{Kind: "stream.message.new"})

	select {
	case evt := <-ch:
		if evt.Kind != "stream.message.new" {
			t.Errorf("got kind %q, want stream.message.new", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The conn event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish(Event{Kind: "conn.state"})

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received event after unsubscribe: %v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestUnsubscribeEndsRangeConsumer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	b.Publish(Event{Kind: "conn.state"})
	unsub()
	unsub() // second call is a no-op

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("range consumer still running after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 1)
	defer unsub()

	b.Publish(Event{Kind: "stream.one"})
	// Buffer is full; this one is dropped rather than blocking.
	b.Publish(Event{Kind: "stream.two"})

	evt := <-ch
	if evt.Kind != "stream.one" {
		t.Errorf("got %q, want stream.one", evt.Kind)
	}
}
