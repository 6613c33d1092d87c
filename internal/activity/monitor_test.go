package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	idleCloses []string
}

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.connects++
	return nil
}

func (c *fakeConn) DisconnectForIdle(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.idleCloses = append(c.idleCloses, reason)
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeConn) closes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.idleCloses...)
}

type fixedPolicy bool

func (p fixedPolicy) Enabled() bool { return bool(p) }

func testMonitor(t *testing.T, conn *fakeConn, policy NotifyPolicy, opts Options) (*Monitor, *status.IdleTracker) {
	t.Helper()
	b := bus.New()
	idle := status.NewIdleTracker(b)
	m := NewMonitor(conn, idle, policy, b, zap.NewNop(), opts)
	t.Cleanup(m.Stop)
	return m, idle
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, idle := testMonitor(t, conn, fixedPolicy(false), Options{IdleTimeout: 30 * time.Millisecond})
	m.Start()

	waitFor(t, func() bool { return !conn.IsConnected() }, "no idle disconnect")
	if idle.Current() != status.Idle {
		t.Errorf("idle state = %s, want idle", idle.Current())
	}
	if got := conn.closes(); len(got) != 1 || got[0] != "user idle timeout" {
		t.Errorf("idle closes = %v", got)
	}
}

func TestInputDefersIdleTimeout(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, _ := testMonitor(t, conn, fixedPolicy(false), Options{
		IdleTimeout:   80 * time.Millisecond,
		InputThrottle: time.Millisecond,
	})
	m.Start()

	// Keep feeding input past the original deadline.
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		m.RecordInput()
	}
	if !conn.IsConnected() {
		t.Fatal("disconnected despite continuous input")
	}

	waitFor(t, func() bool { return !conn.IsConnected() }, "no idle disconnect after input stopped")
}

func TestThrottledInputStillMovesClock(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, _ := testMonitor(t, conn, fixedPolicy(false), Options{
		IdleTimeout:   60 * time.Millisecond,
		InputThrottle: time.Hour, // every pulse after the first is throttled
	})
	m.Start()

	// Pulses land inside the throttle window, so the timer is never
	// re-armed, but the deadline re-check must still see fresh input.
	stop := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			m.RecordInput()
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !conn.IsConnected() {
		t.Fatal("disconnected despite throttled input moving the clock")
	}
}

func TestInputReconnectsAfterIdle(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, idle := testMonitor(t, conn, fixedPolicy(false), Options{
		IdleTimeout:   30 * time.Millisecond,
		InputThrottle: time.Millisecond,
	})
	m.Start()

	waitFor(t, func() bool { return !conn.IsConnected() }, "no idle disconnect")

	time.Sleep(5 * time.Millisecond)
	m.RecordInput()
	waitFor(t, func() bool { return conn.IsConnected() }, "no reconnect on input")
	if idle.Current() != status.Active {
		t.Errorf("idle state = %s, want active after input", idle.Current())
	}
}

func TestHiddenDisconnectsWhenNotificationsOff(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, idle := testMonitor(t, conn, fixedPolicy(false), Options{IdleTimeout: time.Hour})
	m.Start()

	m.SetVisible(false)
	if conn.IsConnected() {
		t.Fatal("hidden window with notifications off must disconnect")
	}
	if idle.Current() != status.Hidden {
		t.Errorf("idle state = %s, want hidden", idle.Current())
	}
	if got := conn.closes(); len(got) != 1 || got[0] != "window hidden" {
		t.Errorf("idle closes = %v", got)
	}
}

func TestHiddenKeepsConnectionWhenNotificationsOn(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, idle := testMonitor(t, conn, fixedPolicy(true), Options{IdleTimeout: time.Hour})
	m.Start()

	m.SetVisible(false)
	if !conn.IsConnected() {
		t.Fatal("hidden window with notifications on must keep the connection")
	}
	if idle.Current() != status.Hidden {
		t.Errorf("idle state = %s, want hidden", idle.Current())
	}
}

func TestVisibleAgainReconnects(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, idle := testMonitor(t, conn, fixedPolicy(false), Options{IdleTimeout: time.Hour})
	m.Start()

	m.SetVisible(false)
	if conn.IsConnected() {
		t.Fatal("expected hidden disconnect")
	}

	m.SetVisible(true)
	waitFor(t, func() bool { return conn.IsConnected() }, "no reconnect on visible")
	if idle.Current() != status.Active {
		t.Errorf("idle state = %s, want active", idle.Current())
	}
	if conn.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", conn.connectCount())
	}
}

func TestHiddenCancelsIdleTimer(t *testing.T) {
	conn := &fakeConn{connected: true}
	m, idle := testMonitor(t, conn, fixedPolicy(true), Options{IdleTimeout: 30 * time.Millisecond})
	m.Start()

	m.SetVisible(false)
	time.Sleep(100 * time.Millisecond)

	if !conn.IsConnected() {
		t.Fatalf("hidden window with notifications on was disconnected: %v", conn.closes())
	}
	if idle.Current() != status.Hidden {
		t.Errorf("idle state = %s, want hidden", idle.Current())
	}
}

func TestServerActivityDefersIdle(t *testing.T) {
	conn := &fakeConn{connected: true}
	b := bus.New()
	idle := status.NewIdleTracker(b)
	m := NewMonitor(conn, idle, fixedPolicy(false), b, zap.NewNop(),
		Options{IdleTimeout: 60 * time.Millisecond})
	defer m.Stop()
	m.Start()

	// Inbound frames keep arriving past the original deadline; the
	// connection is useful even without user input.
	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		b.Publish(bus.Event{Kind: "conn.activity", Timestamp: time.Now()})
	}
	if !conn.IsConnected() {
		t.Fatalf("idle disconnect fired despite continuous server activity: %v", conn.closes())
	}

	waitFor(t, func() bool { return !conn.IsConnected() }, "no idle disconnect after frames stopped")
}

func TestNoReconnectWithoutIdleDisconnect(t *testing.T) {
	// The connection is down for a reason other than idleness; activity
	// must not reopen it.
	conn := &fakeConn{connected: false}
	m, _ := testMonitor(t, conn, fixedPolicy(false), Options{
		IdleTimeout:   time.Hour,
		InputThrottle: time.Millisecond,
	})
	m.Start()

	time.Sleep(5 * time.Millisecond)
	m.RecordInput()
	m.SetVisible(false)
	m.SetVisible(true)
	time.Sleep(50 * time.Millisecond)

	if got := conn.connectCount(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}
}

func TestLastServerActivityFollowsBus(t *testing.T) {
	conn := &fakeConn{connected: true}
	b := bus.New()
	idle := status.NewIdleTracker(b)
	m := NewMonitor(conn, idle, fixedPolicy(false), b, zap.NewNop(), Options{IdleTimeout: time.Hour})
	defer m.Stop()

	at := time.Now()
	b.Publish(bus.Event{Kind: "conn.activity", Timestamp: at})

	waitFor(t, func() bool { return m.LastServerActivity().Equal(at) }, "conn.activity not folded in")
}
