// Package notify gates desktop notifications: master switch, per-type
// preferences, and a hidden-window rule, with message bodies truncated
// before display.
package notify

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/model"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

// maxBodyRunes bounds the preview text shown in a notification.
const maxBodyRunes = 100

// Prefs are the persisted notification preferences.
type Prefs struct {
	Enabled  bool `json:"enabled"`
	DMs      bool `json:"dms"`
	Channels bool `json:"channels"`
	Mentions bool `json:"mentions"`
}

// DefaultPrefs enables everything; first run notifies until the user says
// otherwise.
func DefaultPrefs() Prefs {
	return Prefs{Enabled: true, DMs: true, Channels: true, Mentions: true}
}

// Notification is one displayable alert.
type Notification struct {
	Kind           string // "dm", "channel", "mention"
	ConversationID string
	Title          string
	Body           string
}

// Sink displays notifications. The daemon's default sink republishes them
// on the bus for the attached front-end.
type Sink interface {
	Show(n Notification)
}

// BusSink publishes notifications as notify.show events.
type BusSink struct {
	Bus *bus.Bus
}

func (s BusSink) Show(n Notification) {
	s.Bus.Publish(bus.Event{Kind: "notify.show", Timestamp: time.Now(), Payload: n})
}

// Manager applies the preference gates to stream notification events.
type Manager struct {
	idle   *status.IdleTracker
	sink   Sink
	self   string
	logger *zap.Logger

	mu    sync.RWMutex
	prefs Prefs

	unsub func()
}

// NewManager creates a manager with the given initial preferences and
// starts consuming stream.notify events.
func NewManager(initial Prefs, idle *status.IdleTracker, sink Sink, b *bus.Bus, selfID string, logger *zap.Logger) *Manager {
	m := &Manager{
		idle:   idle,
		sink:   sink,
		self:   selfID,
		logger: logger,
		prefs:  initial,
	}
	ch, unsub := b.Subscribe("stream.notify.", 64)
	m.unsub = unsub
	go func() {
		for ev := range ch {
			m.handle(ev)
		}
	}()
	return m
}

// Close stops the event subscription.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

// Enabled reports the master switch. The activity monitor consults it
// when deciding whether a hidden window keeps its connection.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs.Enabled
}

// Prefs returns the current preferences.
func (m *Manager) Prefs() Prefs {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs
}

// SetPrefs replaces the preferences. Persistence is the caller's concern.
func (m *Manager) SetPrefs(p Prefs) {
	m.mu.Lock()
	m.prefs = p
	m.mu.Unlock()
}

func (m *Manager) handle(ev bus.Event) {
	prefs := m.Prefs()
	if !prefs.Enabled {
		return
	}
	// An active or merely idle window renders messages itself; only a
	// hidden one needs an alert.
	if m.idle.Current() != status.Hidden {
		return
	}

	var n Notification
	switch ev.Kind {
	case "stream.notify.dm":
		p, ok := ev.Payload.(model.NotificationEvent)
		if !ok || !prefs.DMs || p.SenderID == m.self {
			return
		}
		n = Notification{Kind: "dm", ConversationID: p.ConversationID, Title: "New direct message"}
		if p.Message != nil {
			n.Body = truncate(p.Message.Content)
			if p.Message.DisplayName != "" {
				n.Title = p.Message.DisplayName
			}
		}
	case "stream.notify.channel":
		p, ok := ev.Payload.(model.NotificationEvent)
		if !ok || !prefs.Channels || p.SenderID == m.self {
			return
		}
		n = Notification{Kind: "channel", ConversationID: p.ConversationID, Title: "New message"}
		if p.Message != nil {
			n.Body = truncate(p.Message.Content)
		}
	case "stream.notify.mention":
		p, ok := ev.Payload.(model.MentionEvent)
		if !ok || !prefs.Mentions || p.MentionerID == m.self {
			return
		}
		n = Notification{Kind: "mention", ConversationID: p.ConversationID, Title: "You were mentioned"}
		if p.Message != nil {
			n.Body = truncate(p.Message.Content)
		}
	default:
		return
	}

	m.logger.Debug("showing notification",
		zap.String("kind", n.Kind), zap.String("conversation", n.ConversationID))
	m.sink.Show(n)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxBodyRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxBodyRunes-1]) + "…"
}
