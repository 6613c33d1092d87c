package sync

import (
	"context"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/model"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

func (e *Engine) onStreamEvent(ev bus.Event) {
	switch ev.Kind {
	case "stream.message.new":
		if msg, ok := ev.Payload.(*model.Message); ok {
			e.onNewMessage(msg)
		}
	case "stream.message.edited":
		if msg, ok := ev.Payload.(*model.Message); ok {
			e.onEditedMessage(msg)
		}
	case "stream.message.deleted":
		if del, ok := ev.Payload.(model.MessageDeleted); ok {
			e.removeMessage(del.ConversationID, del.MessageID)
		}
	case "stream.typing":
		if t, ok := ev.Payload.(model.TypingEvent); ok {
			e.onTyping(t)
		}
	case "stream.unread":
		if u, ok := ev.Payload.(model.UnreadEvent); ok {
			e.onUnread(u)
		}
	case "stream.notify.dm", "stream.notify.channel":
		if n, ok := ev.Payload.(model.NotificationEvent); ok {
			e.onNotification(n)
		}
	case "stream.notify.mention":
		if m, ok := ev.Payload.(model.MentionEvent); ok {
			e.onMention(m)
		}
	case "stream.member.joined":
		if m, ok := ev.Payload.(model.MemberEvent); ok {
			e.onMemberJoined(m)
		}
	case "stream.member.left":
		if m, ok := ev.Payload.(model.MemberEvent); ok {
			e.onMemberLeft(m)
		}
	}
}

// onNewMessage folds one live message into the mirror. Own messages never
// touch unread counts; messages for the open conversation are read
// immediately when the window is visible.
func (e *Engine) onNewMessage(msg *model.Message) {
	e.mu.Lock()
	st := e.ensureLocked(msg.ConversationID)
	if st.loading {
		before := len(st.buffer)
		st.buffer = e.absorbLocked(st.buffer, msg)
		if len(st.buffer) > before {
			bumpReplyLocked(st, msg.ParentID, 1)
		}
	} else {
		before := len(st.messages)
		st.messages = e.absorbLocked(st.messages, msg)
		if len(st.messages) > before {
			bumpReplyLocked(st, msg.ParentID, 1)
		}
	}
	at := msg.CreatedAt
	if st.conv.LastActivityAt == nil || at.After(*st.conv.LastActivityAt) {
		st.conv.LastActivityAt = &at
	}
	st.conv.LastPreview = msg.Content

	fromSelf := msg.AuthorID == e.self
	open := msg.ConversationID == e.openID
	autoRead := false
	if !fromSelf {
		if open {
			// While a divider is active, keep it pinned: it counts back
			// from the end, so each arrival extends the count by one. A
			// conversation opened fully read never grows one.
			if e.unreadOnEntry > 0 {
				e.unreadOnEntry++
			}
			autoRead = e.idle.Current() == status.Active && !st.loading
		} else {
			st.conv.UnreadCount++
		}
	}
	e.mu.Unlock()

	if autoRead {
		e.markRead(msg.ConversationID, msg.ID)
	}
	e.publish(msg.ConversationID)
}

func (e *Engine) onEditedMessage(msg *model.Message) {
	e.mu.Lock()
	if st := e.convs[msg.ConversationID]; st != nil {
		for i := range st.messages {
			if st.messages[i].ID == msg.ID {
				pending, failed := st.messages[i].Pending, st.messages[i].Failed
				st.messages[i] = *msg
				st.messages[i].Pending = pending
				st.messages[i].Failed = failed
				break
			}
		}
	}
	e.mu.Unlock()
	e.publish(msg.ConversationID)
}

// onTyping maintains the per-conversation typing set. Entries expire on
// their own when the stop indicator is lost.
func (e *Engine) onTyping(t model.TypingEvent) {
	if t.User.UserID == e.self {
		return
	}
	id := t.User.ConversationID

	e.mu.Lock()
	st := e.ensureLocked(id)
	if st.typing == nil {
		st.typing = make(map[string]*typingEntry)
	}
	if !t.IsTyping {
		if entry, ok := st.typing[t.User.UserID]; ok {
			entry.timer.Stop()
			delete(st.typing, t.User.UserID)
		}
		e.mu.Unlock()
		e.publish(id)
		return
	}
	if entry, ok := st.typing[t.User.UserID]; ok {
		entry.user = t.User
		entry.timer.Reset(e.opts.TypingTTL)
		e.mu.Unlock()
		return
	}
	userID := t.User.UserID
	st.typing[userID] = &typingEntry{
		user: t.User,
		timer: time.AfterFunc(e.opts.TypingTTL, func() {
			e.expireTyping(id, userID)
		}),
	}
	e.mu.Unlock()
	e.publish(id)
}

func (e *Engine) expireTyping(conversationID, userID string) {
	e.mu.Lock()
	st := e.convs[conversationID]
	if st == nil {
		e.mu.Unlock()
		return
	}
	if _, ok := st.typing[userID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(st.typing, userID)
	e.mu.Unlock()
	e.publish(conversationID)
}

// onUnread applies the server's authoritative count. The open conversation
// ignores it; whatever the server thinks, the user is looking at it.
func (e *Engine) onUnread(u model.UnreadEvent) {
	e.mu.Lock()
	if u.ConversationID == e.openID {
		e.mu.Unlock()
		return
	}
	st := e.ensureLocked(u.ConversationID)
	st.conv.UnreadCount = u.UnreadCount
	e.mu.Unlock()
	e.publish(u.ConversationID)
}

// onNotification covers conversations the socket is not joined to: the
// notification is the only signal a message arrived. When the message is
// already mirrored the count was bumped by the message path; the next
// unread_update settles any residual drift.
func (e *Engine) onNotification(n model.NotificationEvent) {
	if n.SenderID == e.self {
		return
	}
	e.mu.Lock()
	if n.ConversationID == e.openID {
		e.mu.Unlock()
		return
	}
	st := e.ensureLocked(n.ConversationID)
	if n.Message != nil {
		for i := range st.messages {
			if st.messages[i].ID == n.Message.ID {
				e.mu.Unlock()
				return
			}
		}
		at := n.Message.CreatedAt
		if st.conv.LastActivityAt == nil || at.After(*st.conv.LastActivityAt) {
			st.conv.LastActivityAt = &at
		}
		st.conv.LastPreview = n.Message.Content
	}
	st.conv.UnreadCount++
	e.mu.Unlock()
	e.publish(n.ConversationID)
}

func (e *Engine) onMention(m model.MentionEvent) {
	if m.MentionerID == e.self {
		return
	}
	e.mu.Lock()
	if m.ConversationID == e.openID {
		e.mu.Unlock()
		return
	}
	st := e.ensureLocked(m.ConversationID)
	st.conv.HasMention = true
	e.mu.Unlock()
	e.publish(m.ConversationID)
}

func (e *Engine) onMemberJoined(m model.MemberEvent) {
	e.mu.Lock()
	st := e.ensureLocked(m.ConversationID)
	if st.members == nil {
		st.members = make(map[string]model.Member)
	}
	if m.Member != nil {
		st.members[m.UserID] = *m.Member
	} else {
		st.members[m.UserID] = model.Member{ConversationID: m.ConversationID, UserID: m.UserID}
	}
	e.mu.Unlock()
	e.publish(m.ConversationID)
}

func (e *Engine) onMemberLeft(m model.MemberEvent) {
	e.mu.Lock()
	if st := e.convs[m.ConversationID]; st != nil {
		delete(st.members, m.UserID)
	}
	e.mu.Unlock()
	e.publish(m.ConversationID)
}

// onConnState resyncs on every transition to connected: the first one
// seeds the conversation list, later ones repair whatever the outage
// missed, including the open conversation's history.
func (e *Engine) onConnState(ev bus.Event) {
	change, ok := ev.Payload.(status.ConnChange)
	if !ok || change.To != status.Connected {
		return
	}
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("conversation list refresh failed", zap.Error(err))
		}
	}()
	e.reloadOpen()
}

// onIdleChange refreshes the open conversation when the window comes
// back: anything that arrived while hidden is fetched and read.
func (e *Engine) onIdleChange(ev bus.Event) {
	change, ok := ev.Payload.(status.IdleChange)
	if !ok || change.To != status.Active || change.From == status.Active {
		return
	}
	e.reloadOpen()
}

// reloadOpen re-fetches history for the open conversation, if any.
func (e *Engine) reloadOpen() {
	e.mu.Lock()
	id := e.openID
	if id == "" {
		e.mu.Unlock()
		return
	}
	st := e.convs[id]
	e.openGen++
	gen := e.openGen
	st.loading = true
	st.buffer = nil
	e.mu.Unlock()

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.loadHistory(ctx, id, gen)
	}()
}
