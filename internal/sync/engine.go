// Package sync owns the client's mirror of conversation state: message
// lists, unread counts, mention flags, typing sets, and membership. One
// engine goroutine consumes stream events; public methods take snapshots
// or submit user actions. The server stays authoritative; local edits
// are optimistic and reconciled against the stream.
package sync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/model"
	"github.com/gridhq/gridclient/internal/status"
	"go.uber.org/zap"
)

// Transport manages conversation subscriptions on the socket.
type Transport interface {
	Join(conversationID string)
	Leave(conversationID string)
}

// Sender transmits user actions. CreateMessage is the HTTP path for a
// send the socket could not carry.
type Sender interface {
	SendMessage(conversationID, content, parentID, tempID string, attachmentIDs []string) bool
	CreateMessage(ctx context.Context, conversationID, content, parentID string) (model.Message, error)
	EditMessage(messageID, content string) bool
	DeleteMessage(messageID string) bool
	MarkRead(conversationID, lastReadMessageID string)
}

// Fetcher loads state over HTTP.
type Fetcher interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	Members(ctx context.Context, conversationID string) ([]model.Member, error)
	Users(ctx context.Context, ids []string) ([]model.Profile, error)
}

// Options tune the engine's timers. Zero values take the defaults.
type Options struct {
	TypingTTL     time.Duration // default 2s
	RecentSendTTL time.Duration // default 10s
}

func (o *Options) withDefaults() {
	if o.TypingTTL == 0 {
		o.TypingTTL = 2 * time.Second
	}
	if o.RecentSendTTL == 0 {
		o.RecentSendTTL = 10 * time.Second
	}
}

// conversationState is everything the engine tracks for one conversation.
type conversationState struct {
	conv     model.Conversation
	messages []model.Message
	members  map[string]model.Member
	typing   map[string]*typingEntry

	// While a history fetch is in flight, live messages land in buffer
	// and are merged when the fetch returns.
	loading bool
	buffer  []model.Message

	// Set when the last history fetch failed; cleared by the next
	// successful load. Readers surface it so the UI can offer a retry.
	loadFailed bool
}

type typingEntry struct {
	user  model.TypingUser
	timer *time.Timer
}

// Engine is the conversation sync core.
type Engine struct {
	transport Transport
	sender    Sender
	fetcher   Fetcher
	bus       *bus.Bus
	idle      *status.IdleTracker
	logger    *zap.Logger
	self      string
	opts      Options

	mu            sync.RWMutex
	convs         map[string]*conversationState
	openID        string
	openGen       int
	unreadOnEntry int
	recentSends   map[string]time.Time

	unsubs []func()
	// Consumer loops and ad-hoc fetch goroutines are waited on
	// separately: the loops stop first, so nothing spawns new tasks
	// while tasks.Wait runs.
	loops sync.WaitGroup
	tasks sync.WaitGroup
}

// NewEngine creates an engine and starts consuming stream, connection,
// and idle events. The first conversation-list fetch happens on the first
// transition to connected.
func NewEngine(transport Transport, sender Sender, fetcher Fetcher, b *bus.Bus, idle *status.IdleTracker, selfID string, logger *zap.Logger, opts Options) *Engine {
	opts.withDefaults()
	e := &Engine{
		transport:   transport,
		sender:      sender,
		fetcher:     fetcher,
		bus:         b,
		idle:        idle,
		logger:      logger,
		self:        selfID,
		opts:        opts,
		convs:       make(map[string]*conversationState),
		recentSends: make(map[string]time.Time),
	}
	e.consume(b, "stream.", e.onStreamEvent)
	e.consume(b, "conn.state", e.onConnState)
	e.consume(b, "idle.changed", e.onIdleChange)
	return e
}

func (e *Engine) consume(b *bus.Bus, prefix string, fn func(bus.Event)) {
	ch, unsub := b.Subscribe(prefix, 256)
	e.unsubs = append(e.unsubs, unsub)
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		for ev := range ch {
			fn(ev)
		}
	}()
}

// Shutdown stops the event subscriptions, waits out in-flight fetches,
// and stops the typing timers.
func (e *Engine) Shutdown() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.loops.Wait()
	e.tasks.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.convs {
		for _, t := range st.typing {
			t.timer.Stop()
		}
	}
}

// Refresh reloads the conversation list, preserving local message state.
// Server metadata wins except where a local count ran ahead of it.
func (e *Engine) Refresh(ctx context.Context) error {
	convs, err := e.fetcher.Conversations(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, conv := range convs {
		st, ok := e.convs[conv.ID]
		if !ok {
			e.convs[conv.ID] = &conversationState{conv: conv}
			continue
		}
		if conv.ID == e.openID {
			// The open conversation is read by definition.
			conv.UnreadCount = 0
			conv.HasMention = false
		} else {
			if st.conv.UnreadCount > conv.UnreadCount {
				conv.UnreadCount = st.conv.UnreadCount
			}
			conv.HasMention = conv.HasMention || st.conv.HasMention
		}
		conv.DMPeer = st.conv.DMPeer
		st.conv = conv
	}
	e.mu.Unlock()

	e.populateDMPeers(ctx)
	e.publish("")
	return nil
}

// populateDMPeers resolves the other participant's profile for direct
// conversations that do not carry one yet.
func (e *Engine) populateDMPeers(ctx context.Context) {
	want := make(map[string]string) // peer user id -> conversation id
	e.mu.RLock()
	for id, st := range e.convs {
		if st.conv.Kind != model.KindDirect || st.conv.DMPeer != nil {
			continue
		}
		for _, member := range st.conv.MemberIDs {
			if member != e.self {
				want[member] = id
				break
			}
		}
	}
	e.mu.RUnlock()
	if len(want) == 0 {
		return
	}

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	profiles, err := e.fetcher.Users(ctx, ids)
	if err != nil {
		e.logger.Warn("dm peer lookup failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	for i := range profiles {
		p := profiles[i]
		convID, ok := want[p.ID]
		if !ok {
			continue
		}
		if st := e.convs[convID]; st != nil {
			st.conv.DMPeer = &p
		}
	}
	e.mu.Unlock()
}

// OpenConversation makes a conversation the viewed one: joins it, records
// the unread count for the divider, loads history, and marks it read.
// Opening the already open conversation is a no-op.
func (e *Engine) OpenConversation(ctx context.Context, id string) {
	e.mu.Lock()
	if e.openID == id {
		e.mu.Unlock()
		return
	}
	st := e.ensureLocked(id)
	e.openID = id
	e.openGen++
	gen := e.openGen
	e.unreadOnEntry = st.conv.UnreadCount
	st.loading = true
	st.buffer = nil
	e.mu.Unlock()

	e.transport.Join(id)
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		e.loadHistory(ctx, id, gen)
	}()
}

// CloseConversation clears the open conversation. The socket subscription
// stays so the message mirror keeps following.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.openID = ""
	e.openGen++
	e.unreadOnEntry = 0
	e.mu.Unlock()
	e.publish("")
}

// loadHistory fetches messages and members for a conversation. Results
// from a fetch that was superseded by a later open are dropped.
func (e *Engine) loadHistory(ctx context.Context, id string, gen int) {
	history, err := e.fetcher.Messages(ctx, id)
	if err != nil {
		e.logger.Warn("history fetch failed", zap.String("conversation", id), zap.Error(err))
	}
	members, memErr := e.fetcher.Members(ctx, id)
	if memErr != nil {
		e.logger.Debug("member fetch failed", zap.String("conversation", id), zap.Error(memErr))
	}

	e.mu.Lock()
	if gen != e.openGen || e.openID != id {
		e.mu.Unlock()
		e.logger.Debug("dropping stale history fetch", zap.String("conversation", id))
		return
	}
	st := e.convs[id]
	if err == nil {
		st.messages = e.mergeHistoryLocked(st, history)
		st.loadFailed = false
	} else {
		// Keep what we have; buffered live messages still land. Unread
		// state stays until a load actually succeeds, and the failure
		// is surfaced for a user-initiated retry.
		for i := range st.buffer {
			st.messages = e.absorbLocked(st.messages, &st.buffer[i])
		}
		st.loadFailed = true
	}
	st.loading = false
	st.buffer = nil
	if memErr == nil {
		st.members = make(map[string]model.Member, len(members))
		for _, m := range members {
			st.members[m.UserID] = m
		}
	}
	if err != nil {
		e.mu.Unlock()
		e.publish(id)
		return
	}
	st.conv.UnreadCount = 0
	st.conv.HasMention = false
	lastID := ""
	if n := len(st.messages); n > 0 {
		lastID = st.messages[n-1].ID
	}
	e.mu.Unlock()

	e.publish(id)
	e.markRead(id, lastID)
}

// mergeHistoryLocked combines fetched history with messages buffered
// during the fetch and local sends still awaiting confirmation.
func (e *Engine) mergeHistoryLocked(st *conversationState, history []model.Message) []model.Message {
	merged := make([]model.Message, 0, len(history)+len(st.buffer))
	merged = append(merged, history...)

	for i := range st.buffer {
		merged = e.absorbLocked(merged, &st.buffer[i])
	}

	// Local provisional messages survive unless the fetch or the buffer
	// already carried their confirmed form.
	for i := range st.messages {
		local := &st.messages[i]
		if !local.Pending && !local.Failed {
			continue
		}
		confirmed := false
		for j := range merged {
			if merged[j].TempID == local.ID || merged[j].ID == local.ID ||
				merged[j].DedupKey() == local.DedupKey() {
				confirmed = true
				break
			}
		}
		if !confirmed {
			merged = append(merged, *local)
		}
	}

	sortMessages(merged)
	return merged
}

// absorbLocked folds one live message into a list, deduplicating against
// ids, provisional ids, and the recent-send fingerprint.
func (e *Engine) absorbLocked(list []model.Message, msg *model.Message) []model.Message {
	for i := range list {
		if list[i].ID == msg.ID {
			return list
		}
		if msg.TempID != "" && list[i].ID == msg.TempID {
			e.promote(&list[i], msg)
			return list
		}
	}
	if e.recentlySentLocked(msg) {
		for i := range list {
			if list[i].IsProvisional() && list[i].DedupKey() == msg.DedupKey() {
				e.promote(&list[i], msg)
				return list
			}
		}
	}
	list = append(list, *msg)
	sortMessages(list)
	return list
}

// bumpReplyLocked adjusts the parent's reply counter when a thread reply
// lands or is removed. Unknown parents are outside the loaded window; the
// server count arrives with the next history fetch.
func bumpReplyLocked(st *conversationState, parentID string, delta int) {
	if parentID == "" {
		return
	}
	for i := range st.messages {
		if st.messages[i].ID == parentID {
			st.messages[i].ReplyCount += delta
			if st.messages[i].ReplyCount < 0 {
				st.messages[i].ReplyCount = 0
			}
			return
		}
	}
}

// promote replaces a provisional message with its confirmed form in
// place, keeping the slice position so an open view does not jump.
func (e *Engine) promote(local *model.Message, confirmed *model.Message) {
	tempID := local.ID
	*local = *confirmed
	if local.TempID == "" {
		local.TempID = tempID
	}
	local.Pending = false
	local.Failed = false
}

func (e *Engine) recentlySentLocked(msg *model.Message) bool {
	now := time.Now()
	for key, at := range e.recentSends {
		if now.Sub(at) > e.opts.RecentSendTTL {
			delete(e.recentSends, key)
		}
	}
	_, ok := e.recentSends[msg.DedupKey()]
	return ok
}

// SendMessage creates an optimistic message, transmits it, and returns
// the local copy. When the socket cannot carry the frame the send falls
// back to an HTTP write; only a failed fallback leaves the message marked
// failed for a later retry.
func (e *Engine) SendMessage(conversationID, content, parentID string, attachmentIDs []string) model.Message {
	tempID := model.ProvisionalPrefix + uuid.NewString()
	msg := model.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		AuthorID:       e.self,
		Content:        content,
		ParentID:       parentID,
		CreatedAt:      time.Now(),
		Pending:        true,
	}

	e.mu.Lock()
	st := e.ensureLocked(conversationID)
	e.recentSends[msg.DedupKey()] = time.Now()
	if st.loading {
		st.buffer = append(st.buffer, msg)
	} else {
		st.messages = append(st.messages, msg)
		sortMessages(st.messages)
	}
	bumpReplyLocked(st, parentID, 1)
	at := msg.CreatedAt
	st.conv.LastActivityAt = &at
	e.mu.Unlock()

	if !e.sender.SendMessage(conversationID, content, parentID, tempID, attachmentIDs) {
		e.createFallback(conversationID, content, parentID, tempID)
	}
	e.publish(conversationID)
	return msg
}

// createFallback writes an untransmitted send over HTTP, promoting the
// provisional message on success and marking it failed otherwise.
func (e *Engine) createFallback(conversationID, content, parentID, tempID string) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		confirmed, err := e.sender.CreateMessage(ctx, conversationID, content, parentID)
		if err != nil {
			e.logger.Warn("send fallback failed",
				zap.String("conversation", conversationID),
				zap.String("temp_id", tempID), zap.Error(err))
			e.setSendState(conversationID, tempID, false, true)
			e.publish(conversationID)
			return
		}

		e.mu.Lock()
		if st := e.convs[conversationID]; st != nil {
			confirmed.TempID = tempID
			// The stream will echo the created message too; absorbing by
			// temp id here means the echo dedups by server id later.
			if st.loading {
				st.buffer = e.absorbLocked(st.buffer, &confirmed)
			} else {
				st.messages = e.absorbLocked(st.messages, &confirmed)
			}
		}
		e.mu.Unlock()
		e.publish(conversationID)
	}()
}

// RetrySend re-transmits a failed message under its original provisional
// id.
func (e *Engine) RetrySend(conversationID, tempID string) bool {
	e.mu.RLock()
	st := e.convs[conversationID]
	var found *model.Message
	if st != nil {
		for i := range st.messages {
			if st.messages[i].ID == tempID && st.messages[i].Failed {
				m := st.messages[i]
				found = &m
				break
			}
		}
	}
	e.mu.RUnlock()
	if found == nil {
		return false
	}

	e.setSendState(conversationID, tempID, true, false)
	e.mu.Lock()
	e.recentSends[found.DedupKey()] = time.Now()
	e.mu.Unlock()

	attachmentIDs := make([]string, 0, len(found.Attachments))
	for _, a := range found.Attachments {
		attachmentIDs = append(attachmentIDs, a.ID)
	}
	transmitted := e.sender.SendMessage(conversationID, found.Content, found.ParentID, tempID, attachmentIDs)
	if !transmitted {
		e.createFallback(conversationID, found.Content, found.ParentID, tempID)
	}
	e.publish(conversationID)
	return transmitted
}

func (e *Engine) setSendState(conversationID, tempID string, pending, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.convs[conversationID]
	if st == nil {
		return
	}
	for list := 0; list < 2; list++ {
		msgs := st.messages
		if list == 1 {
			msgs = st.buffer
		}
		for i := range msgs {
			if msgs[i].ID == tempID {
				msgs[i].Pending = pending
				msgs[i].Failed = failed
				return
			}
		}
	}
}

// EditMessage applies the edit locally and transmits it.
func (e *Engine) EditMessage(conversationID, messageID, content string) bool {
	now := time.Now()
	e.mu.Lock()
	if st := e.convs[conversationID]; st != nil {
		for i := range st.messages {
			if st.messages[i].ID == messageID {
				st.messages[i].Content = content
				st.messages[i].IsEdited = true
				st.messages[i].EditedAt = &now
				break
			}
		}
	}
	e.mu.Unlock()
	e.publish(conversationID)
	return e.sender.EditMessage(messageID, content)
}

// DeleteMessage removes the message locally and transmits the deletion.
func (e *Engine) DeleteMessage(conversationID, messageID string) bool {
	e.removeMessage(conversationID, messageID)
	return e.sender.DeleteMessage(messageID)
}

// MarkAllRead zeroes every unread count and reports each read position.
// Mention flags stay; a mention is a direct ask that deserves an explicit
// visit.
func (e *Engine) MarkAllRead() {
	type mark struct{ conv, last string }
	var marks []mark

	e.mu.Lock()
	for id, st := range e.convs {
		if st.conv.UnreadCount == 0 {
			continue
		}
		st.conv.UnreadCount = 0
		last := ""
		if n := len(st.messages); n > 0 {
			last = st.messages[n-1].ID
		}
		marks = append(marks, mark{conv: id, last: last})
	}
	e.mu.Unlock()

	for _, m := range marks {
		e.markRead(m.conv, m.last)
	}
	e.publish("")
}

// Conversations returns the conversation list: anything unread or
// mentioned first, then by recency, stable within ties. Archived
// conversations are filtered out.
func (e *Engine) Conversations() []model.Conversation {
	e.mu.RLock()
	out := make([]model.Conversation, 0, len(e.convs))
	for _, st := range e.convs {
		if st.conv.IsArchived {
			continue
		}
		out = append(out, st.conv)
	}
	e.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b model.Conversation) int {
		aHot := a.UnreadCount > 0 || a.HasMention
		bHot := b.UnreadCount > 0 || b.HasMention
		if aHot != bHot {
			if aHot {
				return -1
			}
			return 1
		}
		switch {
		case activity(a).After(activity(b)):
			return -1
		case activity(b).After(activity(a)):
			return 1
		}
		return 0
	})
	return out
}

func activity(c model.Conversation) time.Time {
	if c.LastActivityAt == nil {
		return time.Time{}
	}
	return *c.LastActivityAt
}

// Messages returns a copy of the message list for a conversation.
func (e *Engine) Messages(conversationID string) []model.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.convs[conversationID]
	if st == nil {
		return nil
	}
	return slices.Clone(st.messages)
}

// Members returns the known membership of a conversation.
func (e *Engine) Members(conversationID string) []model.Member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.convs[conversationID]
	if st == nil {
		return nil
	}
	out := make([]model.Member, 0, len(st.members))
	for _, m := range st.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.Member) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// Typing returns who is currently typing in a conversation.
func (e *Engine) Typing(conversationID string) []model.TypingUser {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.convs[conversationID]
	if st == nil {
		return nil
	}
	out := make([]model.TypingUser, 0, len(st.typing))
	for _, t := range st.typing {
		out = append(out, t.user)
	}
	slices.SortFunc(out, func(a, b model.TypingUser) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// OpenID returns the currently open conversation id, empty when none.
func (e *Engine) OpenID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.openID
}

// IsLoading reports whether a history fetch is in flight for the
// conversation.
func (e *Engine) IsLoading(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.convs[conversationID]
	return st != nil && st.loading
}

// LoadFailed reports whether the conversation's last history fetch
// failed. Cleared by the next successful load.
func (e *Engine) LoadFailed(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.convs[conversationID]
	return st != nil && st.loadFailed
}

// RetryLoad re-runs the history fetch for the open conversation after a
// failure.
func (e *Engine) RetryLoad() {
	e.reloadOpen()
}

// DividerIndex returns the index of the first unread message in the open
// conversation, counting back the unread-on-entry total and skipping the
// user's own messages. -1 means no divider: nothing was unread, or the
// loaded history is shorter than the count.
func (e *Engine) DividerIndex() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.openID == "" || e.unreadOnEntry <= 0 {
		return -1
	}
	st := e.convs[e.openID]
	if st == nil {
		return -1
	}
	count := e.unreadOnEntry
	for i := len(st.messages) - 1; i >= 0; i-- {
		if st.messages[i].AuthorID == e.self {
			continue
		}
		count--
		if count == 0 {
			return i
		}
	}
	return -1
}

func (e *Engine) ensureLocked(id string) *conversationState {
	st, ok := e.convs[id]
	if !ok {
		st = &conversationState{conv: model.Conversation{ID: id}}
		e.convs[id] = st
		e.adopt(id)
	}
	return st
}

// adopt fetches metadata for a conversation first seen through an event.
// Local counters accrued meanwhile are kept.
func (e *Engine) adopt(id string) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		conv, err := e.fetcher.Conversation(ctx, id)
		if err != nil {
			e.logger.Warn("conversation adoption failed", zap.String("conversation", id), zap.Error(err))
			return
		}
		e.mu.Lock()
		if st := e.convs[id]; st != nil {
			local := st.conv
			conv.UnreadCount = max(conv.UnreadCount, local.UnreadCount)
			conv.HasMention = conv.HasMention || local.HasMention
			if conv.LastActivityAt == nil {
				conv.LastActivityAt = local.LastActivityAt
			}
			st.conv = conv
		}
		e.mu.Unlock()
		e.populateDMPeers(ctx)
		e.publish(id)
	}()
}

func (e *Engine) removeMessage(conversationID, messageID string) {
	e.mu.Lock()
	if st := e.convs[conversationID]; st != nil {
		parentID := ""
		for i := range st.messages {
			if st.messages[i].ID == messageID {
				parentID = st.messages[i].ParentID
				break
			}
		}
		st.messages = slices.DeleteFunc(st.messages, func(m model.Message) bool {
			return m.ID == messageID
		})
		st.buffer = slices.DeleteFunc(st.buffer, func(m model.Message) bool {
			return m.ID == messageID
		})
		bumpReplyLocked(st, parentID, -1)
	}
	e.mu.Unlock()
	e.publish(conversationID)
}

// markRead reports a read position without blocking the caller on the
// HTTP fallback.
func (e *Engine) markRead(conversationID, lastID string) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		e.sender.MarkRead(conversationID, lastID)
	}()
}

func (e *Engine) publish(conversationID string) {
	e.bus.Publish(bus.Event{
		Kind:      "sync.updated",
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}

func sortMessages(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		switch {
		case a.CreatedAt.Before(b.CreatedAt):
			return -1
		case b.CreatedAt.Before(a.CreatedAt):
			return 1
		}
		return 0
	})
}
