package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DraftTTL is how long an untouched draft survives before the sweep
// removes it.
const DraftTTL = 7 * 24 * time.Hour

// Draft is a saved, unsent message body for one conversation.
type Draft struct {
	ConversationID string
	Content        string
	AttachmentIDs  []string
	UpdatedAt      time.Time
}

// SaveDraft upserts the draft for a conversation. An empty draft
// deletes it; there is nothing worth restoring from an empty composer.
func (db *DB) SaveDraft(conversationID, content string, attachmentIDs []string) error {
	if content == "" && len(attachmentIDs) == 0 {
		return db.DeleteDraft(conversationID)
	}
	atts, err := encodeAttachmentIDs(attachmentIDs)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		INSERT INTO drafts (conversation_id, content, attachment_ids, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET content = excluded.content,
			attachment_ids = excluded.attachment_ids, updated_at = excluded.updated_at`,
		conversationID, content, atts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Draft returns the draft for a conversation, or ok=false when none.
func (db *DB) Draft(conversationID string) (Draft, bool, error) {
	var d Draft
	var atts string
	var updatedAt int64
	err := db.conn.QueryRow(
		`SELECT conversation_id, content, attachment_ids, updated_at FROM drafts WHERE conversation_id = ?`,
		conversationID).Scan(&d.ConversationID, &d.Content, &atts, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, false, nil
	}
	if err != nil {
		return Draft{}, false, fmt.Errorf("load draft: %w", err)
	}
	if d.AttachmentIDs, err = decodeAttachmentIDs(atts); err != nil {
		return Draft{}, false, err
	}
	d.UpdatedAt = time.UnixMilli(updatedAt)
	if time.Since(d.UpdatedAt) > DraftTTL {
		// Expired between sweeps.
		if err := db.DeleteDraft(conversationID); err != nil {
			return Draft{}, false, err
		}
		return Draft{}, false, nil
	}
	return d, true, nil
}

// Drafts returns every saved draft.
func (db *DB) Drafts() ([]Draft, error) {
	rows, err := db.conn.Query(`SELECT conversation_id, content, attachment_ids, updated_at FROM drafts`)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	defer rows.Close()

	var out []Draft
	for rows.Next() {
		var d Draft
		var atts string
		var updatedAt int64
		if err := rows.Scan(&d.ConversationID, &d.Content, &atts, &updatedAt); err != nil {
			return nil, err
		}
		if d.AttachmentIDs, err = decodeAttachmentIDs(atts); err != nil {
			return nil, err
		}
		d.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func encodeAttachmentIDs(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode draft attachments: %w", err)
	}
	return string(raw), nil
}

func decodeAttachmentIDs(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode draft attachments: %w", err)
	}
	return ids, nil
}

// DeleteDraft removes the draft for a conversation.
func (db *DB) DeleteDraft(conversationID string) error {
	if _, err := db.conn.Exec(`DELETE FROM drafts WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// SweepDrafts removes drafts untouched for longer than DraftTTL and
// returns how many were removed.
func (db *DB) SweepDrafts(now time.Time) (int, error) {
	res, err := db.conn.Exec(`DELETE FROM drafts WHERE updated_at < ?`,
		now.Add(-DraftTTL).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep drafts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.logger.Info("expired drafts removed", zap.Int64("count", n))
	}
	return int(n), nil
}

// DraftSaver coalesces keystroke-rate draft updates into one write per
// pause. Each conversation debounces independently.
type DraftSaver struct {
	db       *DB
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pendingDraft
	stopped bool
}

type pendingDraft struct {
	content     string
	attachments []string
	timer       *time.Timer
}

// NewDraftSaver creates a saver. A zero debounce takes the 750ms default.
func NewDraftSaver(db *DB, debounce time.Duration) *DraftSaver {
	if debounce == 0 {
		debounce = 750 * time.Millisecond
	}
	return &DraftSaver{db: db, debounce: debounce, pending: make(map[string]*pendingDraft)}
}

// Update records the latest composer content; the write lands after the
// debounce window passes without another update.
func (s *DraftSaver) Update(conversationID, content string, attachmentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if p, ok := s.pending[conversationID]; ok {
		p.content = content
		p.attachments = attachmentIDs
		p.timer.Reset(s.debounce)
		return
	}
	p := &pendingDraft{content: content, attachments: attachmentIDs}
	p.timer = time.AfterFunc(s.debounce, func() { s.flushOne(conversationID) })
	s.pending[conversationID] = p
}

// Flush writes every pending draft immediately. Called on shutdown so a
// fast exit does not lose the last keystrokes.
func (s *DraftSaver) Flush() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id, p := range s.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.flushOne(id)
	}
}

// Close flushes and stops accepting updates.
func (s *DraftSaver) Close() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Flush()
}

func (s *DraftSaver) flushOne(conversationID string) {
	s.mu.Lock()
	p, ok := s.pending[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, conversationID)
	content, attachments := p.content, p.attachments
	s.mu.Unlock()

	if err := s.db.SaveDraft(conversationID, content, attachments); err != nil {
		s.db.logger.Warn("draft save failed",
			zap.String("conversation", conversationID), zap.Error(err))
	}
}
