// Package model holds the domain types shared by the sync engine, the
// wire stream, and the REST collaborator. JSON tags follow the server's
// snake_case field names so the same shapes decode from both sources.
package model

import (
	"fmt"
	"time"
)

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	KindPublic  ConversationKind = "public"
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
	KindDirect  ConversationKind = "direct"
)

// Conversation is a channel, group, or direct-message thread as known to
// the local client. Conversations are created when fetched or first
// referenced by an inbound event and never deleted locally; archived ones
// are filtered by readers, not removed.
type Conversation struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        ConversationKind `json:"channel_type"`
	Description string           `json:"description,omitempty"`
	CreatedByID string           `json:"created_by_id,omitempty"`
	IsArchived  bool             `json:"is_archived"`

	UnreadCount    int        `json:"unread_count"`
	HasMention     bool       `json:"has_mention"`
	LastActivityAt *time.Time `json:"last_message_at,omitempty"`
	LastPreview    string     `json:"last_message_preview,omitempty"`
	MemberIDs      []string   `json:"member_ids,omitempty"`

	// DMPeer is the other participant's profile for direct conversations,
	// populated locally for the UI and never sent back to the server.
	DMPeer *Profile `json:"-"`
}

// Profile is the slice of a user directory entry the chat core needs.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsOnline    bool   `json:"is_online"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	FileType     string `json:"file_type"`
	FileSize     int64  `json:"file_size"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// ProvisionalPrefix marks locally generated message ids awaiting server
// confirmation.
const ProvisionalPrefix = "temp_"

// Message is one message in a conversation. ID is either a durable
// server id or a provisional id (ProvisionalPrefix + random suffix).
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"channel"`
	AuthorID       string       `json:"user_id,omitempty"`
	Username       string       `json:"username,omitempty"`
	DisplayName    string       `json:"display_name,omitempty"`
	Content        string       `json:"content"`
	ParentID       string       `json:"parent,omitempty"`
	ReplyCount     int          `json:"reply_count"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	IsEdited       bool         `json:"is_edited"`
	IsDeleted      bool         `json:"is_deleted"`
	TempID         string       `json:"temp_id,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`

	// Local-only delivery flags, never sent on the wire.
	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

// IsProvisional reports whether the message still carries a local id.
func (m *Message) IsProvisional() bool {
	return len(m.ID) > len(ProvisionalPrefix) && m.ID[:len(ProvisionalPrefix)] == ProvisionalPrefix
}

// DedupKey identifies "the same logical message" across the live stream,
// history fetches, and optimistic sends: conversation, author, body, and
// a 5-second creation-time bucket.
func (m *Message) DedupKey() string {
	bucket := m.CreatedAt.UnixMilli() / 5000
	return fmt.Sprintf("%s_%s_%s_%d", m.ConversationID, m.AuthorID, m.Content, bucket)
}

// TypingUser is one entry in a conversation's typing set.
type TypingUser struct {
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name,omitempty"`
	ConversationID string `json:"channel_id"`
}

// Member is a conversation membership record.
type Member struct {
	ConversationID string     `json:"channel"`
	UserID         string     `json:"user_id"`
	Role           string     `json:"role"`
	JoinedAt       *time.Time `json:"joined_at,omitempty"`
	DisplayName    string     `json:"display_name,omitempty"`
}

// MessageDeleted names a message removed from a conversation.
type MessageDeleted struct {
	MessageID      string
	ConversationID string
}

// TypingEvent is a typing indicator start/stop from the stream.
type TypingEvent struct {
	User     TypingUser
	IsTyping bool
}

// PresenceEvent is a single user's online status change from the stream.
type PresenceEvent struct {
	UserID   string
	IsOnline bool
	LastSeen string
}

// UnreadEvent is a server-authoritative unread count for a conversation.
type UnreadEvent struct {
	ConversationID string
	UnreadCount    int
}

// NotificationEvent is a dm_notification or channel_notification: a
// message in a conversation the user is not currently viewing.
type NotificationEvent struct {
	ConversationID string
	Message        *Message
	SenderID       string
}

// MentionEvent signals the local user was @mentioned.
type MentionEvent struct {
	ConversationID string
	Message        *Message
	MentionerID    string
}

// MemberEvent is a member_joined or member_left.
type MemberEvent struct {
	ConversationID string
	UserID         string
	Member         *Member
}

// ServerError is an error frame pushed by the server.
type ServerError struct {
	Error string
	Code  string
}
