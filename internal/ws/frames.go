package ws

import (
	"encoding/json"

	"github.com/gridhq/gridclient/internal/model"
)

// Every frame on the socket is one JSON object carrying a "type" tag.
// Inbound frames are decoded in two passes: the envelope first, then the
// type-specific shape.

// envelope is the first-pass decode of any inbound frame.
type envelope struct {
	Type string `json:"type"`
}

// inboundMessageFrame covers every frame that carries a message payload.
// Conversation and parent ids are duplicated at the top level on some
// frames, so the shape keeps both and normalization resolves them.
type inboundMessageFrame struct {
	Type        string          `json:"type"`
	ChannelID   string          `json:"channel_id"`
	ParentID    string          `json:"parent_id"`
	Message     json.RawMessage `json:"message"`
	SenderID    string          `json:"sender_id"`
	MentionerID string          `json:"mentioner_id"`
}

type typingFrame struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	ChannelID   string `json:"channel_id"`
	IsTyping    bool   `json:"is_typing"`
}

type presenceFrame struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"`
}

type unreadFrame struct {
	ChannelID   string `json:"channel_id"`
	UnreadCount int    `json:"unread_count"`
}

type deletedFrame struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

type memberFrame struct {
	ChannelID string        `json:"channel_id"`
	UserID    string        `json:"user_id"`
	Member    *model.Member `json:"member"`
}

type errorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Outbound frames owned by the connection lifecycle. Domain intents
// (sends, edits, read marks) are encoded by the outbound dispatcher.

type joinFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

type pingFrame struct {
	Type string `json:"type"`
}
