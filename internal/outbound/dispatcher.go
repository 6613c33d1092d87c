// Package outbound encodes user intents into socket frames. The socket is
// the only path for most actions; read marks and message creation fall
// back to HTTP when the socket is down so neither is lost to an offline
// stretch.
package outbound

import (
	"context"
	"time"

	"github.com/gridhq/gridclient/internal/model"
	"go.uber.org/zap"
)

// Transport writes frames to the chat socket. Send reports whether the
// frame left the process.
type Transport interface {
	Send(v any) bool
	IsConnected() bool
}

// Fallback is the HTTP path for actions the socket could not carry.
type Fallback interface {
	MarkRead(ctx context.Context, conversationID, lastReadMessageID string) error
	CreateMessage(ctx context.Context, conversationID, content, parentID string) (model.Message, error)
}

type sendMessageFrame struct {
	Type          string   `json:"type"`
	ChannelID     string   `json:"channel_id"`
	Content       string   `json:"content"`
	ParentID      string   `json:"parent_id,omitempty"`
	TempID        string   `json:"temp_id,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type editMessageFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type deleteMessageFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type typingActionFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

type markReadFrame struct {
	Type              string `json:"type"`
	ChannelID         string `json:"channel_id"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

// Dispatcher turns intents into frames. It carries no queue: callers that
// need delivery guarantees track the returned transmitted flag themselves.
type Dispatcher struct {
	transport Transport
	fallback  Fallback
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(transport Transport, fallback Fallback, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, fallback: fallback, logger: logger}
}

// SendMessage transmits a new message carrying the caller's provisional id
// so the echo can be matched back. Returns whether the frame was written.
func (d *Dispatcher) SendMessage(conversationID, content, parentID, tempID string, attachmentIDs []string) bool {
	ok := d.transport.Send(sendMessageFrame{
		Type:          "send_message",
		ChannelID:     conversationID,
		Content:       content,
		ParentID:      parentID,
		TempID:        tempID,
		AttachmentIDs: attachmentIDs,
	})
	if !ok {
		d.logger.Debug("message not transmitted",
			zap.String("conversation", conversationID), zap.String("temp_id", tempID))
	}
	return ok
}

// CreateMessage writes a message over HTTP. Callers use it after a send
// frame could not be transmitted; the response is the durable message for
// promoting the provisional copy.
func (d *Dispatcher) CreateMessage(ctx context.Context, conversationID, content, parentID string) (model.Message, error) {
	return d.fallback.CreateMessage(ctx, conversationID, content, parentID)
}

// EditMessage transmits a content change for an existing message.
func (d *Dispatcher) EditMessage(messageID, content string) bool {
	return d.transport.Send(editMessageFrame{
		Type:      "edit_message",
		MessageID: messageID,
		Content:   content,
	})
}

// DeleteMessage transmits a deletion.
func (d *Dispatcher) DeleteMessage(messageID string) bool {
	return d.transport.Send(deleteMessageFrame{
		Type:      "delete_message",
		MessageID: messageID,
	})
}

// StartTyping announces a typing indicator in the conversation.
func (d *Dispatcher) StartTyping(conversationID string) bool {
	return d.transport.Send(typingActionFrame{Type: "typing_start", ChannelID: conversationID})
}

// StopTyping retracts the typing indicator.
func (d *Dispatcher) StopTyping(conversationID string) bool {
	return d.transport.Send(typingActionFrame{Type: "typing_stop", ChannelID: conversationID})
}

// MarkRead records the read position, preferring the socket and falling
// back to HTTP. A failed fallback is logged and dropped; the next read
// mark or the server's own unread accounting catches it up.
func (d *Dispatcher) MarkRead(conversationID, lastReadMessageID string) {
	if d.transport.Send(markReadFrame{
		Type:              "mark_read",
		ChannelID:         conversationID,
		LastReadMessageID: lastReadMessageID,
	}) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.fallback.MarkRead(ctx, conversationID, lastReadMessageID); err != nil {
		d.logger.Warn("read mark lost",
			zap.String("conversation", conversationID), zap.Error(err))
	}
}
