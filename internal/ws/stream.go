package ws

import (
	"encoding/json"
	"time"

	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/model"
	"go.uber.org/zap"
)

// Stream decodes inbound frames into typed events and demultiplexes them
// onto the bus, one kind per event family. A malformed or unknown frame is
// logged and dropped; it never tears down the connection.
type Stream struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewStream creates a frame decoder publishing on the given bus.
func NewStream(b *bus.Bus, logger *zap.Logger) *Stream {
	return &Stream{bus: b, logger: logger}
}

// HandleFrame decodes one inbound frame. Called by the connection manager
// for every frame, in arrival order.
func (s *Stream) HandleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case "connection_established", "channel_joined", "channel_left", "read_receipt":
		// Acknowledgements carry no state the engine needs.

	case "new_message":
		if msg := s.decodeMessage(data, env.Type); msg != nil {
			s.publish("stream.message.new", msg)
		}

	case "message_edited":
		if msg := s.decodeMessage(data, env.Type); msg != nil {
			s.publish("stream.message.edited", msg)
		}

	case "message_deleted":
		var f deletedFrame
		if err := json.Unmarshal(data, &f); err != nil || f.ChannelID == "" {
			s.logger.Warn("dropping message_deleted without channel id", zap.Error(err))
			return
		}
		s.publish("stream.message.deleted", model.MessageDeleted{
			MessageID:      f.MessageID,
			ConversationID: f.ChannelID,
		})

	case "typing_indicator":
		var f typingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed typing_indicator", zap.Error(err))
			return
		}
		s.publish("stream.typing", model.TypingEvent{
			User: model.TypingUser{
				UserID:         f.UserID,
				Username:       f.Username,
				DisplayName:    f.DisplayName,
				ConversationID: f.ChannelID,
			},
			IsTyping: f.IsTyping,
		})

	case "presence_update":
		var f presenceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed presence_update", zap.Error(err))
			return
		}
		s.publish("stream.presence", model.PresenceEvent{
			UserID:   f.UserID,
			IsOnline: f.IsOnline,
			LastSeen: f.LastSeen,
		})

	case "unread_update":
		var f unreadFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed unread_update", zap.Error(err))
			return
		}
		s.publish("stream.unread", model.UnreadEvent{
			ConversationID: f.ChannelID,
			UnreadCount:    f.UnreadCount,
		})

	case "dm_notification", "channel_notification":
		evt, ok := s.decodeNotification(data, env.Type)
		if !ok {
			return
		}
		kind := "stream.notify.dm"
		if env.Type == "channel_notification" {
			kind = "stream.notify.channel"
		}
		s.publish(kind, evt)

	case "mention_notification":
		var f inboundMessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed mention_notification", zap.Error(err))
			return
		}
		msg := s.resolveMessage(&f)
		convID := f.ChannelID
		if convID == "" && msg != nil {
			convID = msg.ConversationID
		}
		if convID == "" {
			s.logger.Warn("dropping mention_notification without channel id")
			return
		}
		s.publish("stream.notify.mention", model.MentionEvent{
			ConversationID: convID,
			Message:        msg,
			MentionerID:    f.MentionerID,
		})

	case "member_joined", "member_left":
		var f memberFrame
		if err := json.Unmarshal(data, &f); err != nil || f.ChannelID == "" {
			s.logger.Warn("dropping malformed member frame", zap.String("type", env.Type), zap.Error(err))
			return
		}
		kind := "stream.member.joined"
		if env.Type == "member_left" {
			kind = "stream.member.left"
		}
		userID := f.UserID
		if userID == "" && f.Member != nil {
			userID = f.Member.UserID
		}
		s.publish(kind, model.MemberEvent{
			ConversationID: f.ChannelID,
			UserID:         userID,
			Member:         f.Member,
		})

	case "error":
		var f errorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed error frame", zap.Error(err))
			return
		}
		if f.Error != "" {
			s.logger.Error("server error frame", zap.String("error", f.Error), zap.String("code", f.Code))
			s.publish("stream.error", model.ServerError{Error: f.Error, Code: f.Code})
		}

	case "pong":
		s.publish("stream.pong", nil)

	default:
		s.logger.Info("unhandled frame type", zap.String("type", env.Type))
	}
}

// decodeMessage handles new_message / message_edited frames, applying the
// channel and parent id normalization: the nested message payload wins,
// the top-level fields are the fallback, and a message that still has no
// conversation id is dropped.
func (s *Stream) decodeMessage(data []byte, frameType string) *model.Message {
	var f inboundMessageFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("dropping malformed message frame", zap.String("type", frameType), zap.Error(err))
		return nil
	}
	msg := s.resolveMessage(&f)
	if msg == nil {
		s.logger.Warn("dropping message frame without payload", zap.String("type", frameType))
		return nil
	}
	if msg.ConversationID == "" {
		s.logger.Warn("dropping message without resolvable channel id",
			zap.String("type", frameType), zap.String("msg_id", msg.ID))
		return nil
	}
	return msg
}

// resolveMessage decodes the nested message payload and fills conversation
// and parent ids from the frame's top level when the payload omits them.
func (s *Stream) resolveMessage(f *inboundMessageFrame) *model.Message {
	if len(f.Message) == 0 {
		return nil
	}
	var msg model.Message
	if err := json.Unmarshal(f.Message, &msg); err != nil {
		s.logger.Warn("dropping undecodable message payload", zap.Error(err))
		return nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = f.ChannelID
	}
	if msg.ParentID == "" {
		msg.ParentID = f.ParentID
	}
	return &msg
}

func (s *Stream) decodeNotification(data []byte, frameType string) (model.NotificationEvent, bool) {
	var f inboundMessageFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("dropping malformed notification", zap.String("type", frameType), zap.Error(err))
		return model.NotificationEvent{}, false
	}
	msg := s.resolveMessage(&f)
	convID := f.ChannelID
	if convID == "" && msg != nil {
		convID = msg.ConversationID
	}
	if convID == "" {
		s.logger.Warn("dropping notification without channel id", zap.String("type", frameType))
		return model.NotificationEvent{}, false
	}
	return model.NotificationEvent{
		ConversationID: convID,
		Message:        msg,
		SenderID:       f.SenderID,
	}, true
}

func (s *Stream) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
