package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/gridhq/gridclient/internal/model"
	"go.uber.org/zap"
)

type fakeTransport struct {
	connected bool
	frames    []any
}

func (t *fakeTransport) Send(v any) bool {
	if !t.connected {
		return false
	}
	t.frames = append(t.frames, v)
	return true
}

func (t *fakeTransport) IsConnected() bool { return t.connected }

type fakeFallback struct {
	calls   []string
	creates []string
	err     error
}

func (m *fakeFallback) MarkRead(_ context.Context, conversationID, lastReadMessageID string) error {
	m.calls = append(m.calls, conversationID+"/"+lastReadMessageID)
	return m.err
}

func (m *fakeFallback) CreateMessage(_ context.Context, conversationID, content, parentID string) (model.Message, error) {
	m.creates = append(m.creates, conversationID+"/"+content)
	if m.err != nil {
		return model.Message{}, m.err
	}
	return model.Message{ID: "m-created", ConversationID: conversationID, Content: content, ParentID: parentID}, nil
}

func TestSendMessageFrame(t *testing.T) {
	tr := &fakeTransport{connected: true}
	d := NewDispatcher(tr, &fakeFallback{}, zap.NewNop())

	if !d.SendMessage("c1", "hello", "m9", "temp_abc", []string{"a1"}) {
		t.Fatal("transmitted = false")
	}
	frame, ok := tr.frames[0].(sendMessageFrame)
	if !ok {
		t.Fatalf("frame = %T", tr.frames[0])
	}
	if frame.Type != "send_message" || frame.ChannelID != "c1" ||
		frame.TempID != "temp_abc" || frame.ParentID != "m9" || len(frame.AttachmentIDs) != 1 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSendMessageDisconnected(t *testing.T) {
	tr := &fakeTransport{connected: false}
	d := NewDispatcher(tr, &fakeFallback{}, zap.NewNop())

	if d.SendMessage("c1", "hello", "", "temp_abc", nil) {
		t.Fatal("transmitted = true on a closed socket")
	}
	if len(tr.frames) != 0 {
		t.Errorf("frames = %v", tr.frames)
	}
}

func TestEditAndDeleteFrames(t *testing.T) {
	tr := &fakeTransport{connected: true}
	d := NewDispatcher(tr, &fakeFallback{}, zap.NewNop())

	d.EditMessage("m1", "fixed")
	d.DeleteMessage("m2")

	edit := tr.frames[0].(editMessageFrame)
	if edit.Type != "edit_message" || edit.MessageID != "m1" || edit.Content != "fixed" {
		t.Errorf("edit frame = %+v", edit)
	}
	del := tr.frames[1].(deleteMessageFrame)
	if del.Type != "delete_message" || del.MessageID != "m2" {
		t.Errorf("delete frame = %+v", del)
	}
}

func TestTypingFrames(t *testing.T) {
	tr := &fakeTransport{connected: true}
	d := NewDispatcher(tr, &fakeFallback{}, zap.NewNop())

	d.StartTyping("c1")
	d.StopTyping("c1")

	start := tr.frames[0].(typingActionFrame)
	stop := tr.frames[1].(typingActionFrame)
	if start.Type != "typing_start" || stop.Type != "typing_stop" {
		t.Errorf("frames = %+v, %+v", start, stop)
	}
}

func TestCreateMessageDelegatesToHTTP(t *testing.T) {
	tr := &fakeTransport{connected: false}
	fb := &fakeFallback{}
	d := NewDispatcher(tr, fb, zap.NewNop())

	msg, err := d.CreateMessage(context.Background(), "c1", "hello", "m9")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m-created" || msg.ParentID != "m9" {
		t.Errorf("message = %+v", msg)
	}
	if len(fb.creates) != 1 || fb.creates[0] != "c1/hello" {
		t.Errorf("creates = %v", fb.creates)
	}
}

func TestMarkReadPrefersSocket(t *testing.T) {
	tr := &fakeTransport{connected: true}
	fb := &fakeFallback{}
	d := NewDispatcher(tr, fb, zap.NewNop())

	d.MarkRead("c1", "m5")

	frame := tr.frames[0].(markReadFrame)
	if frame.Type != "mark_read" || frame.LastReadMessageID != "m5" {
		t.Errorf("frame = %+v", frame)
	}
	if len(fb.calls) != 0 {
		t.Errorf("http fallback used while connected: %v", fb.calls)
	}
}

func TestMarkReadFallsBackToHTTP(t *testing.T) {
	tr := &fakeTransport{connected: false}
	fb := &fakeFallback{}
	d := NewDispatcher(tr, fb, zap.NewNop())

	d.MarkRead("c1", "m5")

	if len(fb.calls) != 1 || fb.calls[0] != "c1/m5" {
		t.Errorf("fallback calls = %v", fb.calls)
	}
}

func TestMarkReadFallbackFailureIsSwallowed(t *testing.T) {
	tr := &fakeTransport{connected: false}
	fb := &fakeFallback{err: errors.New("503")}
	d := NewDispatcher(tr, fb, zap.NewNop())

	// Must not panic or block; the loss is logged only.
	d.MarkRead("c1", "m5")
	if len(fb.calls) != 1 {
		t.Errorf("fallback calls = %v", fb.calls)
	}
}
