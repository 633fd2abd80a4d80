package realtime

import (
	"context"
	"sync"

	"github.com/capitalize-ai/live-support/internal/model"
)

type fakeView struct {
	mu           sync.Mutex
	active       string
	backgrounded bool
}

func (v *fakeView) ActiveConversationID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

func (v *fakeView) Backgrounded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.backgrounded
}

type recordingDispatcher struct {
	mu      sync.Mutex
	granted bool
	sent    []model.NotificationEvent
}

func (d *recordingDispatcher) RequestPermission(context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

func (d *recordingDispatcher) Dispatch(_ context.Context, title, body string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, model.NotificationEvent{Title: title, Body: body})
	return true
}

func (d *recordingDispatcher) Sent() []model.NotificationEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.NotificationEvent(nil), d.sent...)
}

func visitorMsg(id, text string) model.Message {
	return model.Message{ID: id, Text: text, Sender: model.SenderVisitor}
}

func operatorMsg(id, text string) model.Message {
	return model.Message{ID: id, Text: text, Sender: model.SenderOperator}
}

func thread(msgs ...model.Message) []model.Message {
	return msgs
}
