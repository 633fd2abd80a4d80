// Package notify carries desktop notification requests from the engine to
// the client that renders them.
package notify

import (
	"context"
	"sync/atomic"

	"github.com/capitalize-ai/live-support/internal/model"
)

// Dispatcher is the notification collaborator. RequestPermission reports
// whether the user has granted notifications; Dispatch reports whether the
// notification was handed to the client. Neither ever fails loudly.
type Dispatcher interface {
	RequestPermission(ctx context.Context) bool
	Dispatch(ctx context.Context, title, body string) bool
}

// Queue forwards notifications to a connected client. Permission is whatever
// the client last reported; a full buffer suppresses the notification
// instead of blocking the engine.
type Queue struct {
	granted atomic.Bool
	out     chan model.NotificationEvent
}

// NewQueue creates a queue holding at most size undelivered notifications.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{out: make(chan model.NotificationEvent, size)}
}

var _ Dispatcher = (*Queue)(nil)

// SetPermission records the client's permission decision and reports
// whether it is a fresh grant.
func (q *Queue) SetPermission(granted bool) bool {
	return granted && !q.granted.Swap(granted)
}

// RequestPermission implements Dispatcher.
func (q *Queue) RequestPermission(ctx context.Context) bool {
	return q.granted.Load()
}

// Dispatch implements Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, title, body string) bool {
	if !q.granted.Load() {
		return false
	}
	select {
	case q.out <- model.NotificationEvent{Title: title, Body: body}:
		return true
	default:
		return false
	}
}

// C returns the channel of notifications awaiting delivery.
func (q *Queue) C() <-chan model.NotificationEvent {
	return q.out
}

// Nop never has permission and never delivers.
type Nop struct{}

// RequestPermission implements Dispatcher.
func (Nop) RequestPermission(context.Context) bool { return false }

// Dispatch implements Dispatcher.
func (Nop) Dispatch(context.Context, string, string) bool { return false }
