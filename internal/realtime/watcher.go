package realtime

import (
	"context"
	"sync"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/notify"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

// replyTitle is the notification title shown to visitors.
const replyTitle = "Agent replied"

// Watcher is the visitor side of the tracker: one thread, watching for
// operator replies. It keeps no unread count, only the last id it acted on.
// One watcher is shared by every stream of a visitor, so a reply seen by
// any of them is never announced again.
type Watcher struct {
	mu         sync.Mutex
	state      ThreadState
	seen       string
	view       View
	dispatcher notify.Dispatcher
}

// NewWatcher creates a watcher for a single visitor thread.
func NewWatcher(view View, dispatcher notify.Dispatcher) *Watcher {
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	return &Watcher{view: view, dispatcher: dispatcher}
}

// Observe applies one emission of the visitor's thread.
func (w *Watcher) Observe(ctx context.Context, thread []model.Message) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out Outcome

	last, ok := model.Last(thread)
	if !ok || last.ID == "" {
		return out
	}

	if w.state == Unseen {
		w.seen = last.ID
		w.state = Tracking
		out.Baselined = true
		return out
	}

	if last.ID == w.seen {
		return out
	}
	w.seen = last.ID
	out.Advanced = true

	if last.Sender != model.SenderOperator {
		return out
	}
	if !w.view.Backgrounded() || !w.dispatcher.RequestPermission(ctx) {
		return out
	}

	out.Requested = true
	out.Delivered = w.dispatcher.Dispatch(ctx, replyTitle, bodyOf(last))
	metrics.RecordNotification("visitor", out.Delivered)
	return out
}

// State returns the watcher's state.
func (w *Watcher) State() ThreadState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
