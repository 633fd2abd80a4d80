package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/notify"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

// ThreadState is the per-conversation notification state.
type ThreadState int

const (
	// Unseen: no baseline yet. The next non-empty emission is history.
	Unseen ThreadState = iota
	// Tracking: baseline established; a new trailing id is a new event.
	Tracking
)

func (s ThreadState) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("ThreadState(%d)", int(s))
	}
}

// Outcome describes what one observation did.
type Outcome struct {
	Baselined bool
	Advanced  bool
	Unread    int
	Requested bool
	Delivered bool
}

// fallbackBody is used when a message has no text.
const fallbackBody = "New message"

type threadTrack struct {
	state    ThreadState
	baseline string
}

// Tracker turns thread emissions into unread counts and notification
// requests, each at most once per new trailing visitor message. It owns the
// unread index and the seen baselines. Not safe for concurrent use.
type Tracker struct {
	threads    map[string]*threadTrack
	unread     map[string]int
	view       View
	dispatcher notify.Dispatcher
	logger     *logger.Logger
}

// NewTracker creates a tracker reading view signals from view.
func NewTracker(view View, dispatcher notify.Dispatcher, log *logger.Logger) *Tracker {
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	return &Tracker{
		threads:    make(map[string]*threadTrack),
		unread:     make(map[string]int),
		view:       view,
		dispatcher: dispatcher,
		logger:     logger.OrGlobal(log).Named("tracker"),
	}
}

// Observe applies one emission of a conversation's thread. displayName is
// the visitor's roster name, used for the notification title.
func (t *Tracker) Observe(ctx context.Context, conversationID, displayName string, thread []model.Message) Outcome {
	var out Outcome

	tr, ok := t.threads[conversationID]
	if !ok {
		tr = &threadTrack{state: Unseen}
		t.threads[conversationID] = tr
	}

	last, ok := model.Last(thread)
	if !ok || last.ID == "" {
		return out
	}

	if tr.state == Unseen {
		tr.baseline = last.ID
		tr.state = Tracking
		out.Baselined = true
		return out
	}

	if last.ID == tr.baseline {
		return out
	}
	tr.baseline = last.ID
	out.Advanced = true

	if last.Sender != model.SenderVisitor {
		return out
	}
	if t.view.ActiveConversationID() == conversationID {
		return out
	}

	t.unread[conversationID]++
	out.Unread = 1
	metrics.UnreadIncrements.Inc()

	if t.view.Backgrounded() && t.dispatcher.RequestPermission(ctx) {
		out.Requested = true
		out.Delivered = t.dispatcher.Dispatch(ctx, "New message from "+nameOrUser(displayName), bodyOf(last))
		metrics.RecordNotification("operator", out.Delivered)
		if !out.Delivered {
			t.logger.Debug("notification suppressed", zap.String("conversation_id", conversationID))
		}
	}
	return out
}

// OpenConversation resets the conversation's unread count. Its baseline is
// left alone.
func (t *Tracker) OpenConversation(conversationID string) {
	t.unread[conversationID] = 0
}

// Forget drops all state for a conversation that left the roster.
func (t *Tracker) Forget(conversationID string) {
	delete(t.threads, conversationID)
	delete(t.unread, conversationID)
}

// Unread returns the unread count of a conversation.
func (t *Tracker) Unread(conversationID string) int {
	return t.unread[conversationID]
}

// Total returns the unread count across all conversations.
func (t *Tracker) Total() int {
	total := 0
	for _, n := range t.unread {
		total += n
	}
	return total
}

// UnreadIndex returns a copy of the unread counts.
func (t *Tracker) UnreadIndex() map[string]int {
	out := make(map[string]int, len(t.unread))
	for id, n := range t.unread {
		out[id] = n
	}
	return out
}

// Baseline returns the last observed message id of a conversation.
func (t *Tracker) Baseline(conversationID string) (string, bool) {
	tr, ok := t.threads[conversationID]
	if !ok || tr.state != Tracking {
		return "", false
	}
	return tr.baseline, true
}

// Tracking returns how many conversations have an established baseline.
func (t *Tracker) Tracking() int {
	n := 0
	for _, tr := range t.threads {
		if tr.state == Tracking {
			n++
		}
	}
	return n
}

// State returns the conversation's state; unknown conversations are Unseen.
func (t *Tracker) State(conversationID string) ThreadState {
	if tr, ok := t.threads[conversationID]; ok {
		return tr.state
	}
	return Unseen
}

func nameOrUser(name string) string {
	return model.ConversationSummary{DisplayName: name}.Name()
}

func bodyOf(m model.Message) string {
	if m.Text == "" {
		return fallbackBody
	}
	return m.Text
}
