package realtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/notify"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

var (
	// ErrInboxClosed is returned by commands sent after Run has returned.
	ErrInboxClosed = errors.New("inbox closed")
	// ErrUnknownConversation is returned when opening an id not in the roster.
	ErrUnknownConversation = errors.New("conversation not in roster")
)

// InboxUpdate is one change to the operator's view. Exactly one field is set.
type InboxUpdate struct {
	Roster *model.RosterEvent
	Thread *model.ThreadEvent
}

// InboxStats is a point-in-time view of an inbox engine.
type InboxStats struct {
	Subscriptions int
	Tracking      int
	Active        string
	Unread        map[string]int
	TotalUnread   int
}

type rosterEmission struct {
	roster []model.ConversationSummary
}

type threadEmission struct {
	conversationID string
	sub            *threadSub
	thread         []model.Message
}

// threadSub tags emissions with the subscription that produced them.
type threadSub struct {
	*ThreadStream
}

// Inbox is one operator's live view: the roster, one thread subscription per
// roster entry, the unread tracker and the currently open conversation. All
// engine state is owned by the goroutine running Run; every other method
// hands work to it.
type Inbox struct {
	adapter    store.Adapter
	view       *ViewState
	dispatcher notify.Dispatcher
	logger     *logger.Logger

	rosterEvents chan rosterEmission
	threadEvents chan threadEmission
	commands     chan func()
	updates      chan InboxUpdate
	done         chan struct{}

	// Loop-owned.
	manager *Manager
	tracker *Tracker
	roster  []model.ConversationSummary
	names   map[string]string
	threads map[string][]model.Message
	query   string
}

// NewInbox creates an inbox engine. Call Run to start it.
func NewInbox(adapter store.Adapter, view *ViewState, dispatcher notify.Dispatcher, log *logger.Logger) *Inbox {
	if view == nil {
		view = NewViewState()
	}
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	return &Inbox{
		adapter:      adapter,
		view:         view,
		dispatcher:   dispatcher,
		logger:       logger.OrGlobal(log).Named("inbox"),
		rosterEvents: make(chan rosterEmission),
		threadEvents: make(chan threadEmission),
		commands:     make(chan func()),
		updates:      make(chan InboxUpdate, 16),
		done:         make(chan struct{}),
		names:        make(map[string]string),
		threads:      make(map[string][]model.Message),
	}
}

// Updates returns the channel of view changes. It is closed when Run returns.
func (in *Inbox) Updates() <-chan InboxUpdate {
	return in.updates
}

// Run subscribes to the roster and processes events until ctx is done or the
// roster subscription is lost. Every subscription is closed before it returns.
func (in *Inbox) Run(ctx context.Context) error {
	defer close(in.updates)
	defer close(in.done)

	in.tracker = NewTracker(in.view, in.dispatcher, in.logger)
	in.manager = NewManager(ctx, in.openThread, in.forget, in.logger)
	defer in.manager.Close()

	roster, err := OpenRoster(ctx, in.adapter, func(ctx context.Context, roster []model.ConversationSummary) {
		select {
		case in.rosterEvents <- rosterEmission{roster: roster}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer roster.Close()

	in.logger.Info("inbox started")
	for {
		select {
		case <-ctx.Done():
			in.logger.Info("inbox stopped")
			return nil
		case <-roster.Done():
			if ctx.Err() != nil {
				return nil
			}
			in.logger.Warn("roster subscription lost")
			return ErrStreamEnded
		case ev := <-in.rosterEvents:
			in.handleRoster(ev.roster)
			if !in.emitRoster(ctx) {
				return nil
			}
		case ev := <-in.threadEvents:
			if !in.handleThread(ctx, ev) {
				return nil
			}
		case cmd := <-in.commands:
			cmd()
		}
	}
}

func (in *Inbox) openThread(ctx context.Context, conversationID string) (Subscription, error) {
	sub := &threadSub{}
	ts, err := OpenThread(ctx, in.adapter, conversationID, func(ctx context.Context, thread []model.Message) {
		select {
		case in.threadEvents <- threadEmission{conversationID: conversationID, sub: sub, thread: thread}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	sub.ThreadStream = ts
	return sub, nil
}

// forget runs after the manager has closed a conversation's subscription.
func (in *Inbox) forget(conversationID string) {
	in.tracker.Forget(conversationID)
	delete(in.threads, conversationID)
}

func (in *Inbox) handleRoster(roster []model.ConversationSummary) {
	in.roster = roster
	in.names = make(map[string]string, len(roster))
	for _, s := range roster {
		in.names[s.ConversationID] = s.DisplayName
	}

	if active := in.view.ActiveConversationID(); active != "" {
		if _, ok := in.names[active]; !ok {
			in.logger.Debug("active conversation left the roster", zap.String("conversation_id", active))
			in.view.SetActive("")
		}
	}

	in.manager.Reconcile(roster)
}

func (in *Inbox) handleThread(ctx context.Context, ev threadEmission) bool {
	if !in.manager.IsCurrent(ev.conversationID, ev.sub) {
		return true
	}
	in.threads[ev.conversationID] = ev.thread

	out := in.tracker.Observe(ctx, ev.conversationID, in.names[ev.conversationID], ev.thread)
	if out.Unread > 0 && !in.emitRoster(ctx) {
		return false
	}
	if in.view.ActiveConversationID() == ev.conversationID {
		return in.emitThread(ctx, ev.conversationID)
	}
	return true
}

func (in *Inbox) rosterEvent() *model.RosterEvent {
	filtered := model.FilterRoster(in.roster, in.query)
	entries := make([]model.RosterEntry, 0, len(filtered))
	for _, s := range filtered {
		entries = append(entries, model.RosterEntry{
			ConversationSummary: s,
			Unread:              in.tracker.Unread(s.ConversationID),
		})
	}
	return &model.RosterEvent{
		Conversations: entries,
		Total:         len(in.roster),
		TotalUnread:   in.tracker.Total(),
		Active:        in.view.ActiveConversationID(),
		Query:         in.query,
	}
}

func (in *Inbox) emit(ctx context.Context, u InboxUpdate) bool {
	select {
	case in.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (in *Inbox) emitRoster(ctx context.Context) bool {
	return in.emit(ctx, InboxUpdate{Roster: in.rosterEvent()})
}

func (in *Inbox) emitThread(ctx context.Context, conversationID string) bool {
	thread := in.threads[conversationID]
	if thread == nil {
		thread = []model.Message{}
	}
	return in.emit(ctx, InboxUpdate{Thread: &model.ThreadEvent{
		ConversationID: conversationID,
		Messages:       thread,
	}})
}

// do runs fn on the loop goroutine with the caller's ctx and waits for it.
func (in *Inbox) do(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	cmd := func() { errc <- fn(ctx) }

	select {
	case in.commands <- cmd:
	case <-in.done:
		return ErrInboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-in.done:
		return ErrInboxClosed
	}
}

// Open makes conversationID the active conversation, resets its unread count
// and pushes its current thread.
func (in *Inbox) Open(ctx context.Context, conversationID string) error {
	return in.do(ctx, func(ctx context.Context) error {
		if _, ok := in.names[conversationID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
		}
		in.view.SetActive(conversationID)
		in.tracker.OpenConversation(conversationID)
		if !in.emitRoster(ctx) || !in.emitThread(ctx, conversationID) {
			return ctx.Err()
		}
		return nil
	})
}

// CloseThread leaves the open conversation, as when returning to the list.
func (in *Inbox) CloseThread(ctx context.Context) error {
	return in.do(ctx, func(ctx context.Context) error {
		in.view.SetActive("")
		if !in.emitRoster(ctx) {
			return ctx.Err()
		}
		return nil
	})
}

// Search filters the roster pushed to the operator.
func (in *Inbox) Search(ctx context.Context, query string) error {
	return in.do(ctx, func(ctx context.Context) error {
		in.query = query
		if !in.emitRoster(ctx) {
			return ctx.Err()
		}
		return nil
	})
}

// SetBackgrounded records the operator surface visibility.
func (in *Inbox) SetBackgrounded(backgrounded bool) {
	in.view.SetBackgrounded(backgrounded)
}

// Stats reports the engine state.
func (in *Inbox) Stats(ctx context.Context) (InboxStats, error) {
	var stats InboxStats
	err := in.do(ctx, func(context.Context) error {
		stats = InboxStats{
			Subscriptions: in.manager.Len(),
			Tracking:      in.tracker.Tracking(),
			Active:        in.view.ActiveConversationID(),
			Unread:        in.tracker.UnreadIndex(),
			TotalUnread:   in.tracker.Total(),
		}
		return nil
	})
	return stats, err
}
