package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/notify"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

type inboxHarness struct {
	t       *testing.T
	mem     *store.Memory
	inbox   *Inbox
	view    *ViewState
	queue   *notify.Queue
	updates chan InboxUpdate
	cancel  context.CancelFunc
	errc    chan error
}

func startInbox(t *testing.T, mem *store.Memory) *inboxHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &inboxHarness{
		t:       t,
		mem:     mem,
		view:    NewViewState(),
		queue:   notify.NewQueue(8),
		updates: make(chan InboxUpdate, 1024),
		cancel:  cancel,
		errc:    make(chan error, 1),
	}
	h.inbox = NewInbox(mem, h.view, h.queue, logger.NewNop())

	go func() { h.errc <- h.inbox.Run(ctx) }()
	go func() {
		for u := range h.inbox.Updates() {
			h.updates <- u
		}
		close(h.updates)
	}()
	t.Cleanup(func() { h.stop() })
	return h
}

func (h *inboxHarness) stop() error {
	h.cancel()
	select {
	case err := <-h.errc:
		h.errc <- err
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("inbox did not stop")
		return nil
	}
}

func (h *inboxHarness) waitRoster(match func(*model.RosterEvent) bool) *model.RosterEvent {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-h.updates:
			require.True(h.t, ok, "updates closed")
			if u.Roster != nil && match(u.Roster) {
				return u.Roster
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for roster update")
			return nil
		}
	}
}

func (h *inboxHarness) waitThread(match func(*model.ThreadEvent) bool) *model.ThreadEvent {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-h.updates:
			require.True(h.t, ok, "updates closed")
			if u.Thread != nil && match(u.Thread) {
				return u.Thread
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for thread update")
			return nil
		}
	}
}

func (h *inboxHarness) waitStats(match func(InboxStats) bool) InboxStats {
	h.t.Helper()
	var last InboxStats
	require.Eventually(h.t, func() bool {
		s, err := h.inbox.Stats(context.Background())
		if err != nil {
			return false
		}
		last = s
		return match(s)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func post(t *testing.T, mem *store.Memory, cid, name string, sender model.Sender, text string) string {
	t.Helper()
	ctx := context.Background()
	id, err := mem.Append(ctx, store.MessagesPath(cid), store.Fields{
		"text":      text,
		"sender":    string(sender),
		"createdAt": store.ServerTimestamp,
	})
	require.NoError(t, err)
	require.NoError(t, mem.Write(ctx, store.SummaryPath(cid), store.Fields{
		"displayName":     name,
		"lastMessageText": text,
		"lastMessageAt":   store.ServerTimestamp,
		"updatedAt":       store.ServerTimestamp,
	}))
	return id
}

func hasConversations(n int) func(*model.RosterEvent) bool {
	return func(r *model.RosterEvent) bool { return len(r.Conversations) == n }
}

func TestInbox_EmptyThenFirstConversation(t *testing.T) {
	mem := store.NewMemory()
	h := startInbox(t, mem)

	h.waitRoster(hasConversations(0))
	stats := h.waitStats(func(s InboxStats) bool { return true })
	assert.Zero(t, stats.Subscriptions)

	require.NoError(t, mem.Write(context.Background(), store.SummaryPath("A"), store.Fields{"displayName": "Ann"}))
	h.waitRoster(hasConversations(1))

	stats = h.waitStats(func(s InboxStats) bool { return s.Subscriptions == 1 })
	assert.Zero(t, stats.TotalUnread)
	assert.Zero(t, stats.Tracking, "an empty thread establishes no baseline")
}

func TestInbox_NewVisitorMessageRaisesUnreadAndNotification(t *testing.T) {
	mem := store.NewMemory()
	post(t, mem, "A", "Ann", model.SenderVisitor, "hi")

	h := startInbox(t, mem)
	h.view.SetBackgrounded(true)
	h.queue.SetPermission(true)

	h.waitRoster(hasConversations(1))
	h.waitStats(func(s InboxStats) bool { return s.Tracking == 1 })

	post(t, mem, "A", "Ann", model.SenderVisitor, "are you there?")

	r := h.waitRoster(func(r *model.RosterEvent) bool { return r.TotalUnread == 1 })
	require.Len(t, r.Conversations, 1)
	assert.Equal(t, 1, r.Conversations[0].Unread)

	select {
	case n := <-h.queue.C():
		assert.Equal(t, "New message from Ann", n.Title)
		assert.Equal(t, "are you there?", n.Body)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	post(t, mem, "A", "Ann", model.SenderOperator, "yes")
	stats := h.waitStats(func(s InboxStats) bool { return true })
	assert.Equal(t, 1, stats.Unread["A"], "operator replies never count")
}

func TestInbox_OpenConversationResetsAndStreamsThread(t *testing.T) {
	mem := store.NewMemory()
	post(t, mem, "A", "Ann", model.SenderVisitor, "hi")

	h := startInbox(t, mem)
	h.waitRoster(hasConversations(1))
	h.waitStats(func(s InboxStats) bool { return s.Tracking == 1 })

	post(t, mem, "A", "Ann", model.SenderVisitor, "hello?")
	h.waitRoster(func(r *model.RosterEvent) bool { return r.TotalUnread == 1 })

	ctx := context.Background()
	require.NoError(t, h.inbox.Open(ctx, "A"))
	r := h.waitRoster(func(r *model.RosterEvent) bool { return r.Active == "A" })
	assert.Zero(t, r.TotalUnread)
	th := h.waitThread(func(th *model.ThreadEvent) bool { return th.ConversationID == "A" })
	require.Len(t, th.Messages, 2)

	post(t, mem, "A", "Ann", model.SenderVisitor, "still there?")
	th = h.waitThread(func(th *model.ThreadEvent) bool { return len(th.Messages) == 3 })
	assert.Equal(t, "still there?", th.Messages[2].Text)

	stats := h.waitStats(func(s InboxStats) bool { return true })
	assert.Zero(t, stats.TotalUnread, "the open conversation never accrues unread")
	assert.Equal(t, "A", stats.Active)

	require.NoError(t, h.inbox.CloseThread(ctx))
	h.waitRoster(func(r *model.RosterEvent) bool { return r.Active == "" })
}

func TestInbox_DeletedConversationIsForgotten(t *testing.T) {
	mem := store.NewMemory()
	post(t, mem, "A", "Ann", model.SenderVisitor, "hi")
	post(t, mem, "B", "Bob", model.SenderVisitor, "hey")

	h := startInbox(t, mem)
	h.waitStats(func(s InboxStats) bool { return s.Tracking == 2 })

	post(t, mem, "A", "Ann", model.SenderVisitor, "ping")
	h.waitRoster(func(r *model.RosterEvent) bool { return r.TotalUnread == 1 })
	require.NoError(t, h.inbox.Open(context.Background(), "A"))

	ctx := context.Background()
	require.NoError(t, mem.Delete(ctx, store.MessagesPath("A")))
	require.NoError(t, mem.Delete(ctx, store.SummaryPath("A")))

	r := h.waitRoster(hasConversations(1))
	assert.Equal(t, "B", r.Conversations[0].ConversationID)
	assert.Empty(t, r.Active)

	stats := h.waitStats(func(s InboxStats) bool { return s.Subscriptions == 1 })
	assert.NotContains(t, stats.Unread, "A")
	assert.Equal(t, 1, stats.Tracking)

	// A brand new conversation starts a fresh baseline cycle.
	post(t, mem, "C", "Ann", model.SenderVisitor, "new session")
	stats = h.waitStats(func(s InboxStats) bool { return s.Subscriptions == 2 && s.Tracking == 2 })
	assert.Zero(t, stats.TotalUnread)
}

func TestInbox_SearchFiltersRoster(t *testing.T) {
	mem := store.NewMemory()
	post(t, mem, "A", "Ann", model.SenderVisitor, "billing question")
	post(t, mem, "B", "Bob", model.SenderVisitor, "login issue")

	h := startInbox(t, mem)
	h.waitRoster(hasConversations(2))

	require.NoError(t, h.inbox.Search(context.Background(), "LOGIN"))
	r := h.waitRoster(func(r *model.RosterEvent) bool { return r.Query == "LOGIN" })
	require.Len(t, r.Conversations, 1)
	assert.Equal(t, "B", r.Conversations[0].ConversationID)
	assert.Equal(t, 2, r.Total)
}

func TestInbox_OpenUnknownConversation(t *testing.T) {
	h := startInbox(t, store.NewMemory())
	h.waitRoster(hasConversations(0))

	err := h.inbox.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestInbox_StopReleasesEverything(t *testing.T) {
	mem := store.NewMemory()
	post(t, mem, "A", "Ann", model.SenderVisitor, "hi")
	post(t, mem, "B", "Bob", model.SenderVisitor, "hey")

	h := startInbox(t, mem)
	h.waitStats(func(s InboxStats) bool { return s.Subscriptions == 2 })
	assert.Equal(t, 3, mem.Subscribers())

	require.NoError(t, h.stop())
	assert.Eventually(t, func() bool { return mem.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	_, err := h.inbox.Stats(context.Background())
	assert.ErrorIs(t, err, ErrInboxClosed)
}

func TestInbox_CommandReportsUndeliveredUpdate(t *testing.T) {
	inbox := NewInbox(store.NewMemory(), NewViewState(), nil, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- inbox.Run(ctx) }()
	defer func() {
		cancel()
		for range inbox.Updates() {
		}
		<-errc
	}()

	// Nobody reads the updates, so the buffer eventually fills and a search
	// can no longer be pushed before its deadline.
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		searchCtx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err = inbox.Search(searchCtx, "x")
		stop()
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
