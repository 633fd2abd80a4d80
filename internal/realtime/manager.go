package realtime

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

// Subscription is a live handle bound to one conversation.
type Subscription interface {
	Close()
}

// Opener opens the subscription for one conversation.
type Opener func(ctx context.Context, conversationID string) (Subscription, error)

// Manager keeps exactly one open subscription per conversation present in
// the latest roster. It is not safe for concurrent use; the owning engine
// drives it from a single goroutine.
type Manager struct {
	ctx      context.Context
	opener   Opener
	onClosed func(conversationID string)
	logger   *logger.Logger

	open   map[string]Subscription
	closed bool
}

// NewManager creates a manager. onClosed runs after a subscription for a
// conversation has been fully closed and may be nil.
func NewManager(ctx context.Context, opener Opener, onClosed func(string), log *logger.Logger) *Manager {
	if onClosed == nil {
		onClosed = func(string) {}
	}
	return &Manager{
		ctx:      ctx,
		opener:   opener,
		onClosed: onClosed,
		logger:   logger.OrGlobal(log).Named("subscriptions"),
		open:     make(map[string]Subscription),
	}
}

// Reconcile brings the open set in line with roster: subscriptions for ids
// that left are closed first, then ids without one are opened. Ids already
// subscribed are untouched, so an unchanged roster is a no-op. An id whose
// open fails stays unsubscribed until the next pass.
func (m *Manager) Reconcile(roster []model.ConversationSummary) (opened, closed []string) {
	if m.closed {
		return nil, nil
	}

	current := make(map[string]struct{}, len(roster))
	for _, s := range roster {
		current[s.ConversationID] = struct{}{}
	}

	for _, id := range m.IDs() {
		if _, ok := current[id]; ok {
			continue
		}
		m.closeOne(id)
		closed = append(closed, id)
	}

	for _, s := range roster {
		id := s.ConversationID
		if _, ok := m.open[id]; ok {
			continue
		}
		sub, err := m.opener(m.ctx, id)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("subscribe").Inc()
			m.logger.Warn("failed to open thread subscription",
				zap.String("conversation_id", id),
				zap.Error(err),
			)
			continue
		}
		m.open[id] = sub
		metrics.RecordSubscriptionOpened()
		opened = append(opened, id)
	}

	if len(opened) > 0 || len(closed) > 0 {
		m.logger.Debug("roster reconciled",
			zap.Strings("opened", opened),
			zap.Strings("closed", closed),
			zap.Int("open", len(m.open)),
		)
	}
	return opened, closed
}

func (m *Manager) closeOne(id string) {
	sub, ok := m.open[id]
	if !ok {
		return
	}
	// Close blocks until the stream has stopped delivering, so a reopen of
	// the same id can never race the old one.
	sub.Close()
	delete(m.open, id)
	metrics.RecordSubscriptionClosed()
	m.onClosed(id)
}

// IsCurrent reports whether sub is the live subscription for id. Emissions
// from anything else are stale.
func (m *Manager) IsCurrent(id string, sub Subscription) bool {
	open, ok := m.open[id]
	return ok && open == sub
}

// Len returns the number of open subscriptions.
func (m *Manager) Len() int {
	return len(m.open)
}

// IDs returns the subscribed conversation ids in sorted order.
func (m *Manager) IDs() []string {
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every subscription. Later reconciliations are ignored.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	for _, id := range m.IDs() {
		m.closeOne(id)
	}
	m.closed = true
}
