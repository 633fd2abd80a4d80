package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

// VisitorSession is the visitor's live view of their own thread. It pushes
// every thread emission and asks for a notification when an operator reply
// lands while the visitor's surface is backgrounded.
type VisitorSession struct {
	adapter        store.Adapter
	conversationID string
	watcher        *Watcher
	logger         *logger.Logger

	updates chan model.ThreadEvent
}

// NewVisitorSession creates a session for one conversation. Sessions of the
// same visitor pass the same watcher.
func NewVisitorSession(adapter store.Adapter, conversationID string, watcher *Watcher, log *logger.Logger) *VisitorSession {
	return &VisitorSession{
		adapter:        adapter,
		conversationID: conversationID,
		watcher:        watcher,
		logger:         logger.OrGlobal(log).Named("visitor").WithConversation(conversationID),
		updates:        make(chan model.ThreadEvent, 4),
	}
}

// Updates returns the thread emissions. It is closed when Run returns.
func (s *VisitorSession) Updates() <-chan model.ThreadEvent {
	return s.updates
}

// Run subscribes to the thread and forwards it until ctx is done or the
// subscription is lost.
func (s *VisitorSession) Run(ctx context.Context) error {
	defer close(s.updates)

	events := make(chan []model.Message)
	ts, err := OpenThread(ctx, s.adapter, s.conversationID, func(ctx context.Context, thread []model.Message) {
		select {
		case events <- thread:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer ts.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ts.Done():
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("thread subscription lost")
			return ErrStreamEnded
		case thread := <-events:
			out := s.watcher.Observe(ctx, thread)
			if out.Requested {
				s.logger.Debug("reply notification requested", zap.Bool("delivered", out.Delivered))
			}
			select {
			case s.updates <- model.ThreadEvent{ConversationID: s.conversationID, Messages: thread}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
