package realtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/store"
)

// ThreadListener receives the full ordered thread on every snapshot. ctx is
// cancelled when the stream closes; listeners that block must honour it.
type ThreadListener func(ctx context.Context, thread []model.Message)

// ThreadStream is one live subscription to a conversation's messages.
type ThreadStream struct {
	*stream
	conversationID string
}

// OpenThread subscribes to a conversation's message collection.
func OpenThread(ctx context.Context, adapter store.Adapter, conversationID string, listener ThreadListener) (*ThreadStream, error) {
	if !store.ValidSegment(conversationID) {
		return nil, fmt.Errorf("%w: conversation %q", store.ErrInvalidPath, conversationID)
	}

	s, err := startStream(ctx, adapter, store.MessagesPattern(conversationID), func(ctx context.Context, snap store.Snapshot) {
		listener(ctx, ProjectThread(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to thread %s: %w", conversationID, err)
	}
	return &ThreadStream{stream: s, conversationID: conversationID}, nil
}

// ConversationID returns the conversation this stream is bound to.
func (t *ThreadStream) ConversationID() string {
	return t.conversationID
}

// ProjectThread turns a message snapshot into a thread ordered by message
// id. Ids are store-minted and monotonic, so byte order is creation order
// even while timestamps are unresolved.
func ProjectThread(snap store.Snapshot) []model.Message {
	thread := make([]model.Message, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		id := e.Segment(3)
		if id == "" {
			continue
		}
		thread = append(thread, model.Message{
			ID:        id,
			Text:      e.Fields.String("text"),
			Sender:    model.Sender(e.Fields.String("sender")),
			CreatedAt: e.Fields.Millis("createdAt"),
		})
	}
	sort.Slice(thread, func(i, j int) bool {
		return thread[i].ID < thread[j].ID
	})
	return thread
}
