package realtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/store"
)

// RosterListener receives the full roster on every snapshot.
type RosterListener func(ctx context.Context, roster []model.ConversationSummary)

// RosterStream is the operator's live subscription to conversation summaries.
type RosterStream struct {
	*stream
}

// OpenRoster subscribes to every conversation summary.
func OpenRoster(ctx context.Context, adapter store.Adapter, listener RosterListener) (*RosterStream, error) {
	s, err := startStream(ctx, adapter, store.RosterPattern, func(ctx context.Context, snap store.Snapshot) {
		listener(ctx, ProjectRoster(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to roster: %w", err)
	}
	return &RosterStream{stream: s}, nil
}

// ProjectRoster turns a summary snapshot into a roster, newest activity
// first. Unresolved timestamps sort as oldest.
func ProjectRoster(snap store.Snapshot) []model.ConversationSummary {
	roster := make([]model.ConversationSummary, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		id := e.Segment(1)
		if id == "" {
			continue
		}
		roster = append(roster, model.ConversationSummary{
			ConversationID:  id,
			DisplayName:     e.Fields.String("displayName"),
			LastMessageText: e.Fields.String("lastMessageText"),
			LastMessageAt:   e.Fields.Millis("lastMessageAt"),
			UpdatedAt:       e.Fields.Millis("updatedAt"),
			CreatedAt:       e.Fields.Millis("createdAt"),
		})
	}
	sort.SliceStable(roster, func(i, j int) bool {
		a, b := roster[i].SortKey(), roster[j].SortKey()
		if a != b {
			return a > b
		}
		return roster[i].ConversationID < roster[j].ConversationID
	})
	return roster
}
