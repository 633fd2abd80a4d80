// Package model defines data structures for the live support service.
package model

import (
	"strings"
)

// ConversationSummary is the roster entry for one visitor's thread.
type ConversationSummary struct {
	ConversationID  string `json:"conversation_id"`
	DisplayName     string `json:"display_name"`
	LastMessageText string `json:"last_message_text"`

	// Unix milliseconds; nil until resolved.
	LastMessageAt *int64 `json:"last_message_at"`
	UpdatedAt     *int64 `json:"updated_at"`
	CreatedAt     *int64 `json:"created_at,omitempty"`
}

// SortKey returns LastMessageAt, treating an unresolved timestamp as epoch.
func (s ConversationSummary) SortKey() int64 {
	if s.LastMessageAt == nil {
		return 0
	}
	return *s.LastMessageAt
}

// Name returns the display name or a placeholder.
func (s ConversationSummary) Name() string {
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		return name
	}
	return "User"
}

// FilterRoster returns the summaries whose display name, conversation id or
// last message text contain query, case-insensitively. An empty query keeps
// everything. Order is preserved.
func FilterRoster(roster []ConversationSummary, query string) []ConversationSummary {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return roster
	}

	out := make([]ConversationSummary, 0, len(roster))
	for _, s := range roster {
		if strings.Contains(strings.ToLower(s.DisplayName), q) ||
			strings.Contains(strings.ToLower(s.ConversationID), q) ||
			strings.Contains(strings.ToLower(s.LastMessageText), q) {
			out = append(out, s)
		}
	}
	return out
}

// ProfileRequest sets the visitor's display name.
type ProfileRequest struct {
	DisplayName string `json:"display_name"`
}

// SessionResponse describes the visitor identity bound to a request.
type SessionResponse struct {
	VisitorID   string `json:"visitor_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// RosterEntry is a summary decorated with its unread count.
type RosterEntry struct {
	ConversationSummary
	Unread int `json:"unread"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}
