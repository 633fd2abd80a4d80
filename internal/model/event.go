package model

import (
	"encoding/json"
	"time"
)

// FrameType names a frame exchanged with a live client.
type FrameType string

// Server to client.
const (
	FrameRoster       FrameType = "roster"
	FrameThread       FrameType = "thread"
	FrameNotification FrameType = "notification"
	FrameError        FrameType = "error"
)

// Client to server.
const (
	FrameOpen        FrameType = "open"
	FrameCloseThread FrameType = "close_thread"
	FrameVisibility  FrameType = "visibility"
	FramePermission  FrameType = "permission"
	FrameSearch      FrameType = "search"
)

// Frame is the envelope for every websocket message.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OpenPayload selects the conversation an operator is looking at.
type OpenPayload struct {
	ConversationID string `json:"conversation_id"`
}

// VisibilityPayload reports whether the viewing surface is backgrounded.
type VisibilityPayload struct {
	Backgrounded bool `json:"backgrounded"`
}

// PermissionPayload reports the desktop notification permission.
type PermissionPayload struct {
	Granted bool `json:"granted"`
}

// SearchPayload filters the roster shown to the operator.
type SearchPayload struct {
	Query string `json:"query"`
}

// PresenceRequest is the visitor's view surface state.
type PresenceRequest struct {
	Backgrounded         bool `json:"backgrounded"`
	NotificationsGranted bool `json:"notifications_granted"`
}

// RosterEvent is the operator's view of the roster.
type RosterEvent struct {
	Conversations []RosterEntry `json:"conversations"`
	Total         int           `json:"total"`
	TotalUnread   int           `json:"total_unread"`
	Active        string        `json:"active,omitempty"`
	Query         string        `json:"query,omitempty"`
}

// ThreadEvent carries the full ordered thread of a conversation.
type ThreadEvent struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// NotificationEvent asks the client to raise a desktop notification.
type NotificationEvent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
