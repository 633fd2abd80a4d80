package model

// Sender identifies which side of a conversation authored a message.
type Sender string

const (
	SenderVisitor  Sender = "visitor"
	SenderOperator Sender = "operator"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderVisitor || s == SenderOperator
}

// Message is one immutable entry in a conversation thread.
type Message struct {
	// Store-assigned, lexicographically monotonic. Threads are ordered by ID,
	// never by CreatedAt.
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`

	// Unix milliseconds. Nil while the server timestamp is still pending.
	CreatedAt *int64 `json:"created_at"`
}

// Pending reports whether the message timestamp has not resolved yet.
func (m Message) Pending() bool {
	return m.CreatedAt == nil
}

// Last returns the trailing message of an ordered thread.
func Last(thread []Message) (Message, bool) {
	if len(thread) == 0 {
		return Message{}, false
	}
	return thread[len(thread)-1], true
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	Text        string `json:"text"`
	DisplayName string `json:"display_name,omitempty"`
}

// SendMessageResponse acknowledges an accepted message.
type SendMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ThreadResponse is a one-shot read of a conversation thread.
type ThreadResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// DraftReplyResponse carries a suggested operator reply.
type DraftReplyResponse struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Model          string `json:"model"`
	TokensIn       int    `json:"tokens_in"`
	TokensOut      int    `json:"tokens_out"`
	LatencyMs      int64  `json:"latency_ms"`
}
