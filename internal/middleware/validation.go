package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/live-support/internal/store"
)

// Display name bounds, in runes, after trimming.
const (
	MinDisplayName = 2
	MaxDisplayName = 80

	maxMessageRunes = 4000
	maxQueryRunes   = 200
)

// ValidateMessageText validates message text.
func ValidateMessageText(text string) error {
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("text cannot be empty")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return errors.New("text exceeds maximum length")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if !store.ValidSegment(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateDisplayName validates a visitor display name.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < MinDisplayName {
		return errors.New("name must be at least 2 characters")
	}
	if n > MaxDisplayName {
		return errors.New("name exceeds maximum length")
	}
	return nil
}

// ValidateSearchQuery validates a roster search query.
func ValidateSearchQuery(q string) error {
	if utf8.RuneCountInString(q) > maxQueryRunes {
		return errors.New("query exceeds maximum length")
	}
	return nil
}
