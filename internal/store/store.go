// Package store defines the realtime keyed store contract used by the
// support engine, together with the logical path layout and an in-process
// implementation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidPath is returned for paths or segments the store cannot key.
	ErrInvalidPath = errors.New("invalid store path")
	// ErrClosed is returned by adapters that have been shut down.
	ErrClosed = errors.New("store closed")
)

// Fields is the value stored at a path.
type Fields map[string]any

// Entry is one keyed value inside a snapshot.
type Entry struct {
	Path   string
	Fields Fields
}

// Segment returns the i-th path segment of the entry, or "" when out of range.
func (e Entry) Segment(i int) string {
	parts := strings.Split(e.Path, "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}

// Snapshot is the full current set of entries matching a subscription
// pattern. It is never a diff.
type Snapshot struct {
	Pattern string
	Entries []Entry
}

// Adapter is the realtime store contract.
//
// Subscribe delivers an initial snapshot promptly (possibly empty) and then a
// fresh full snapshot whenever matching data changes. The returned channel is
// closed once ctx is done or the subscription fails; cancelling ctx is the
// cancel function.
type Adapter interface {
	Subscribe(ctx context.Context, pattern string) (<-chan Snapshot, error)
	Write(ctx context.Context, path string, fields Fields) error
	Append(ctx context.Context, collection string, fields Fields) (string, error)
	Delete(ctx context.Context, path string) error
}

// Pinger is implemented by adapters that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Logical layout:
//
//	threads/{conversationId}/messages/{messageId} -> {text, sender, createdAt}
//	threads/{conversationId}/summary              -> {displayName, lastMessageText, lastMessageAt, updatedAt}
const (
	threadsRoot     = "threads"
	messagesSegment = "messages"
	summarySegment  = "summary"

	// Wildcard matches exactly one path segment.
	Wildcard = "*"
)

// RosterPattern matches every conversation summary.
const RosterPattern = threadsRoot + "/" + Wildcard + "/" + summarySegment

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	return segmentPattern.MatchString(s)
}

// MessagesPath is the collection holding a conversation's messages.
func MessagesPath(conversationID string) string {
	return threadsRoot + "/" + conversationID + "/" + messagesSegment
}

// MessagesPattern matches every message of one conversation.
func MessagesPattern(conversationID string) string {
	return MessagesPath(conversationID) + "/" + Wildcard
}

// SummaryPath is the roster entry of a conversation.
func SummaryPath(conversationID string) string {
	return threadsRoot + "/" + conversationID + "/" + summarySegment
}

// Segments splits and validates a path or pattern.
func Segments(path string, allowWildcard bool) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if allowWildcard && p == Wildcard {
			continue
		}
		if !ValidSegment(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// Match reports whether path matches pattern segment by segment.
func Match(pattern, path string) bool {
	ps := strings.Split(pattern, "/")
	ks := strings.Split(path, "/")
	if len(ps) != len(ks) {
		return false
	}
	for i := range ps {
		if ps[i] != Wildcard && ps[i] != ks[i] {
			return false
		}
	}
	return true
}

// Within reports whether path equals prefix or is one of its descendants.
func Within(prefix, path string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

type serverTimestamp struct{}

// MarshalJSON encodes the placeholder the way it travels before resolution.
func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

// ServerTimestamp is a field value the adapter replaces with its own clock
// (Unix milliseconds) when the write is applied.
var ServerTimestamp any = serverTimestamp{}

// ResolveTimestamps returns a copy of fields with every ServerTimestamp
// replaced by now.
func ResolveTimestamps(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	ms := now.UnixMilli()
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = ms
			continue
		}
		out[k] = v
	}
	return out
}

// Merge overlays update onto base and returns the result. Neither input is
// modified.
func Merge(base, update Fields) Fields {
	out := make(Fields, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// String reads a string field, returning "" when absent or mistyped.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Millis reads a resolved timestamp field. It returns nil when the field is
// absent or still unresolved, so callers never fail on pending values.
func (f Fields) Millis(key string) *int64 {
	var ms int64
	switch v := f[key].(type) {
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case float64:
		ms = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil
		}
		ms = n
	default:
		return nil
	}
	return &ms
}

// First subscribes to pattern and returns its initial snapshot.
func First(ctx context.Context, a Adapter, pattern string) (Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := a.Subscribe(ctx, pattern)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case snap, ok := <-ch:
		if !ok {
			return Snapshot{}, fmt.Errorf("subscription to %s ended before first snapshot", pattern)
		}
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
