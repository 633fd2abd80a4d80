package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Adapter. Writes are applied synchronously and
// every affected subscriber is signalled; each subscriber then builds the
// latest full snapshot itself, so slow readers observe coalesced state
// rather than a backlog.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]Fields
	watchers map[uint64]*memoryWatcher
	nextID   uint64
	closed   bool

	now func() time.Time
}

type memoryWatcher struct {
	pattern string
	signal  chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]Fields),
		watchers: make(map[uint64]*memoryWatcher),
		now:      time.Now,
	}
}

var _ Adapter = (*Memory)(nil)

// Subscribe implements Adapter.
func (m *Memory) Subscribe(ctx context.Context, pattern string) (<-chan Snapshot, error) {
	if _, err := Segments(pattern, true); err != nil {
		return nil, err
	}

	w := &memoryWatcher{
		pattern: pattern,
		signal:  make(chan struct{}, 1),
	}
	// Pre-signal so the initial snapshot goes out immediately.
	w.signal <- struct{}{}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	m.mu.Unlock()

	out := make(chan Snapshot)
	go m.pump(ctx, id, w, out)
	return out, nil
}

func (m *Memory) pump(ctx context.Context, id uint64, w *memoryWatcher, out chan<- Snapshot) {
	defer close(out)
	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}

		snap := m.snapshot(w.pattern)
		for delivered := false; !delivered; {
			select {
			case out <- snap:
				delivered = true
			case <-w.signal:
				snap = m.snapshot(w.pattern)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Memory) snapshot(pattern string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Pattern: pattern}
	for path, fields := range m.data {
		if !Match(pattern, path) {
			continue
		}
		snap.Entries = append(snap.Entries, Entry{Path: path, Fields: Merge(nil, fields)})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Path < snap.Entries[j].Path
	})
	return snap
}

// notifyLocked signals every watcher whose pattern matches one of paths.
// Must be called with mu held.
func (m *Memory) notifyLocked(paths ...string) {
	for _, w := range m.watchers {
		for _, p := range paths {
			if Match(w.pattern, p) {
				select {
				case w.signal <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

// Write implements Adapter with merge semantics.
func (m *Memory) Write(ctx context.Context, path string, fields Fields) error {
	if _, err := Segments(path, false); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[path] = Merge(m.data[path], ResolveTimestamps(fields, m.now()))
	m.notifyLocked(path)
	return nil
}

// Append implements Adapter. Child ids are UUIDv7 strings, which sort in
// creation order.
func (m *Memory) Append(ctx context.Context, collection string, fields Fields) (string, error) {
	if _, err := Segments(collection, false); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to mint child id: %w", err)
	}
	child := collection + "/" + id.String()
	if err := m.Write(ctx, child, fields); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Delete implements Adapter. Deleting a missing path is not an error.
func (m *Memory) Delete(ctx context.Context, path string) error {
	if _, err := Segments(path, false); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	var removed []string
	for key := range m.data {
		if Within(path, key) {
			delete(m.data, key)
			removed = append(removed, key)
		}
	}
	m.notifyLocked(removed...)
	return nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers)
}

// Close rejects further operations. Existing subscriptions end when their
// contexts are cancelled.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
