package nats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

const (
	// DefaultBucket is the Key-Value bucket holding every thread.
	DefaultBucket = "SUPPORT"

	// maxMergeAttempts bounds optimistic-concurrency retries on Write.
	maxMergeAttempts = 5
)

// KVStore is a store.Adapter over a JetStream Key-Value bucket. Logical
// paths map to keys by replacing "/" with "."; the single-segment wildcard
// is native to KV watch filters.
type KVStore struct {
	kv     jetstream.KeyValue
	client *Client
	logger *logger.Logger
	now    func() time.Time
}

var (
	_ store.Adapter = (*KVStore)(nil)
	_ store.Pinger  = (*KVStore)(nil)
)

// NewKVStore ensures the bucket exists and wraps it.
func NewKVStore(ctx context.Context, client *Client, bucket string, log *logger.Logger) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.EnsureBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &KVStore{
		kv:     kv,
		client: client,
		logger: logger.OrGlobal(log).Named("kvstore").With(zap.String("bucket", bucket)),
		now:    time.Now,
	}, nil
}

// Key translates a logical path or pattern into a KV key or filter.
func Key(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

// Path translates a KV key back into a logical path.
func Path(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func encodeFields(fields store.Fields) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return data, nil
}

// decodeFields keeps numbers as json.Number so millisecond timestamps
// survive the round trip exactly.
func decodeFields(data []byte) (store.Fields, error) {
	fields := store.Fields{}
	if len(data) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return fields, nil
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Subscribe implements store.Adapter. Updates are folded into a local view
// of the matching keys; a snapshot goes out once the initial values have been
// replayed and after every change, coalescing while the reader is busy.
func (s *KVStore) Subscribe(ctx context.Context, pattern string) (<-chan store.Snapshot, error) {
	if _, err := store.Segments(pattern, true); err != nil {
		return nil, err
	}

	w, err := s.kv.Watch(ctx, Key(pattern))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("subscribe").Inc()
		return nil, fmt.Errorf("failed to watch %s: %w", pattern, err)
	}

	out := make(chan store.Snapshot)
	go s.pump(ctx, pattern, w, out)
	return out, nil
}

func (s *KVStore) pump(ctx context.Context, pattern string, w jetstream.KeyWatcher, out chan<- store.Snapshot) {
	defer close(out)
	defer func() {
		if err := w.Stop(); err != nil {
			s.logger.Debug("failed to stop watcher", zap.String("pattern", pattern), zap.Error(err))
		}
	}()

	f := newFold(pattern)
	ready, dirty := false, false

	for {
		var send chan<- store.Snapshot
		var snap store.Snapshot
		if ready && dirty {
			send = out
			snap = f.snapshot()
		}

		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				if ctx.Err() == nil {
					metrics.StoreErrors.WithLabelValues("watch").Inc()
					s.logger.Warn("watch ended", zap.String("pattern", pattern))
				}
				return
			}
			if entry == nil {
				ready, dirty = true, true
				continue
			}
			if err := f.apply(entry.Key(), entry.Operation(), entry.Value()); err != nil {
				s.logger.Warn("skipping undecodable entry", zap.String("key", entry.Key()), zap.Error(err))
				continue
			}
			dirty = true
		case send <- snap:
			dirty = false
		}
	}
}

// fold is the current state of one watch.
type fold struct {
	pattern string
	entries map[string]store.Fields
}

func newFold(pattern string) *fold {
	return &fold{pattern: pattern, entries: make(map[string]store.Fields)}
}

func (f *fold) apply(key string, op jetstream.KeyValueOp, value []byte) error {
	path := Path(key)
	if op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
		delete(f.entries, path)
		return nil
	}
	fields, err := decodeFields(value)
	if err != nil {
		return err
	}
	f.entries[path] = fields
	return nil
}

func (f *fold) snapshot() store.Snapshot {
	snap := store.Snapshot{Pattern: f.pattern, Entries: make([]store.Entry, 0, len(f.entries))}
	for path, fields := range f.entries {
		snap.Entries = append(snap.Entries, store.Entry{Path: path, Fields: store.Merge(nil, fields)})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Path < snap.Entries[j].Path
	})
	return snap
}

// Write implements store.Adapter. The merge is a read-modify-write guarded by
// the entry revision and retried on conflict.
func (s *KVStore) Write(ctx context.Context, path string, fields store.Fields) error {
	if _, err := store.Segments(path, false); err != nil {
		return err
	}
	key := Key(path)
	update := store.ResolveTimestamps(fields, s.now())

	for attempt := 1; attempt <= maxMergeAttempts; attempt++ {
		err := s.merge(ctx, key, update)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			metrics.StoreErrors.WithLabelValues("write").Inc()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		s.logger.Debug("write conflict, retrying", zap.String("path", path), zap.Int("attempt", attempt))
	}
	metrics.StoreErrors.WithLabelValues("write").Inc()
	return fmt.Errorf("failed to write %s: too many concurrent updates", path)
}

func (s *KVStore) merge(ctx context.Context, key string, update store.Fields) error {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		data, err := encodeFields(update)
		if err != nil {
			return err
		}
		_, err = s.kv.Create(ctx, key, data)
		return err
	}
	if err != nil {
		return err
	}

	base, err := decodeFields(entry.Value())
	if err != nil {
		return err
	}
	data, err := encodeFields(store.Merge(base, update))
	if err != nil {
		return err
	}
	_, err = s.kv.Update(ctx, key, data, entry.Revision())
	return err
}

// Append implements store.Adapter with UUIDv7 child ids.
func (s *KVStore) Append(ctx context.Context, collection string, fields store.Fields) (string, error) {
	if _, err := store.Segments(collection, false); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to mint child id: %w", err)
	}

	data, err := encodeFields(store.ResolveTimestamps(fields, s.now()))
	if err != nil {
		return "", err
	}
	if _, err := s.kv.Create(ctx, Key(collection+"/"+id.String()), data); err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		return "", fmt.Errorf("failed to append to %s: %w", collection, err)
	}
	return id.String(), nil
}

// Delete implements store.Adapter. The path and every descendant key are
// deleted one by one; a failure part way leaves the rest in place.
func (s *KVStore) Delete(ctx context.Context, path string) error {
	if _, err := store.Segments(path, false); err != nil {
		return err
	}

	keys, err := s.keysUnder(ctx, Key(path))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("failed to list %s: %w", path, err)
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			metrics.StoreErrors.WithLabelValues("delete").Inc()
			return fmt.Errorf("failed to delete %s: %w", Path(key), err)
		}
	}
	return nil
}

// keysUnder lists the live key equal to prefix and every key below it.
func (s *KVStore) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, filter := range []string{prefix, prefix + ".>"} {
		w, err := s.kv.Watch(ctx, filter, jetstream.MetaOnly(), jetstream.IgnoreDeletes())
		if err != nil {
			return nil, err
		}
		err = func() error {
			defer w.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case entry, ok := <-w.Updates():
					if !ok {
						return errors.New("watch closed while listing keys")
					}
					if entry == nil {
						return nil
					}
					keys = append(keys, entry.Key())
				}
			}
		}()
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Ping implements store.Pinger.
func (s *KVStore) Ping(ctx context.Context) error {
	if !s.client.IsConnected() {
		return errors.New("nats not connected")
	}
	if _, err := s.kv.Status(ctx); err != nil {
		return fmt.Errorf("bucket unavailable: %w", err)
	}
	return nil
}
