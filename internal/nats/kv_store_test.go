package nats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

// newTestKVStore runs an in-process JetStream server and opens a bucket on it.
func newTestKVStore(t *testing.T) *KVStore {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	client, err := Connect(ctx, Config{URL: srv.ClientURL(), Name: "kv-test"}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	s, err := NewKVStore(ctx, client, "TEST", logger.NewNop())
	require.NoError(t, err)
	return s
}

func nextSnapshot(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return store.Snapshot{}
}

func TestKVStore_InitialSnapshotIsEmpty(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, store.MessagesPattern("conv-a"))
	require.NoError(t, err)

	snap := nextSnapshot(t, ch)
	assert.Empty(t, snap.Entries)
	assert.Equal(t, store.MessagesPattern("conv-a"), snap.Pattern)
}

func TestKVStore_InitialSnapshotHoldsExistingEntries(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "one"})
	require.NoError(t, err)
	second, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "two"})
	require.NoError(t, err)

	ch, err := s.Subscribe(ctx, store.MessagesPattern("conv-a"))
	require.NoError(t, err)

	snap := nextSnapshot(t, ch)
	require.Len(t, snap.Entries, 2, "replayed values arrive as one snapshot")
	assert.Equal(t, first, snap.Entries[0].Segment(3))
	assert.Equal(t, second, snap.Entries[1].Segment(3))
	assert.Equal(t, "two", snap.Entries[1].Fields.String("text"))
}

func TestKVStore_AppendDeliversFullSnapshot(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, store.MessagesPattern("conv-a"))
	require.NoError(t, err)
	nextSnapshot(t, ch)

	first, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "one"})
	require.NoError(t, err)
	snap := nextSnapshot(t, ch)
	require.Len(t, snap.Entries, 1)

	second, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "two"})
	require.NoError(t, err)
	snap = nextSnapshot(t, ch)
	require.Len(t, snap.Entries, 2)

	assert.Less(t, first, second, "child ids must sort in creation order")
	assert.Equal(t, first, snap.Entries[0].Segment(3))
	assert.Equal(t, second, snap.Entries[1].Segment(3))
}

func TestKVStore_OtherPathsDoNotSignal(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, store.MessagesPattern("conv-a"))
	require.NoError(t, err)
	nextSnapshot(t, ch)

	require.NoError(t, s.Write(ctx, store.SummaryPath("conv-a"), store.Fields{"displayName": "Ann"}))
	_, err = s.Append(ctx, store.MessagesPath("conv-b"), store.Fields{"text": "elsewhere"})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestKVStore_SlowReaderSeesLatestState(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, store.MessagesPattern("conv-a"))
	require.NoError(t, err)
	nextSnapshot(t, ch)

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "burst"})
		require.NoError(t, err)
	}

	deliveries := 0
	for {
		snap := nextSnapshot(t, ch)
		deliveries++
		if len(snap.Entries) == 5 {
			break
		}
	}
	assert.LessOrEqual(t, deliveries, 5)
}

func TestKVStore_WriteMerges(t *testing.T) {
	s := newTestKVStore(t)
	s.now = func() time.Time { return time.UnixMilli(1700) }
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, store.SummaryPath("conv-a"), store.Fields{"displayName": "Ann", "lastMessageText": "hi"}))
	require.NoError(t, s.Write(ctx, store.SummaryPath("conv-a"), store.Fields{"lastMessageText": "bye", "lastMessageAt": store.ServerTimestamp}))

	snap, err := store.First(ctx, s, store.RosterPattern)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)

	f := snap.Entries[0].Fields
	assert.Equal(t, "Ann", f.String("displayName"))
	assert.Equal(t, "bye", f.String("lastMessageText"))
	require.NotNil(t, f.Millis("lastMessageAt"))
	assert.Equal(t, int64(1700), *f.Millis("lastMessageAt"))
	assert.Equal(t, "conv-a", snap.Entries[0].Segment(1))
}

func TestKVStore_ConcurrentWritesAllLand(t *testing.T) {
	s := newTestKVStore(t)
	ctx := context.Background()

	// Each writer loses at most once to every other writer, which stays
	// within the merge retry bound.
	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Write(ctx, store.SummaryPath("conv-a"), store.Fields{fmt.Sprintf("f%d", i): "set"})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := store.First(ctx, s, store.RosterPattern)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	for i := 0; i < writers; i++ {
		assert.Equal(t, "set", snap.Entries[0].Fields.String(fmt.Sprintf("f%d", i)))
	}
}

func TestKVStore_StaleRevisionIsConflict(t *testing.T) {
	s := newTestKVStore(t)
	ctx := context.Background()

	key := Key(store.SummaryPath("conv-a"))
	rev, err := s.kv.Create(ctx, key, []byte(`{}`))
	require.NoError(t, err)
	_, err = s.kv.Update(ctx, key, []byte(`{"a":1}`), rev)
	require.NoError(t, err)

	_, err = s.kv.Update(ctx, key, []byte(`{"b":2}`), rev)
	require.Error(t, err)
	assert.True(t, isConflict(err), "stale revision must be retried: %v", err)

	_, err = s.kv.Create(ctx, key, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, isConflict(err), "racing create must be retried: %v", err)
}

func TestKVStore_DeleteRemovesDescendants(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "one"})
	require.NoError(t, err)
	_, err = s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "two"})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, store.SummaryPath("conv-a"), store.Fields{"displayName": "Ann"}))

	ch, err := s.Subscribe(ctx, store.MessagesPattern("conv-a"))
	require.NoError(t, err)
	require.Len(t, nextSnapshot(t, ch).Entries, 2)

	require.NoError(t, s.Delete(ctx, store.MessagesPath("conv-a")))

	// Delete markers reach live subscribers as removed entries.
	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap.Entries) == 0
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := store.First(ctx, s, store.MessagesPattern("conv-a"))
	require.NoError(t, err)
	assert.Empty(t, msgs.Entries, "delete markers are not replayed as entries")

	roster, err := store.First(ctx, s, store.RosterPattern)
	require.NoError(t, err)
	assert.Len(t, roster.Entries, 1, "summary is a sibling, not a descendant")

	require.NoError(t, s.Delete(ctx, "threads/missing"), "deleting a missing path is a no-op")
}

func TestKVStore_DeleteThread(t *testing.T) {
	s := newTestKVStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, store.MessagesPath("conv-a"), store.Fields{"text": "one"})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, store.SummaryPath("conv-a"), store.Fields{"displayName": "Ann"}))
	require.NoError(t, s.Write(ctx, store.SummaryPath("conv-b"), store.Fields{"displayName": "Bob"}))

	require.NoError(t, s.Delete(ctx, "threads/conv-a"))

	roster, err := store.First(ctx, s, store.RosterPattern)
	require.NoError(t, err)
	require.Len(t, roster.Entries, 1)
	assert.Equal(t, "conv-b", roster.Entries[0].Segment(1))

	msgs, err := store.First(ctx, s, store.MessagesPattern("conv-a"))
	require.NoError(t, err)
	assert.Empty(t, msgs.Entries)
}

func TestKVStore_CancelClosesChannel(t *testing.T) {
	s := newTestKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Subscribe(ctx, store.RosterPattern)
	require.NoError(t, err)
	nextSnapshot(t, ch)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestKVStore_RejectsInvalidPaths(t *testing.T) {
	s := newTestKVStore(t)
	ctx := context.Background()

	_, err := s.Subscribe(ctx, "threads/a b/summary")
	assert.ErrorIs(t, err, store.ErrInvalidPath)

	assert.ErrorIs(t, s.Write(ctx, "threads/*/summary", store.Fields{}), store.ErrInvalidPath)
	assert.ErrorIs(t, s.Delete(ctx, ""), store.ErrInvalidPath)

	_, err = s.Append(ctx, "threads/../messages", store.Fields{})
	assert.ErrorIs(t, err, store.ErrInvalidPath)
}

func TestKVStore_Ping(t *testing.T) {
	s := newTestKVStore(t)
	require.NoError(t, s.Ping(context.Background()))

	s.client.Close()
	assert.Error(t, s.Ping(context.Background()))
}
