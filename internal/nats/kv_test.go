package nats

import (
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-support/internal/store"
)

func TestKeyTranslation(t *testing.T) {
	assert.Equal(t, "threads.abc.summary", Key(store.SummaryPath("abc")))
	assert.Equal(t, "threads.*.summary", Key(store.RosterPattern))
	assert.Equal(t, "threads.abc.messages.*", Key(store.MessagesPattern("abc")))
	assert.Equal(t, "threads/abc/messages/m1", Path("threads.abc.messages.m1"))
}

func TestFieldsRoundTrip(t *testing.T) {
	data, err := encodeFields(store.Fields{"text": "hi", "createdAt": int64(1712345678901)})
	require.NoError(t, err)

	fields, err := decodeFields(data)
	require.NoError(t, err)
	assert.Equal(t, "hi", fields.String("text"))
	require.NotNil(t, fields.Millis("createdAt"))
	assert.Equal(t, int64(1712345678901), *fields.Millis("createdAt"))

	empty, err := decodeFields(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeFields([]byte("{"))
	assert.Error(t, err)
}

func TestFold(t *testing.T) {
	f := newFold(store.MessagesPattern("A"))

	require.NoError(t, f.apply("threads.A.messages.m2", jetstream.KeyValuePut, []byte(`{"text":"two"}`)))
	require.NoError(t, f.apply("threads.A.messages.m1", jetstream.KeyValuePut, []byte(`{"text":"one"}`)))
	require.NoError(t, f.apply("threads.A.messages.m3", jetstream.KeyValuePut, []byte(`{"text":"three"}`)))

	snap := f.snapshot()
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "threads/A/messages/m1", snap.Entries[0].Path)
	assert.Equal(t, "m3", snap.Entries[2].Segment(3))

	require.NoError(t, f.apply("threads.A.messages.m2", jetstream.KeyValueDelete, nil))
	require.NoError(t, f.apply("threads.A.messages.m3", jetstream.KeyValuePurge, nil))
	snap = f.snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "one", snap.Entries[0].Fields.String("text"))

	assert.Error(t, f.apply("threads.A.messages.m4", jetstream.KeyValuePut, []byte("nope")))
	assert.Len(t, f.snapshot().Entries, 1)
}

func TestFold_SnapshotIsolated(t *testing.T) {
	f := newFold(store.RosterPattern)
	require.NoError(t, f.apply("threads.A.summary", jetstream.KeyValuePut, []byte(`{"displayName":"Ann"}`)))

	snap := f.snapshot()
	snap.Entries[0].Fields["displayName"] = "changed"

	assert.Equal(t, "Ann", f.snapshot().Entries[0].Fields.String("displayName"))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(jetstream.ErrKeyExists))
	assert.True(t, isConflict(fmt.Errorf("wrapped: %w", &jetstream.APIError{
		Code:      400,
		ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence,
	})))
	assert.False(t, isConflict(jetstream.ErrKeyNotFound))
	assert.False(t, isConflict(fmt.Errorf("boom")))
}
