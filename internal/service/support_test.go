package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

// flakyStore fails selected operations of an in-memory store.
type flakyStore struct {
	*store.Memory
	failWrite  error
	failDelete map[string]error
}

func (f *flakyStore) Write(ctx context.Context, path string, fields store.Fields) error {
	if f.failWrite != nil {
		return f.failWrite
	}
	return f.Memory.Write(ctx, path, fields)
}

func (f *flakyStore) Delete(ctx context.Context, path string) error {
	if err := f.failDelete[path]; err != nil {
		return err
	}
	return f.Memory.Delete(ctx, path)
}

func newTestService() (*SupportService, *store.Memory) {
	mem := store.NewMemory()
	return NewSupportService(mem, logger.NewNop()), mem
}

func TestSendVisitorMessage_AppendsAndUpdatesSummary(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.SendVisitorMessage(ctx, "v1", "  Ann ", "  hello there ")
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.ConversationID)
	assert.NotEmpty(t, resp.MessageID)

	thread, err := svc.Thread(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, thread.Messages, 1)
	m := thread.Messages[0]
	assert.Equal(t, resp.MessageID, m.ID)
	assert.Equal(t, "hello there", m.Text)
	assert.Equal(t, model.SenderVisitor, m.Sender)
	assert.False(t, m.Pending(), "the store resolves server timestamps")

	summary, err := svc.Summary(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", summary.DisplayName)
	assert.Equal(t, "hello there", summary.LastMessageText)
	assert.NotNil(t, summary.LastMessageAt)
	assert.NotNil(t, summary.UpdatedAt)
}

func TestSendOperatorMessage_KeepsDisplayName(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SendVisitorMessage(ctx, "v1", "Ann", "hi")
	require.NoError(t, err)
	_, err = svc.SendOperatorMessage(ctx, "v1", "How can I help?")
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", summary.DisplayName)
	assert.Equal(t, "How can I help?", summary.LastMessageText)

	thread, err := svc.Thread(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, model.SenderOperator, thread.Messages[1].Sender)
	assert.Less(t, thread.Messages[0].ID, thread.Messages[1].ID)
}

func TestSend_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SendVisitorMessage(ctx, "v1", " ", "hi")
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = svc.SendVisitorMessage(ctx, "v1", "Ann", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.SendOperatorMessage(ctx, "../etc", "hi")
	assert.ErrorIs(t, err, store.ErrInvalidPath)

	assert.ErrorIs(t, svc.EnsureProfile(ctx, "v1", ""), ErrNameRequired)
}

func TestSend_SummaryFailureIsTolerated(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem}
	svc := NewSupportService(flaky, logger.NewNop())
	ctx := context.Background()

	// Appends go through Memory.Append, which calls Memory.Write directly.
	flaky.failWrite = errors.New("summary unavailable")
	resp, err := svc.SendVisitorMessage(ctx, "v1", "Ann", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.MessageID)

	_, err = svc.Summary(ctx, "v1")
	assert.ErrorIs(t, err, ErrNotFound, "the message is unreachable from the roster until the next send")

	flaky.failWrite = nil
	_, err = svc.SendVisitorMessage(ctx, "v1", "Ann", "again")
	require.NoError(t, err)
	summary, err := svc.Summary(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "again", summary.LastMessageText)
}

func TestEnsureProfile(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.EnsureProfile(ctx, "v1", "Ann"))

	roster, err := svc.Roster(ctx, "")
	require.NoError(t, err)
	require.Len(t, roster.Conversations, 1)
	assert.Equal(t, "Ann", roster.Conversations[0].DisplayName)
	assert.Nil(t, roster.Conversations[0].LastMessageAt, "no message yet")
	assert.NotNil(t, roster.Conversations[0].CreatedAt)
}

func TestDeleteThread(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SendVisitorMessage(ctx, "v1", "Ann", "hi")
	require.NoError(t, err)
	_, err = svc.SendVisitorMessage(ctx, "v2", "Bob", "hey")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteThread(ctx, "v1"))

	thread, err := svc.Thread(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, thread.Messages)
	_, err = svc.Summary(ctx, "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	roster, err := svc.Roster(ctx, "")
	require.NoError(t, err)
	require.Len(t, roster.Conversations, 1)
	assert.Equal(t, "v2", roster.Conversations[0].ConversationID)
}

func TestDeleteThread_PartialFailureLeavesOrphanSummary(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failDelete: map[string]error{
		store.SummaryPath("v1"): errors.New("connection reset"),
	}}
	svc := NewSupportService(flaky, logger.NewNop())
	ctx := context.Background()

	_, err := svc.SendVisitorMessage(ctx, "v1", "Ann", "hi")
	require.NoError(t, err)

	err = svc.DeleteThread(ctx, "v1")
	require.Error(t, err)

	summary, err := svc.Summary(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", summary.DisplayName)

	thread, err := svc.Thread(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, thread.Messages, "an orphaned summary renders as an empty thread")
}

func TestRoster_OrderAndSearch(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()

	_, err := svc.SendVisitorMessage(ctx, "v1", "Ann", "billing question")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = svc.SendVisitorMessage(ctx, "v2", "Bob", "login issue")
	require.NoError(t, err)
	require.NoError(t, mem.Write(ctx, store.SummaryPath("v3"), store.Fields{"displayName": "Pending"}))

	roster, err := svc.Roster(ctx, "")
	require.NoError(t, err)
	require.Len(t, roster.Conversations, 3)
	assert.Equal(t, "v2", roster.Conversations[0].ConversationID)
	assert.Equal(t, "v1", roster.Conversations[1].ConversationID)
	assert.Equal(t, "v3", roster.Conversations[2].ConversationID)

	filtered, err := svc.Roster(ctx, "BILLING")
	require.NoError(t, err)
	require.Len(t, filtered.Conversations, 1)
	assert.Equal(t, "v1", filtered.Conversations[0].ConversationID)
	assert.Equal(t, 3, filtered.Total)
}
