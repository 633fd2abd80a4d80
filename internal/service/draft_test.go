package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-support/internal/llm"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

type fakeLLM struct {
	got  *llm.CompletionRequest
	resp *llm.CompletionResponse
	err  error
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeLLM) Name() string { return "fake" }

func TestDraft_Unavailable(t *testing.T) {
	svc, _ := newTestService()
	d := NewDraftService(svc, nil, "", logger.NewNop())

	assert.False(t, d.Enabled())
	_, err := d.Draft(context.Background(), "v1")
	assert.ErrorIs(t, err, ErrDraftUnavailable)
}

func TestDraft_UsesThreadAndName(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.SendVisitorMessage(ctx, "v1", "Ann", "my login fails")
	require.NoError(t, err)

	fake := &fakeLLM{resp: &llm.CompletionResponse{Content: "Sorry to hear that! Which browser are you using?", Model: "m", TokensIn: 10, TokensOut: 12}}
	d := NewDraftService(svc, fake, "draft-model", logger.NewNop())

	resp, err := d.Draft(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.ConversationID)
	assert.Equal(t, "Sorry to hear that! Which browser are you using?", resp.Text)
	assert.Equal(t, 12, resp.TokensOut)

	require.NotNil(t, fake.got)
	assert.Equal(t, "draft-model", fake.got.Model)
	assert.Contains(t, fake.got.System, "Ann")
	require.Len(t, fake.got.Messages, 1)
	assert.Equal(t, llm.RoleUser, fake.got.Messages[0].Role)
}

func TestDraft_Errors(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	fake := &fakeLLM{err: errors.New("rate limited")}
	d := NewDraftService(svc, fake, "", logger.NewNop())

	_, err := d.Draft(ctx, "v1")
	assert.ErrorIs(t, err, llm.ErrNothingToDraft)

	_, err = svc.SendVisitorMessage(ctx, "v1", "Ann", "hello")
	require.NoError(t, err)
	_, err = d.Draft(ctx, "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
