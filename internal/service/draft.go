package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/llm"
	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

// ErrDraftUnavailable is returned when no LLM provider is configured.
var ErrDraftUnavailable = errors.New("reply drafting is not configured")

// DraftService suggests operator replies. Drafts are returned to the
// operator and never sent.
type DraftService struct {
	support *SupportService
	client  llm.Client
	model   string
	logger  *logger.Logger
}

// NewDraftService creates a draft service. client may be nil.
func NewDraftService(support *SupportService, client llm.Client, modelName string, log *logger.Logger) *DraftService {
	return &DraftService{
		support: support,
		client:  client,
		model:   modelName,
		logger:  logger.OrGlobal(log).Named("draft"),
	}
}

// Enabled reports whether a provider is configured.
func (s *DraftService) Enabled() bool {
	return s.client != nil
}

// Draft asks the provider for the operator's next reply in a conversation.
func (s *DraftService) Draft(ctx context.Context, conversationID string) (*model.DraftReplyResponse, error) {
	if s.client == nil {
		return nil, ErrDraftUnavailable
	}

	thread, err := s.support.Thread(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var name string
	if summary, err := s.support.Summary(ctx, conversationID); err == nil {
		name = summary.DisplayName
	}

	req, err := llm.DraftPrompt(thread.Messages, name)
	if err != nil {
		return nil, err
	}
	req.Model = s.model

	provider := s.client.Name()
	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		metrics.DraftsTotal.WithLabelValues(provider, "error").Inc()
		s.logger.Warn("draft failed",
			zap.String("provider", provider),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to draft reply: %w", err)
	}
	metrics.DraftsTotal.WithLabelValues(provider, "success").Inc()

	return &model.DraftReplyResponse{
		ConversationID: conversationID,
		Text:           resp.Content,
		Model:          resp.Model,
		TokensIn:       resp.TokensIn,
		TokensOut:      resp.TokensOut,
		LatencyMs:      resp.LatencyMs,
	}, nil
}
