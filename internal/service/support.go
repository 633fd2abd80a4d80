// Package service provides the write and one-shot read operations of the
// live support platform.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/realtime"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
	"github.com/capitalize-ai/live-support/pkg/tracing"
)

var (
	// ErrNameRequired is returned when a visitor writes without a display name.
	ErrNameRequired = errors.New("display name is required")
	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("message text is required")
	// ErrNotFound is returned when a conversation has no summary.
	ErrNotFound = errors.New("conversation not found")
)

// SupportService performs the writes behind both chat surfaces. A send is
// two independent store writes, the message append and the summary upsert,
// with no transaction between them.
type SupportService struct {
	store  store.Adapter
	logger *logger.Logger
	tracer trace.Tracer
}

// NewSupportService creates a new support service.
func NewSupportService(adapter store.Adapter, log *logger.Logger) *SupportService {
	return &SupportService{
		store:  adapter,
		logger: logger.OrGlobal(log).Named("support"),
		tracer: tracing.Tracer("github.com/capitalize-ai/live-support/internal/service"),
	}
}

func (s *SupportService) start(ctx context.Context, op, conversationID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "support."+op, trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func checkConversation(conversationID string) error {
	if !store.ValidSegment(conversationID) {
		return fmt.Errorf("%w: conversation %q", store.ErrInvalidPath, conversationID)
	}
	return nil
}

// EnsureProfile records the visitor's display name on their summary.
func (s *SupportService) EnsureProfile(ctx context.Context, conversationID, displayName string) error {
	ctx, span := s.start(ctx, "EnsureProfile", conversationID)
	defer span.End()

	if err := checkConversation(conversationID); err != nil {
		return fail(span, err)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return fail(span, ErrNameRequired)
	}

	err := s.store.Write(ctx, store.SummaryPath(conversationID), store.Fields{
		"displayName": name,
		"updatedAt":   store.ServerTimestamp,
		"createdAt":   store.ServerTimestamp,
	})
	if err != nil {
		return fail(span, fmt.Errorf("failed to save profile: %w", err))
	}
	return nil
}

// SendVisitorMessage appends a visitor message and refreshes the summary.
func (s *SupportService) SendVisitorMessage(ctx context.Context, conversationID, displayName, text string) (*model.SendMessageResponse, error) {
	ctx, span := s.start(ctx, "SendVisitorMessage", conversationID)
	defer span.End()

	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, fail(span, ErrNameRequired)
	}
	return s.send(ctx, span, conversationID, model.SenderVisitor, text, store.Fields{"displayName": name})
}

// SendOperatorMessage appends an operator reply and refreshes the summary.
// The visitor's display name is left as is.
func (s *SupportService) SendOperatorMessage(ctx context.Context, conversationID, text string) (*model.SendMessageResponse, error) {
	ctx, span := s.start(ctx, "SendOperatorMessage", conversationID)
	defer span.End()

	return s.send(ctx, span, conversationID, model.SenderOperator, text, nil)
}

func (s *SupportService) send(ctx context.Context, span trace.Span, conversationID string, sender model.Sender, text string, summary store.Fields) (*model.SendMessageResponse, error) {
	if err := checkConversation(conversationID); err != nil {
		return nil, fail(span, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fail(span, ErrEmptyMessage)
	}

	id, err := s.store.Append(ctx, store.MessagesPath(conversationID), store.Fields{
		"text":      text,
		"sender":    string(sender),
		"createdAt": store.ServerTimestamp,
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to append message: %w", err))
	}
	metrics.MessagesTotal.WithLabelValues(string(sender)).Inc()
	span.SetAttributes(attribute.String("message.id", id))

	update := store.Merge(summary, store.Fields{
		"lastMessageText": text,
		"lastMessageAt":   store.ServerTimestamp,
		"updatedAt":       store.ServerTimestamp,
	})
	if err := s.store.Write(ctx, store.SummaryPath(conversationID), update); err != nil {
		// The message is stored; the summary catches up on the next send.
		span.RecordError(err)
		s.logger.Warn("summary update failed after append",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", id),
			zap.Error(err),
		)
	}

	return &model.SendMessageResponse{ConversationID: conversationID, MessageID: id}, nil
}

// DeleteThread removes a conversation's messages and then its summary. A
// failure between the two leaves an orphaned summary, which renders as an
// empty thread.
func (s *SupportService) DeleteThread(ctx context.Context, conversationID string) error {
	ctx, span := s.start(ctx, "DeleteThread", conversationID)
	defer span.End()

	if err := checkConversation(conversationID); err != nil {
		return fail(span, err)
	}
	if err := s.store.Delete(ctx, store.MessagesPath(conversationID)); err != nil {
		return fail(span, fmt.Errorf("failed to delete messages: %w", err))
	}
	if err := s.store.Delete(ctx, store.SummaryPath(conversationID)); err != nil {
		return fail(span, fmt.Errorf("failed to delete summary: %w", err))
	}

	s.logger.Info("thread deleted", zap.String("conversation_id", conversationID))
	return nil
}

// Roster returns the current roster filtered by query.
func (s *SupportService) Roster(ctx context.Context, query string) (*model.ListConversationsResponse, error) {
	snap, err := store.First(ctx, s.store, store.RosterPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	roster := realtime.ProjectRoster(snap)
	return &model.ListConversationsResponse{
		Conversations: model.FilterRoster(roster, query),
		Total:         len(roster),
	}, nil
}

// Summary returns one conversation's summary.
func (s *SupportService) Summary(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	if err := checkConversation(conversationID); err != nil {
		return nil, err
	}
	snap, err := store.First(ctx, s.store, store.SummaryPath(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	roster := realtime.ProjectRoster(snap)
	if len(roster) == 0 {
		return nil, ErrNotFound
	}
	return &roster[0], nil
}

// Thread returns a conversation's ordered messages. A conversation without
// messages is an empty thread, not an error.
func (s *SupportService) Thread(ctx context.Context, conversationID string) (*model.ThreadResponse, error) {
	if err := checkConversation(conversationID); err != nil {
		return nil, err
	}
	snap, err := store.First(ctx, s.store, store.MessagesPattern(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}
	return &model.ThreadResponse{
		ConversationID: conversationID,
		Messages:       realtime.ProjectThread(snap),
	}, nil
}
