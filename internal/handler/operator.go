package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/middleware"
	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/notify"
	"github.com/capitalize-ai/live-support/internal/realtime"
	"github.com/capitalize-ai/live-support/internal/service"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 8 << 10

	inboxNotificationBuffer = 8
	inboxErrorBuffer        = 4
)

var errBadFrame = errors.New("bad frame")

// OperatorHandler serves the operator inbox: one live websocket engine per
// connection plus plain HTTP reads and writes.
type OperatorHandler struct {
	support  *service.SupportService
	drafts   *service.DraftService
	store    store.Adapter
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewOperatorHandler creates a new operator handler.
func NewOperatorHandler(
	support *service.SupportService,
	drafts *service.DraftService,
	adapter store.Adapter,
	log *logger.Logger,
) *OperatorHandler {
	return &OperatorHandler{
		support: support,
		drafts:  drafts,
		store:   adapter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operators are not authenticated; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.OrGlobal(log).Named("operator_handler"),
	}
}

// Inbox handles GET /api/v1/operator/inbox
func (h *OperatorHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.InboxConnectionsActive.Inc()
	defer metrics.InboxConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))
	queue := notify.NewQueue(inboxNotificationBuffer)
	s := &inboxConn{
		conn:   conn,
		inbox:  realtime.NewInbox(h.store, realtime.NewViewState(), queue, log),
		queue:  queue,
		errs:   make(chan model.ErrorEvent, inboxErrorBuffer),
		logger: log,
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.inbox.Run(ctx) }()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(runErr)
		cancel()
		conn.Close()
	}()

	log.Info("operator connected")
	s.readPump(ctx)

	cancel()
	<-writerDone
	conn.Close()
	log.Info("operator disconnected")
}

// inboxConn pairs one websocket with its inbox engine. Only writePump writes
// to the socket.
type inboxConn struct {
	conn   *websocket.Conn
	inbox  *realtime.Inbox
	queue  *notify.Queue
	errs   chan model.ErrorEvent
	logger *logger.Logger
}

// readPump applies client frames until the socket fails or closes.
func (s *inboxConn) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("inbox read failed", zap.Error(err))
			}
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.report("bad_frame", "frame is not valid JSON")
			continue
		}

		err = s.apply(ctx, frame)
		switch {
		case err == nil:
		case errors.Is(err, realtime.ErrInboxClosed), ctx.Err() != nil:
			return
		case errors.Is(err, errBadFrame):
			s.report("bad_frame", err.Error())
		case errors.Is(err, realtime.ErrUnknownConversation):
			s.report("unknown_conversation", err.Error())
		default:
			s.logger.Error("inbox command failed", zap.String("frame", string(frame.Type)), zap.Error(err))
			s.report("internal", "command failed")
		}
	}
}

func (s *inboxConn) apply(ctx context.Context, frame model.Frame) error {
	switch frame.Type {
	case model.FrameOpen:
		var p model.OpenPayload
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		if err := middleware.ValidateConversationID(p.ConversationID); err != nil {
			return fmt.Errorf("%w: %v", errBadFrame, err)
		}
		return s.inbox.Open(ctx, p.ConversationID)

	case model.FrameCloseThread:
		return s.inbox.CloseThread(ctx)

	case model.FrameVisibility:
		var p model.VisibilityPayload
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		s.inbox.SetBackgrounded(p.Backgrounded)
		return nil

	case model.FramePermission:
		var p model.PermissionPayload
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		s.queue.SetPermission(p.Granted)
		return nil

	case model.FrameSearch:
		var p model.SearchPayload
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		if err := middleware.ValidateSearchQuery(p.Query); err != nil {
			return fmt.Errorf("%w: %v", errBadFrame, err)
		}
		return s.inbox.Search(ctx, p.Query)

	default:
		return fmt.Errorf("%w: unknown type %q", errBadFrame, frame.Type)
	}
}

func decodePayload(frame model.Frame, v interface{}) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%w: %s needs a payload", errBadFrame, frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errBadFrame, frame.Type, err)
	}
	return nil
}

// report queues an error frame, dropping it if the writer is behind.
func (s *inboxConn) report(code, message string) {
	select {
	case s.errs <- model.ErrorEvent{Code: code, Message: message}:
	default:
	}
}

// writePump forwards engine updates, notifications and errors until the
// engine stops or a write fails.
func (s *inboxConn) writePump(runErr <-chan error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case u, ok := <-s.inbox.Updates():
			if !ok {
				if stopErr := <-runErr; stopErr != nil {
					s.logger.Warn("inbox stopped", zap.Error(stopErr))
					s.write(model.FrameError, model.ErrorEvent{
						Code:    "inbox_lost",
						Message: "Live inbox is unavailable",
					})
				}
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if u.Roster != nil {
				err = s.write(model.FrameRoster, u.Roster)
			} else if u.Thread != nil {
				err = s.write(model.FrameThread, u.Thread)
			}

		case n := <-s.queue.C():
			err = s.write(model.FrameNotification, n)

		case e := <-s.errs:
			err = s.write(model.FrameError, e)

		case <-ticker.C:
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}

		if err != nil {
			s.logger.Debug("inbox write failed", zap.Error(err))
			return
		}
	}
}

func (s *inboxConn) write(t model.FrameType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(model.Frame{Type: t, Payload: data})
}

// Threads handles GET /api/v1/operator/threads
// Supports ?q= to filter by name, id or last message.
func (h *OperatorHandler) Threads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query().Get("q")

	if err := middleware.ValidateSearchQuery(query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.support.Roster(ctx, query)
	if err != nil {
		respondError(w, h.logger, err, "", "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// conversationID reads and validates the {id} route parameter.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Thread handles GET /api/v1/operator/threads/{id}
func (h *OperatorHandler) Thread(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	resp, err := h.support.Thread(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err, id, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Reply handles POST /api/v1/operator/threads/{id}/messages
func (h *OperatorHandler) Reply(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.support.SendOperatorMessage(r.Context(), id, req.Text)
	if err != nil {
		respondError(w, h.logger, err, id, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// Delete handles DELETE /api/v1/operator/threads/{id}
func (h *OperatorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.support.DeleteThread(r.Context(), id); err != nil {
		respondError(w, h.logger, err, id, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Draft handles POST /api/v1/operator/threads/{id}/draft
// The suggestion is returned to the operator and never sent.
func (h *OperatorHandler) Draft(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	resp, err := h.drafts.Draft(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err, id, "failed to draft reply")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
