package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/middleware"
	"github.com/capitalize-ai/live-support/internal/model"
	"github.com/capitalize-ai/live-support/internal/realtime"
	"github.com/capitalize-ai/live-support/internal/service"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/metrics"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 30 * time.Second

// Confirmation raised once when a visitor first grants notifications.
const (
	grantedTitle = "Notifications enabled"
	grantedBody  = "You will receive replies from the agent."
)

// VisitorHandler serves the visitor chat surface. The visitor id bound by
// middleware.Identity is also the conversation id.
type VisitorHandler struct {
	support   *service.SupportService
	store     store.Adapter
	presence  *realtime.Presence
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewVisitorHandler creates a new visitor handler.
func NewVisitorHandler(
	support *service.SupportService,
	adapter store.Adapter,
	presence *realtime.Presence,
	heartbeat time.Duration,
	log *logger.Logger,
) *VisitorHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &VisitorHandler{
		support:   support,
		store:     adapter,
		presence:  presence,
		heartbeat: heartbeat,
		logger:    logger.OrGlobal(log).Named("visitor_handler"),
	}
}

// Session handles GET /api/v1/visitor/session
func (h *VisitorHandler) Session(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := model.SessionResponse{
		VisitorID:   middleware.GetVisitorID(ctx),
		DisplayName: middleware.GetDisplayName(ctx),
	}

	// A visitor who lost the name cookie keeps the name saved with the thread.
	if resp.DisplayName == "" {
		if summary, err := h.support.Summary(ctx, resp.VisitorID); err == nil {
			resp.DisplayName = summary.DisplayName
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Profile handles PUT /api/v1/visitor/profile
func (h *VisitorHandler) Profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitorID := middleware.GetVisitorID(ctx)

	var req model.ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := strings.TrimSpace(req.DisplayName)
	if err := middleware.ValidateDisplayName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.support.EnsureProfile(ctx, visitorID, name); err != nil {
		respondError(w, h.logger, err, visitorID, "failed to save profile")
		return
	}

	middleware.RememberDisplayName(w, name)
	writeJSON(w, http.StatusOK, model.SessionResponse{
		VisitorID:   visitorID,
		DisplayName: name,
	})
}

// Reset handles POST /api/v1/visitor/reset
func (h *VisitorHandler) Reset(w http.ResponseWriter, r *http.Request) {
	middleware.ClearIdentity(w)
	w.WriteHeader(http.StatusNoContent)
}

// Messages handles GET /api/v1/visitor/messages
func (h *VisitorHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitorID := middleware.GetVisitorID(ctx)

	resp, err := h.support.Thread(ctx, visitorID)
	if err != nil {
		respondError(w, h.logger, err, visitorID, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/visitor/messages
// The display name comes from the body when given, else from the identity.
func (h *VisitorHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitorID := middleware.GetVisitorID(ctx)

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(req.DisplayName)
	fromBody := name != ""
	if fromBody {
		if err := middleware.ValidateDisplayName(name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		name = middleware.GetDisplayName(ctx)
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, service.ErrNameRequired.Error())
		return
	}

	resp, err := h.support.SendVisitorMessage(ctx, visitorID, name, req.Text)
	if err != nil {
		respondError(w, h.logger, err, visitorID, "failed to send message")
		return
	}

	if fromBody {
		middleware.RememberDisplayName(w, name)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Presence handles PUT /api/v1/visitor/presence
// Signals apply to the visitor's live stream, so one must be open.
func (h *VisitorHandler) Presence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitorID := middleware.GetVisitorID(ctx)

	var req model.PresenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	surface, fresh := h.presence.Update(visitorID, req.Backgrounded, req.NotificationsGranted)
	if surface == nil {
		writeError(w, http.StatusConflict, "no live stream for this visitor")
		return
	}
	if fresh {
		surface.Notifications.Dispatch(ctx, grantedTitle, grantedBody)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stream handles GET /api/v1/visitor/stream
// Every thread emission goes out as a "messages" event carrying the full
// ordered thread.
func (h *VisitorHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitorID := middleware.GetVisitorID(ctx)
	log := h.logger.WithConversation(visitorID)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The stream outlives the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("could not clear write deadline", zap.Error(err))
	}

	surface, release := h.presence.Acquire(visitorID)
	defer release()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	ctx, cancel := context.WithCancel(ctx)
	session := realtime.NewVisitorSession(h.store, visitorID, surface.Replies, log)
	errc := make(chan error, 1)
	go func() { errc <- session.Run(ctx) }()
	defer func() {
		cancel()
		for range session.Updates() {
		}
	}()

	sendSSEEvent(w, flusher, "connected", model.SessionResponse{
		VisitorID:   visitorID,
		DisplayName: middleware.GetDisplayName(ctx),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return

		case ev, ok := <-session.Updates():
			if !ok {
				if err := <-errc; err != nil {
					log.Warn("visitor stream ended", zap.Error(err))
					sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
						Code:    "stream_lost",
						Message: "Live updates are unavailable",
					})
				}
				return
			}
			if err := sendSSEEvent(w, flusher, "messages", ev); err != nil {
				log.Warn("failed to write messages event", zap.Error(err))
				return
			}

		case n := <-surface.Notifications.C():
			sendSSEEvent(w, flusher, "notification", n)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
