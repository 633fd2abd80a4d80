// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/llm"
	"github.com/capitalize-ai/live-support/internal/service"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a JSON request body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps service errors to response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidPath),
		errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrNameRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrNothingToDraft):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrDraftUnavailable),
		errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the status mapped from err. Unexpected failures are
// logged and reported with message; known ones carry the underlying reason.
func respondError(w http.ResponseWriter, log *logger.Logger, err error, conversationID, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(message, zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, status, message)
		return
	}
	writeError(w, status, rootCause(err).Error())
}

// rootCause strips wrapping context from client-facing errors.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
