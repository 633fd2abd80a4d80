// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/live-support/internal/store"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// VisitorIDKey is the context key for the visitor id.
	VisitorIDKey ContextKey = "visitor_id"
	// DisplayNameKey is the context key for the visitor display name.
	DisplayNameKey ContextKey = "display_name"
)

// Identity headers and cookies. Headers win over cookies.
const (
	VisitorIDHeader   = "X-Visitor-ID"
	VisitorNameHeader = "X-Visitor-Name"
	VisitorIDCookie   = "chat_user_id"
	VisitorNameCookie = "chat_user_name"

	identityMaxAge = 365 * 24 * time.Hour
)

// Identity resolves the visitor behind a request. A request without a usable
// visitor id gets a freshly minted one, persisted in a cookie so the same
// browser keeps its thread.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		visitorID := r.Header.Get(VisitorIDHeader)
		if visitorID == "" {
			if c, err := r.Cookie(VisitorIDCookie); err == nil {
				visitorID = c.Value
			}
		}
		if !store.ValidSegment(visitorID) {
			visitorID = uuid.NewString()
			setCookie(w, VisitorIDCookie, visitorID)
		}

		name := r.Header.Get(VisitorNameHeader)
		if name == "" {
			if c, err := r.Cookie(VisitorNameCookie); err == nil {
				name, _ = url.QueryUnescape(c.Value)
			}
		}

		ctx := context.WithValue(r.Context(), VisitorIDKey, visitorID)
		ctx = context.WithValue(ctx, DisplayNameKey, strings.TrimSpace(name))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(identityMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// RememberDisplayName stores the visitor's display name for later requests.
func RememberDisplayName(w http.ResponseWriter, name string) {
	setCookie(w, VisitorNameCookie, url.QueryEscape(name))
}

// ClearIdentity forgets the visitor. The next request mints a new id and so
// starts a new conversation.
func ClearIdentity(w http.ResponseWriter) {
	for _, name := range []string{VisitorIDCookie, VisitorNameCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// GetVisitorID gets the visitor id from context.
func GetVisitorID(ctx context.Context) string {
	if v, ok := ctx.Value(VisitorIDKey).(string); ok {
		return v
	}
	return ""
}

// GetDisplayName gets the visitor display name from context.
func GetDisplayName(ctx context.Context) string {
	if v, ok := ctx.Value(DisplayNameKey).(string); ok {
		return v
	}
	return ""
}
