// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ThreadSubscriptionsActive tracks open thread streams across all inboxes.
	ThreadSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thread_subscriptions_active",
			Help: "Number of open thread subscriptions",
		},
	)

	// ThreadSubscriptionChanges counts subscription opens and closes.
	ThreadSubscriptionChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thread_subscription_changes_total",
			Help: "Thread subscriptions opened and closed by reconciliation",
		},
		[]string{"change"},
	)

	// UnreadIncrements counts unread counter increments.
	UnreadIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unread_increments_total",
			Help: "Unread counter increments for inbound visitor messages",
		},
	)

	// Notifications tracks notification requests by side and outcome.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Desktop notification requests",
		},
		[]string{"side", "outcome"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// InboxConnectionsActive tracks active operator inbox sockets.
	InboxConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_connections_active",
			Help: "Number of active operator inbox websocket connections",
		},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"sender"},
	)

	// StoreErrors counts failed store operations.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Failed realtime store operations",
		},
		[]string{"op"},
	)

	// DraftsTotal counts reply drafting requests.
	DraftsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_drafts_total",
			Help: "Operator reply drafts requested from the LLM provider",
		},
		[]string{"provider", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSubscriptionOpened records a thread stream being opened.
func RecordSubscriptionOpened() {
	ThreadSubscriptionsActive.Inc()
	ThreadSubscriptionChanges.WithLabelValues("opened").Inc()
}

// RecordSubscriptionClosed records a thread stream being closed.
func RecordSubscriptionClosed() {
	ThreadSubscriptionsActive.Dec()
	ThreadSubscriptionChanges.WithLabelValues("closed").Inc()
}

// RecordNotification records a notification request outcome.
func RecordNotification(side string, delivered bool) {
	outcome := "suppressed"
	if delivered {
		outcome = "delivered"
	}
	Notifications.WithLabelValues(side, outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
