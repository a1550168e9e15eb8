package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
)

var (
	AppEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_app_events_total",
			Help: "Application events emitted on the event bus",
		},
		[]string{"type"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_webhook_events_total",
			Help: "Inbound Kit webhook events by event name and result",
		},
		[]string{"event", "result"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
		[]string{"route"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "status"},
	)

	PendingDeletionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_pending_deletions_swept_total",
			Help: "Expired deletion tokens removed by the sweeper",
		},
	)
)

// EventCounter is an event bus subscriber counting events by type.
func EventCounter() events.Handler {
	return func(_ context.Context, ev events.Event) {
		AppEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}
