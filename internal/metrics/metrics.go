package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// SessionsByState is refreshed from the registry on every transition.
	// Labels: state
	SessionsByState *prometheus.GaugeVec

	// SessionEvents counts capability events applied to sessions.
	// Labels: type (qr|ready|auth_failure|disconnected|message)
	SessionEvents *prometheus.CounterVec

	// WebhookDeliveries counts relay attempts.
	// Labels: event, outcome (delivered|rejected|failed)
	WebhookDeliveries *prometheus.CounterVec

	// WebhookDeliveryDuration measures outbound webhook POST latency.
	WebhookDeliveryDuration prometheus.Histogram

	// MessagesSent counts outbound sends.
	// Labels: source (api|webhook), kind (text|media), status (success|error)
	MessagesSent *prometheus.CounterVec

	// RateLimited counts rejected requests per limiter class.
	// Labels: class
	RateLimited *prometheus.CounterVec

	// HTTPRequestDuration measures API latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wa_relay_sessions",
				Help: "Live sessions in the registry by connection state",
			},
			[]string{"state"},
		),
		SessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_relay_session_events_total",
				Help: "Connection capability events applied to sessions",
			},
			[]string{"type"},
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_relay_webhook_deliveries_total",
				Help: "Webhook delivery attempts by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		WebhookDeliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wa_relay_webhook_delivery_duration_seconds",
				Help:    "Duration of outbound webhook requests in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_relay_messages_sent_total",
				Help: "Outbound WhatsApp messages by source, kind and status",
			},
			[]string{"source", "kind", "status"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_relay_rate_limited_total",
				Help: "Requests rejected by a rate limiter class",
			},
			[]string{"class"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wa_relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

var allStates = []model.ConnectionState{
	model.StateUninitialized,
	model.StateAwaitingScan,
	model.StateConnected,
	model.StateDisconnected,
	model.StateAuthenticationFailed,
}

// SetSessionCounts overwrites the per-state gauge, zeroing absent states.
func (m *Metrics) SetSessionCounts(counts map[model.ConnectionState]int) {
	if m == nil {
		return
	}
	for _, state := range allStates {
		m.SessionsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (m *Metrics) SessionEvent(eventType string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) WebhookDelivery(event, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(event, outcome).Inc()
	m.WebhookDeliveryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) MessageSent(source, kind string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MessagesSent.WithLabelValues(source, kind, status).Inc()
}

func (m *Metrics) RateLimitHit(class string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusLabel(status)).Observe(elapsed.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
