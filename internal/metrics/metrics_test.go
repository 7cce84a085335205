package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

func TestSetSessionCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetSessionCounts(map[model.ConnectionState]int{model.StateConnected: 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsByState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsByState.WithLabelValues("awaiting_scan")))

	m.SetSessionCounts(map[model.ConnectionState]int{})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsByState.WithLabelValues("connected")))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MessageSent("api", "text", nil)
	m.MessageSent("api", "text", errors.New("x"))
	m.WebhookDelivery("test", "delivered", 10*time.Millisecond)
	m.RateLimitHit("send")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("api", "text", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("api", "text", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("test", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("send")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionEvent("qr")
		m.MessageSent("api", "text", nil)
		m.SetSessionCounts(nil)
		m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	})
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusLabel(204))
	assert.Equal(t, "4xx", statusLabel(429))
	assert.Equal(t, "5xx", statusLabel(503))
}
