package audit

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventAuthFailure      EventType = "auth_failure"
	EventWebhookRejected  EventType = "webhook_secret_rejected"
	EventWebhookForbidden EventType = "webhook_disabled_send"
	EventSecretRotated    EventType = "webhook_secret_rotated"
	EventSessionLogout    EventType = "session_logout"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	UserID    string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

// FromRequest fills caller fields from r.
func FromRequest(r *http.Request, eventType EventType, userID string) Event {
	return Event{
		Type:      eventType,
		UserID:    userID,
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// ClientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already applied forwarding headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	ctx := logger.With()
	if event.UserID != "" {
		ctx = ctx.Str("user_id", event.UserID)
	}
	if event.IP != "" {
		ctx = ctx.Str("ip", event.IP)
	}
	if event.UserAgent != "" {
		ctx = ctx.Str("user_agent", event.UserAgent)
	}
	logger = ctx.Logger()

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
