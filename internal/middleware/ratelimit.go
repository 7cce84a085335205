package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/audit"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/metrics"
	"github.com/openclaw/wa-relay-server-go/internal/service"
)

// Rate limit classes. Each class has its own budget.
const (
	ClassAuth    = "auth"
	ClassAPI     = "api"
	ClassSend    = "send"
	ClassWebhook = "webhook"
)

// KeyFunc picks the caller identity a budget is charged to.
type KeyFunc func(r *http.Request) string

// ByUser charges the authenticated user, falling back to the client IP.
func ByUser(r *http.Request) string {
	if user := GetUser(r.Context()); user != nil {
		return "user:" + user.ID
	}
	return ByIP(r)
}

func ByIP(r *http.Request) string {
	return "ip:" + audit.ClientIP(r)
}

type RateLimitMiddleware struct {
	limiter service.Limiter
	class   string
	limit   int
	window  time.Duration
	key     KeyFunc
	metrics *metrics.Metrics
}

func NewRateLimitMiddleware(
	limiter service.Limiter,
	class string,
	limit int,
	window time.Duration,
	key KeyFunc,
	m *metrics.Metrics,
) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		class:   class,
		limit:   limit,
		window:  window,
		key:     key,
		metrics: m,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := m.key(r)
		allowed, remaining, resetAt := m.limiter.CheckLimit(r.Context(), m.class+":"+caller, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			log.Warn().Str("class", m.class).Str("caller", caller).Msg("rate limit exceeded")
			m.metrics.RateLimitHit(m.class)

			event := audit.FromRequest(r, audit.EventRateLimitExceed, "")
			if user := GetUser(r.Context()); user != nil {
				event.UserID = user.ID
			}
			event.Details = map[string]interface{}{"class": m.class, "path": r.URL.Path}
			audit.Log(event)

			setRetryAfter(w, resetAt)
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRetryAfter(w http.ResponseWriter, resetAt time.Time) {
	seconds := int(time.Until(resetAt).Seconds()) + 1
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
