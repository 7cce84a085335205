package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/audit"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/identity"
	"github.com/openclaw/wa-relay-server-go/internal/metrics"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/service"
)

type contextKey string

const UserContextKey contextKey = "user"

func GetUser(ctx context.Context) *model.User {
	if user, ok := ctx.Value(UserContextKey).(*model.User); ok {
		return user
	}
	return nil
}

// WithUser stores user in ctx the way the auth middleware does.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

type AuthMiddleware struct {
	verifier identity.Verifier

	failures      service.Limiter
	failureLimit  int
	failureWindow time.Duration
	metrics       *metrics.Metrics
}

func NewAuthMiddleware(verifier identity.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// WithFailureLimit caps failed authentication attempts per client IP. Once
// the budget is spent, further failures answer 429 instead of 401.
func (m *AuthMiddleware) WithFailureLimit(limiter service.Limiter, limit int, window time.Duration, mt *metrics.Metrics) *AuthMiddleware {
	m.failures = limiter
	m.failureLimit = limit
	m.failureWindow = window
	m.metrics = mt
	return m
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			m.reject(w, r, apperrors.Unauthorized("Missing authentication token"), "missing_token")
			return
		}

		user, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrTokenExpired):
				m.reject(w, r, apperrors.TokenExpired(), "expired")
			case errors.Is(err, identity.ErrInvalidToken):
				m.reject(w, r, apperrors.InvalidToken("Invalid token"), "invalid")
			default:
				log.Error().Err(err).Msg("auth middleware: identity provider error")
				writeError(w, apperrors.Internal("Authentication failed").WithCause(err))
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err *apperrors.AppError, reason string) {
	event := audit.FromRequest(r, audit.EventAuthFailure, "")
	event.Details = map[string]interface{}{"reason": reason, "path": r.URL.Path}
	audit.Log(event)

	if m.failures != nil {
		allowed, _, resetAt := m.failures.CheckLimit(r.Context(), "auth:ip:"+event.IP, m.failureLimit, m.failureWindow)
		if !allowed {
			m.metrics.RateLimitHit(ClassAuth)
			setRetryAfter(w, resetAt)
			writeError(w, apperrors.RateLimitExceeded())
			return
		}
	}
	writeError(w, err)
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	// EventSource cannot set headers.
	return r.URL.Query().Get("token")
}
