package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/openclaw/wa-relay-server-go/internal/config"
	"github.com/openclaw/wa-relay-server-go/internal/identity"
	"github.com/openclaw/wa-relay-server-go/internal/metrics"
	"github.com/openclaw/wa-relay-server-go/internal/middleware"
	"github.com/openclaw/wa-relay-server-go/internal/service"
	"github.com/openclaw/wa-relay-server-go/internal/sse"
)

type RouterDeps struct {
	Sessions *service.SessionManager
	Relay    *service.WebhookRelay
	Broker   *sse.Broker
	Verifier identity.Verifier
	Limiter  service.Limiter
	Metrics  *metrics.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	PublicBaseURL string
	MaxBodyBytes  int64
	IsProduction  bool
}

func NewRouter(d RouterDeps) chi.Router {
	auth := middleware.NewAuthMiddleware(d.Verifier).
		WithFailureLimit(d.Limiter, config.AuthRateLimit, config.AuthRateWindow, d.Metrics)
	apiLimit := middleware.NewRateLimitMiddleware(
		d.Limiter, middleware.ClassAPI, config.APIRateLimit, config.APIRateWindow, middleware.ByUser, d.Metrics,
	)
	sendLimit := middleware.NewRateLimitMiddleware(
		d.Limiter, middleware.ClassSend, config.SendRateLimit, config.SendRateWindow, middleware.ByUser, d.Metrics,
	)
	webhookUserLimit := middleware.NewRateLimitMiddleware(
		d.Limiter, middleware.ClassWebhook, config.WebhookRateLimit, config.WebhookRateWindow, middleware.ByUser, d.Metrics,
	)
	webhookIPLimit := middleware.NewRateLimitMiddleware(
		d.Limiter, middleware.ClassWebhook, config.WebhookRateLimit, config.WebhookRateWindow, middleware.ByIP, d.Metrics,
	)
	bodyLimit := middleware.NewBodyLimitMiddleware(d.MaxBodyBytes)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(d.IsProduction)

	whatsappHandler := NewWhatsAppHandler(d.Sessions)
	webhookHandler := NewWebhookHandler(d.Relay, d.PublicBaseURL)
	publicHandler := NewPublicHandler(d.Sessions, d.Relay)
	eventsHandler := NewEventsHandler(d.Broker, d.Sessions)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(securityHeaders.Handler)

	r.Get("/health", Health)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Handler)

		// Long-lived stream: no request timeout, no per-request budget.
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(bodyLimit.Handler)
			r.Use(apiLimit.Handler)

			r.Get("/me", Me)
			r.Mount("/whatsapp", whatsappHandler.Routes(sendLimit.Handler))
			r.Mount("/webhook", webhookHandler.Routes(webhookUserLimit.Handler))
		})
	})

	r.With(
		webhookIPLimit.Handler,
		chimiddleware.Timeout(config.ServerRequestTimeout),
		bodyLimit.Handler,
	).Post("/webhook/{userId}/send", publicHandler.Send)

	return r
}
