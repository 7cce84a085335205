package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/wa-relay-server-go/internal/middleware"
	"github.com/openclaw/wa-relay-server-go/internal/service"
)

type WebhookHandler struct {
	relay         *service.WebhookRelay
	publicBaseURL string
}

func NewWebhookHandler(relay *service.WebhookRelay, publicBaseURL string) *WebhookHandler {
	return &WebhookHandler{
		relay:         relay,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Routes mounts under /api/webhook. testLimit guards the test delivery.
func (h *WebhookHandler) Routes(testLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/config", h.GetConfig)
	r.Put("/config", h.SetConfig)
	r.Post("/config", h.SetConfig)
	r.With(testLimit).Post("/test", h.Test)

	return r
}

type webhookConfigResponse struct {
	service.WebhookConfigView
	OutgoingWebhookURL string `json:"outgoing_webhook_url"`
	Secret             string `json:"webhook_secret,omitempty"`
}

func (h *WebhookHandler) outgoingURL(userID string) string {
	return h.publicBaseURL + "/webhook/" + userID + "/send"
}

// GET /api/webhook/config
func (h *WebhookHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	view, err := h.relay.GetConfig(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookConfigResponse{
		WebhookConfigView:  view,
		OutgoingWebhookURL: h.outgoingURL(user.ID),
	})
}

// PUT|POST /api/webhook/config
// Every call rotates the secret; the response is the only place it appears.
func (h *WebhookHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req struct {
		WebhookURL *string `json:"webhook_url"`
		Enabled    *bool   `json:"webhook_enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.relay.Configure(r.Context(), user.ID, service.ConfigureInput{
		WebhookURL: req.WebhookURL,
		Enabled:    req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookConfigResponse{
		WebhookConfigView:  result.Config,
		OutgoingWebhookURL: h.outgoingURL(user.ID),
		Secret:             result.Secret,
	})
}

// POST /api/webhook/test
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	result, err := h.relay.Test(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
