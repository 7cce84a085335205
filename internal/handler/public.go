package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/audit"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/httputil"
	"github.com/openclaw/wa-relay-server-go/internal/service"
	"github.com/openclaw/wa-relay-server-go/internal/util"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
)

// PublicHandler serves the secret-authenticated send endpoint used by
// external systems.
type PublicHandler struct {
	sessions *service.SessionManager
	relay    *service.WebhookRelay
}

func NewPublicHandler(sessions *service.SessionManager, relay *service.WebhookRelay) *PublicHandler {
	return &PublicHandler{sessions: sessions, relay: relay}
}

type publicSendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Secret  string `json:"secret"`
}

// outgoingLog is what gets recorded for a public send. The secret is never
// logged.
type outgoingLog struct {
	To      string `json:"to"`
	ChatID  string `json:"chatId,omitempty"`
	Message string `json:"message"`
}

// POST /webhook/{userId}/send
func (h *PublicHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	// A malformed id is indistinguishable from an unknown user or a wrong secret.
	if !util.IsValidUserID(userID) {
		audit.Log(audit.FromRequest(r, audit.EventWebhookRejected, ""))
		writeError(w, service.ErrInvalidWebhookCredentials())
		return
	}

	var req publicSendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.relay.VerifySecret(r.Context(), userID, req.Secret); err != nil {
		eventType := audit.EventWebhookRejected
		if apperrors.GetCode(err) == apperrors.ErrCodeForbidden {
			eventType = audit.EventWebhookForbidden
		}
		audit.Log(audit.FromRequest(r, eventType, userID))
		writeError(w, err)
		return
	}

	chatID := whatsapp.NormalizeRecipient(req.To)
	entry := outgoingLog{To: req.To, ChatID: chatID, Message: req.Message}

	var v violations
	switch {
	case req.To == "":
		v.add("to", "is required")
	case !whatsapp.ValidChatID(chatID):
		v.add("to", "must be a phone number or <digits>@c.us / <digits>@g.us")
	}
	validateText(&v, "message", req.Message)
	if err := v.err(); err != nil {
		h.relay.LogOutgoing(r.Context(), userID, entry, strconv.Itoa(http.StatusBadRequest), "validation failed")
		writeError(w, err)
		return
	}

	sent, err := h.sessions.SendText(r.Context(), userID, chatID, req.Message, "webhook")
	if err != nil {
		status := http.StatusInternalServerError
		if appErr, ok := apperrors.AsAppError(err); ok {
			status = httputil.StatusFromCode(appErr.Code)
		}
		h.relay.LogOutgoing(r.Context(), userID, entry, strconv.Itoa(status), err.Error())
		writeError(w, err)
		return
	}

	h.relay.LogOutgoing(r.Context(), userID, entry, strconv.Itoa(http.StatusOK), "sent "+sent.ID)
	log.Info().Str("userId", userID).Str("chatId", chatID).Msg("public webhook send dispatched")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": sent.ID,
		"chatId":    chatID,
	})
}
