package handler

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/openclaw/wa-relay-server-go/internal/config"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/middleware"
	"github.com/openclaw/wa-relay-server-go/internal/service"
	"github.com/openclaw/wa-relay-server-go/internal/util"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
)

const pairingImageSize = 256

type WhatsAppHandler struct {
	sessions *service.SessionManager
}

func NewWhatsAppHandler(sessions *service.SessionManager) *WhatsAppHandler {
	return &WhatsAppHandler{sessions: sessions}
}

// Routes mounts under /api/whatsapp. sendLimit guards the send routes only.
func (h *WhatsAppHandler) Routes(sendLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.Status)
	r.Get("/chats", h.Chats)
	r.Get("/chats/{chatId}/messages", h.Messages)
	r.Post("/logout", h.Logout)

	r.With(sendLimit).Post("/send", h.Send)
	r.With(sendLimit).Post("/send-media", h.SendMedia)

	return r
}

type statusResponse struct {
	*service.StatusResult
	PairingImage string `json:"pairingImage,omitempty"`
}

// GET /api/whatsapp/status
// Creates the user's connection when none exists.
func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	status, err := h.sessions.Status(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statusResponse{StatusResult: status}
	if status.PairingCode != "" {
		image, err := pairingImage(status.PairingCode)
		if err != nil {
			log.Error().Err(err).Str("userId", user.ID).Msg("failed to render pairing code")
			writeError(w, apperrors.Internal("Failed to render pairing code").WithCause(err))
			return
		}
		resp.PairingImage = image
	}

	writeJSON(w, http.StatusOK, resp)
}

func pairingImage(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, pairingImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// GET /api/whatsapp/chats
func (h *WhatsAppHandler) Chats(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	writeJSON(w, http.StatusOK, h.sessions.Chats(r.Context(), user.ID))
}

// GET /api/whatsapp/chats/{chatId}/messages?limit=
func (h *WhatsAppHandler) Messages(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	chatID := chi.URLParam(r, "chatId")

	if !whatsapp.ValidChatID(chatID) {
		writeError(w, apperrors.Validation(apperrors.FieldViolation{Field: "chatId", Message: "must match <digits>@c.us or <digits>@g.us"}))
		return
	}

	page := ParsePagination(r)
	msgs, err := h.sessions.Messages(r.Context(), user.ID, chatID, page.Limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chatId":   chatID,
		"messages": msgs,
	})
}

type sendRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (req *sendRequest) validate() error {
	var v violations
	validateChatID(&v, "chatId", req.ChatID)
	validateText(&v, "message", req.Message)
	return v.err()
}

func validateChatID(v *violations, field, chatID string) {
	switch {
	case chatID == "":
		v.add(field, "is required")
	case !whatsapp.ValidChatID(chatID):
		v.add(field, "must match <digits>@c.us or <digits>@g.us")
	}
}

func validateText(v *violations, field, text string) {
	switch {
	case strings.TrimSpace(text) == "":
		v.add(field, "is required")
	case util.CharLength(text) > config.MaxMessageLength:
		v.add(field, fmt.Sprintf("must be at most %d characters", config.MaxMessageLength))
	}
}

// POST /api/whatsapp/send
func (h *WhatsAppHandler) Send(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	sent, err := h.sessions.SendText(r.Context(), user.ID, req.ChatID, req.Message, "api")
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": sent,
	})
}

type sendMediaRequest struct {
	ChatID    string `json:"chatId"`
	MediaData string `json:"mediaData"`
	MimeType  string `json:"mimeType"`
	Caption   string `json:"caption"`
	Filename  string `json:"filename"`
}

func (req *sendMediaRequest) decode() (whatsapp.OutgoingMedia, error) {
	var v violations
	validateChatID(&v, "chatId", req.ChatID)

	if util.CharLength(req.Caption) > config.MaxMessageLength {
		v.add("caption", fmt.Sprintf("must be at most %d characters", config.MaxMessageLength))
	}

	mimeType := strings.TrimSpace(req.MimeType)
	data := req.MediaData
	// Accept data URLs as produced by FileReader.readAsDataURL.
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(header, ";base64") {
			if mimeType == "" {
				mimeType = strings.TrimSuffix(header, ";base64")
			}
			data = payload
		}
	}

	var raw []byte
	if data == "" {
		v.add("mediaData", "is required")
	} else {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil || len(decoded) == 0 {
			v.add("mediaData", "must be base64 encoded")
		}
		raw = decoded
	}
	if mimeType == "" {
		v.add("mimeType", "is required")
	}

	if err := v.err(); err != nil {
		return whatsapp.OutgoingMedia{}, err
	}
	return whatsapp.OutgoingMedia{Data: raw, MimeType: mimeType, Filename: strings.TrimSpace(req.Filename)}, nil
}

// POST /api/whatsapp/send-media
func (h *WhatsAppHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req sendMediaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	media, err := req.decode()
	if err != nil {
		writeError(w, err)
		return
	}

	sent, err := h.sessions.SendMedia(r.Context(), user.ID, req.ChatID, media, req.Caption)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": sent,
	})
}

// POST /api/whatsapp/logout
func (h *WhatsAppHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	hadSession, err := h.sessions.Teardown(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"hadSession": hadSession,
	})
}

// GET /api/me
func Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.GetUser(r.Context()))
}
