package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/middleware"
	"github.com/openclaw/wa-relay-server-go/internal/service"
	"github.com/openclaw/wa-relay-server-go/internal/sse"
)

// EventsHandler streams the caller's session events over SSE.
type EventsHandler struct {
	broker    *sse.Broker
	sessions  *service.SessionManager
	heartbeat time.Duration
}

func NewEventsHandler(broker *sse.Broker, sessions *service.SessionManager) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		sessions:  sessions,
		heartbeat: sse.HeartbeatInterval,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(user.ID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("userId", user.ID).Msg("sse connection established")

	// Current state first so the client does not wait for the next transition.
	snapshot, err := sse.NewEvent("state", h.sessions.Snapshot(user.ID))
	if err == nil {
		err = writeEvent(w, flusher, snapshot)
	}
	if err != nil {
		log.Error().Err(err).Str("userId", user.ID).Msg("failed to send initial sse state")
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("userId", user.ID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("userId", user.ID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := writeEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("userId", user.ID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
