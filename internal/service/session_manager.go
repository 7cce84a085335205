package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/wa-relay-server-go/internal/audit"
	"github.com/openclaw/wa-relay-server-go/internal/config"
	"github.com/openclaw/wa-relay-server-go/internal/database"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/metrics"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/repository"
	"github.com/openclaw/wa-relay-server-go/internal/session"
	"github.com/openclaw/wa-relay-server-go/internal/sse"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
)

const (
	initializeTimeout = 60 * time.Second
	persistTimeout    = 5 * time.Second
	destroyTimeout    = 10 * time.Second

	// StaleSessionReason is recorded on rows left connected by a previous
	// process.
	StaleSessionReason = "process restarted"
)

var ErrShuttingDown = errors.New("session manager is shutting down")

// Transactor runs fn in a single database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// EventPublisher pushes session events to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, userID string, event sse.Event) error
}

type StatusResult struct {
	State       model.ConnectionState `json:"state"`
	Ready       bool                  `json:"ready"`
	PairingCode string                `json:"-"`
	PushName    string                `json:"pushName,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

type ChatsResult struct {
	Chats     []model.ChatSummary `json:"chats"`
	Connected bool                `json:"connected"`
}

// SessionManager owns every user's connection and its state machine.
// Capability events for a user are applied one at a time by that session's
// event loop while holding the registry's per-user lock, which also guards
// creation and teardown. lifecycle orders creation against Shutdown: creators
// hold it shared, Shutdown exclusively.
type SessionManager struct {
	registry *session.Registry
	factory  whatsapp.Factory
	store    repository.WhatsAppSessionRepository
	tx       Transactor
	relay    *WebhookRelay
	events   EventPublisher
	metrics  *metrics.Metrics

	teardownDelay time.Duration

	lifecycle sync.RWMutex
	closing   bool
	loops     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[*session.Session]*time.Timer
	destroys  sync.WaitGroup
}

func NewSessionManager(
	registry *session.Registry,
	factory whatsapp.Factory,
	store repository.WhatsAppSessionRepository,
	tx Transactor,
	relay *WebhookRelay,
	events EventPublisher,
	m *metrics.Metrics,
	teardownDelay time.Duration,
) *SessionManager {
	return &SessionManager{
		registry:      registry,
		factory:       factory,
		store:         store,
		tx:            tx,
		relay:         relay,
		events:        events,
		metrics:       m,
		teardownDelay: teardownDelay,
		pending:       make(map[*session.Session]*time.Timer),
	}
}

// EnsureConnection returns the user's session, creating and starting a new
// connection when none is registered. Initialization runs in the background.
func (m *SessionManager) EnsureConnection(ctx context.Context, userID string) (*session.Session, error) {
	m.lifecycle.RLock()
	s, created, err := m.registry.GetOrCreate(userID, func() (*session.Session, error) {
		if m.closing {
			return nil, ErrShuttingDown
		}
		s := session.New(userID)
		client, err := m.factory.New(ctx, userID, s.Enqueue)
		if err != nil {
			return nil, err
		}
		s.Attach(client)
		return s, nil
	})
	if created {
		// Registered before Shutdown can take its snapshot.
		m.loops.Add(1)
		go m.run(s)
	}
	m.lifecycle.RUnlock()
	if err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return nil, apperrors.NotConnected().WithCause(err)
		}
		log.Error().Err(err).Str("userId", userID).Msg("Failed to create WhatsApp client")
		return nil, apperrors.External("whatsapp", err)
	}

	if created {
		log.Info().Str("userId", userID).Msg("Session created")
		if _, err := m.relay.Load(ctx, userID); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("Failed to preload webhook config")
		}
		go m.initialize(s)
		m.refreshGauge()
	}
	return s, nil
}

func (m *SessionManager) initialize(s *session.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("userId", s.UserID).Msg("Session initialization panicked")
			s.Enqueue(whatsapp.Event{Type: whatsapp.EventDisconnected, Reason: "initialization failed"})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), initializeTimeout)
	defer cancel()

	if err := s.Client().Initialize(ctx); err != nil {
		log.Error().Err(err).Str("userId", s.UserID).Msg("Failed to initialize WhatsApp client")
		s.Enqueue(whatsapp.Event{
			Type:   whatsapp.EventDisconnected,
			Reason: fmt.Sprintf("initialization failed: %v", err),
		})
	}
}

// run is the session's single mutation entry point for capability events.
func (m *SessionManager) run(s *session.Session) {
	defer m.loops.Done()
	for {
		select {
		case <-s.Done():
			return
		case evt := <-s.Events():
			m.dispatch(s, evt)
		}
	}
}

func (m *SessionManager) dispatch(s *session.Session, evt whatsapp.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("userId", s.UserID).
				Str("event", string(evt.Type)).
				Msg("Session event handler panicked")
		}
	}()

	unlock := m.registry.Lock(s.UserID)
	defer unlock()

	// Teardown may have run while this event was queued.
	if s.Closed() {
		return
	}
	m.apply(s, evt)
	m.metrics.SessionEvent(string(evt.Type))
	m.refreshGauge()
}

func (m *SessionManager) apply(s *session.Session, evt whatsapp.Event) {
	userID := s.UserID
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch evt.Type {
	case whatsapp.EventQR:
		s.SetAwaitingScan(evt.QRCode)
		log.Info().Str("userId", userID).Msg("Pairing code issued")
		m.publish(ctx, userID, "qr", map[string]string{"state": string(model.StateAwaitingScan)})

	case whatsapp.EventReady:
		s.SetConnected(evt.JID, evt.PushName)
		log.Info().Str("userId", userID).Str("pushName", evt.PushName).Msg("Session connected")
		m.refreshChats(ctx, s)

		if err := m.store.MarkConnected(ctx, model.MarkConnectedParams{
			UserID:      userID,
			DeviceJID:   evt.JID,
			PhoneNumber: phoneFromJID(evt.JID),
			PushName:    evt.PushName,
		}); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("Failed to persist connected state")
		}
		m.relay.DeliverAsync(userID, model.NewWebhookEvent(model.EventConnected, map[string]string{
			"phoneNumber": phoneFromJID(evt.JID),
			"pushName":    evt.PushName,
		}))
		m.publishState(ctx, s)

	case whatsapp.EventDisconnected:
		s.SetDisconnected(evt.Reason)
		log.Warn().Str("userId", userID).Str("reason", evt.Reason).Msg("Session disconnected")
		m.persistDisconnected(ctx, userID, evt.Reason)
		m.relay.DeliverAsync(userID, model.NewWebhookEvent(model.EventDisconnected, map[string]string{
			"reason": evt.Reason,
		}))
		m.publishState(ctx, s)

	case whatsapp.EventAuthFailure:
		s.SetAuthFailed(evt.Reason)
		log.Warn().Str("userId", userID).Str("reason", evt.Reason).Msg("Session authentication failed")
		m.persistDisconnected(ctx, userID, "auth_failure: "+evt.Reason)
		m.relay.DeliverAsync(userID, model.NewWebhookEvent(model.EventAuthFailure, map[string]string{
			"reason": evt.Reason,
		}))
		m.publishState(ctx, s)

	case whatsapp.EventMessage:
		if evt.Message == nil {
			return
		}
		m.refreshChats(ctx, s)
		if !evt.Message.FromMe {
			m.relay.DeliverAsync(userID, model.NewWebhookEvent(model.EventMessageReceived, evt.Message.ToEventData()))
		}
		m.publish(ctx, userID, "message", evt.Message)

	default:
		log.Debug().Str("userId", userID).Str("event", string(evt.Type)).Msg("Ignoring unknown session event")
	}
}

func (m *SessionManager) refreshChats(ctx context.Context, s *session.Session) {
	chats, err := s.Client().Chats(ctx)
	if err != nil {
		log.Warn().Err(err).Str("userId", s.UserID).Msg("Failed to refresh chats")
		return
	}
	s.SetChats(chats)
	m.publish(ctx, s.UserID, "chats", map[string]int{"count": len(chats)})
}

func (m *SessionManager) persistDisconnected(ctx context.Context, userID, reason string) {
	if err := m.store.MarkDisconnected(ctx, userID, reason); err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to persist disconnected state")
	}
}

func (m *SessionManager) publishState(ctx context.Context, s *session.Session) {
	snap := s.Snapshot()
	m.publish(ctx, s.UserID, "state", map[string]any{
		"state":  snap.State,
		"ready":  snap.State == model.StateConnected,
		"reason": snap.Reason,
	})
}

func (m *SessionManager) publish(ctx context.Context, userID, eventType string, data any) {
	if m.events == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to encode session event")
		return
	}
	if err := m.events.Publish(ctx, userID, event); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("type", eventType).Msg("Failed to publish session event")
	}
}

func (m *SessionManager) refreshGauge() {
	m.metrics.SetSessionCounts(m.registry.CountByState())
}

// Teardown logs the user out and forgets the session. The registry entry is
// removed before anything else so no request can observe the stale handle;
// the handle itself is destroyed after a short delay. The stored device is
// only forgotten once the logout itself succeeded.
func (m *SessionManager) Teardown(ctx context.Context, userID string) (bool, error) {
	unlock := m.registry.Lock(userID)
	defer unlock()

	s, ok := m.registry.Remove(userID)
	loggedOut := false
	if ok {
		s.Close()
		if err := s.Client().Logout(ctx); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("Logout failed, keeping stored device")
		} else {
			loggedOut = true
		}
		m.scheduleDestroy(s)
	}

	err := m.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		store := m.store.WithTx(tx)
		if err := store.MarkDisconnected(ctx, userID, "logout"); err != nil {
			return fmt.Errorf("mark disconnected: %w", err)
		}
		if !loggedOut {
			return nil
		}
		if err := store.ClearDevice(ctx, userID); err != nil {
			return fmt.Errorf("clear device: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to persist logout")
	}

	audit.Log(audit.Event{Type: audit.EventSessionLogout, UserID: userID, Details: map[string]interface{}{
		"had_session": ok,
		"logged_out":  loggedOut,
	}})
	m.publish(ctx, userID, "state", map[string]any{"state": model.StateUninitialized, "ready": false})
	m.refreshGauge()
	return ok, nil
}

func (m *SessionManager) scheduleDestroy(s *session.Session) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	m.destroys.Add(1)
	m.pending[s] = time.AfterFunc(m.teardownDelay, func() {
		defer m.destroys.Done()

		m.pendingMu.Lock()
		_, still := m.pending[s]
		delete(m.pending, s)
		m.pendingMu.Unlock()
		// Shutdown took it over.
		if !still {
			return
		}
		m.destroy(s)
	})
}

func (m *SessionManager) destroy(s *session.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("userId", s.UserID).Msg("Session destroy panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := s.Destroy(ctx); err != nil {
		log.Warn().Err(err).Str("userId", s.UserID).Msg("Failed to destroy WhatsApp client")
		return
	}
	log.Debug().Str("userId", s.UserID).Msg("Session destroyed")
}

// Status returns the user's connection state, creating a connection when
// none exists.
func (m *SessionManager) Status(ctx context.Context, userID string) (*StatusResult, error) {
	s, err := m.EnsureConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := statusOf(s.Snapshot())
	return &status, nil
}

// Snapshot reports the user's state without creating a connection.
func (m *SessionManager) Snapshot(userID string) StatusResult {
	s, ok := m.registry.Get(userID)
	if !ok {
		return StatusResult{State: model.StateUninitialized}
	}
	return statusOf(s.Snapshot())
}

func statusOf(snap session.Snapshot) StatusResult {
	return StatusResult{
		State:       snap.State,
		Ready:       snap.State == model.StateConnected,
		PairingCode: snap.PairingCode,
		PushName:    snap.PushName,
		Reason:      snap.Reason,
	}
}

// Chats returns the cached chat list. No connection is created.
func (m *SessionManager) Chats(_ context.Context, userID string) ChatsResult {
	s, ok := m.registry.Get(userID)
	if !ok {
		return ChatsResult{Chats: []model.ChatSummary{}}
	}
	snap := s.Snapshot()
	connected := snap.State == model.StateConnected
	if !connected || snap.Chats == nil {
		return ChatsResult{Chats: []model.ChatSummary{}, Connected: connected}
	}
	return ChatsResult{Chats: snap.Chats, Connected: true}
}

func (m *SessionManager) connected(userID string) (*session.Session, error) {
	s, ok := m.registry.Get(userID)
	if !ok || s.State() != model.StateConnected {
		return nil, apperrors.NotConnected()
	}
	return s, nil
}

// Messages returns up to limit recent messages of chatID. limit is clamped to
// (0, RecentMessageLimit].
func (m *SessionManager) Messages(ctx context.Context, userID, chatID string, limit int) ([]model.Message, error) {
	s, err := m.connected(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > config.RecentMessageLimit {
		limit = config.RecentMessageLimit
	}
	msgs, err := s.Client().Messages(ctx, chatID, limit)
	if err != nil {
		return nil, capabilityError(userID, "list messages", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// SendText sends a message on behalf of userID. source labels metrics.
func (m *SessionManager) SendText(ctx context.Context, userID, chatID, text, source string) (*model.SentMessage, error) {
	s, err := m.connected(userID)
	if err != nil {
		return nil, err
	}
	sent, err := s.Client().SendText(ctx, chatID, text)
	m.metrics.MessageSent(source, "text", err)
	if err != nil {
		return nil, capabilityError(userID, "send message", err)
	}
	log.Info().Str("userId", userID).Str("chatId", chatID).Str("source", source).Msg("Message sent")
	return sent, nil
}

func (m *SessionManager) SendMedia(ctx context.Context, userID, chatID string, media whatsapp.OutgoingMedia, caption string) (*model.SentMessage, error) {
	s, err := m.connected(userID)
	if err != nil {
		return nil, err
	}
	sent, err := s.Client().SendMedia(ctx, chatID, media, caption)
	m.metrics.MessageSent("api", "media", err)
	if err != nil {
		return nil, capabilityError(userID, "send media", err)
	}
	log.Info().Str("userId", userID).Str("chatId", chatID).Str("mimeType", media.MimeType).Msg("Media sent")
	return sent, nil
}

// IsLive reports whether userID has a registered session.
func (m *SessionManager) IsLive(userID string) bool {
	_, ok := m.registry.Get(userID)
	return ok
}

// MarkStaleDisconnected marks userID's row disconnected unless a session is
// registered. The check and the write hold the user's lock, so a connect
// that starts meanwhile persists its state after this write.
func (m *SessionManager) MarkStaleDisconnected(ctx context.Context, userID string) (bool, error) {
	unlock := m.registry.Lock(userID)
	defer unlock()

	if _, ok := m.registry.Get(userID); ok {
		return false, nil
	}
	if err := m.store.MarkDisconnected(ctx, userID, StaleSessionReason); err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown destroys every live and pending session concurrently, bounded by
// ctx. Individual failures are logged.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	m.closing = true
	var targets []*session.Session
	for _, s := range m.registry.All() {
		if m.registry.RemoveIf(s.UserID, s) {
			s.Close()
			targets = append(targets, s)
		}
	}
	m.lifecycle.Unlock()

	m.pendingMu.Lock()
	for s, timer := range m.pending {
		// A timer that already fired calls Done itself.
		if timer.Stop() {
			m.destroys.Done()
		}
		delete(m.pending, s)
		targets = append(targets, s)
	}
	m.pendingMu.Unlock()

	log.Info().Int("sessions", len(targets)).Msg("Destroying sessions")

	var g errgroup.Group
	for _, s := range targets {
		s := s
		g.Go(func() error {
			if err := s.Destroy(ctx); err != nil {
				log.Warn().Err(err).Str("userId", s.UserID).Msg("Failed to destroy session during shutdown")
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		m.destroys.Wait()
		m.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.refreshGauge()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func capabilityError(userID, op string, err error) error {
	switch {
	case errors.Is(err, whatsapp.ErrNotReady), errors.Is(err, whatsapp.ErrClosed):
		return apperrors.NotConnected().WithCause(err)
	case errors.Is(err, whatsapp.ErrInvalidChatID):
		return apperrors.Validation(apperrors.FieldViolation{Field: "chatId", Message: "invalid chat id"})
	}
	log.Error().Err(err).Str("userId", userID).Str("op", op).Msg("WhatsApp operation failed")
	return apperrors.External("whatsapp", err)
}

func phoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	user, _, _ = strings.Cut(user, ".")
	return user
}
