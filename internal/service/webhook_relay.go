package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/audit"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/metrics"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/repository"
	"github.com/openclaw/wa-relay-server-go/internal/util"
)

const (
	HeaderWebhookEvent     = "X-Webhook-Event"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"

	responseSnapshotBytes = 1024
)

// ConfigureInput mirrors the config endpoint body; nil fields keep the
// stored value.
type ConfigureInput struct {
	WebhookURL *string
	Enabled    *bool
}

type ConfigureResult struct {
	Config WebhookConfigView
	Secret string
}

// WebhookConfigView is the read-path shape. It never carries the secret.
type WebhookConfigView struct {
	WebhookURL     string     `json:"webhook_url"`
	Enabled        bool       `json:"webhook_enabled"`
	HasSecret      bool       `json:"has_secret"`
	SecretPreview  string     `json:"secret_preview,omitempty"`
	SecretIssuedAt *time.Time `json:"secret_issued_at,omitempty"`
}

type DeliveryResult struct {
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WebhookRelay owns per-user webhook configuration and delivers events to it.
type WebhookRelay struct {
	configs repository.WebhookConfigRepository
	logs    repository.WebhookLogRepository
	sealer  *util.Sealer
	client  *http.Client
	metrics *metrics.Metrics
	timeout time.Duration

	locks *util.KeyedMutex
	mu    sync.RWMutex
	cache map[string]*model.WebhookConfig

	inflight sync.WaitGroup
}

// NewWebhookRelay creates a relay. A nil sealer stores secrets in plaintext.
func NewWebhookRelay(
	configs repository.WebhookConfigRepository,
	logs repository.WebhookLogRepository,
	sealer *util.Sealer,
	timeout time.Duration,
	m *metrics.Metrics,
) *WebhookRelay {
	return &WebhookRelay{
		configs: configs,
		logs:    logs,
		sealer:  sealer,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
		timeout: timeout,
		locks:   util.NewKeyedMutex(),
		cache:   make(map[string]*model.WebhookConfig),
	}
}

// Load refreshes the cached configuration for userID from the store.
func (r *WebhookRelay) Load(ctx context.Context, userID string) (*model.WebhookConfig, error) {
	cfg, err := r.configs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load webhook config: %w", err)
	}
	r.mu.Lock()
	r.cache[userID] = cfg
	r.mu.Unlock()
	return cfg, nil
}

func (r *WebhookRelay) config(ctx context.Context, userID string) (*model.WebhookConfig, error) {
	r.mu.RLock()
	cfg, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	return r.Load(ctx, userID)
}

// Configure validates and stores a new configuration, rotating the secret.
// The returned secret is the only time it is available in plaintext.
func (r *WebhookRelay) Configure(ctx context.Context, userID string, in ConfigureInput) (*ConfigureResult, error) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	var url *string
	if in.WebhookURL != nil {
		trimmed := strings.TrimSpace(*in.WebhookURL)
		if trimmed != "" {
			if !util.IsAbsoluteHTTPURL(trimmed) {
				return nil, apperrors.Validation(apperrors.FieldViolation{
					Field:   "webhook_url",
					Message: "must be an absolute http or https URL",
				})
			}
			url = &trimmed
		}
	}

	existing, err := r.Load(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if in.WebhookURL == nil && existing != nil {
		url = existing.WebhookURL
	}

	enabled := url != nil
	switch {
	case in.Enabled != nil:
		enabled = *in.Enabled
	case existing != nil:
		enabled = existing.Enabled
	}

	secret, err := util.GenerateSecret()
	if err != nil {
		return nil, apperrors.Internal("Failed to generate secret").WithCause(err)
	}
	stored := secret
	if r.sealer != nil {
		if stored, err = r.sealer.Seal(secret); err != nil {
			return nil, apperrors.Internal("Failed to seal secret").WithCause(err)
		}
	}

	cfg, err := r.configs.Upsert(ctx, model.UpsertWebhookConfigParams{
		UserID:        userID,
		WebhookURL:    url,
		Enabled:       enabled,
		SecretSealed:  stored,
		SecretPreview: util.MaskSecret(secret),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	r.mu.Lock()
	r.cache[userID] = cfg
	r.mu.Unlock()

	audit.Log(audit.Event{
		Type:   audit.EventSecretRotated,
		UserID: userID,
		Details: map[string]interface{}{
			"enabled": enabled,
			"has_url": url != nil,
		},
	})

	return &ConfigureResult{Config: viewOf(cfg), Secret: secret}, nil
}

// GetConfig returns the masked configuration; an unconfigured user gets the
// zero view.
func (r *WebhookRelay) GetConfig(ctx context.Context, userID string) (WebhookConfigView, error) {
	cfg, err := r.Load(ctx, userID)
	if err != nil {
		return WebhookConfigView{}, apperrors.Database(err)
	}
	return viewOf(cfg), nil
}

func viewOf(cfg *model.WebhookConfig) WebhookConfigView {
	if cfg == nil {
		return WebhookConfigView{}
	}
	view := WebhookConfigView{
		Enabled:        cfg.Enabled,
		HasSecret:      cfg.SecretSealed != nil && *cfg.SecretSealed != "",
		SecretIssuedAt: cfg.SecretIssuedAt,
	}
	if cfg.WebhookURL != nil {
		view.WebhookURL = *cfg.WebhookURL
	}
	if cfg.SecretPreview != nil {
		view.SecretPreview = *cfg.SecretPreview
	}
	return view
}

func (r *WebhookRelay) secretOf(cfg *model.WebhookConfig) (string, bool) {
	if cfg == nil || cfg.SecretSealed == nil || *cfg.SecretSealed == "" {
		return "", false
	}
	if r.sealer == nil {
		return *cfg.SecretSealed, true
	}
	secret, err := r.sealer.Open(*cfg.SecretSealed)
	if err != nil {
		log.Error().Err(err).Str("userId", cfg.UserID).Msg("Failed to open webhook secret")
		return "", false
	}
	return secret, true
}

// ErrInvalidWebhookCredentials is the single answer for every failed public
// send credential check.
func ErrInvalidWebhookCredentials() *apperrors.AppError {
	return apperrors.Unauthorized("Invalid webhook credentials")
}

// VerifySecret authorizes the public send endpoint. A missing config and a
// wrong secret produce the same error.
func (r *WebhookRelay) VerifySecret(ctx context.Context, userID, presented string) error {
	cfg, err := r.Load(ctx, userID)
	if err != nil {
		return apperrors.Database(err)
	}

	secret, ok := r.secretOf(cfg)
	if !ok || presented == "" || !util.ConstantTimeEqual(secret, presented) {
		return ErrInvalidWebhookCredentials()
	}
	if !cfg.Enabled {
		return apperrors.Forbidden("Webhook is disabled")
	}
	return nil
}

// Deliver POSTs event to the user's webhook once. It is a no-op when the
// webhook is unset or disabled. Failures are recorded, never retried.
func (r *WebhookRelay) Deliver(ctx context.Context, userID string, event model.WebhookEvent) (*DeliveryResult, error) {
	cfg, err := r.config(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cfg.Deliverable() {
		return nil, nil
	}
	secret, _ := r.secretOf(cfg)
	return r.post(ctx, userID, *cfg.WebhookURL, secret, event)
}

func (r *WebhookRelay) post(ctx context.Context, userID, url, secret string, event model.WebhookEvent) (*DeliveryResult, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wa-relay-webhook/1.0")
	req.Header.Set(HeaderWebhookEvent, string(event.Event))
	req.Header.Set(HeaderWebhookTimestamp, timestamp)
	if secret != "" {
		req.Header.Set(HeaderWebhookSignature, util.SignPayload(secret, timestamp, body))
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)

	result := &DeliveryResult{}
	status := model.WebhookStatusFailed
	var snapshot *string

	if err != nil {
		result.Error = err.Error()
		snapshot = &result.Error
		log.Warn().
			Err(err).
			Str("userId", userID).
			Str("url", url).
			Str("event", string(event.Event)).
			Dur("elapsed", elapsed).
			Msg("Webhook delivery failed")
		r.metrics.WebhookDelivery(string(event.Event), "failed", elapsed)
	} else {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnapshotBytes))
		text := string(raw)
		snapshot = &text

		result.StatusCode = resp.StatusCode
		result.Delivered = resp.StatusCode >= 200 && resp.StatusCode < 300
		status = strconv.Itoa(resp.StatusCode)

		outcome := "delivered"
		logEvent := log.Info()
		if !result.Delivered {
			outcome = "rejected"
			result.Error = fmt.Sprintf("webhook responded with status %d", resp.StatusCode)
			logEvent = log.Warn()
		}
		logEvent.
			Str("userId", userID).
			Str("url", url).
			Str("event", string(event.Event)).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("Webhook delivered")
		r.metrics.WebhookDelivery(string(event.Event), outcome, elapsed)
	}

	r.record(context.WithoutCancel(ctx), model.CreateWebhookLogParams{
		UserID:    userID,
		Direction: model.WebhookIncoming,
		Status:    status,
		Payload:   body,
		Response:  snapshot,
	})
	return result, nil
}

// DeliverAsync runs Deliver in the background. Errors are logged only.
func (r *WebhookRelay) DeliverAsync(userID string, event model.WebhookEvent) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("userId", userID).Msg("Webhook delivery panicked")
			}
		}()

		if _, err := r.Deliver(context.Background(), userID, event); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("Webhook delivery skipped")
		}
	}()
}

// Test sends a synthetic event regardless of the enabled flag.
func (r *WebhookRelay) Test(ctx context.Context, userID string) (*DeliveryResult, error) {
	cfg, err := r.config(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if cfg == nil || cfg.WebhookURL == nil || *cfg.WebhookURL == "" {
		return nil, apperrors.Validation(apperrors.FieldViolation{
			Field:   "webhook_url",
			Message: "no webhook URL configured",
		})
	}

	secret, _ := r.secretOf(cfg)
	event := model.NewWebhookEvent(model.EventTest, map[string]string{
		"message": "Webhook test from WhatsApp relay",
		"userId":  userID,
	})
	result, err := r.post(ctx, userID, *cfg.WebhookURL, secret, event)
	if err != nil {
		return nil, apperrors.Internal("Failed to send test webhook").WithCause(err)
	}
	return result, nil
}

// LogOutgoing records a public send attempt.
func (r *WebhookRelay) LogOutgoing(ctx context.Context, userID string, payload any, status string, response string) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to marshal outgoing log payload")
		return
	}
	r.record(ctx, model.CreateWebhookLogParams{
		UserID:    userID,
		Direction: model.WebhookOutgoing,
		Status:    status,
		Payload:   body,
		Response:  &response,
	})
}

func (r *WebhookRelay) record(ctx context.Context, params model.CreateWebhookLogParams) {
	if err := r.logs.Create(ctx, params); err != nil {
		log.Error().
			Err(err).
			Str("userId", params.UserID).
			Str("direction", string(params.Direction)).
			Msg("Failed to write webhook log")
	}
}

// Wait blocks until background deliveries finish or ctx ends.
func (r *WebhookRelay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
