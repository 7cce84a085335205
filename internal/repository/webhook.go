package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type WebhookConfigRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.WebhookConfig, error)
	Upsert(ctx context.Context, params model.UpsertWebhookConfigParams) (*model.WebhookConfig, error)
}

type webhookConfigRepo struct {
	db *sqlx.DB
}

func NewWebhookConfigRepository(db *sqlx.DB) WebhookConfigRepository {
	return &webhookConfigRepo{db: db}
}

func (r *webhookConfigRepo) FindByUserID(ctx context.Context, userID string) (*model.WebhookConfig, error) {
	var cfg model.WebhookConfig
	err := r.db.GetContext(ctx, &cfg, `
		SELECT * FROM webhook_configs WHERE user_id = $1
	`, userID)
	return HandleNotFound(&cfg, err)
}

func (r *webhookConfigRepo) Upsert(ctx context.Context, params model.UpsertWebhookConfigParams) (*model.WebhookConfig, error) {
	var cfg model.WebhookConfig
	err := r.db.GetContext(ctx, &cfg, `
		INSERT INTO webhook_configs (user_id, webhook_url, webhook_enabled, webhook_secret, secret_preview, secret_issued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			webhook_url = EXCLUDED.webhook_url,
			webhook_enabled = EXCLUDED.webhook_enabled,
			webhook_secret = EXCLUDED.webhook_secret,
			secret_preview = EXCLUDED.secret_preview,
			secret_issued_at = EXCLUDED.secret_issued_at,
			updated_at = EXCLUDED.updated_at
		RETURNING *
	`, params.UserID, params.WebhookURL, params.Enabled, params.SecretSealed, params.SecretPreview, time.Now())
	if err != nil {
		return nil, wrap("upsert webhook_configs", err)
	}
	return &cfg, nil
}

// WebhookLogRepository is append-only.
type WebhookLogRepository interface {
	Create(ctx context.Context, params model.CreateWebhookLogParams) error
}

type webhookLogRepo struct {
	db *sqlx.DB
}

func NewWebhookLogRepository(db *sqlx.DB) WebhookLogRepository {
	return &webhookLogRepo{db: db}
}

func (r *webhookLogRepo) Create(ctx context.Context, params model.CreateWebhookLogParams) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (user_id, direction, status, payload, response)
		VALUES ($1, $2, $3, $4, $5)
	`, params.UserID, params.Direction, params.Status, []byte(params.Payload), params.Response)
	return wrap("insert webhook_logs", err)
}
