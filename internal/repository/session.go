package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type WhatsAppSessionRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.WhatsAppSession, error)
	ListConnected(ctx context.Context) ([]model.WhatsAppSession, error)
	MarkConnected(ctx context.Context, params model.MarkConnectedParams) error
	MarkDisconnected(ctx context.Context, userID string, reason string) error
	ClearDevice(ctx context.Context, userID string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) WhatsAppSessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type whatsAppSessionRepo struct {
	db sessionDB
}

func NewWhatsAppSessionRepository(db *sqlx.DB) WhatsAppSessionRepository {
	return &whatsAppSessionRepo{db: db}
}

func (r *whatsAppSessionRepo) WithTx(tx *sqlx.Tx) WhatsAppSessionRepository {
	return &whatsAppSessionRepo{db: tx}
}

func (r *whatsAppSessionRepo) FindByUserID(ctx context.Context, userID string) (*model.WhatsAppSession, error) {
	var session model.WhatsAppSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM whatsapp_sessions WHERE user_id = $1
	`, userID)
	return HandleNotFound(&session, err)
}

func (r *whatsAppSessionRepo) ListConnected(ctx context.Context) ([]model.WhatsAppSession, error) {
	var sessions []model.WhatsAppSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM whatsapp_sessions WHERE is_connected = TRUE ORDER BY user_id
	`)
	if err != nil {
		return nil, wrap("list connected whatsapp_sessions", err)
	}
	return sessions, nil
}

func (r *whatsAppSessionRepo) MarkConnected(ctx context.Context, params model.MarkConnectedParams) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whatsapp_sessions (user_id, is_connected, device_jid, phone_number, push_name, last_connected_at, updated_at)
		VALUES ($1, TRUE, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			is_connected = TRUE,
			device_jid = COALESCE(EXCLUDED.device_jid, whatsapp_sessions.device_jid),
			phone_number = COALESCE(EXCLUDED.phone_number, whatsapp_sessions.phone_number),
			push_name = COALESCE(EXCLUDED.push_name, whatsapp_sessions.push_name),
			disconnect_reason = NULL,
			last_connected_at = EXCLUDED.last_connected_at,
			updated_at = EXCLUDED.updated_at
	`, params.UserID, params.DeviceJID, params.PhoneNumber, params.PushName, time.Now())
	return wrap("mark whatsapp_sessions connected", err)
}

func (r *whatsAppSessionRepo) MarkDisconnected(ctx context.Context, userID string, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whatsapp_sessions (user_id, is_connected, disconnect_reason, last_disconnected_at, updated_at)
		VALUES ($1, FALSE, NULLIF($2, ''), $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			is_connected = FALSE,
			disconnect_reason = EXCLUDED.disconnect_reason,
			last_disconnected_at = EXCLUDED.last_disconnected_at,
			updated_at = EXCLUDED.updated_at
	`, userID, reason, time.Now())
	return wrap("mark whatsapp_sessions disconnected", err)
}

func (r *whatsAppSessionRepo) ClearDevice(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE whatsapp_sessions SET
			device_jid = NULL,
			updated_at = $2
		WHERE user_id = $1
	`, userID, time.Now())
	return wrap("clear whatsapp_sessions device", err)
}
