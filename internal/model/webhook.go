package model

import (
	"encoding/json"
	"time"
)

type WebhookConfig struct {
	UserID         string     `db:"user_id" json:"userId"`
	WebhookURL     *string    `db:"webhook_url" json:"webhookUrl,omitempty"`
	Enabled        bool       `db:"webhook_enabled" json:"enabled"`
	SecretSealed   *string    `db:"webhook_secret" json:"-"`
	SecretPreview  *string    `db:"secret_preview" json:"-"`
	SecretIssuedAt *time.Time `db:"secret_issued_at" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// Deliverable reports whether incoming events should be relayed.
func (c *WebhookConfig) Deliverable() bool {
	return c != nil && c.Enabled && c.WebhookURL != nil && *c.WebhookURL != ""
}

type UpsertWebhookConfigParams struct {
	UserID        string
	WebhookURL    *string
	Enabled       bool
	SecretSealed  string
	SecretPreview string
}

type WebhookLog struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"userId"`
	Direction WebhookDirection `db:"direction" json:"direction"`
	Status    string           `db:"status" json:"status"`
	Payload   json.RawMessage  `db:"payload" json:"payload"`
	Response  *string          `db:"response" json:"response,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}

type CreateWebhookLogParams struct {
	UserID    string
	Direction WebhookDirection
	Status    string
	Payload   json.RawMessage
	Response  *string
}

// WebhookEvent is the envelope POSTed to a user's callback URL.
type WebhookEvent struct {
	Event     WebhookEventType `json:"event"`
	Timestamp string           `json:"timestamp"`
	Data      any              `json:"data"`
}

func NewWebhookEvent(event WebhookEventType, data any) WebhookEvent {
	return WebhookEvent{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// MessageEventData is the data block of a message_received event.
type MessageEventData struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	IsGroup   bool   `json:"isGroup"`
	Author    string `json:"author"`
	ChatName  string `json:"chatName"`
}
