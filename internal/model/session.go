package model

import (
	"time"
)

// WhatsAppSession is the durable record of a user's connectivity. The live
// connection itself only exists in the in-memory registry.
type WhatsAppSession struct {
	UserID             string     `db:"user_id" json:"userId"`
	IsConnected        bool       `db:"is_connected" json:"isConnected"`
	DeviceJID          *string    `db:"device_jid" json:"-"`
	PhoneNumber        *string    `db:"phone_number" json:"phoneNumber,omitempty"`
	PushName           *string    `db:"push_name" json:"pushName,omitempty"`
	DisconnectReason   *string    `db:"disconnect_reason" json:"disconnectReason,omitempty"`
	LastConnectedAt    *time.Time `db:"last_connected_at" json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt *time.Time `db:"last_disconnected_at" json:"lastDisconnectedAt,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

type MarkConnectedParams struct {
	UserID      string
	DeviceJID   string
	PhoneNumber string
	PushName    string
}
