package whatsapp

import (
	"context"
	"errors"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

var (
	ErrNotReady      = errors.New("whatsapp client is not logged in")
	ErrClosed        = errors.New("whatsapp client destroyed")
	ErrInvalidChatID = errors.New("invalid chat id")
)

type EventType string

const (
	EventQR           EventType = "qr"
	EventReady        EventType = "ready"
	EventAuthFailure  EventType = "auth_failure"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// Event is emitted by a Client. Only the fields relevant to Type are set.
// For EventReady, JID is the full device JID.
type Event struct {
	Type     EventType
	QRCode   string
	JID      string
	PushName string
	Reason   string
	Message  *model.Message
}

// EventHandler must not block for long; it is called from the client's
// receive goroutine.
type EventHandler func(Event)

// Client is one user's connection to the WhatsApp network.
type Client interface {
	// Initialize starts connecting. A device without stored credentials emits
	// EventQR until paired; a paired device emits EventReady.
	Initialize(ctx context.Context) error
	Chats(ctx context.Context) ([]model.ChatSummary, error)
	Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	SendText(ctx context.Context, chatID, text string) (*model.SentMessage, error)
	SendMedia(ctx context.Context, chatID string, media OutgoingMedia, caption string) (*model.SentMessage, error)
	// Logout unlinks the device. A paired device that is offline returns
	// ErrNotReady; a device that never paired has nothing to unlink.
	Logout(ctx context.Context) error
	// Destroy releases the connection. It is safe to call more than once.
	Destroy(ctx context.Context) error
}

type Factory interface {
	New(ctx context.Context, userID string, handler EventHandler) (Client, error)
}

type OutgoingMedia struct {
	Data     []byte
	MimeType string
	Filename string
}
