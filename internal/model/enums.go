package model

type ConnectionState string

const (
	StateUninitialized        ConnectionState = "uninitialized"
	StateAwaitingScan         ConnectionState = "awaiting_scan"
	StateConnected            ConnectionState = "connected"
	StateDisconnected         ConnectionState = "disconnected"
	StateAuthenticationFailed ConnectionState = "authentication_failed"
)

type WebhookDirection string

const (
	// WebhookIncoming is a delivery from this server to the user's callback URL.
	WebhookIncoming WebhookDirection = "incoming"
	// WebhookOutgoing is an external caller sending through the public endpoint.
	WebhookOutgoing WebhookDirection = "outgoing"
)

// WebhookStatusFailed is logged when no HTTP status was obtained.
const WebhookStatusFailed = "failed"

type WebhookEventType string

const (
	EventMessageReceived WebhookEventType = "message_received"
	EventConnected       WebhookEventType = "connected"
	EventDisconnected    WebhookEventType = "disconnected"
	EventAuthFailure     WebhookEventType = "auth_failure"
	EventTest            WebhookEventType = "test"
)
