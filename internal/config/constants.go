package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 30 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 10 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const ReconcileJobInterval = 5 * time.Minute

// Session lifecycle
const (
	MaxWebhookTimeout             = 10 * time.Second
	DefaultSessionShutdownTimeout = 5 * time.Second
	RecentMessageLimit            = 50
	MaxMessageLength              = 4096
)

// Rate limit classes. Sending and webhook traffic get much larger budgets than auth attempts.
const (
	AuthRateLimit     = 20
	AuthRateWindow    = 15 * time.Minute
	APIRateLimit      = 120
	APIRateWindow     = time.Minute
	SendRateLimit     = 30
	SendRateWindow    = time.Minute
	WebhookRateLimit  = 60
	WebhookRateWindow = time.Minute
)
