package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "jwt-secret", "password",
}

type Config struct {
	Port                   int    `env:"PORT" envDefault:"8080"`
	DatabaseURL            string `env:"DATABASE_URL,required"`
	RedisURL               string `env:"REDIS_URL"`
	AuthJWTSecret          string `env:"AUTH_JWT_SECRET,required"`
	AuthJWTIssuer          string `env:"AUTH_JWT_ISSUER"`
	AuthJWTAudience        string `env:"AUTH_JWT_AUDIENCE"`
	PublicBaseURL          string `env:"PUBLIC_BASE_URL" envDefault:""`
	EncryptionKey          string `env:"ENCRYPTION_KEY"`
	WebhookTimeoutSeconds  int    `env:"WEBHOOK_TIMEOUT_SECONDS" envDefault:"10"`
	TeardownDelaySeconds   int    `env:"TEARDOWN_DELAY_SECONDS" envDefault:"3"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"5"`
	MaxBodyBytes           int64  `env:"MAX_BODY_BYTES" envDefault:"16777216"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

// WebhookTimeout is clamped to (0, MaxWebhookTimeout].
func (c *Config) WebhookTimeout() time.Duration {
	if c.WebhookTimeoutSeconds <= 0 {
		return MaxWebhookTimeout
	}
	d := time.Duration(c.WebhookTimeoutSeconds) * time.Second
	if d > MaxWebhookTimeout {
		return MaxWebhookTimeout
	}
	return d
}

func (c *Config) TeardownDelay() time.Duration {
	if c.TeardownDelaySeconds < 0 {
		return 0
	}
	return time.Duration(c.TeardownDelaySeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return DefaultSessionShutdownTimeout
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	if isProduction {
		if err := validateSecret("AUTH_JWT_SECRET", c.AuthJWTSecret); err != nil {
			return err
		}

		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: rate limits and event streams are process-local")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: webhook secrets will not be encrypted at rest")
		}
		if c.PublicBaseURL == "" {
			log.Warn().Msg("PUBLIC_BASE_URL is empty in production: webhook config will show relative send URLs")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
