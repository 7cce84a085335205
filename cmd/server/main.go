package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/config"
	"github.com/openclaw/wa-relay-server-go/internal/database"
	"github.com/openclaw/wa-relay-server-go/internal/handler"
	"github.com/openclaw/wa-relay-server-go/internal/identity"
	"github.com/openclaw/wa-relay-server-go/internal/jobs"
	"github.com/openclaw/wa-relay-server-go/internal/metrics"
	"github.com/openclaw/wa-relay-server-go/internal/redis"
	"github.com/openclaw/wa-relay-server-go/internal/repository"
	"github.com/openclaw/wa-relay-server-go/internal/service"
	"github.com/openclaw/wa-relay-server-go/internal/session"
	"github.com/openclaw/wa-relay-server-go/internal/shutdown"
	"github.com/openclaw/wa-relay-server-go/internal/sse"
	"github.com/openclaw/wa-relay-server-go/internal/util"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	container, err := whatsapp.NewStoreContainer(ctx, database.DriverName, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device store")
	}
	cancel()

	var (
		redisClient *redis.Client
		limiter     service.Limiter
	)
	if cfg.RedisURL != "" {
		ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		limiter = service.NewRedisRateLimiter(redisClient.Client)
		log.Info().Msg("redis connected")
	} else {
		limiter = service.NewMemoryRateLimiter()
		log.Warn().Msg("REDIS_URL not set, using in-process rate limits and events")
	}

	var sealer *util.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = util.NewSealer(cfg.EncryptionKey); err != nil {
			log.Fatal().Err(err).Msg("failed to init encryption")
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	sessionRepo := repository.NewWhatsAppSessionRepository(db.DB)
	webhookConfigRepo := repository.NewWebhookConfigRepository(db.DB)
	webhookLogRepo := repository.NewWebhookLogRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	relay := service.NewWebhookRelay(webhookConfigRepo, webhookLogRepo, sealer, cfg.WebhookTimeout(), m)

	factory := whatsapp.NewMeowFactory(container, func(ctx context.Context, userID string) (string, error) {
		row, err := sessionRepo.FindByUserID(ctx, userID)
		if err != nil || row == nil || row.DeviceJID == nil {
			return "", err
		}
		return *row.DeviceJID, nil
	}, config.RecentMessageLimit)

	sessions := service.NewSessionManager(
		session.NewRegistry(), factory, sessionRepo, db, relay, broker, m, cfg.TeardownDelay(),
	)

	r := handler.NewRouter(handler.RouterDeps{
		Sessions:       sessions,
		Relay:          relay,
		Broker:         broker,
		Verifier:       identity.NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience),
		Limiter:        limiter,
		Metrics:        m,
		MetricsHandler: promhttp.Handler(),
		PublicBaseURL:  cfg.PublicBaseURL,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		IsProduction:   isProduction,
	})

	reconcileJob := jobs.NewReconcileJob(sessionRepo, sessions, config.ReconcileJobInterval)
	reconcileJob.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := shutdown.WaitForSignal(context.Background())
	log.Info().Stringer("signal", sig).Msg("shutting down server")

	coordinator := shutdown.New(server, config.ServerShutdownTimeout).
		Drain("sessions", cfg.ShutdownTimeout(), sessions.Shutdown).
		Drain("webhooks", cfg.WebhookTimeout(), relay.Wait).
		OnClose("reconcile job", reconcileJob.Stop).
		OnClose("event broker", broker.Close)
	if redisClient != nil {
		coordinator.OnClose("redis", func() {
			if err := redisClient.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis")
			}
		})
	}
	coordinator.OnClose("database", func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	})

	if err := coordinator.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
