package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lokabook/bookings-api/internal/booking"
	"github.com/lokabook/bookings-api/internal/common"
	"github.com/lokabook/bookings-api/internal/config"
	"github.com/lokabook/bookings-api/internal/events"
	"github.com/lokabook/bookings-api/internal/gateway"
	"github.com/lokabook/bookings-api/internal/lock"
	"github.com/lokabook/bookings-api/internal/notify"
	"github.com/lokabook/bookings-api/internal/obs"
	"github.com/lokabook/bookings-api/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "lokabook"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	registry := buildRegistry(cfg)

	var notifiers []events.Notifier
	notifiers = append(notifiers, notify.EmailNotifier{Sender: common.NopEmailSender{}})
	if cfg.ChatBroadcastURL != "" {
		notifiers = append(notifiers, notify.RoomBroadcaster{
			URL:    cfg.ChatBroadcastURL,
			Secret: cfg.ChatBroadcastSecret,
			Client: notify.HTTPClient(int(cfg.ChatBroadcastTimeout / time.Millisecond)),
		})
	}

	processor := &webhook.Processor{
		DB:        pool,
		Events:    webhook.NewStore(pool),
		Payments:  booking.NewStore(pool),
		Providers: registry,
		Policy:    webhook.RetryPolicy{MaxAttempts: cfg.WebhookMaxAttempts, Delays: cfg.WebhookRetryDelays},
		LeaseTTL:  cfg.WebhookLeaseTTL,
		Timeout:   cfg.WebhookProcessTimeout,
		Bus:       events.NewBus(logger, cfg.ChatBroadcastTimeout, notifiers...),
		Logger:    logger,
	}

	sweeper := &webhook.Sweeper{
		Events:   webhook.NewStore(pool),
		Runner:   processor,
		Locker:   lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
		LockTTL:  cfg.LockTTL,
		Logger:   logger,
	}

	logger.Info().Strs("providers", registry.Names()).Msg("worker starting")
	sweeper.Run(ctx)
	logger.Info().Msg("worker shutdown complete")
}

func buildRegistry(cfg *config.Config) *gateway.Registry {
	var providers []gateway.Provider
	if cfg.MidtransServerKey != "" {
		providers = append(providers, gateway.Midtrans{ServerKey: cfg.MidtransServerKey})
	}
	if cfg.XenditCallbackSecret != "" {
		providers = append(providers, gateway.Xendit{CallbackSecret: cfg.XenditCallbackSecret})
	}
	if cfg.RobokassaPassword1 != "" && cfg.RobokassaPassword2 != "" {
		providers = append(providers, gateway.Robokassa{Password1: cfg.RobokassaPassword1, Password2: cfg.RobokassaPassword2})
	}
	return gateway.NewRegistry(providers...)
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "bookings-worker"
	if cfg.DBMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.DBMaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
