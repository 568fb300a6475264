package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lokabook/bookings-api/internal/auth"
	"github.com/lokabook/bookings-api/internal/booking"
	"github.com/lokabook/bookings-api/internal/common"
	"github.com/lokabook/bookings-api/internal/config"
	"github.com/lokabook/bookings-api/internal/db"
	"github.com/lokabook/bookings-api/internal/events"
	"github.com/lokabook/bookings-api/internal/gateway"
	"github.com/lokabook/bookings-api/internal/health"
	"github.com/lokabook/bookings-api/internal/notify"
	"github.com/lokabook/bookings-api/internal/obs"
	"github.com/lokabook/bookings-api/internal/ratelimit"
	"github.com/lokabook/bookings-api/internal/security"
	"github.com/lokabook/bookings-api/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "lokabook")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "bookings-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger, metricsEnabled)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	registry := buildRegistry(cfg, logger)

	eventStore := webhook.NewStore(pool)
	paymentStore := booking.NewStore(pool)

	bus := buildBus(cfg, logger)

	processor := &webhook.Processor{
		DB:        pool,
		Events:    eventStore,
		Payments:  paymentStore,
		Providers: registry,
		Policy:    webhook.RetryPolicy{MaxAttempts: cfg.WebhookMaxAttempts, Delays: cfg.WebhookRetryDelays},
		LeaseTTL:  cfg.WebhookLeaseTTL,
		Timeout:   cfg.WebhookProcessTimeout,
		Bus:       bus,
		Logger:    logger,
	}

	webhookHandler := &webhook.Handler{Providers: registry, Ingestor: processor, Logger: logger}
	adminHandler := &webhook.AdminHandler{Events: eventStore, Reprocessor: processor, Logger: logger}

	adminAuth := auth.Middleware{Verifier: auth.Verifier{
		Secret:    []byte(cfg.AdminJWTSecret),
		Issuer:    cfg.AdminJWTIssuer,
		Audience:  cfg.AdminJWTAudience,
		ClockSkew: 30 * time.Second,
	}}

	webhookLimiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:webhook:"},
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return chi.URLParam(r, "provider") },
			Window: cfg.RateLimitWindow,
			Max:    cfg.RateLimitMax,
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("rate limiter unavailable")
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled {
		httpMetrics := obs.NewHTTPMetrics(metricsNamespace, nil, nil)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(security.BodyLimit{Max: cfg.WebhookMaxBodyBytes}.Middleware)

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(g chi.Router) {
			g.Use(webhookLimiter.Middleware)
			webhookHandler.Mount(g)
		})

		v.Group(func(admin chi.Router) {
			admin.Use(adminAuth.RequireOperator)
			adminHandler.Mount(admin)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Strs("providers", registry.Names()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

// buildRegistry registers only the gateways that have credentials configured;
// callbacks for unregistered providers are rejected with 404.
func buildRegistry(cfg *config.Config, logger zerolog.Logger) *gateway.Registry {
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
	if len(providers) == 0 {
		logger.Warn().Msg("no payment gateways configured")
	}
	return gateway.NewRegistry(providers...)
}

func buildBus(cfg *config.Config, logger zerolog.Logger) *events.Bus {
	notifiers := []events.Notifier{
		notify.EmailNotifier{Sender: common.NopEmailSender{}},
	}
	if cfg.ChatBroadcastURL != "" {
		notifiers = append(notifiers, notify.RoomBroadcaster{
			URL:    cfg.ChatBroadcastURL,
			Secret: cfg.ChatBroadcastSecret,
			Client: notify.HTTPClient(int(cfg.ChatBroadcastTimeout / time.Millisecond)),
		})
	}
	return events.NewBus(logger, cfg.ChatBroadcastTimeout, notifiers...)
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
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "bookings-api"
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

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metricsEnabled bool) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return time.Duration(fallback) * time.Millisecond
}
