package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	envLogLevel = "STOREFRONT_LOG_LEVEL"
	envDotEnv   = "STOREFRONT_ENV_FILE"

	envHTTPAddr    = "STOREFRONT_HTTP_ADDR"
	envGRPCAddr    = "STOREFRONT_GRPC_ADDR"
	envMetricsAddr = "STOREFRONT_METRICS_ADDR"

	envStorageDriver       = "STOREFRONT_STORAGE_DRIVER"
	envPostgresDSN         = "STOREFRONT_POSTGRES_DSN"
	envPostgresAutoMigrate = "STOREFRONT_POSTGRES_AUTO_MIGRATE"
	envSeedProducts        = "STOREFRONT_SEED_PRODUCTS"

	envRateLimitBackend       = "STOREFRONT_RATE_LIMIT_BACKEND"
	envRedisAddr              = "STOREFRONT_REDIS_ADDR"
	envRedisKeyPrefix         = "STOREFRONT_REDIS_KEY_PREFIX"
	envRateLimitSweepInterval = "STOREFRONT_RATE_LIMIT_SWEEP_INTERVAL"

	envKafkaBrokers  = "STOREFRONT_KAFKA_BROKERS"
	envKafkaClientID = "STOREFRONT_KAFKA_CLIENT_ID"
	envAuditTopic    = "STOREFRONT_AUDIT_TOPIC"
	envAuditDLQTopic = "STOREFRONT_AUDIT_DLQ_TOPIC"

	envCurrency = "STOREFRONT_CURRENCY"

	envReservationSweepInterval  = "STOREFRONT_RESERVATION_SWEEP_INTERVAL"
	envReservationSweepBatchSize = "STOREFRONT_RESERVATION_SWEEP_BATCH_SIZE"
	envCheckoutMaxAttempts       = "STOREFRONT_CHECKOUT_MAX_ATTEMPTS"
	envAuditQueueSize            = "STOREFRONT_AUDIT_QUEUE_SIZE"

	envOutboxPollInterval = "STOREFRONT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "STOREFRONT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "STOREFRONT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "STOREFRONT_OUTBOX_RETRY_DELAY"
	envOutboxClaimLease   = "STOREFRONT_OUTBOX_CLAIM_LEASE"
	envOutboxRetention    = "STOREFRONT_OUTBOX_RETENTION"

	envShutdownTimeout = "STOREFRONT_SHUTDOWN_TIMEOUT"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", envLogLevel, err)
	}
	log.SetLevel(level)
	return nil
}

// loadDotEnv подгружает .env, не перетирая уже выставленные переменные.
func loadDotEnv(lookup envLookup) error {
	path := ".env"
	if v, ok := lookup(envDotEnv); ok && strings.TrimSpace(v) != "" {
		path = strings.TrimSpace(v)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// readConfigFromEnv собирает конфигурацию; неверные значения дают предупреждение
// и оставляют значение по умолчанию.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}

	readString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	readLower := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	readBool := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	readInt := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	readDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}

	positive := func(v int) bool { return v > 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	readString(envHTTPAddr, &cfg.HTTPAddr)
	readString(envGRPCAddr, &cfg.GRPCAddr)
	readString(envMetricsAddr, &cfg.MetricsAddr)

	readLower(envStorageDriver, &cfg.StorageDriver)
	readString(envPostgresDSN, &cfg.PostgresDSN)
	readBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	readString(envSeedProducts, &cfg.SeedProducts)

	readLower(envRateLimitBackend, &cfg.RateLimitBackend)
	readString(envRedisAddr, &cfg.RedisAddr)
	readString(envRedisKeyPrefix, &cfg.RedisKeyPrefix)
	readDuration(envRateLimitSweepInterval, &cfg.RateLimitSweepInterval, positiveDuration, "must be > 0")

	readString(envKafkaBrokers, &cfg.KafkaBrokers)
	readString(envKafkaClientID, &cfg.KafkaClientID)
	readString(envAuditTopic, &cfg.AuditTopic)
	readString(envAuditDLQTopic, &cfg.AuditDLQTopic)

	if v, ok := lookup(envCurrency); ok && strings.TrimSpace(v) != "" {
		cfg.Currency = strings.ToUpper(strings.TrimSpace(v))
	}

	readDuration(envReservationSweepInterval, &cfg.ReservationSweepInterval, positiveDuration, "must be > 0")
	readInt(envReservationSweepBatchSize, &cfg.ReservationSweepBatchSize, positive, "must be > 0")
	readInt(envCheckoutMaxAttempts, &cfg.CheckoutMaxAttempts, positive, "must be > 0")
	readInt(envAuditQueueSize, &cfg.AuditQueueSize, positive, "must be > 0")

	readDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	readInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	readInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	readDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	readDuration(envOutboxClaimLease, &cfg.OutboxClaimLease, positiveDuration, "must be > 0")
	readDuration(envOutboxRetention, &cfg.OutboxRetention, nonNegativeDuration, "must be >= 0")

	readDuration(envShutdownTimeout, &cfg.ShutdownTimeout, positiveDuration, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func main() {
	if err := loadDotEnv(os.LookupEnv); err != nil {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
	if err := setupLogger(os.LookupEnv); err != nil {
		log.WithError(err).Warn("неверный уровень логирования, используем info")
	}

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"rate_limit":   cfg.RateLimitBackend,
	}).Info("запускаем storefront")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("storefront остановлен")
}
