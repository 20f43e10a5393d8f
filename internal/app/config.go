package app

import "time"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config описывает настройки запуска витрины.
// Поля только сравнимых типов: конфиг сравнивается целиком в тестах cmd.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// SeedProducts задаёт каталог для старта в формате "id=stock,id=stock".
	SeedProducts string

	RateLimitBackend       string
	RedisAddr              string
	RedisKeyPrefix         string
	RateLimitSweepInterval time.Duration

	// KafkaBrokers: брокеры через запятую. Без брокеров outbox пишет в лог.
	KafkaBrokers  string
	KafkaClientID string
	AuditTopic    string
	AuditDLQTopic string

	Currency string

	ReservationSweepInterval  time.Duration
	ReservationSweepBatchSize int

	CheckoutMaxAttempts int

	AuditQueueSize int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// OutboxClaimLease — на сколько воркер захватывает сообщение; должен покрывать все ретраи.
	OutboxClaimLease time.Duration
	// OutboxRetention — срок хранения доставленных событий; 0 отключает очистку.
	OutboxRetention time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		RateLimitBackend:       RateLimitBackendMemory,
		RedisAddr:              "localhost:6379",
		RedisKeyPrefix:         "storefront:ratelimit:",
		RateLimitSweepInterval: time.Minute,

		KafkaClientID: "storefront",
		AuditTopic:    "storefront.audit.events",
		AuditDLQTopic: "storefront.audit.dlq",

		Currency: "USD",

		ReservationSweepInterval:  30 * time.Second,
		ReservationSweepBatchSize: 500,

		CheckoutMaxAttempts: 5,

		AuditQueueSize: 1024,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,
		OutboxClaimLease:   30 * time.Second,
		OutboxRetention:    24 * time.Hour,

		ShutdownTimeout: 5 * time.Second,
	}
}
