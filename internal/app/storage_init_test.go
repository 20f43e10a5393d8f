package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	if deps.products == nil || deps.reservations == nil {
		t.Fatal("inventory repositories should not be nil for memory storage")
	}
	if deps.ledgerRepo == nil || deps.giftCards == nil {
		t.Fatal("ledger repositories should not be nil for memory storage")
	}
	if deps.outboxRepo == nil {
		t.Fatal("outboxRepo should not be nil for memory storage")
	}
	if deps.storageChecker != nil {
		t.Fatal("memory storage needs no health checker")
	}

	ctx := context.Background()
	if err := seedProducts(ctx, deps.products, []domain.Product{{ID: "p1", Name: "p1", Stock: 3}}, log.WithField("test", "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	product, err := deps.products.Get(ctx, "p1")
	if err != nil || product.Stock != 3 {
		t.Fatalf("expected seeded product, got %+v %v", product, err)
	}
	deps.close(log.WithField("test", "memory-storage"))
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	if err == nil {
		t.Fatal("expected error for unsupported storage driver")
	}
}

func TestInitRateLimiter(t *testing.T) {
	logger := log.WithField("test", "rate-limit")
	m := metrics.NewStorefront()

	memoryDeps, err := initRateLimiter(context.Background(), Config{RateLimitBackend: RateLimitBackendMemory}, m, logger)
	if err != nil {
		t.Fatalf("memory limiter failed: %v", err)
	}
	if memoryDeps.limiter == nil || memoryDeps.sweeper == nil {
		t.Fatal("memory limiter must expose a sweeper")
	}

	// Redis на несуществующем адресе: старт не падает, лимитер работает fail open.
	redisDeps, err := initRateLimiter(context.Background(), Config{
		RateLimitBackend: RateLimitBackendRedis,
		RedisAddr:        "127.0.0.1:1",
	}, m, logger)
	if err != nil {
		t.Fatalf("redis limiter failed: %v", err)
	}
	if redisDeps.sweeper != nil {
		t.Fatal("redis limiter expires keys itself")
	}
	if redisDeps.checker == nil {
		t.Fatal("redis limiter must register a health checker")
	}
	redisDeps.close(logger)

	if _, err := initRateLimiter(context.Background(), Config{RateLimitBackend: "memcached"}, m, logger); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}
