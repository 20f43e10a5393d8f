package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/ratelimit"
)

type rateLimitDependencies struct {
	limiter domain.RateLimiter
	// sweeper задан только для процессного лимитера.
	sweeper ratelimit.Sweeper
	checker healthcheck.Checker
	closeFn func() error
}

func initRateLimiter(ctx context.Context, cfg Config, m *metrics.Storefront, logger *log.Entry) (*rateLimitDependencies, error) {
	options := []ratelimit.Option{ratelimit.WithMetrics(m)}

	switch strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend)) {
	case "", RateLimitBackendMemory:
		limiter := ratelimit.NewMemoryLimiter(options...)
		return &rateLimitDependencies{limiter: limiter, sweeper: limiter}, nil
	case RateLimitBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter := ratelimit.NewRedisLimiter(client, cfg.RedisKeyPrefix, options...)
		// Недоступный Redis не блокирует старт: лимитер работает в режиме fail open.
		if err := limiter.Ping(ctx); err != nil {
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is unreachable, rate limiting fails open")
		}
		return &rateLimitDependencies{
			limiter: limiter,
			checker: healthcheck.NewOptionalChecker("redis", limiter.Ping),
			closeFn: client.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend %q", cfg.RateLimitBackend)
	}
}

func (d *rateLimitDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}
