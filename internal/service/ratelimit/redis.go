package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const defaultRedisKeyPrefix = "storefront:ratelimit:"

// fixedWindowScript атомарно увеличивает счётчик и выставляет TTL окна при первом запросе.
// Возвращает {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter хранит счётчики в Redis и разделяет лимиты между инстансами.
// При недоступности Redis запрос пропускается (fail open).
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	clock   clock.Clock
	logger  *log.Entry
	metrics *metrics.Storefront
}

// NewRedisLimiter создаёт лимитер поверх go-redis клиента.
func NewRedisLimiter(client redis.UniversalClient, prefix string, options ...Option) *RedisLimiter {
	opts := buildOptions("redis-rate-limiter", options)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisLimiter{
		client:  client,
		prefix:  prefix,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Check выполняет Lua-скрипт фиксированного окна.
func (l *RedisLimiter) Check(ctx context.Context, identifier, endpoint string, policy domain.RateLimitPolicy) domain.RateLimitDecision {
	key := domain.RateLimitKey(endpoint, identifier)

	if err := policy.Validate(); err != nil {
		l.metrics.RecordRateLimit(endpoint, resultMisconfigured)
		l.logger.WithError(err).WithField("key", key).Error("rate limit policy denies every request")
		return domain.RateLimitDecision{Allowed: false}
	}

	count, ttl, err := l.increment(ctx, l.prefix+key, policy.Window)
	if err != nil {
		l.metrics.RecordRateLimit(endpoint, resultFailOpen)
		l.logger.WithError(err).WithField("key", key).Warn("redis rate limiter unavailable, allowing request")
		return domain.RateLimitDecision{
			Allowed:   true,
			Remaining: policy.MaxRequests - 1,
			ResetIn:   policy.Window,
		}
	}

	return decide(l.metrics, endpoint, policy, count, ttl)
}

// Ping проверяет доступность Redis (используется health-checker).
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLimiter) increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	raw, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("run fixed window script: %w", err)
	}
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply length %d", len(raw))
	}

	return int(raw[0]), time.Duration(raw[1]) * time.Millisecond, nil
}

var _ domain.RateLimiter = (*RedisLimiter)(nil)
