// Package ratelimit реализует лимитер с фиксированным окном: процессный и общий на Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	resultAllowed       = "allowed"
	resultDenied        = "denied"
	resultMisconfigured = "misconfigured"
	resultFailOpen      = "fail_open"
)

type entry struct {
	count   int
	resetAt time.Time
}

// Options задаёт зависимости лимитера.
type Options struct {
	Clock   clock.Clock
	Logger  *log.Entry
	Metrics *metrics.Storefront
}

// Option настраивает лимитер.
type Option func(*Options)

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = c
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт набор метрик.
func WithMetrics(m *metrics.Storefront) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

func buildOptions(component string, options []Option) Options {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", component)
	}
	return opts
}

// MemoryLimiter хранит счётчики в памяти процесса.
type MemoryLimiter struct {
	mu            sync.Mutex
	entries       map[string]*entry
	misconfigured map[string]struct{}

	clock   clock.Clock
	logger  *log.Entry
	metrics *metrics.Storefront
}

// NewMemoryLimiter создаёт процессный лимитер.
func NewMemoryLimiter(options ...Option) *MemoryLimiter {
	opts := buildOptions("rate-limiter", options)
	return &MemoryLimiter{
		entries:       make(map[string]*entry),
		misconfigured: make(map[string]struct{}),
		clock:         opts.Clock,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// Check увеличивает счётчик ключа endpoint:identifier и сравнивает его с лимитом.
// Инкремент и сравнение выполняются под одной блокировкой.
func (l *MemoryLimiter) Check(_ context.Context, identifier, endpoint string, policy domain.RateLimitPolicy) domain.RateLimitDecision {
	key := domain.RateLimitKey(endpoint, identifier)

	if err := policy.Validate(); err != nil {
		l.reportMisconfigured(key, endpoint, policy)
		return domain.RateLimitDecision{Allowed: false}
	}

	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(policy.Window)}
		l.entries[key] = e
		l.mu.Unlock()

		l.metrics.RecordRateLimit(endpoint, resultAllowed)
		return domain.RateLimitDecision{
			Allowed:   true,
			Remaining: policy.MaxRequests - 1,
			ResetIn:   policy.Window,
		}
	}

	e.count++
	count, resetAt := e.count, e.resetAt
	l.mu.Unlock()

	return decide(l.metrics, endpoint, policy, count, resetAt.Sub(now))
}

// Sweep удаляет записи, окно которых уже истекло.
func (l *MemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len возвращает число отслеживаемых ключей.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLimiter) reportMisconfigured(key, endpoint string, policy domain.RateLimitPolicy) {
	l.mu.Lock()
	_, seen := l.misconfigured[key]
	l.misconfigured[key] = struct{}{}
	l.mu.Unlock()

	l.metrics.RecordRateLimit(endpoint, resultMisconfigured)
	if seen {
		return
	}
	l.logger.WithError(domain.ErrRateLimitMisconfigured).WithFields(log.Fields{
		"key":          key,
		"max_requests": policy.MaxRequests,
		"window":       policy.Window.String(),
	}).Error("rate limit policy denies every request")
}

func decide(m *metrics.Storefront, endpoint string, policy domain.RateLimitPolicy, count int, resetIn time.Duration) domain.RateLimitDecision {
	remaining := policy.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	if resetIn < 0 {
		resetIn = 0
	}

	allowed := count <= policy.MaxRequests
	if allowed {
		m.RecordRateLimit(endpoint, resultAllowed)
	} else {
		m.RecordRateLimit(endpoint, resultDenied)
	}

	return domain.RateLimitDecision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

var _ domain.RateLimiter = (*MemoryLimiter)(nil)
