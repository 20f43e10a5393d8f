package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
)

const defaultSweepInterval = time.Minute

var rateLimitEntriesSwept = promauto.NewCounter(prometheus.CounterOpts{
	Name: "storefront_rate_limit_entries_swept_total",
	Help: "Total number of expired rate limit entries removed by the janitor.",
})

// Sweeper хранит счётчики и умеет удалять истёкшие окна.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Janitor периодически чистит истёкшие окна процессного лимитера.
type Janitor struct {
	target   Sweeper
	clock    clock.Clock
	interval time.Duration
	logger   *log.Entry
}

// NewJanitor создаёт фоновый чистильщик.
func NewJanitor(target Sweeper, interval time.Duration, c clock.Clock, logger *log.Entry) *Janitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = log.WithField("component", "rate-limit-janitor")
	}
	return &Janitor{target: target, clock: c, interval: interval, logger: logger}
}

// Run выполняет Sweep по тикеру до отмены ctx.
func (j *Janitor) Run(ctx context.Context) {
	if j.target == nil {
		j.logger.Warn("rate limit janitor is disabled: target is nil")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce выполняет одну чистку.
func (j *Janitor) RunOnce() int {
	removed := j.target.Sweep(j.clock.Now())
	if removed > 0 {
		rateLimitEntriesSwept.Add(float64(removed))
		j.logger.WithField("removed", removed).Debug("expired rate limit entries removed")
	}
	return removed
}
