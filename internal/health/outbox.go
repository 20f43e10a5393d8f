package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxStatsFunc отдаёт текущий срез очереди outbox.
type OutboxStatsFunc func(ctx context.Context) (domain.OutboxStats, error)

// OutboxBacklogChecker понижает статус до degraded, если старейшее недоставленное
// событие ждёт дольше maxAge или в очереди есть окончательно упавшие сообщения.
// Покупки при этом не блокируются.
type OutboxBacklogChecker struct {
	stats  OutboxStatsFunc
	maxAge time.Duration
	now    func() time.Time
}

// NewOutboxBacklogChecker создаёт проверку очереди аудита. now == nil означает time.Now.
func NewOutboxBacklogChecker(stats OutboxStatsFunc, maxAge time.Duration, now func() time.Time) *OutboxBacklogChecker {
	if now == nil {
		now = time.Now
	}
	return &OutboxBacklogChecker{stats: stats, maxAge: maxAge, now: now}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	result := Check{Name: "outbox", Status: StatusHealthy}

	stats, err := c.stats(ctx)
	switch {
	case err != nil:
		result.Status = StatusDegraded
		result.Message = err.Error()
	case stats.FailedCount > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d messages moved to dlq", stats.FailedCount)
	case !stats.OldestPendingAt.IsZero() && c.maxAge > 0:
		if age := c.now().Sub(stats.OldestPendingAt); age > c.maxAge {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("oldest pending message waits %s", age.Truncate(time.Second))
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}
