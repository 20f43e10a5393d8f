package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 500
)

var (
	reservationSweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_reservation_sweep_runs_total",
		Help: "Total number of expired reservation sweeps grouped by result.",
	}, []string{"result"})
	reservationSweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_reservation_sweep_deleted_total",
		Help: "Total number of deleted expired stock reservations.",
	})
	reservationSweepLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_reservation_sweep_last_deleted",
		Help: "Number of expired reservations deleted during the last sweep.",
	})
)

// SweeperOptions задаёт параметры фоновой очистки истёкших резервов.
type SweeperOptions struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Interval  time.Duration
	BatchSize int
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*SweeperOptions)

// WithSweepLogger задаёт logger воркера.
func WithSweepLogger(logger *log.Entry) SweeperOption {
	return func(opts *SweeperOptions) { opts.Logger = logger }
}

// WithSweepClock задаёт источник времени.
func WithSweepClock(c clock.Clock) SweeperOption {
	return func(opts *SweeperOptions) { opts.Clock = c }
}

// WithSweepInterval задаёт интервал между проходами.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(opts *SweeperOptions) { opts.Interval = interval }
}

// WithSweepBatchSize задаёт размер batch одного удаления.
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(opts *SweeperOptions) { opts.BatchSize = batchSize }
}

// Sweeper периодически удаляет истёкшие резервы. На корректность доступного
// остатка он не влияет: истёкшие строки и так не учитываются.
type Sweeper struct {
	repo      domain.ReservationRepository
	logger    *log.Entry
	clock     clock.Clock
	interval  time.Duration
	batchSize int
}

// NewSweeper создаёт воркер очистки.
func NewSweeper(repo domain.ReservationRepository, options ...SweeperOption) *Sweeper {
	opts := SweeperOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reservation-sweeper")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}

	return &Sweeper{
		repo:      repo,
		logger:    opts.Logger,
		clock:     opts.Clock,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("reservation sweeper is disabled: repo is nil")
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		reservationSweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("reservation sweep failed")
		return
	}

	reservationSweepRunsTotal.WithLabelValues("ok").Inc()
	reservationSweepLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("expired reservations purged")
	}
}

// DeleteExpired удаляет все резервы с expires_at <= before порциями batchSize.
func (s *Sweeper) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = s.clock.Now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := s.repo.DeleteExpired(ctx, before, s.batchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			reservationSweepDeletedTotal.Add(float64(deleted))
		}
		if deleted < s.batchSize {
			break
		}
	}

	return total, nil
}
