// Package outbox доставляет события аудита из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultClaimLease     = 30 * time.Second
	defaultRetention      = 24 * time.Hour
	defaultPurgeInterval  = 10 * time.Minute
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_outbox_publish_attempts_total",
		Help: "Total number of outbox publish attempts grouped by result.",
	}, []string{"result"})
	outboxRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storefront_outbox_records",
		Help: "Current number of undelivered audit records in transactional outbox grouped by state.",
	}, []string{"state"})
	outboxPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_outbox_purged_total",
		Help: "Total number of delivered outbox records removed by retention.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Clock          clock.Clock
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ClaimLease     time.Duration
	Retention      time.Duration
	PurgeInterval  time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithClock задаёт источник времени для backlog-метрик и DLQ-конверта.
func WithClock(c clock.Clock) Option {
	return func(opts *WorkerOptions) { opts.Clock = c }
}

// WithDLQPublisher задаёт publisher для отправки в DLQ после исчерпания retry.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// WithClaimLease задаёт, насколько воркер захватывает сообщение.
// Lease должен покрывать все попытки публикации одного сообщения.
func WithClaimLease(lease time.Duration) Option {
	return func(opts *WorkerOptions) { opts.ClaimLease = lease }
}

// WithRetention задаёт, сколько хранить доставленные сообщения; 0 отключает очистку.
func WithRetention(retention time.Duration) Option {
	return func(opts *WorkerOptions) { opts.Retention = retention }
}

// WithPurgeInterval задаёт частоту очистки доставленных сообщений.
func WithPurgeInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PurgeInterval = interval }
}

// Worker публикует pending-сообщения из outbox.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	clock          clock.Clock
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	claimLease     time.Duration
	retention      time.Duration
	purgeInterval  time.Duration
	lastPurge      time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		ClaimLease:     defaultClaimLease,
		Retention:      defaultRetention,
		PurgeInterval:  defaultPurgeInterval,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}
	if opts.Retention < 0 {
		opts.Retention = 0
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = defaultPurgeInterval
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		dlqPublisher:   opts.DLQPublisher,
		logger:         opts.Logger,
		clock:          opts.Clock,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		claimLease:     opts.ClaimLease,
		retention:      opts.Retention,
		purgeInterval:  opts.PurgeInterval,
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл и возвращает число доставленных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	w.refreshBacklogMetrics(ctx)
	w.purgeIfDue(ctx)

	batch, err := w.repo.ClaimPending(ctx, w.batchSize, w.claimLease)
	if err != nil {
		w.logger.WithError(err).Warn("failed to claim outbox messages")
		return 0
	}

	sent := 0
	for i, msg := range batch {
		if ctx.Err() != nil {
			w.release(batch[i:])
			break
		}
		if w.deliver(ctx, msg) {
			sent++
		}
	}

	if len(batch) > 0 {
		w.refreshBacklogMetrics(ctx)
	}
	return sent
}

// deliver публикует одно сообщение. Исчерпав попытки, отправляет его в DLQ и помечает failed.
// Сообщение, захваченное больше maxAttempts раз, считается отравленным и сразу уходит в DLQ.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) bool {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"attempts":   msg.Attempts,
	})

	var err error
	if msg.Attempts > w.maxAttempts {
		err = fmt.Errorf("%w: claimed %d times without acknowledgement", domain.ErrOutboxPublish, msg.Attempts)
	} else {
		err = w.publishWithRetry(ctx, msg)
	}
	if err == nil {
		if markErr := w.repo.MarkSent(ctx, msg.ID); markErr != nil {
			entry.WithError(markErr).Warn("failed to mark outbox as sent")
		}
		return true
	}
	if ctx.Err() != nil {
		w.release([]domain.OutboxMessage{msg})
		return false
	}

	entry.WithError(err).Error("outbox publish failed after retries")
	outboxPublishAttempts.WithLabelValues("failed").Inc()

	if dlqErr := w.publishToDLQ(ctx, msg, err); dlqErr != nil {
		entry.WithError(dlqErr).Warn("failed to publish to DLQ")
		outboxPublishAttempts.WithLabelValues("dlq_failed").Inc()
	}
	if markErr := w.repo.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
		entry.WithError(markErr).Warn("failed to mark outbox as failed")
	}
	return false
}

// release возвращает необработанные сообщения в очередь при остановке воркера.
func (w *Worker) release(msgs []domain.OutboxMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, msg := range msgs {
		if err := w.repo.Release(ctx, msg.ID); err != nil {
			w.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to release outbox message")
		}
	}
}

func (w *Worker) purgeIfDue(ctx context.Context) {
	if w.retention <= 0 {
		return
	}
	now := w.clock.Now()
	if !w.lastPurge.IsZero() && now.Sub(w.lastPurge) < w.purgeInterval {
		return
	}
	w.lastPurge = now

	purged, err := w.repo.PurgeSent(ctx, now.Add(-w.retention))
	if err != nil {
		w.logger.WithError(err).Warn("failed to purge delivered outbox messages")
		return
	}
	if purged > 0 {
		outboxPurged.Add(float64(purged))
		w.logger.WithField("purged", purged).Debug("delivered outbox messages purged")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			outboxPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err
		outboxPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt >= w.maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxRecords.WithLabelValues("pending").Set(float64(stats.PendingCount))
	outboxRecords.WithLabelValues("in_flight").Set(float64(stats.InFlightCount))
	outboxRecords.WithLabelValues("failed").Set(float64(stats.FailedCount))
	if stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := w.clock.Now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

// dlqEnvelope задаёт конверт сообщения в DLQ-топике.
type dlqEnvelope struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	EnqueuedAt     string          `json:"enqueued_at,omitempty"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt string          `json:"dlq_published_at"`
}

func (w *Worker) publishToDLQ(ctx context.Context, event domain.OutboxMessage, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		raw, _ := json.Marshal(string(event.Payload))
		payload = raw
	}

	body, err := json.Marshal(dlqEnvelope{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        payload,
		Attempts:       event.Attempts,
		EnqueuedAt:     formatTime(event.CreatedAt),
		PublishError:   publishErr.Error(),
		DLQPublishedAt: w.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = body
	if err := w.dlqPublisher.Publish(ctx, dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
