// Package audit доставляет события аудита в transactional outbox асинхронно,
// не задерживая операции с резервами и балансами.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const defaultQueueSize = 1024

// Options задаёт параметры Dispatcher.
type Options struct {
	Logger    *log.Entry
	Metrics   *metrics.Storefront
	QueueSize int
}

// Option настраивает Dispatcher.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт набор метрик.
func WithMetrics(m *metrics.Storefront) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithQueueSize задаёт ёмкость буфера событий.
func WithQueueSize(size int) Option {
	return func(opts *Options) { opts.QueueSize = size }
}

// Dispatcher реализует domain.AuditSink: Record кладёт событие в буфер, а фоновая
// горутина сохраняет его в outbox. При переполнении буфера событие отбрасывается.
type Dispatcher struct {
	repo    domain.OutboxRepository
	queue   chan domain.AuditEvent
	logger  *log.Entry
	metrics *metrics.Storefront

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher создаёт диспетчер поверх outbox-хранилища.
func NewDispatcher(repo domain.OutboxRepository, options ...Option) *Dispatcher {
	opts := Options{QueueSize: defaultQueueSize}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "audit-dispatcher")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	return &Dispatcher{
		repo:    repo,
		queue:   make(chan domain.AuditEvent, opts.QueueSize),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
}

// Record ставит событие в очередь и никогда не блокирует вызывающего.
func (d *Dispatcher) Record(_ context.Context, event domain.AuditEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.RecordAuditEvent("dropped")
		return
	}

	select {
	case d.queue <- event:
		d.metrics.SetAuditQueueDepth(len(d.queue))
	default:
		d.metrics.RecordAuditEvent("dropped")
		d.logger.WithFields(log.Fields{
			"event_type": event.Type,
			"user_id":    event.UserID,
		}).Warn("audit queue is full, event dropped")
	}
}

// Run сохраняет события до отмены ctx, затем дренирует остаток очереди.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			d.stop()
			d.drain()
			return
		case event := <-d.queue:
			d.persist(context.WithoutCancel(ctx), event)
		}
	}
}

// Wait блокируется до завершения Run.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.persist(context.Background(), event)
		default:
			d.metrics.SetAuditQueueDepth(0)
			return
		}
	}
}

// persist пишет событие в outbox; паника хранилища не останавливает диспетчер.
func (d *Dispatcher) persist(ctx context.Context, event domain.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordAuditEvent("failed")
			d.logger.WithField("panic", r).WithField("event_type", event.Type).Error("audit persist panicked")
		}
	}()
	defer d.metrics.SetAuditQueueDepth(len(d.queue))

	msg, err := ToOutboxMessage(event)
	if err != nil {
		d.metrics.RecordAuditEvent("failed")
		d.logger.WithError(err).WithField("event_type", event.Type).Error("failed to encode audit event")
		return
	}

	if _, err := d.repo.Enqueue(ctx, msg); err != nil {
		d.metrics.RecordAuditEvent("failed")
		d.logger.WithError(err).WithField("event_type", event.Type).Error("failed to enqueue audit event")
		return
	}
	d.metrics.RecordAuditEvent("stored")
}

// eventPayload задаёт JSON-представление события в outbox.
type eventPayload struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ToOutboxMessage преобразует событие аудита в outbox-сообщение.
func ToOutboxMessage(event domain.AuditEvent) (domain.OutboxMessage, error) {
	if event.Type == "" {
		return domain.OutboxMessage{}, fmt.Errorf("audit event type is empty")
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(eventPayload{
		Type:       string(event.Type),
		UserID:     event.UserID,
		Attributes: event.Attributes,
		OccurredAt: occurredAt.UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal audit event: %w", err)
	}

	return domain.OutboxMessage{
		AggregateType: event.AggregateType(),
		AggregateID:   event.UserID,
		EventType:     string(event.Type),
		Payload:       payload,
	}, nil
}

var _ domain.AuditSink = (*Dispatcher)(nil)
