package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// AuditPublisher публикует события аудита из outbox в один Kafka topic.
type AuditPublisher struct {
	producer *Producer
	topic    string
	clock    clock.Clock
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает топик событий аудита.
func NewOutboxPublisher(producer *Producer, topic string) *AuditPublisher {
	if topic == "" {
		topic = TopicAuditEvents
	}
	return &AuditPublisher{producer: producer, topic: topic, clock: clock.System{}}
}

// Topic возвращает топик, в который пишет паблишер.
func (p *AuditPublisher) Topic() string {
	return p.topic
}

// auditEnvelope описывает тело сообщения в топике событий аудита.
type auditEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	UserID        string          `json:"user_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    *time.Time      `json:"enqueued_at,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Publish отправляет сообщение. Ключ партиционирования — пользователь события,
// поэтому события одного пользователя читаются в порядке записи.
func (p *AuditPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}

	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	envelope := auditEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		UserID:        msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   p.clock.Now().UTC(),
	}
	if !msg.CreatedAt.IsZero() {
		enqueued := msg.CreatedAt.UTC()
		envelope.EnqueuedAt = &enqueued
	}

	headers := map[string]string{
		HeaderEventType:     msg.EventType,
		HeaderAggregateType: msg.AggregateType,
		HeaderOutboxID:      msg.ID,
	}
	if msg.Attempts > 0 {
		headers[HeaderDeliveryAttempt] = strconv.Itoa(msg.Attempts)
	}

	return p.producer.PublishEvent(ctx, p.topic, key, envelope, headers)
}

var _ domain.OutboxPublisher = (*AuditPublisher)(nil)
