package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	result := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		result[string(h.Key)] = string(h.Value)
	}
	return result
}

func TestAuditPublisher_Publish(t *testing.T) {
	t.Parallel()

	enqueued := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, TopicAuditEvents, msg.Topic)

		key, _ := msg.Key.Encode()
		require.Equal(t, "u1", string(key))

		headers := headerMap(msg)
		require.Equal(t, "balance.debited", headers[HeaderEventType])
		require.Equal(t, "outbox-1", headers[HeaderOutboxID])
		require.Equal(t, "2", headers[HeaderDeliveryAttempt])

		value, _ := msg.Value.Encode()
		var envelope auditEnvelope
		require.NoError(t, json.Unmarshal(value, &envelope))
		require.Equal(t, "outbox-1", envelope.ID)
		require.Equal(t, "u1", envelope.UserID)
		require.JSONEq(t, `{"amount":"10.00"}`, string(envelope.Payload))
		require.NotNil(t, envelope.EnqueuedAt)
		require.True(t, enqueued.Equal(*envelope.EnqueuedAt))
		require.True(t, published.Equal(envelope.PublishedAt))
		return nil
	})

	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test"))
	publisher := NewOutboxPublisher(producer, "")
	publisher.clock = clock.NewFake(published)
	require.Equal(t, TopicAuditEvents, publisher.Topic())

	require.NoError(t, publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "balance",
		AggregateID:   "u1",
		EventType:     "balance.debited",
		Payload:       []byte(`{"amount":"10.00"}`),
		Attempts:      2,
		CreatedAt:     enqueued,
	}))
	require.NoError(t, mockProducer.Close())
}

func TestAuditPublisher_KeyFallsBackToOutboxID(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		require.Equal(t, "outbox-9", string(key))
		_, hasAttempt := headerMap(msg)[HeaderDeliveryAttempt]
		require.False(t, hasAttempt)

		value, _ := msg.Value.Encode()
		var envelope auditEnvelope
		require.NoError(t, json.Unmarshal(value, &envelope))
		require.Equal(t, "null", string(envelope.Payload))
		require.Nil(t, envelope.EnqueuedAt)
		return nil
	})

	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test"))
	publisher := NewOutboxPublisher(producer, TopicAuditDLQ)

	require.NoError(t, publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-9", EventType: "giftcard.issued"}))
	require.NoError(t, mockProducer.Close())
}

func TestAuditPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test"))
	publisher := NewOutboxPublisher(producer, TopicAuditDLQ)

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: "reservation",
		EventType:     "reservation.rejected",
		Payload:       []byte(`{}`),
	})
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestAuditPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicAuditEvents)
	require.ErrorIs(t, publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}), errPublisherNotInitialized)

	var nilPublisher *AuditPublisher
	require.ErrorIs(t, nilPublisher.Publish(context.Background(), domain.OutboxMessage{}), errPublisherNotInitialized)
}
