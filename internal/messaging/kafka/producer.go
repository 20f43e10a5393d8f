// Package kafka публикует события аудита витрины в Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	errNoBrokers = errors.New("kafka brokers are not configured")

	kafkaMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_kafka_messages_total",
		Help: "Total number of messages sent to Kafka grouped by topic and result.",
	}, []string{"topic", "result"})
)

// Producer публикует JSON-сообщения в Kafka через sarama.SyncProducer.
type Producer struct {
	producer sarama.SyncProducer
	// client есть только у producer, созданного через NewProducer; по нему проверяется связность.
	client sarama.Client
	logger *log.Entry
}

// NewProducer создаёт producer с идемпотентной доставкой и подтверждением от всех реплик.
func NewProducer(brokers []string, clientID string, logger *log.Entry) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}

	client, err := sarama.NewClient(brokers, newProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := NewProducerFromSync(producer, logger)
	p.client = client
	return p, nil
}

// NewProducerFromSync оборачивает готовый SyncProducer (используется в тестах с sarama/mocks).
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}
}

func newProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // обязательно для идемпотентного producer
	config.Net.DialTimeout = 5 * time.Second
	config.Metadata.Retry.Max = 2
	return config
}

// PublishEvent сериализует event в JSON и синхронно отправляет его в topic.
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, event any, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal kafka event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for name, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(v)})
	}

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		kafkaMessages.WithLabelValues(topic, "error").Inc()
		entry.WithError(err).Error("failed to send message to kafka")
		return fmt.Errorf("send kafka message: %w", err)
	}
	kafkaMessages.WithLabelValues(topic, "sent").Inc()

	entry.WithFields(log.Fields{
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")
	return nil
}

// Ping проверяет, что кластер отвечает на запрос метаданных.
// Producer без собственного клиента (моки) считается доступным.
func (p *Producer) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.client.RefreshMetadata() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("refresh kafka metadata: %w", err)
		}
	}
	if len(p.client.Brokers()) == 0 {
		return errNoBrokers
	}
	return nil
}

// Close закрывает producer и его клиента.
func (p *Producer) Close() error {
	var errs []error
	if err := p.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka client: %w", err))
		}
	}
	return errors.Join(errs...)
}
