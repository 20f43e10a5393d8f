package app

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/audit"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer(" , ", "storefront", logger)

	if err != nil {
		t.Errorf("expected no error for empty brokers, got %v", err)
	}
	if producer != nil {
		t.Error("expected nil producer for empty brokers")
	}
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	// Используем несуществующий broker
	producer, err := initKafkaProducer("invalid-broker:9999", "storefront", logger)

	if err == nil {
		t.Error("expected error for invalid brokers")
	}
	if producer != nil {
		t.Error("expected nil producer on error")
	}
}

func TestSplitBrokers(t *testing.T) {
	brokers := splitBrokers("broker1:9092, broker2:9092,,broker3:9092 ")
	if len(brokers) != 3 {
		t.Fatalf("expected 3 brokers, got %v", brokers)
	}
	if brokers[1] != "broker2:9092" {
		t.Fatalf("expected trimmed broker, got %q", brokers[1])
	}
}

func TestOutboxPublishers(t *testing.T) {
	logger := log.WithField("test", "kafka")
	cfg := DefaultConfig()

	publisher, dlq := outboxPublishers(nil, cfg, logger)
	if _, ok := publisher.(*audit.LogPublisher); !ok {
		t.Fatalf("expected log publisher without kafka, got %T", publisher)
	}
	if dlq != nil {
		t.Fatal("expected no dlq publisher without kafka")
	}

	producer := kafka.NewProducerFromSync(nil, logger)
	publisher, dlq = outboxPublishers(producer, cfg, logger)
	if _, ok := publisher.(*kafka.AuditPublisher); !ok {
		t.Fatalf("expected kafka publisher, got %T", publisher)
	}
	if dlq == nil {
		t.Fatal("expected dlq publisher with kafka")
	}
	if got := publisher.(*kafka.AuditPublisher).Topic(); got != cfg.AuditTopic {
		t.Fatalf("expected events topic %s, got %s", cfg.AuditTopic, got)
	}
	if got := dlq.(*kafka.AuditPublisher).Topic(); got != cfg.AuditDLQTopic {
		t.Fatalf("expected dlq topic %s, got %s", cfg.AuditDLQTopic, got)
	}
}

func TestCloseKafka_NilProducer(t *testing.T) {
	logger := log.WithField("test", "kafka")

	// Не должно паниковать
	closeKafka(nil, logger)
}
