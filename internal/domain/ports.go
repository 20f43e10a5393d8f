package domain

import (
	"context"
	"time"
)

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository хранит события аудита до доставки в брокер.
//
// Доставка идёт через захват: ClaimPending выдаёт сообщение одному воркеру на время lease.
// Если воркер не подтвердил доставку до конца lease, сообщение снова становится доступным.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed окончательно снимает сообщение с доставки и запоминает причину.
	MarkFailed(ctx context.Context, id, reason string) error
	// Release возвращает захваченное сообщение в очередь без траты попытки.
	Release(ctx context.Context, id string) error
	// PurgeSent удаляет доставленные сообщения старше before.
	PurgeSent(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (OutboxStats, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	// Attempts — сколько раз сообщение уже захватывалось, включая текущий захват.
	Attempts  int
	CreatedAt time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	InFlightCount   int
	FailedCount     int
	OldestPendingAt time.Time
}
