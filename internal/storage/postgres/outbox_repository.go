package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// outboxRepository хранит события аудита до публикации в брокер.
// Несколько экземпляров сервиса делят одну таблицу: захват идёт через FOR UPDATE SKIP LOCKED.
type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempts = 0

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload).Scan(&msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: duplicate id", msg.ID)
		}
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		WITH batch AS (
			SELECT id
			FROM outbox_messages
			WHERE status = 'pending'
			   OR (status = 'in_flight' AND claimed_until <= NOW())
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages AS m
		SET status = 'in_flight',
		    attempt_count = m.attempt_count + 1,
		    claimed_until = NOW() + $2::bigint * INTERVAL '1 millisecond',
		    updated_at = NOW()
		FROM batch
		WHERE m.id = batch.id
		RETURNING m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload, m.attempt_count, m.created_at
	`, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.AggregateType,
			&msg.AggregateID,
			&msg.EventType,
			&msg.Payload,
			&msg.Attempts,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox rows: %w", err)
	}

	// UPDATE ... RETURNING не гарантирует порядок строк.
	sortByCreation(claimed)
	return claimed, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.exec(ctx, "mark outbox sent", `
		UPDATE outbox_messages
		SET status = 'sent', sent_at = NOW(), claimed_until = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.exec(ctx, "mark outbox failed", `
		UPDATE outbox_messages
		SET status = 'failed', last_error = $2, claimed_until = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
}

func (r *outboxRepository) Release(ctx context.Context, id string) error {
	return r.exec(ctx, "release outbox message", `
		UPDATE outbox_messages
		SET status = CASE WHEN status = 'in_flight' THEN 'pending' ELSE status END,
		    attempt_count = CASE WHEN status = 'in_flight' THEN GREATEST(attempt_count - 1, 0) ELSE attempt_count END,
		    claimed_until = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id)
}

func (r *outboxRepository) PurgeSent(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_messages
		WHERE status = 'sent' AND sent_at < $1
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sent outbox messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for outbox purge: %w", err)
	}
	return int(affected), nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_flight'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MIN(created_at) FILTER (WHERE status IN ('pending', 'in_flight'))
		FROM outbox_messages
		WHERE status <> 'sent'
	`).Scan(&stats.PendingCount, &stats.InFlightCount, &stats.FailedCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) exec(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %v: %w", op, args[0], domain.ErrOutboxPublish)
	}
	return nil
}

func sortByCreation(msgs []domain.OutboxMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
