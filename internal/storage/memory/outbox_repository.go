package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type outboxState int

const (
	outboxPending outboxState = iota
	outboxInFlight
	outboxSent
	outboxFailed
)

type outboxRecord struct {
	msg          domain.OutboxMessage
	seq          uint64
	state        outboxState
	claimedUntil time.Time
	lastError    string
	sentAt       time.Time
}

// available сообщает, можно ли захватить запись в момент now.
func (r *outboxRecord) available(now time.Time) bool {
	switch r.state {
	case outboxPending:
		return true
	case outboxInFlight:
		return !r.claimedUntil.After(now)
	default:
		return false
	}
}

// OutboxOption настраивает in-memory outbox.
type OutboxOption func(*outboxRepositoryInMemory)

// WithOutboxClock задаёт источник времени для lease и отметок доставки.
func WithOutboxClock(c clock.Clock) OutboxOption {
	return func(r *outboxRepositoryInMemory) { r.clock = c }
}

type outboxRepositoryInMemory struct {
	mu      sync.Mutex
	clock   clock.Clock
	seq     uint64
	records map[string]*outboxRecord
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository(opts ...OutboxOption) *outboxRepositoryInMemory {
	r := &outboxRepositoryInMemory{clock: clock.System{}, records: make(map[string]*outboxRecord)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *outboxRepositoryInMemory) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempts = 0
	msg.CreatedAt = r.clock.Now()
	r.seq++
	r.records[msg.ID] = &outboxRecord{msg: msg, seq: r.seq}
	return msg, nil
}

// ClaimPending захватывает до limit доступных сообщений в порядке добавления.
func (r *outboxRepositoryInMemory) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	now := r.clock.Now()

	var claimed []domain.OutboxMessage
	for _, rec := range r.orderedLocked() {
		if len(claimed) == limit {
			break
		}
		if !rec.available(now) {
			continue
		}
		rec.state = outboxInFlight
		rec.claimedUntil = now.Add(lease)
		rec.msg.Attempts++
		claimed = append(claimed, rec.msg)
	}
	return claimed, nil
}

func (r *outboxRepositoryInMemory) MarkSent(_ context.Context, id string) error {
	return r.update(id, func(rec *outboxRecord, now time.Time) {
		rec.state = outboxSent
		rec.sentAt = now
		rec.claimedUntil = time.Time{}
	})
}

func (r *outboxRepositoryInMemory) MarkFailed(_ context.Context, id, reason string) error {
	return r.update(id, func(rec *outboxRecord, _ time.Time) {
		rec.state = outboxFailed
		rec.lastError = reason
		rec.claimedUntil = time.Time{}
	})
}

func (r *outboxRepositoryInMemory) Release(_ context.Context, id string) error {
	return r.update(id, func(rec *outboxRecord, _ time.Time) {
		if rec.state != outboxInFlight {
			return
		}
		rec.state = outboxPending
		rec.claimedUntil = time.Time{}
		if rec.msg.Attempts > 0 {
			rec.msg.Attempts--
		}
	})
}

func (r *outboxRepositoryInMemory) PurgeSent(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, rec := range r.records {
		if rec.state == outboxSent && rec.sentAt.Before(before) {
			delete(r.records, id)
			purged++
		}
	}
	return purged, nil
}

// Stats считает backlog; самым старым считается неотправленное сообщение, ожидающее захвата или в полёте.
func (r *outboxRepositoryInMemory) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, rec := range r.orderedLocked() {
		switch rec.state {
		case outboxPending:
			stats.PendingCount++
		case outboxInFlight:
			stats.InFlightCount++
		case outboxFailed:
			stats.FailedCount++
			continue
		default:
			continue
		}
		if stats.OldestPendingAt.IsZero() {
			stats.OldestPendingAt = rec.msg.CreatedAt
		}
	}
	return stats, nil
}

// AllPending возвращает копию неотправленных и не проваленных сообщений (используется в тестах).
func (r *outboxRepositoryInMemory) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.OutboxMessage
	for _, rec := range r.orderedLocked() {
		if rec.state == outboxPending || rec.state == outboxInFlight {
			result = append(result, rec.msg)
		}
	}
	return result
}

// LastError возвращает причину провала доставки сообщения (используется в тестах).
func (r *outboxRepositoryInMemory) LastError(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		return rec.lastError
	}
	return ""
}

func (r *outboxRepositoryInMemory) update(id string, fn func(rec *outboxRecord, now time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	fn(rec, r.clock.Now())
	return nil
}

func (r *outboxRepositoryInMemory) orderedLocked() []*outboxRecord {
	records := make([]*outboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })
	return records
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)
