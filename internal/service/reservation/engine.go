// Package reservation удерживает остатки товаров под корзины пользователей
// на фиксированное время и гарантирует отсутствие overselling.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Options задаёт зависимости движка резервов.
type Options struct {
	Clock   clock.Clock
	TTL     time.Duration
	Audit   domain.AuditSink
	Logger  *log.Entry
	Metrics *metrics.Storefront
}

// Option настраивает Engine.
type Option func(*Options)

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) { opts.Clock = c }
}

// WithTTL переопределяет время жизни резерва.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) { opts.TTL = ttl }
}

// WithAudit задаёт получателя событий аудита.
func WithAudit(sink domain.AuditSink) Option {
	return func(opts *Options) { opts.Audit = sink }
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт набор метрик.
func WithMetrics(m *metrics.Storefront) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// Engine управляет резервами корзины.
type Engine struct {
	repo    domain.ReservationRepository
	clock   clock.Clock
	ttl     time.Duration
	audit   domain.AuditSink
	logger  *log.Entry
	metrics *metrics.Storefront
}

// NewEngine создаёт движок резервов поверх хранилища.
func NewEngine(repo domain.ReservationRepository, options ...Option) *Engine {
	opts := Options{TTL: domain.ReservationTTL}
	for _, option := range options {
		option(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.ReservationTTL
	}
	if opts.Audit == nil {
		opts.Audit = domain.NopAuditSink{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reservation-engine")
	}

	return &Engine{
		repo:    repo,
		clock:   opts.Clock,
		ttl:     opts.TTL,
		audit:   opts.Audit,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Reserve заменяет корзину пользователя новым набором резервов.
// Если хотя бы на одну позицию не хватает остатка, прежние резервы сохраняются
// и новые не создаются.
func (e *Engine) Reserve(ctx context.Context, userID string, items []domain.ReservationItem) (time.Time, error) {
	started := time.Now()
	defer func() { e.metrics.ObserveDuration("reserve", time.Since(started)) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return time.Time{}, domain.ErrUserIDRequired
	}
	normalized, err := domain.NormalizeItems(items)
	if err != nil {
		return time.Time{}, err
	}

	now := e.clock.Now()
	expiresAt := now.Add(e.ttl)

	err = e.repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		if _, err := tx.DeleteByUser(ctx, userID); err != nil {
			return err
		}

		rows := make([]domain.StockReservation, 0, len(normalized))
		for _, item := range normalized {
			available, err := availableLocked(ctx, tx, item.ProductID, now)
			if err != nil {
				return err
			}
			if available < item.Quantity {
				return &domain.InsufficientStockError{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Available: available,
				}
			}
			rows = append(rows, domain.StockReservation{
				ID:        uuid.NewString(),
				UserID:    userID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				ExpiresAt: expiresAt,
				CreatedAt: now,
			})
		}

		return tx.CreateBatch(ctx, rows)
	})
	if err != nil {
		e.recordReserveFailure(ctx, userID, err)
		return time.Time{}, err
	}

	e.metrics.RecordReservation("created")
	e.logger.WithFields(log.Fields{
		"user_id":    userID,
		"items":      len(normalized),
		"expires_at": expiresAt.Format(time.RFC3339),
	}).Debug("stock reserved")
	e.audit.Record(ctx, domain.AuditEvent{
		Type:   domain.AuditReservationCreated,
		UserID: userID,
		Attributes: map[string]string{
			"items":      strconv.Itoa(len(normalized)),
			"products":   joinProducts(normalized),
			"expires_at": expiresAt.Format(time.RFC3339),
		},
		OccurredAt: now,
	})

	return expiresAt, nil
}

// AvailableStock возвращает остаток товара за вычетом активных резервов.
func (e *Engine) AvailableStock(ctx context.Context, productID string) (int64, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, domain.ErrProductIDRequired
	}

	now := e.clock.Now()
	var available int64
	err := e.repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		var err error
		available, err = availableLocked(ctx, tx, productID, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}

// Release удаляет все резервы пользователя и возвращает их количество.
func (e *Engine) Release(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, domain.ErrUserIDRequired
	}

	var released int
	err := e.repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		var err error
		released, err = tx.DeleteByUser(ctx, userID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release reservations: %w", err)
	}

	if released > 0 {
		e.metrics.RecordReservation("released")
		e.audit.Record(ctx, domain.AuditEvent{
			Type:       domain.AuditReservationReleased,
			UserID:     userID,
			Attributes: map[string]string{"released": strconv.Itoa(released)},
			OccurredAt: e.clock.Now(),
		})
	}
	return released, nil
}

// Holdings возвращает активные резервы пользователя.
func (e *Engine) Holdings(ctx context.Context, userID string) ([]domain.StockReservation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}

	now := e.clock.Now()
	var held []domain.StockReservation
	err := e.repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		var err error
		held, err = tx.ListByUser(ctx, userID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	return held, nil
}

// CommitPurchase списывает удержанное количество со склада и удаляет резервы
// пользователя одной транзакцией. Без активных резервов возвращает ErrReservationNotFound.
func (e *Engine) CommitPurchase(ctx context.Context, userID string) ([]domain.StockReservation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}

	now := e.clock.Now()
	var committed []domain.StockReservation
	err := e.repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		held, err := tx.ListByUser(ctx, userID, now)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return domain.ErrReservationNotFound
		}

		for _, res := range held {
			if _, err := tx.ProductStock(ctx, res.ProductID); err != nil {
				return mapProductErr(err)
			}
			if err := tx.DecrementStock(ctx, res.ProductID, res.Quantity); err != nil {
				return err
			}
		}
		if _, err := tx.DeleteByUser(ctx, userID); err != nil {
			return err
		}
		committed = held
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordReservation("committed")
	return committed, nil
}

// availableLocked блокирует товар, чистит его истёкшие резервы и считает доступный остаток.
func availableLocked(ctx context.Context, tx domain.ReservationTx, productID string, now time.Time) (int64, error) {
	stock, err := tx.ProductStock(ctx, productID)
	if err != nil {
		return 0, mapProductErr(err)
	}
	if _, err := tx.PurgeExpired(ctx, productID, now); err != nil {
		return 0, err
	}
	held, err := tx.SumActive(ctx, productID, now)
	if err != nil {
		return 0, err
	}

	available := stock - held
	if available < 0 {
		available = 0
	}
	return available, nil
}

func mapProductErr(err error) error {
	if errors.Is(err, domain.ErrProductNotFound) {
		return domain.ErrInvalidReference
	}
	return err
}

func (e *Engine) recordReserveFailure(ctx context.Context, userID string, err error) {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		e.metrics.RecordReservation("rejected")
		e.audit.Record(ctx, domain.AuditEvent{
			Type:   domain.AuditReservationRejected,
			UserID: userID,
			Attributes: map[string]string{
				"product_id": stockErr.ProductID,
				"requested":  strconv.FormatInt(stockErr.Requested, 10),
				"available":  strconv.FormatInt(stockErr.Available, 10),
			},
			OccurredAt: e.clock.Now(),
		})
	case errors.Is(err, domain.ErrInvalidReference):
		e.metrics.RecordReservation("invalid_reference")
	default:
		e.metrics.RecordReservation("error")
		e.logger.WithError(err).WithField("user_id", userID).Error("reserve transaction failed")
	}
}

func joinProducts(items []domain.ReservationItem) string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return strings.Join(ids, ",")
}
