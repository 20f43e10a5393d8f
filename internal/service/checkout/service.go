// Package checkout подтверждает покупку: списывает средства и переводит резервы
// корзины в фактическое списание со склада. При сбое фиксации резервов
// списание компенсируется возвратом.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/ledger"
)

// Reservations выделяет часть движка резервов, нужную для подтверждения покупки.
type Reservations interface {
	Holdings(ctx context.Context, userID string) ([]domain.StockReservation, error)
	CommitPurchase(ctx context.Context, userID string) ([]domain.StockReservation, error)
}

// Ledger выделяет часть сервиса балансов, нужную для подтверждения покупки.
type Ledger interface {
	Debit(ctx context.Context, req ledger.DebitRequest) (domain.MutationResult, error)
	Refund(ctx context.Context, req ledger.RefundRequest) (domain.MutationResult, error)
	LookupDebit(ctx context.Context, userID, key string) (domain.MutationResult, bool, error)
}

// ConfirmRequest описывает подтверждение корзины пользователя.
type ConfirmRequest struct {
	UserID         string
	OrderID        string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Receipt содержит результат подтверждения.
type Receipt struct {
	OrderID          string
	TransactionID    string
	NewBalance       decimal.Decimal
	Items            []domain.StockReservation
	AlreadyProcessed bool
}

// Option настраивает Service.
type Option func(*Service)

// WithRetryConfig задаёт политику повтора списания.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) { s.retry = cfg.normalized() }
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithAudit задаёт получателя событий аудита.
func WithAudit(sink domain.AuditSink) Option {
	return func(s *Service) { s.audit = sink }
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics задаёт набор метрик.
func WithMetrics(m *metrics.Storefront) Option {
	return func(s *Service) { s.metrics = m }
}

// Service подтверждает покупки.
type Service struct {
	reservations Reservations
	ledger       Ledger
	retry        RetryConfig
	clock        clock.Clock
	audit        domain.AuditSink
	logger       *log.Entry
	metrics      *metrics.Storefront
}

// NewService создаёт сервис подтверждения покупок.
func NewService(reservations Reservations, balances Ledger, options ...Option) *Service {
	s := &Service{
		reservations: reservations,
		ledger:       balances,
		retry:        DefaultRetryConfig(),
		clock:        clock.System{},
		audit:        domain.NopAuditSink{},
		logger:       log.WithField("component", "checkout"),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Confirm списывает средства за удержанные позиции и фиксирует покупку.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (Receipt, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveDuration("checkout", time.Since(started)) }()

	req.UserID = strings.TrimSpace(req.UserID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.UserID == "" {
		return Receipt{}, domain.ErrUserIDRequired
	}
	if req.OrderID == "" {
		return Receipt{}, domain.ErrTraceabilityRequired
	}

	logger := s.logger.WithFields(log.Fields{
		"user_id":  req.UserID,
		"order_id": req.OrderID,
	})

	held, err := s.reservations.Holdings(ctx, req.UserID)
	if err != nil {
		s.metrics.RecordCheckout("error")
		return Receipt{}, fmt.Errorf("load holdings: %w", err)
	}
	if len(held) == 0 {
		return s.replayOrMissing(ctx, req)
	}

	var debit domain.MutationResult
	err = retryOnConflict(ctx, s.retry, logger, func() { s.metrics.RecordLedgerRetry("debit") }, func() error {
		var debitErr error
		debit, debitErr = s.ledger.Debit(ctx, ledger.DebitRequest{
			UserID:         req.UserID,
			Amount:         req.Amount,
			OrderID:        req.OrderID,
			Description:    "checkout " + req.OrderID,
			IdempotencyKey: req.IdempotencyKey,
		})
		return debitErr
	})
	if err != nil {
		s.metrics.RecordCheckout("debit_failed")
		return Receipt{}, err
	}
	if debit.AlreadyProcessed {
		s.metrics.RecordCheckout("replayed")
		return Receipt{
			OrderID:          req.OrderID,
			TransactionID:    debit.TransactionID,
			NewBalance:       debit.NewBalance,
			AlreadyProcessed: true,
		}, nil
	}

	committed, err := s.reservations.CommitPurchase(ctx, req.UserID)
	if err != nil {
		return Receipt{}, s.compensate(ctx, logger, req, err)
	}

	s.metrics.RecordCheckout("completed")
	s.audit.Record(ctx, domain.AuditEvent{
		Type:   domain.AuditCheckoutCompleted,
		UserID: req.UserID,
		Attributes: map[string]string{
			"order_id":       req.OrderID,
			"amount":         req.Amount.StringFixed(2),
			"transaction_id": debit.TransactionID,
			"items":          strconv.Itoa(len(committed)),
		},
		OccurredAt: s.clock.Now(),
	})
	logger.WithField("transaction_id", debit.TransactionID).Info("checkout completed")

	return Receipt{
		OrderID:       req.OrderID,
		TransactionID: debit.TransactionID,
		NewBalance:    debit.NewBalance,
		Items:         committed,
	}, nil
}

// replayOrMissing отличает повтор уже подтверждённой покупки от пустой корзины.
func (s *Service) replayOrMissing(ctx context.Context, req ConfirmRequest) (Receipt, error) {
	result, found, err := s.ledger.LookupDebit(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		s.metrics.RecordCheckout("error")
		return Receipt{}, err
	}
	if !found {
		s.metrics.RecordCheckout("no_reservation")
		return Receipt{}, domain.ErrReservationNotFound
	}

	s.metrics.RecordCheckout("replayed")
	return Receipt{
		OrderID:          req.OrderID,
		TransactionID:    result.TransactionID,
		NewBalance:       result.NewBalance,
		AlreadyProcessed: true,
	}, nil
}

// compensate возвращает списанные средства после неудачной фиксации резервов.
func (s *Service) compensate(ctx context.Context, logger *log.Entry, req ConfirmRequest, commitErr error) error {
	refundKey := "refund:" + req.OrderID
	if req.IdempotencyKey != "" {
		refundKey = "refund:" + req.IdempotencyKey
	}

	logger.WithError(commitErr).Warn("commit purchase failed, compensating debit")

	err := retryOnConflict(context.WithoutCancel(ctx), s.retry, logger, func() { s.metrics.RecordLedgerRetry("refund") }, func() error {
		_, refundErr := s.ledger.Refund(context.WithoutCancel(ctx), ledger.RefundRequest{
			UserID:         req.UserID,
			Amount:         req.Amount,
			OrderID:        req.OrderID,
			Description:    "checkout compensation",
			IdempotencyKey: refundKey,
		})
		return refundErr
	})
	if err != nil {
		s.metrics.RecordCheckout("compensation_failed")
		logger.WithError(err).Error("checkout compensation failed")
		return errors.Join(commitErr, fmt.Errorf("compensate debit: %w", err))
	}

	s.metrics.RecordCheckout("compensated")
	s.audit.Record(ctx, domain.AuditEvent{
		Type:   domain.AuditCheckoutCompensated,
		UserID: req.UserID,
		Attributes: map[string]string{
			"order_id":   req.OrderID,
			"amount":     req.Amount.StringFixed(2),
			"refund_key": refundKey,
			"reason":     commitErr.Error(),
		},
		OccurredAt: s.clock.Now(),
	})
	return commitErr
}
