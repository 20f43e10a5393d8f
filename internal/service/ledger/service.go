// Package ledger ведёт денежные балансы пользователей: зачисления, идемпотентные
// списания, возвраты, заявки на пополнение и подарочные карты.
//
// Каждое изменение баланса выполняется одной атомарной единицей с optimistic
// проверкой: баланс, изменившийся после чтения, даёт domain.ErrBalanceChanged.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const defaultHistoryLimit = 50

// Options задаёт зависимости сервиса балансов.
type Options struct {
	Clock    clock.Clock
	Audit    domain.AuditSink
	Logger   *log.Entry
	Metrics  *metrics.Storefront
	Currency string
}

// Option настраивает Service.
type Option func(*Options)

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) { opts.Clock = c }
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

// WithCurrency задаёт валюту лениво создаваемых балансов.
func WithCurrency(currency string) Option {
	return func(opts *Options) { opts.Currency = currency }
}

// Service реализует операции с балансом.
type Service struct {
	repo     domain.LedgerRepository
	cards    domain.GiftCardRepository
	clock    clock.Clock
	audit    domain.AuditSink
	logger   *log.Entry
	metrics  *metrics.Storefront
	currency string
}

// NewService создаёт сервис поверх хранилища балансов и подарочных карт.
func NewService(repo domain.LedgerRepository, cards domain.GiftCardRepository, options ...Option) *Service {
	opts := Options{Currency: domain.DefaultCurrency}
	for _, option := range options {
		option(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Audit == nil {
		opts.Audit = domain.NopAuditSink{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "ledger")
	}
	if opts.Currency == "" {
		opts.Currency = domain.DefaultCurrency
	}

	return &Service{
		repo:     repo,
		cards:    cards,
		clock:    opts.Clock,
		audit:    opts.Audit,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		currency: opts.Currency,
	}
}

// CreditRequest описывает зачисление средств администратором.
type CreditRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Description string
}

// DebitRequest описывает списание за покупку.
type DebitRequest struct {
	UserID         string
	Amount         decimal.Decimal
	OrderID        string
	Description    string
	IdempotencyKey string
}

// RefundRequest описывает возврат средств по заказу.
type RefundRequest struct {
	UserID         string
	Amount         decimal.Decimal
	OrderID        string
	Description    string
	IdempotencyKey string
}

// RechargeRequest описывает заявку пользователя на пополнение.
type RechargeRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Reference string
}

// Balance возвращает баланс пользователя, создавая нулевой при первом обращении.
func (s *Service) Balance(ctx context.Context, userID string) (domain.UserBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserBalance{}, domain.ErrUserIDRequired
	}

	balance, err := s.repo.FindBalance(ctx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, domain.ErrBalanceNotFound) {
		return domain.UserBalance{}, fmt.Errorf("find balance: %w", err)
	}

	balance = domain.NewUserBalance(uuid.NewString(), userID, s.currency, s.clock.Now())
	if err := s.repo.CreateBalance(ctx, balance); err != nil {
		if !errors.Is(err, domain.ErrBalanceAlreadyExists) {
			return domain.UserBalance{}, fmt.Errorf("create balance: %w", err)
		}
		// Баланс создан конкурентным запросом.
		balance, err = s.repo.FindBalance(ctx, userID)
		if err != nil {
			return domain.UserBalance{}, fmt.Errorf("find balance: %w", err)
		}
	}
	return balance, nil
}

// Credit зачисляет средства пользователю. Требует разрешения balance:credit.
func (s *Service) Credit(ctx context.Context, actor domain.Actor, req CreditRequest) (domain.MutationResult, error) {
	if err := actor.Require(domain.PermissionBalanceCredit); err != nil {
		s.metrics.RecordLedger("credit", "denied")
		return domain.MutationResult{}, err
	}
	if !req.Amount.IsPositive() || !domain.HasMoneyScale(req.Amount) {
		return domain.MutationResult{}, domain.ErrAmountInvalid
	}

	balance, err := s.Balance(ctx, req.UserID)
	if err != nil {
		return domain.MutationResult{}, err
	}

	description := req.Description
	if description == "" {
		description = "credit by " + actor.UserID
	}
	now := s.clock.Now()
	tx := s.newTransaction(balance, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, req.Amount, now)
	tx.Description = description

	result, err := s.apply(ctx, "credit", balance, tx, now)
	if err != nil {
		return domain.MutationResult{}, err
	}

	s.record(ctx, domain.AuditBalanceCredited, balance.UserID, now, map[string]string{
		"amount":         req.Amount.StringFixed(2),
		"transaction_id": result.TransactionID,
		"actor_id":       actor.UserID,
	})
	return result, nil
}

// Debit списывает средства за покупку. Повтор с тем же ключом идемпотентности
// возвращает исходный результат с AlreadyProcessed и не меняет баланс.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (domain.MutationResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveDuration("debit", time.Since(started)) }()

	if err := validateAmount(req.Amount); err != nil {
		return domain.MutationResult{}, err
	}
	if strings.TrimSpace(req.OrderID) == "" && strings.TrimSpace(req.Description) == "" {
		s.logger.WithField("user_id", req.UserID).Error("debit rejected: no order_id or description")
		return domain.MutationResult{}, domain.ErrTraceabilityRequired
	}

	balance, err := s.Balance(ctx, req.UserID)
	if err != nil {
		return domain.MutationResult{}, err
	}

	if replay, ok, err := s.replay(ctx, "debit", balance, domain.TransactionTypePurchase, req.IdempotencyKey); err != nil || ok {
		return replay, err
	}

	now := s.clock.Now()
	tx := s.newTransaction(balance, domain.TransactionTypePurchase, domain.TransactionStatusCompleted, req.Amount, now)
	tx.OrderID = req.OrderID
	tx.Description = req.Description
	tx.IdempotencyKey = req.IdempotencyKey

	result, err := s.apply(ctx, "debit", balance, tx, now)
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		return s.replayAfterRace(ctx, "debit", balance, domain.TransactionTypePurchase, req.IdempotencyKey)
	}
	if err != nil {
		return domain.MutationResult{}, err
	}

	s.record(ctx, domain.AuditBalanceDebited, balance.UserID, now, map[string]string{
		"amount":          req.Amount.StringFixed(2),
		"order_id":        req.OrderID,
		"transaction_id":  result.TransactionID,
		"idempotency_key": req.IdempotencyKey,
	})
	return result, nil
}

// Refund возвращает средства по заказу; идемпотентен по ключу.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (domain.MutationResult, error) {
	if err := validateAmount(req.Amount); err != nil {
		return domain.MutationResult{}, err
	}

	balance, err := s.Balance(ctx, req.UserID)
	if err != nil {
		return domain.MutationResult{}, err
	}

	if replay, ok, err := s.replay(ctx, "refund", balance, domain.TransactionTypeRefund, req.IdempotencyKey); err != nil || ok {
		return replay, err
	}

	now := s.clock.Now()
	tx := s.newTransaction(balance, domain.TransactionTypeRefund, domain.TransactionStatusCompleted, req.Amount, now)
	tx.OrderID = req.OrderID
	tx.Description = req.Description
	tx.IdempotencyKey = req.IdempotencyKey

	result, err := s.apply(ctx, "refund", balance, tx, now)
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		return s.replayAfterRace(ctx, "refund", balance, domain.TransactionTypeRefund, req.IdempotencyKey)
	}
	if err != nil {
		return domain.MutationResult{}, err
	}

	s.record(ctx, domain.AuditBalanceRefunded, balance.UserID, now, map[string]string{
		"amount":         req.Amount.StringFixed(2),
		"order_id":       req.OrderID,
		"transaction_id": result.TransactionID,
	})
	return result, nil
}

// LookupDebit ищет завершённое списание пользователя по ключу идемпотентности.
func (s *Service) LookupDebit(ctx context.Context, userID, key string) (domain.MutationResult, bool, error) {
	if strings.TrimSpace(key) == "" {
		return domain.MutationResult{}, false, nil
	}
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return domain.MutationResult{}, false, err
	}
	return s.replay(ctx, "debit", balance, domain.TransactionTypePurchase, key)
}

// Transactions возвращает историю операций пользователя, новые первыми.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.ListTransactions(ctx, balance.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return history, nil
}

// apply рассчитывает новый баланс и атомарно сохраняет его вместе с транзакцией.
func (s *Service) apply(ctx context.Context, operation string, balance domain.UserBalance, tx domain.Transaction, now time.Time) (domain.MutationResult, error) {
	next, err := balance.Apply(tx, now)
	if err != nil {
		s.rejected(ctx, operation, balance.UserID, now, err)
		return domain.MutationResult{}, err
	}

	err = s.repo.Commit(ctx, domain.BalanceMutation{Expected: balance, Next: next, Insert: &tx})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			return domain.MutationResult{}, err
		}
		s.rejected(ctx, operation, balance.UserID, now, err)
		if isDomainOutcome(err) {
			return domain.MutationResult{}, err
		}
		return domain.MutationResult{}, fmt.Errorf("%s commit: %w", operation, err)
	}

	s.metrics.RecordLedger(operation, "ok")
	return domain.MutationResult{NewBalance: next.Balance, TransactionID: tx.ID}, nil
}

// replay ищет завершённую транзакцию с тем же ключом.
// Повтор отдаёт исходный TransactionID и баланс из переданного снимка.
func (s *Service) replay(ctx context.Context, operation string, balance domain.UserBalance, txType domain.TransactionType, key string) (domain.MutationResult, bool, error) {
	if key == "" {
		return domain.MutationResult{}, false, nil
	}

	existing, err := s.repo.FindCompletedByIdempotencyKey(ctx, balance.ID, txType, key)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return domain.MutationResult{}, false, nil
	}
	if err != nil {
		return domain.MutationResult{}, false, fmt.Errorf("find by idempotency key: %w", err)
	}

	s.metrics.RecordLedger(operation, "replayed")
	s.record(ctx, domain.AuditBalanceReplayed, balance.UserID, s.clock.Now(), map[string]string{
		"type":            string(txType),
		"transaction_id":  existing.ID,
		"idempotency_key": key,
	})
	return domain.MutationResult{
		NewBalance:       balance.Balance,
		TransactionID:    existing.ID,
		AlreadyProcessed: true,
	}, true, nil
}

// replayAfterRace перечитывает баланс после конкурентной вставки с тем же ключом.
func (s *Service) replayAfterRace(ctx context.Context, operation string, stale domain.UserBalance, txType domain.TransactionType, key string) (domain.MutationResult, error) {
	balance, err := s.repo.FindBalance(ctx, stale.UserID)
	if err != nil {
		return domain.MutationResult{}, fmt.Errorf("find balance: %w", err)
	}
	result, ok, err := s.replay(ctx, operation, balance, txType, key)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if !ok {
		return domain.MutationResult{}, domain.ErrBalanceChanged
	}
	return result, nil
}

func (s *Service) rejected(ctx context.Context, operation, userID string, now time.Time, err error) {
	var short *domain.InsufficientBalanceError
	switch {
	case errors.As(err, &short):
		s.metrics.RecordLedger(operation, "insufficient")
		s.record(ctx, domain.AuditBalanceInsufficient, userID, now, map[string]string{
			"operation": operation,
			"required":  short.Required.StringFixed(2),
			"current":   short.Current.StringFixed(2),
		})
	case errors.Is(err, domain.ErrBalanceChanged):
		s.metrics.RecordLedger(operation, "conflict")
		s.record(ctx, domain.AuditBalanceConflict, userID, now, map[string]string{"operation": operation})
	case isDomainOutcome(err):
		s.metrics.RecordLedger(operation, "rejected")
	default:
		s.metrics.RecordLedger(operation, "error")
		s.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"user_id":   userID,
		}).Error("ledger commit failed")
	}
}

func (s *Service) newTransaction(balance domain.UserBalance, txType domain.TransactionType, status domain.TransactionStatus, amount decimal.Decimal, now time.Time) domain.Transaction {
	return domain.Transaction{
		ID:        uuid.NewString(),
		BalanceID: balance.ID,
		Type:      txType,
		Status:    status,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) record(ctx context.Context, eventType domain.AuditEventType, userID string, now time.Time, attrs map[string]string) {
	s.audit.Record(ctx, domain.AuditEvent{
		Type:       eventType,
		UserID:     userID,
		Attributes: attrs,
		OccurredAt: now,
	})
}

// validateAmount отклоняет доли цента: хранилище округлило бы их молча.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !domain.HasMoneyScale(amount) {
		return domain.ErrAmountInvalid
	}
	if amount.GreaterThan(domain.SingleTransactionCap) {
		return domain.ErrAmountExceedsCap
	}
	return nil
}

// isDomainOutcome отделяет ожидаемые бизнес-исходы от сбоев хранилища.
func isDomainOutcome(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrBalanceChanged),
		errors.Is(err, domain.ErrBalanceNotFound),
		errors.Is(err, domain.ErrAmountInvalid),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrTransactionNotPending),
		errors.Is(err, domain.ErrGiftCardNotFound),
		errors.Is(err, domain.ErrGiftCardRedeemed):
		return true
	default:
		return false
	}
}
