package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/ledger"
	"github.com/vladislavdragonenkov/storefront/internal/service/reservation"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

var testAdmin = domain.Actor{UserID: "admin", Role: domain.RoleAdmin}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEventType
}

func (s *recordingSink) Record(_ context.Context, event domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event.Type)
}

func (s *recordingSink) types() []domain.AuditEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEventType(nil), s.events...)
}

// failingCommit пропускает Holdings в движок, но проваливает фиксацию покупки.
type failingCommit struct {
	Reservations
	err error
}

func (f failingCommit) CommitPurchase(context.Context, string) ([]domain.StockReservation, error) {
	return nil, f.err
}

// CheckoutTestSuite проверяет жизненный цикл подтверждения покупки.
type CheckoutTestSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *clock.Fake
	inventory interface {
		domain.ProductRepository
		domain.ReservationRepository
	}
	engine  *reservation.Engine
	ledger  *ledger.Service
	audit   *recordingSink
	service *Service
}

func (s *CheckoutTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s.audit = &recordingSink{}

	inventory := memory.NewInventoryRepository()
	s.inventory = inventory
	s.Require().NoError(inventory.Upsert(s.ctx, domain.Product{ID: "p1", Name: "Keyboard", Stock: 5}))
	s.Require().NoError(inventory.Upsert(s.ctx, domain.Product{ID: "p2", Name: "Mouse", Stock: 2}))

	ledgerRepo := memory.NewLedgerRepository()
	s.engine = reservation.NewEngine(inventory, reservation.WithClock(s.clock))
	s.ledger = ledger.NewService(ledgerRepo, ledgerRepo, ledger.WithClock(s.clock))
	s.service = s.newService(s.engine)

	_, err := s.ledger.Credit(s.ctx, testAdmin, ledger.CreditRequest{UserID: "u1", Amount: decimal.NewFromInt(100)})
	s.Require().NoError(err)
}

func (s *CheckoutTestSuite) newService(reservations Reservations) *Service {
	return NewService(reservations, s.ledger,
		WithClock(s.clock),
		WithAudit(s.audit),
		WithRetryConfig(RetryConfig{MaxAttempts: 3}),
	)
}

func (s *CheckoutTestSuite) reserve(items ...domain.ReservationItem) {
	_, err := s.engine.Reserve(s.ctx, "u1", items)
	s.Require().NoError(err)
}

func (s *CheckoutTestSuite) balance() decimal.Decimal {
	b, err := s.ledger.Balance(s.ctx, "u1")
	s.Require().NoError(err)
	return b.Balance
}

func (s *CheckoutTestSuite) stock(productID string) int64 {
	p, err := s.inventory.Get(s.ctx, productID)
	s.Require().NoError(err)
	return p.Stock
}

func (s *CheckoutTestSuite) TestConfirm_CompletesPurchase() {
	s.reserve(domain.ReservationItem{ProductID: "p1", Quantity: 2}, domain.ReservationItem{ProductID: "p2", Quantity: 1})

	receipt, err := s.service.Confirm(s.ctx, ConfirmRequest{
		UserID: "u1", OrderID: "o1", Amount: decimal.NewFromInt(30), IdempotencyKey: "checkout-1",
	})
	s.Require().NoError(err)
	s.False(receipt.AlreadyProcessed)
	s.Len(receipt.Items, 2)
	s.True(receipt.NewBalance.Equal(decimal.NewFromInt(70)))

	s.Equal(int64(3), s.stock("p1"))
	s.Equal(int64(1), s.stock("p2"))
	s.Contains(s.audit.types(), domain.AuditCheckoutCompleted)

	held, err := s.engine.Holdings(s.ctx, "u1")
	s.Require().NoError(err)
	s.Empty(held)
}

func (s *CheckoutTestSuite) TestConfirm_ReplayDoesNotTouchStockAgain() {
	s.reserve(domain.ReservationItem{ProductID: "p1", Quantity: 1})
	req := ConfirmRequest{UserID: "u1", OrderID: "o2", Amount: decimal.NewFromInt(10), IdempotencyKey: "checkout-2"}

	first, err := s.service.Confirm(s.ctx, req)
	s.Require().NoError(err)

	replay, err := s.service.Confirm(s.ctx, req)
	s.Require().NoError(err)
	s.True(replay.AlreadyProcessed)
	s.Equal(first.TransactionID, replay.TransactionID)

	s.Equal(int64(4), s.stock("p1"))
	s.True(s.balance().Equal(decimal.NewFromInt(90)))
}

func (s *CheckoutTestSuite) TestConfirm_WithoutReservation() {
	_, err := s.service.Confirm(s.ctx, ConfirmRequest{UserID: "u1", OrderID: "o3", Amount: decimal.NewFromInt(5), IdempotencyKey: "fresh"})
	s.ErrorIs(err, domain.ErrReservationNotFound)
	s.True(s.balance().Equal(decimal.NewFromInt(100)))
}

func (s *CheckoutTestSuite) TestConfirm_RequiresOrderID() {
	_, err := s.service.Confirm(s.ctx, ConfirmRequest{UserID: "u1", Amount: decimal.NewFromInt(5)})
	s.ErrorIs(err, domain.ErrTraceabilityRequired)
}

func (s *CheckoutTestSuite) TestConfirm_InsufficientBalanceKeepsHolds() {
	s.reserve(domain.ReservationItem{ProductID: "p1", Quantity: 1})

	_, err := s.service.Confirm(s.ctx, ConfirmRequest{UserID: "u1", OrderID: "o4", Amount: decimal.NewFromInt(500)})
	var short *domain.InsufficientBalanceError
	s.Require().ErrorAs(err, &short)
	s.True(short.Current.Equal(decimal.NewFromInt(100)))

	held, err := s.engine.Holdings(s.ctx, "u1")
	s.Require().NoError(err)
	s.Len(held, 1)
	s.Equal(int64(5), s.stock("p1"))
}

func (s *CheckoutTestSuite) TestConfirm_CompensatesWhenCommitFails() {
	s.reserve(domain.ReservationItem{ProductID: "p1", Quantity: 1})
	commitErr := errors.New("storage unavailable")
	service := s.newService(failingCommit{Reservations: s.engine, err: commitErr})

	_, err := service.Confirm(s.ctx, ConfirmRequest{UserID: "u1", OrderID: "o5", Amount: decimal.NewFromInt(25), IdempotencyKey: "checkout-5"})
	s.ErrorIs(err, commitErr)

	s.True(s.balance().Equal(decimal.NewFromInt(100)), "debit must be refunded")
	s.Equal(int64(5), s.stock("p1"))
	s.Contains(s.audit.types(), domain.AuditCheckoutCompensated)

	history, err := s.ledger.Transactions(s.ctx, "u1", 10)
	s.Require().NoError(err)
	var refund *domain.Transaction
	for i := range history {
		if history[i].Type == domain.TransactionTypeRefund {
			refund = &history[i]
		}
	}
	s.Require().NotNil(refund)
	s.Equal("refund:checkout-5", refund.IdempotencyKey)
}

func TestCheckoutTestSuite(t *testing.T) {
	suite.Run(t, new(CheckoutTestSuite))
}
