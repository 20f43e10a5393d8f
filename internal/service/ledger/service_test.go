package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

var (
	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin     = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}
	support   = domain.Actor{UserID: "support-1", Role: domain.RoleSupport}
	customer  = domain.Actor{UserID: "u1", Role: domain.RoleCustomer}
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (s *recordingSink) Record(_ context.Context, event domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) has(eventType domain.AuditEventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	svc   *Service
	repo  domain.LedgerRepository
	clock *clock.Fake
	audit *recordingSink
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.NewLedgerRepository()
	fake := clock.NewFake(testStart)
	sink := &recordingSink{}
	return fixture{
		svc:   NewService(repo, repo, WithClock(fake), WithAudit(sink)),
		repo:  repo,
		clock: fake,
		audit: sink,
	}
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(t, want).Equal(got), "amount mismatch: want=%s got=%s", want, got)
}

func (f fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.svc.Credit(context.Background(), admin, CreditRequest{UserID: userID, Amount: dec(t, amount)})
	require.NoError(t, err)
}

func TestService_DebitExampleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "100")

	first, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "100"), OrderID: "o1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)
	requireAmount(t, "0", first.NewBalance)

	replay, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "100"), OrderID: "o1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.True(t, replay.AlreadyProcessed)
	require.Equal(t, first.TransactionID, replay.TransactionID)
	requireAmount(t, "0", replay.NewBalance)

	_, err = f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "1"), OrderID: "o2", IdempotencyKey: "k2"})
	var short *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	requireAmount(t, "1", short.Required)
	requireAmount(t, "0", short.Current)

	balance, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "0", balance.Balance)
	requireAmount(t, "100", balance.TotalSpent)

	require.True(t, f.audit.has(domain.AuditBalanceReplayed))
	require.True(t, f.audit.has(domain.AuditBalanceInsufficient))
}

func TestService_BalanceLazyCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Balance(ctx, "fresh")
	require.NoError(t, err)
	requireAmount(t, "0", first.Balance)
	require.Equal(t, domain.DefaultCurrency, first.Currency)

	second, err := f.svc.Balance(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	_, err = f.svc.Balance(ctx, "  ")
	require.ErrorIs(t, err, domain.ErrUserIDRequired)
}

func TestService_DebitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "50")

	tests := []struct {
		name string
		req  DebitRequest
		want error
	}{
		{name: "zero amount", req: DebitRequest{UserID: "u1", Amount: decimal.Zero, OrderID: "o"}, want: domain.ErrAmountInvalid},
		{name: "negative amount", req: DebitRequest{UserID: "u1", Amount: dec(t, "-1"), OrderID: "o"}, want: domain.ErrAmountInvalid},
		{name: "over cap", req: DebitRequest{UserID: "u1", Amount: dec(t, "10000.01"), OrderID: "o"}, want: domain.ErrAmountExceedsCap},
		{name: "fraction of a cent", req: DebitRequest{UserID: "u1", Amount: dec(t, "0.005"), OrderID: "o"}, want: domain.ErrAmountInvalid},
		{name: "untraceable", req: DebitRequest{UserID: "u1", Amount: dec(t, "1")}, want: domain.ErrTraceabilityRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Debit(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	balance, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "50", balance.Balance)
}

func TestService_CreditRequiresPermission(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Credit(context.Background(), customer, CreditRequest{UserID: "u1", Amount: dec(t, "10")})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	result, err := f.svc.Credit(context.Background(), admin, CreditRequest{UserID: "u1", Amount: dec(t, "10.50")})
	require.NoError(t, err)
	requireAmount(t, "10.50", result.NewBalance)

	tx, err := f.repo.GetTransaction(context.Background(), result.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionTypeDeposit, tx.Type)
	require.Equal(t, domain.TransactionStatusCompleted, tx.Status)
}

func TestService_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "100")

	var (
		wg           sync.WaitGroup
		success      atomic.Int64
		insufficient atomic.Int64
		unexpected   atomic.Int64
	)
	amount := dec(t, "10")
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: amount, Description: "concurrent"})
				switch {
				case err == nil:
					success.Add(1)
				case domain.IsRetryable(err):
					continue
				case errors.Is(err, domain.ErrInsufficientBalance):
					insufficient.Add(1)
				default:
					unexpected.Add(1)
				}
				return
			}
		}()
	}
	wg.Wait()

	require.Zero(t, unexpected.Load())
	require.Equal(t, int64(10), success.Load())
	require.Equal(t, int64(15), insufficient.Load())

	balance, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "0", balance.Balance)
}

func TestService_DebitReportsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "100")

	stale, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	f.fund(t, "u1", "1")

	tx := domain.Transaction{
		ID:        "tx-stale",
		BalanceID: stale.ID,
		Type:      domain.TransactionTypePurchase,
		Status:    domain.TransactionStatusCompleted,
		Amount:    dec(t, "10"),
	}
	_, err = f.svc.apply(ctx, "debit", stale, tx, f.clock.Now())
	require.ErrorIs(t, err, domain.ErrBalanceChanged)
	require.True(t, domain.IsRetryable(err))
	require.True(t, f.audit.has(domain.AuditBalanceConflict))

	balance, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "101", balance.Balance)
}

// racingRepo скрывает первую находку по ключу, имитируя конкурентный повтор.
type racingRepo struct {
	domain.LedgerRepository
	hidden atomic.Bool
}

func (r *racingRepo) FindCompletedByIdempotencyKey(ctx context.Context, balanceID string, txType domain.TransactionType, key string) (domain.Transaction, error) {
	if r.hidden.CompareAndSwap(false, true) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return r.LedgerRepository.FindCompletedByIdempotencyKey(ctx, balanceID, txType, key)
}

func TestService_DebitDuplicateKeyRaceResolvesToReplay(t *testing.T) {
	base := memory.NewLedgerRepository()
	fake := clock.NewFake(testStart)
	ctx := context.Background()

	plain := NewService(base, base, WithClock(fake))
	_, err := plain.Credit(ctx, admin, CreditRequest{UserID: "u1", Amount: dec(t, "100")})
	require.NoError(t, err)
	first, err := plain.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "50"), OrderID: "o1", IdempotencyKey: "k1"})
	require.NoError(t, err)

	racing := NewService(&racingRepo{LedgerRepository: base}, base, WithClock(fake))
	second, err := racing.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "50"), OrderID: "o1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.True(t, second.AlreadyProcessed)
	require.Equal(t, first.TransactionID, second.TransactionID)
	requireAmount(t, "50", second.NewBalance)
}

func TestService_RefundIsIdempotentAndFloorsSpent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "20")

	_, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "5"), OrderID: "o1", IdempotencyKey: "k1"})
	require.NoError(t, err)

	refund, err := f.svc.Refund(ctx, RefundRequest{UserID: "u1", Amount: dec(t, "8"), OrderID: "o1", IdempotencyKey: "refund:k1"})
	require.NoError(t, err)
	requireAmount(t, "23", refund.NewBalance)

	again, err := f.svc.Refund(ctx, RefundRequest{UserID: "u1", Amount: dec(t, "8"), OrderID: "o1", IdempotencyKey: "refund:k1"})
	require.NoError(t, err)
	require.True(t, again.AlreadyProcessed)
	require.Equal(t, refund.TransactionID, again.TransactionID)

	balance, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "23", balance.Balance)
	requireAmount(t, "0", balance.TotalSpent)
}

func TestService_RechargeApprovalIsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.RequestRecharge(ctx, RechargeRequest{UserID: "u1", Amount: dec(t, "40"), Reference: "bank-123"})
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusPending, pending.Status)

	balance, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "0", balance.Balance)

	_, err = f.svc.ApproveRecharge(ctx, customer, pending.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	approved, err := f.svc.ApproveRecharge(ctx, support, pending.ID)
	require.NoError(t, err)
	requireAmount(t, "40", approved.NewBalance)

	_, err = f.svc.ApproveRecharge(ctx, support, pending.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotPending)

	balance, err = f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	requireAmount(t, "40", balance.Balance)
	requireAmount(t, "40", balance.TotalRecharges)
}

func TestService_CancelRecharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.RequestRecharge(ctx, RechargeRequest{UserID: "u1", Amount: dec(t, "15")})
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelRecharge(ctx, admin, pending.ID, "duplicate transfer"))
	require.ErrorIs(t, f.svc.CancelRecharge(ctx, admin, pending.ID, "again"), domain.ErrTransactionNotPending)

	_, err = f.svc.ApproveRecharge(ctx, admin, pending.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotPending)

	tx, err := f.repo.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusCancelled, tx.Status)
	require.True(t, f.audit.has(domain.AuditRechargeCancelled))
}

func TestService_GiftCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueGiftCard(ctx, support, GiftCardRequest{Amount: dec(t, "25")})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	card, err := f.svc.IssueGiftCard(ctx, admin, GiftCardRequest{Code: "welcome", Amount: dec(t, "25")})
	require.NoError(t, err)
	require.Equal(t, "WELCOME", card.Code)

	_, err = f.svc.IssueGiftCard(ctx, admin, GiftCardRequest{Code: "WELCOME", Amount: dec(t, "5")})
	require.ErrorIs(t, err, domain.ErrGiftCardExists)

	redeemed, err := f.svc.RedeemGiftCard(ctx, "u1", "welcome")
	require.NoError(t, err)
	requireAmount(t, "25", redeemed.NewBalance)

	_, err = f.svc.RedeemGiftCard(ctx, "u2", "WELCOME")
	require.ErrorIs(t, err, domain.ErrGiftCardRedeemed)

	_, err = f.svc.RedeemGiftCard(ctx, "u1", "missing")
	require.ErrorIs(t, err, domain.ErrGiftCardNotFound)

	short, err := f.svc.IssueGiftCard(ctx, admin, GiftCardRequest{Amount: dec(t, "5"), ExpiresAt: testStart.Add(time.Hour)})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.RedeemGiftCard(ctx, "u1", short.Code)
	require.ErrorIs(t, err, domain.ErrGiftCardExpired)
}

func TestService_TransactionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "u1", "10")
	f.clock.Advance(time.Minute)
	_, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "3"), OrderID: "o1"})
	require.NoError(t, err)

	history, err := f.svc.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.TransactionTypePurchase, history[0].Type)
	require.Equal(t, domain.TransactionTypeDeposit, history[1].Type)
}

func TestService_RejectsFractionsOfCent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "0.01")
	subCent := dec(t, "0.005")

	_, err := f.svc.Credit(ctx, admin, CreditRequest{UserID: "u1", Amount: subCent})
	require.ErrorIs(t, err, domain.ErrAmountInvalid)

	_, err = f.svc.Refund(ctx, RefundRequest{UserID: "u1", Amount: subCent, OrderID: "o-1", IdempotencyKey: "r-1"})
	require.ErrorIs(t, err, domain.ErrAmountInvalid)

	_, err = f.svc.RequestRecharge(ctx, RechargeRequest{UserID: "u1", Amount: subCent, Reference: "wire-1"})
	require.ErrorIs(t, err, domain.ErrAmountInvalid)

	_, err = f.svc.IssueGiftCard(ctx, support, GiftCardRequest{Amount: dec(t, "1.001")})
	require.ErrorIs(t, err, domain.ErrAmountInvalid)

	// Лишние нули после запятой не считаются долей цента.
	result, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "0.010"), OrderID: "o-2"})
	require.NoError(t, err)
	requireAmount(t, "0", result.NewBalance)
}

func TestService_ReplayReportsCurrentBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", "100")

	first, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "30"), OrderID: "o-1", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	requireAmount(t, "70", first.NewBalance)

	f.fund(t, "u1", "5")

	replay, err := f.svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: dec(t, "30"), OrderID: "o-1", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	require.True(t, replay.AlreadyProcessed)
	require.Equal(t, first.TransactionID, replay.TransactionID)
	requireAmount(t, "75", replay.NewBalance)
}
