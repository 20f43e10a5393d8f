package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ledgerRepositoryInMemory хранит балансы, транзакции и подарочные карты.
// Commit выполняет compare-and-set под одной блокировкой.
type ledgerRepositoryInMemory struct {
	mu           sync.RWMutex
	balances     map[string]domain.UserBalance // по user_id
	transactions map[string]domain.Transaction
	byBalance    map[string][]string
	giftCards    map[string]domain.GiftCard
}

// NewLedgerRepository создаёт in-memory реализацию LedgerRepository и GiftCardRepository.
func NewLedgerRepository() *ledgerRepositoryInMemory {
	return &ledgerRepositoryInMemory{
		balances:     make(map[string]domain.UserBalance),
		transactions: make(map[string]domain.Transaction),
		byBalance:    make(map[string][]string),
		giftCards:    make(map[string]domain.GiftCard),
	}
}

func (r *ledgerRepositoryInMemory) FindBalance(_ context.Context, userID string) (domain.UserBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	balance, ok := r.balances[userID]
	if !ok {
		return domain.UserBalance{}, domain.ErrBalanceNotFound
	}
	return balance, nil
}

func (r *ledgerRepositoryInMemory) FindBalanceByID(_ context.Context, id string) (domain.UserBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, balance := range r.balances {
		if balance.ID == id {
			return balance, nil
		}
	}
	return domain.UserBalance{}, domain.ErrBalanceNotFound
}

func (r *ledgerRepositoryInMemory) CreateBalance(_ context.Context, balance domain.UserBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.balances[balance.UserID]; exists {
		return domain.ErrBalanceAlreadyExists
	}
	r.balances[balance.UserID] = balance
	return nil
}

func (r *ledgerRepositoryInMemory) FindCompletedByIdempotencyKey(_ context.Context, balanceID string, txType domain.TransactionType, key string) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tx, ok := r.findCompletedLocked(balanceID, txType, key); ok {
		return tx, nil
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (r *ledgerRepositoryInMemory) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, nil
}

func (r *ledgerRepositoryInMemory) ListTransactions(_ context.Context, balanceID string, limit int) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byBalance[balanceID]
	result := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.transactions[id])
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *ledgerRepositoryInMemory) CreateTransaction(_ context.Context, tx domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInsertLocked(tx); err != nil {
		return err
	}
	r.insertLocked(tx)
	return nil
}

// Commit применяет мутацию, только если баланс не изменился с момента чтения.
// Все проверки выполняются до первой записи, поэтому частичных изменений не бывает.
func (r *ledgerRepositoryInMemory) Commit(_ context.Context, m domain.BalanceMutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.balances[m.Expected.UserID]
	if !ok {
		return domain.ErrBalanceNotFound
	}
	if !current.Balance.Equal(m.Expected.Balance) {
		return domain.ErrBalanceChanged
	}

	if m.Insert != nil {
		if err := r.checkInsertLocked(*m.Insert); err != nil {
			return err
		}
	}

	var settled domain.Transaction
	if m.SettleID != "" {
		tx, ok := r.transactions[m.SettleID]
		if !ok {
			return domain.ErrTransactionNotFound
		}
		if !tx.Status.CanTransition(m.SettleTo) {
			return domain.ErrTransactionNotPending
		}
		settled = tx
	}

	var card domain.GiftCard
	if m.ClaimGiftCard != "" {
		c, ok := r.giftCards[m.ClaimGiftCard]
		if !ok {
			return domain.ErrGiftCardNotFound
		}
		if c.RedeemedBy != "" {
			return domain.ErrGiftCardRedeemed
		}
		card = c
	}

	r.balances[m.Next.UserID] = m.RebaseTotals(current)
	if m.Insert != nil {
		r.insertLocked(*m.Insert)
	}
	if m.SettleID != "" {
		settled.Status = m.SettleTo
		settled.UpdatedAt = m.Next.UpdatedAt
		r.transactions[settled.ID] = settled
	}
	if m.ClaimGiftCard != "" {
		card.RedeemedBy = m.Next.UserID
		card.RedeemedAt = m.Next.UpdatedAt
		r.giftCards[card.Code] = card
	}
	return nil
}

func (r *ledgerRepositoryInMemory) CancelPending(_ context.Context, id string, status domain.TransactionStatus, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if !tx.Status.CanTransition(status) {
		return domain.ErrTransactionNotPending
	}
	tx.Status = status
	if reason != "" {
		tx.Description = reason
	}
	tx.UpdatedAt = at
	r.transactions[id] = tx
	return nil
}

// Create сохраняет подарочную карту.
func (r *ledgerRepositoryInMemory) Create(_ context.Context, card domain.GiftCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.giftCards[card.Code]; exists {
		return domain.ErrGiftCardExists
	}
	r.giftCards[card.Code] = card
	return nil
}

// Get возвращает подарочную карту по коду.
func (r *ledgerRepositoryInMemory) Get(_ context.Context, code string) (domain.GiftCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	card, ok := r.giftCards[code]
	if !ok {
		return domain.GiftCard{}, domain.ErrGiftCardNotFound
	}
	return card, nil
}

func (r *ledgerRepositoryInMemory) checkInsertLocked(tx domain.Transaction) error {
	if _, exists := r.transactions[tx.ID]; exists {
		return domain.ErrDuplicateIdempotencyKey
	}
	if tx.Status == domain.TransactionStatusCompleted && tx.IdempotencyKey != "" && uniqueKeyed(tx.Type) {
		if _, dup := r.findCompletedLocked(tx.BalanceID, tx.Type, tx.IdempotencyKey); dup {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	return nil
}

func (r *ledgerRepositoryInMemory) insertLocked(tx domain.Transaction) {
	r.transactions[tx.ID] = tx
	r.byBalance[tx.BalanceID] = append(r.byBalance[tx.BalanceID], tx.ID)
}

func (r *ledgerRepositoryInMemory) findCompletedLocked(balanceID string, txType domain.TransactionType, key string) (domain.Transaction, bool) {
	if key == "" {
		return domain.Transaction{}, false
	}
	for _, id := range r.byBalance[balanceID] {
		tx := r.transactions[id]
		if tx.Type == txType && tx.Status == domain.TransactionStatusCompleted && tx.IdempotencyKey == key {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}

// uniqueKeyed повторяет частичный уникальный индекс PostgreSQL.
func uniqueKeyed(t domain.TransactionType) bool {
	return t == domain.TransactionTypePurchase || t == domain.TransactionTypeRefund
}

var (
	_ domain.LedgerRepository   = (*ledgerRepositoryInMemory)(nil)
	_ domain.GiftCardRepository = (*ledgerRepositoryInMemory)(nil)
)
