package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency используется при ленивом создании баланса.
const DefaultCurrency = "USD"

// SingleTransactionCap — максимальная сумма одного списания.
var SingleTransactionCap = decimal.NewFromInt(10000)

// MoneyScale — число знаков после запятой, которое хранит баланс.
const MoneyScale = 2

// HasMoneyScale сообщает, представима ли сумма без округления.
func HasMoneyScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MoneyScale))
}

// UserBalance хранит денежный баланс пользователя.
type UserBalance struct {
	ID             string
	UserID         string
	Balance        decimal.Decimal
	Currency       string
	TotalRecharges decimal.Decimal
	TotalSpent     decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewUserBalance создаёт нулевой баланс для пользователя.
func NewUserBalance(id, userID, currency string, now time.Time) UserBalance {
	if currency == "" {
		currency = DefaultCurrency
	}
	return UserBalance{
		ID:             id,
		UserID:         userID,
		Balance:        decimal.Zero,
		Currency:       currency,
		TotalRecharges: decimal.Zero,
		TotalSpent:     decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransactionType описывает вид движения средств.
type TransactionType string

const (
	// TransactionTypeRecharge — пополнение по заявке пользователя (требует подтверждения).
	TransactionTypeRecharge TransactionType = "recharge"
	// TransactionTypePurchase — списание за покупку.
	TransactionTypePurchase TransactionType = "purchase"
	// TransactionTypeDeposit — зачисление администратором.
	TransactionTypeDeposit TransactionType = "deposit"
	// TransactionTypeRefund — возврат средств по заказу.
	TransactionTypeRefund TransactionType = "refund"
	// TransactionTypeGiftCard — погашение подарочной карты.
	TransactionTypeGiftCard TransactionType = "gift_card"
)

// Valid проверяет, что тип относится к поддерживаемым значениям.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeRecharge, TransactionTypePurchase, TransactionTypeDeposit,
		TransactionTypeRefund, TransactionTypeGiftCard:
		return true
	default:
		return false
	}
}

// IsDebit сообщает, уменьшает ли транзакция баланс.
func (t TransactionType) IsDebit() bool {
	return t == TransactionTypePurchase
}

// TransactionStatus описывает жизненный цикл транзакции.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted,
		TransactionStatusCancelled, TransactionStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition разрешает только PENDING -> COMPLETED|CANCELLED|FAILED.
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	if s != TransactionStatusPending {
		return false
	}
	switch to {
	case TransactionStatusCompleted, TransactionStatusCancelled, TransactionStatusFailed:
		return true
	default:
		return false
	}
}

// Transaction — запись истории баланса.
type Transaction struct {
	ID             string
	BalanceID      string
	Type           TransactionType
	Status         TransactionStatus
	Amount         decimal.Decimal
	OrderID        string
	IdempotencyKey string
	Reference      string
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Apply возвращает баланс после применения завершённой транзакции.
// Списание, уводящее баланс в минус, отклоняется с InsufficientBalanceError.
func (b UserBalance) Apply(tx Transaction, now time.Time) (UserBalance, error) {
	if !tx.Amount.IsPositive() || !HasMoneyScale(tx.Amount) {
		return b, ErrAmountInvalid
	}

	next := b
	next.UpdatedAt = now

	switch tx.Type {
	case TransactionTypePurchase:
		if b.Balance.LessThan(tx.Amount) {
			return b, &InsufficientBalanceError{Required: tx.Amount, Current: b.Balance}
		}
		next.Balance = b.Balance.Sub(tx.Amount)
		next.TotalSpent = b.TotalSpent.Add(tx.Amount)
	case TransactionTypeRefund:
		next.Balance = b.Balance.Add(tx.Amount)
		next.TotalSpent = decimal.Max(decimal.Zero, b.TotalSpent.Sub(tx.Amount))
	case TransactionTypeRecharge, TransactionTypeDeposit, TransactionTypeGiftCard:
		next.Balance = b.Balance.Add(tx.Amount)
		next.TotalRecharges = b.TotalRecharges.Add(tx.Amount)
	default:
		return b, ErrAmountInvalid
	}

	return next, nil
}

// GiftCard — подарочная карта, погашаемая ровно один раз.
type GiftCard struct {
	Code       string
	Amount     decimal.Decimal
	Currency   string
	ExpiresAt  time.Time
	RedeemedBy string
	RedeemedAt time.Time
	CreatedAt  time.Time
}

// Redeemable проверяет, можно ли погасить карту на момент now.
func (c GiftCard) Redeemable(now time.Time) error {
	if !c.RedeemedAt.IsZero() || c.RedeemedBy != "" {
		return ErrGiftCardRedeemed
	}
	if !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now) {
		return ErrGiftCardExpired
	}
	return nil
}

// BalanceMutation описывает атомарное изменение баланса и связанных записей.
// Хранилище применяет Next только если текущий баланс всё ещё равен Expected.Balance.
type BalanceMutation struct {
	Expected UserBalance
	Next     UserBalance

	// Insert — новая транзакция, сохраняемая в той же единице работы.
	Insert *Transaction
	// SettleID — PENDING транзакция, переводимая в SettleTo.
	SettleID string
	SettleTo TransactionStatus
	// ClaimGiftCard — код карты, помечаемой погашенной пользователем Next.UserID.
	ClaimGiftCard string
}

// TotalsDelta возвращает приращения накопительных сумм, которые вносит мутация.
// Хранилище прибавляет их к текущим значениям строки, а не пишет итоги из
// снимка Expected: снимок мог устареть, даже если сам баланс совпал.
// Возврат уменьшает TotalSpent на всю сумму; нижнюю границу 0 держит хранилище.
func (m BalanceMutation) TotalsDelta() (recharges, spent decimal.Decimal) {
	recharges = m.Next.TotalRecharges.Sub(m.Expected.TotalRecharges)
	spent = m.Next.TotalSpent.Sub(m.Expected.TotalSpent)
	if growth := m.Next.Balance.Sub(m.Expected.Balance); growth.IsPositive() && recharges.IsZero() {
		spent = growth.Neg()
	}
	return recharges, spent
}

// RebaseTotals переносит приращения мутации на текущее состояние баланса.
func (m BalanceMutation) RebaseTotals(current UserBalance) UserBalance {
	recharges, spent := m.TotalsDelta()
	next := m.Next
	next.TotalRecharges = current.TotalRecharges.Add(recharges)
	next.TotalSpent = decimal.Max(decimal.Zero, current.TotalSpent.Add(spent))
	return next
}

// MutationResult — результат операции с балансом.
// При AlreadyProcessed NewBalance содержит текущий баланс на момент повтора,
// а не баланс сразу после исходной операции: между ними могли пройти другие
// операции. TransactionID всегда указывает на исходную транзакцию.
type MutationResult struct {
	NewBalance       decimal.Decimal
	TransactionID    string
	AlreadyProcessed bool
}
