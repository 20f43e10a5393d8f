package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserIDRequired = errors.New("user_id is required")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка пустого списка позиций резерва.
	ErrItemsRequired = errors.New("reservation must contain at least one item")
	// Ошибка некорректного количества в резерве.
	ErrReservationQtyInvalid = errors.New("reservation quantity must be greater than zero")
	// ErrInsufficientStock — доступного остатка не хватает (см. InsufficientStockError).
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidReference — ссылка на товар/пользователя устарела, клиенту нужно обновить корзину.
	ErrInvalidReference = errors.New("invalid reference, please refresh")
	// ErrReservationNotFound — у пользователя нет активного резерва.
	ErrReservationNotFound = errors.New("no active reservation")
	// ErrProductNotFound возвращается хранилищем каталога.
	ErrProductNotFound = errors.New("product not found")
	// Ошибка отрицательного остатка товара.
	ErrStockNegative = errors.New("product stock must be non-negative")

	// Ошибка неположительной суммы операции.
	ErrAmountInvalid = errors.New("amount must be greater than zero")
	// ErrAmountExceedsCap — сумма превышает лимит одной операции.
	ErrAmountExceedsCap = errors.New("amount exceeds single transaction cap")
	// ErrTraceabilityRequired — списание без order_id и description нельзя атрибутировать.
	ErrTraceabilityRequired = errors.New("order_id or description is required")
	// ErrInsufficientBalance — на балансе недостаточно средств (см. InsufficientBalanceError).
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBalanceChanged сигнализирует об optimistic-конфликте: баланс изменился после чтения.
	ErrBalanceChanged = errors.New("balance changed concurrently, retry operation")
	// ErrBalanceNotFound возвращается, если баланс пользователя ещё не создан.
	ErrBalanceNotFound = errors.New("balance not found")
	// ErrBalanceAlreadyExists — конкурентное ленивое создание баланса.
	ErrBalanceAlreadyExists = errors.New("balance already exists")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionNotPending — транзакция уже переведена из PENDING.
	ErrTransactionNotPending = errors.New("transaction is not pending")
	// ErrDuplicateIdempotencyKey — ключ уже использован завершённой транзакцией того же типа.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	// ErrCurrencyMismatch — валюта операции не совпадает с валютой баланса.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrGiftCardNotFound возвращается для неизвестного кода подарочной карты.
	ErrGiftCardNotFound = errors.New("gift card not found")
	// ErrGiftCardRedeemed — карта уже погашена.
	ErrGiftCardRedeemed = errors.New("gift card already redeemed")
	// ErrGiftCardExpired — срок действия карты истёк.
	ErrGiftCardExpired = errors.New("gift card expired")
	// ErrGiftCardExists — карта с таким кодом уже выпущена.
	ErrGiftCardExists = errors.New("gift card already exists")

	// ErrPermissionDenied — у роли нет нужного разрешения.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRateLimited — превышен лимит запросов (см. RateLimitedError).
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrRateLimitMisconfigured — лимит с max <= 0 или окном <= 0.
	ErrRateLimitMisconfigured = errors.New("rate limit policy is misconfigured")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// InsufficientStockError описывает позицию, на которую не хватило остатка.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InsufficientBalanceError содержит требуемую сумму и текущий баланс.
type InsufficientBalanceError struct {
	Required decimal.Decimal
	Current  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, current %s",
		e.Required.StringFixed(2), e.Current.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// RateLimitedError отдаётся клиенту вместе со временем до сброса окна.
type RateLimitedError struct {
	ResetIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", RoundUpSeconds(e.ResetIn))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IsRetryable сообщает, можно ли повторить операцию целиком со свежим чтением.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBalanceChanged)
}

// IsConfigurationError проверяет ошибки конфигурации: их не ретраят, а логируют.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrRateLimitMisconfigured) || errors.Is(err, ErrTraceabilityRequired)
}

// IsUserFacing проверяет восстановимые бизнес-ошибки, которые показываются клиенту как есть.
func IsUserFacing(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrGiftCardNotFound),
		errors.Is(err, ErrGiftCardRedeemed),
		errors.Is(err, ErrGiftCardExpired):
		return true
	default:
		return false
	}
}

// RoundUpSeconds переводит длительность в целые секунды с округлением вверх.
func RoundUpSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	seconds := int(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	return seconds
}
