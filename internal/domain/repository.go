package domain

import (
	"context"
	"time"
)

// ProductRepository хранит каталог товаров с фактическими остатками.
type ProductRepository interface {
	// Upsert создаёт или обновляет товар.
	Upsert(ctx context.Context, product Product) error
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id string) (Product, error)
}

// ReservationRepository описывает хранилище резервов корзины.
type ReservationRepository interface {
	// WithinTx выполняет fn в одной транзакции: ошибка fn откатывает все изменения.
	WithinTx(ctx context.Context, fn func(tx ReservationTx) error) error
	// DeleteExpired удаляет до limit резервов с ExpiresAt <= before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// ReservationTx — операции, доступные внутри транзакции резервирования.
type ReservationTx interface {
	// ProductStock блокирует строку товара до конца транзакции и возвращает остаток.
	ProductStock(ctx context.Context, productID string) (int64, error)
	// PurgeExpired удаляет истёкшие резервы товара.
	PurgeExpired(ctx context.Context, productID string, now time.Time) (int, error)
	// SumActive возвращает суммарное количество активных резервов товара.
	SumActive(ctx context.Context, productID string, now time.Time) (int64, error)
	// DeleteByUser удаляет все резервы пользователя.
	DeleteByUser(ctx context.Context, userID string) (int, error)
	// ListByUser возвращает активные резервы пользователя.
	ListByUser(ctx context.Context, userID string, now time.Time) ([]StockReservation, error)
	// CreateBatch сохраняет резервы; ссылка на несуществующий товар даёт ErrInvalidReference.
	CreateBatch(ctx context.Context, rows []StockReservation) error
	// DecrementStock уменьшает остаток товара; уход в минус даёт ErrStockNegative.
	DecrementStock(ctx context.Context, productID string, qty int64) error
}

// LedgerRepository хранит балансы и историю транзакций.
type LedgerRepository interface {
	// FindBalance возвращает баланс пользователя или ErrBalanceNotFound.
	FindBalance(ctx context.Context, userID string) (UserBalance, error)
	// FindBalanceByID возвращает баланс по его идентификатору.
	FindBalanceByID(ctx context.Context, id string) (UserBalance, error)
	// CreateBalance сохраняет новый баланс; существующий даёт ErrBalanceAlreadyExists.
	CreateBalance(ctx context.Context, balance UserBalance) error
	// FindCompletedByIdempotencyKey ищет завершённую транзакцию данного типа с ключом.
	FindCompletedByIdempotencyKey(ctx context.Context, balanceID string, txType TransactionType, key string) (Transaction, error)
	// GetTransaction возвращает транзакцию или ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// ListTransactions возвращает историю баланса, новые записи первыми.
	ListTransactions(ctx context.Context, balanceID string, limit int) ([]Transaction, error)
	// CreateTransaction сохраняет транзакцию без изменения баланса (PENDING пополнения).
	CreateTransaction(ctx context.Context, tx Transaction) error
	// Commit атомарно применяет мутацию баланса.
	// Баланс, изменившийся с момента чтения, даёт ErrBalanceChanged.
	Commit(ctx context.Context, mutation BalanceMutation) error
	// CancelPending переводит PENDING транзакцию в status без изменения баланса.
	CancelPending(ctx context.Context, id string, status TransactionStatus, reason string, at time.Time) error
}

// GiftCardRepository хранит выпущенные подарочные карты.
type GiftCardRepository interface {
	Create(ctx context.Context, card GiftCard) error
	Get(ctx context.Context, code string) (GiftCard, error)
}
