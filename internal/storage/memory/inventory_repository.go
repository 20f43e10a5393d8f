package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// inventoryRepositoryInMemory хранит товары и резервы в одном адресном пространстве,
// чтобы транзакция резервирования видела согласованный снимок.
type inventoryRepositoryInMemory struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	reservations map[string]domain.StockReservation
}

// NewInventoryRepository создаёт in-memory хранилище каталога и резервов.
func NewInventoryRepository() *inventoryRepositoryInMemory {
	return &inventoryRepositoryInMemory{
		products:     make(map[string]domain.Product),
		reservations: make(map[string]domain.StockReservation),
	}
}

// Upsert создаёт или обновляет товар.
func (r *inventoryRepositoryInMemory) Upsert(_ context.Context, product domain.Product) error {
	if product.ID == "" {
		return domain.ErrProductIDRequired
	}
	if product.Stock < 0 {
		return domain.ErrStockNegative
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	r.products[product.ID] = product
	return nil
}

// Get возвращает товар по идентификатору.
func (r *inventoryRepositoryInMemory) Get(_ context.Context, id string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// WithinTx выполняет fn под эксклюзивной блокировкой на копии данных.
// Изменения публикуются только при успешном завершении fn.
func (r *inventoryRepositoryInMemory) WithinTx(ctx context.Context, fn func(tx domain.ReservationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staged := &inventoryTx{
		products:     make(map[string]domain.Product, len(r.products)),
		reservations: make(map[string]domain.StockReservation, len(r.reservations)),
	}
	for id, p := range r.products {
		staged.products[id] = p
	}
	for id, res := range r.reservations {
		staged.reservations[id] = res
	}

	if err := fn(staged); err != nil {
		return err
	}

	r.products = staged.products
	r.reservations = staged.reservations
	return nil
}

// DeleteExpired удаляет до limit истёкших резервов, самые старые первыми.
func (r *inventoryRepositoryInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.StockReservation, 0)
	for _, res := range r.reservations {
		if !res.ExpiresAt.After(before) {
			expired = append(expired, res)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })

	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, res := range expired {
		delete(r.reservations, res.ID)
	}
	return len(expired), nil
}

// Count возвращает число хранимых резервов, включая истёкшие (используется в тестах).
func (r *inventoryRepositoryInMemory) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reservations)
}

type inventoryTx struct {
	products     map[string]domain.Product
	reservations map[string]domain.StockReservation
}

func (tx *inventoryTx) ProductStock(_ context.Context, productID string) (int64, error) {
	product, ok := tx.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	return product.Stock, nil
}

func (tx *inventoryTx) PurgeExpired(_ context.Context, productID string, now time.Time) (int, error) {
	purged := 0
	for id, res := range tx.reservations {
		if res.ProductID == productID && res.State(now) == domain.ReservationStateExpired {
			delete(tx.reservations, id)
			purged++
		}
	}
	return purged, nil
}

func (tx *inventoryTx) SumActive(_ context.Context, productID string, now time.Time) (int64, error) {
	var total int64
	for _, res := range tx.reservations {
		if res.ProductID == productID && res.State(now) == domain.ReservationStateActive {
			total += res.Quantity
		}
	}
	return total, nil
}

func (tx *inventoryTx) DeleteByUser(_ context.Context, userID string) (int, error) {
	deleted := 0
	for id, res := range tx.reservations {
		if res.UserID == userID {
			delete(tx.reservations, id)
			deleted++
		}
	}
	return deleted, nil
}

func (tx *inventoryTx) ListByUser(_ context.Context, userID string, now time.Time) ([]domain.StockReservation, error) {
	result := make([]domain.StockReservation, 0)
	for _, res := range tx.reservations {
		if res.UserID == userID && res.State(now) == domain.ReservationStateActive {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

func (tx *inventoryTx) CreateBatch(_ context.Context, rows []domain.StockReservation) error {
	for _, row := range rows {
		if _, ok := tx.products[row.ProductID]; !ok {
			return domain.ErrInvalidReference
		}
		if errs := row.Validate(); len(errs) > 0 {
			return errs[0]
		}
		tx.reservations[row.ID] = row
	}
	return nil
}

func (tx *inventoryTx) DecrementStock(_ context.Context, productID string, qty int64) error {
	product, ok := tx.products[productID]
	if !ok {
		return domain.ErrInvalidReference
	}
	if product.Stock < qty {
		return domain.ErrStockNegative
	}
	product.Stock -= qty
	product.UpdatedAt = time.Now().UTC()
	tx.products[productID] = product
	return nil
}

var (
	_ domain.ProductRepository     = (*inventoryRepositoryInMemory)(nil)
	_ domain.ReservationRepository = (*inventoryRepositoryInMemory)(nil)
	_ domain.ReservationTx         = (*inventoryTx)(nil)
)
