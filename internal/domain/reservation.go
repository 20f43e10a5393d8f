package domain

import (
	"math"
	"sort"
	"strings"
	"time"
)

// ReservationTTL — фиксированное время жизни резерва корзины.
const ReservationTTL = 15 * time.Minute

// ReservationState отражает состояние резерва относительно текущего времени.
type ReservationState string

const (
	// ReservationStateActive — резерв создан и ещё не истёк.
	ReservationStateActive ReservationState = "active"
	// ReservationStateExpired — срок истёк, резерв не учитывается в доступном остатке.
	ReservationStateExpired ReservationState = "expired"
)

// StockReservation описывает удержание количества товара под корзину пользователя.
type StockReservation struct {
	ID        string
	UserID    string
	ProductID string
	Quantity  int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// State возвращает состояние резерва на момент now.
func (r StockReservation) State(now time.Time) ReservationState {
	if r.ExpiresAt.After(now) {
		return ReservationStateActive
	}
	return ReservationStateExpired
}

// Validate проверяет, корректно ли заполнены ключевые поля резерва.
func (r *StockReservation) Validate() []error {
	var errs []error

	if r.UserID == "" {
		errs = append(errs, ErrUserIDRequired)
	}
	if r.ProductID == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if r.Quantity <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}

	return errs
}

// ReservationItem — запрошенная позиция корзины.
type ReservationItem struct {
	ProductID string
	Quantity  int64
}

// NormalizeItems проверяет позиции, схлопывает повторы по товару и сортирует по ProductID.
// Стабильный порядок нужен, чтобы блокировки товаров брались в одной последовательности.
func NormalizeItems(items []ReservationItem) ([]ReservationItem, error) {
	if len(items) == 0 {
		return nil, ErrItemsRequired
	}

	merged := make(map[string]int64, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, ErrProductIDRequired
		}
		if item.Quantity <= 0 || merged[productID] > math.MaxInt64-item.Quantity {
			return nil, ErrReservationQtyInvalid
		}
		merged[productID] += item.Quantity
	}

	result := make([]ReservationItem, 0, len(merged))
	for productID, qty := range merged {
		result = append(result, ReservationItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })

	return result, nil
}

// Product — внешняя сущность каталога; Stock — фактический остаток на складе.
type Product struct {
	ID        string
	Name      string
	Stock     int64
	UpdatedAt time.Time
}
