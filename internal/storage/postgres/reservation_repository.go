package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type reservationRepository struct {
	db *sql.DB
}

// NewReservationRepository создаёт PostgreSQL-реализацию ReservationRepository.
// Сериализация резервов одного товара обеспечивается SELECT ... FOR UPDATE по строке products.
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepository{db: store.DB()}
}

func (r *reservationRepository) WithinTx(ctx context.Context, fn func(tx domain.ReservationTx) error) error {
	return inTx(ctx, r.db, func(_ context.Context, tx *sql.Tx) error {
		return fn(&reservationTx{tx: tx})
	})
}

func (r *reservationRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM stock_reservations
		WHERE id IN (
			SELECT id
			FROM stock_reservations
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired reservations: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for expired reservations: %w", err)
	}
	return int(affected), nil
}

type reservationTx struct {
	tx *sql.Tx
}

func (t *reservationTx) ProductStock(ctx context.Context, productID string) (int64, error) {
	var stock int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT stock
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrProductNotFound
		}
		return 0, fmt.Errorf("lock product %s: %w", productID, err)
	}
	return stock, nil
}

func (t *reservationTx) PurgeExpired(ctx context.Context, productID string, now time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM stock_reservations
		WHERE product_id = $1
		  AND expires_at <= $2
	`, productID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired reservations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for purge: %w", err)
	}
	return int(affected), nil
}

func (t *reservationTx) SumActive(ctx context.Context, productID string, now time.Time) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_reservations
		WHERE product_id = $1
		  AND expires_at > $2
	`, productID, now.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return total, nil
}

func (t *reservationTx) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM stock_reservations WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user reservations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for user reservations: %w", err)
	}
	return int(affected), nil
}

func (t *reservationTx) ListByUser(ctx context.Context, userID string, now time.Time) ([]domain.StockReservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, product_id, quantity, expires_at, created_at
		FROM stock_reservations
		WHERE user_id = $1
		  AND expires_at > $2
		ORDER BY product_id, id
	`, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list user reservations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StockReservation, 0)
	for rows.Next() {
		var res domain.StockReservation
		if err := rows.Scan(&res.ID, &res.UserID, &res.ProductID, &res.Quantity, &res.ExpiresAt, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res.ExpiresAt = res.ExpiresAt.UTC()
		res.CreatedAt = res.CreatedAt.UTC()
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation rows: %w", err)
	}
	return result, nil
}

func (t *reservationTx) CreateBatch(ctx context.Context, rows []domain.StockReservation) error {
	for _, row := range rows {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_reservations (id, user_id, product_id, quantity, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, row.ID, row.UserID, row.ProductID, row.Quantity, row.ExpiresAt.UTC(), row.CreatedAt.UTC())
		if err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrInvalidReference
			}
			if isCheckViolation(err) {
				return domain.ErrReservationQtyInvalid
			}
			return fmt.Errorf("insert reservation: %w", err)
		}
	}
	return nil
}

func (t *reservationTx) DecrementStock(ctx context.Context, productID string, qty int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND stock >= $2
	`, productID, qty)
	if err != nil {
		if isCheckViolation(err) {
			return domain.ErrStockNegative
		}
		return fmt.Errorf("decrement stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for stock decrement: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return fmt.Errorf("check product exists: %w", err)
	}
	if !exists {
		return domain.ErrInvalidReference
	}
	return domain.ErrStockNegative
}

var (
	_ domain.ReservationRepository = (*reservationRepository)(nil)
	_ domain.ReservationTx         = (*reservationTx)(nil)
)
