package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const transactionColumns = `id, balance_id, type, status, amount, order_id, idempotency_key, reference, description, created_at, updated_at`

type ledgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создаёт PostgreSQL-реализацию LedgerRepository.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{db: store.DB()}
}

func (r *ledgerRepository) FindBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	return r.findBalance(ctx, "user_id", userID)
}

func (r *ledgerRepository) FindBalanceByID(ctx context.Context, id string) (domain.UserBalance, error) {
	return r.findBalance(ctx, "id", id)
}

// column задаётся только вызывающими методами этого файла.
func (r *ledgerRepository) findBalance(ctx context.Context, column, value string) (domain.UserBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var b domain.UserBalance
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, total_recharges, total_spent, created_at, updated_at
		FROM user_balances
		WHERE `+column+` = $1
	`, value).Scan(&b.ID, &b.UserID, &b.Balance, &b.Currency, &b.TotalRecharges, &b.TotalSpent, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserBalance{}, domain.ErrBalanceNotFound
		}
		return domain.UserBalance{}, fmt.Errorf("find balance: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (r *ledgerRepository) CreateBalance(ctx context.Context, b domain.UserBalance) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_balances (id, user_id, balance, currency, total_recharges, total_spent, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.ID, b.UserID, b.Balance, b.Currency, b.TotalRecharges, b.TotalSpent, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrBalanceAlreadyExists
		}
		return fmt.Errorf("create balance: %w", err)
	}
	return nil
}

func (r *ledgerRepository) FindCompletedByIdempotencyKey(ctx context.Context, balanceID string, txType domain.TransactionType, key string) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM balance_transactions
		WHERE balance_id = $1
		  AND type = $2
		  AND idempotency_key = $3
		  AND status = 'completed'
		LIMIT 1
	`, balanceID, string(txType), key)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, fmt.Errorf("find transaction by idempotency key: %w", err)
	}
	return tx, nil
}

func (r *ledgerRepository) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM balance_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (r *ledgerRepository) ListTransactions(ctx context.Context, balanceID string, limit int) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + transactionColumns + ` FROM balance_transactions WHERE balance_id = $1 ORDER BY created_at DESC, id`
	args := []any{balanceID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return result, nil
}

func (r *ledgerRepository) CreateTransaction(ctx context.Context, tx domain.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return insertTransaction(ctx, r.db, tx)
}

// Commit применяет мутацию одной транзакцией. Условие balance = expected
// перепроверяется PostgreSQL после ожидания блокировки строки, поэтому
// два конкурентных списания с одного снимка не могут пройти оба.
// Накопительные суммы меняются приращением от текущей строки.
func (r *ledgerRepository) Commit(ctx context.Context, m domain.BalanceMutation) error {
	rechargesDelta, spentDelta := m.TotalsDelta()
	return inTx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE user_balances
			SET balance = $3,
			    total_recharges = total_recharges + $4,
			    total_spent = GREATEST(total_spent + $5, 0),
			    updated_at = $6
			WHERE user_id = $1
			  AND balance = $2
		`, m.Expected.UserID, m.Expected.Balance, m.Next.Balance, rechargesDelta, spentDelta, m.Next.UpdatedAt)
		if err != nil {
			if isCheckViolation(err) {
				return &domain.InsufficientBalanceError{Required: m.Expected.Balance.Sub(m.Next.Balance), Current: m.Expected.Balance}
			}
			return fmt.Errorf("compare-and-set balance: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for balance update: %w", err)
		}
		if affected == 0 {
			return domain.ErrBalanceChanged
		}

		if m.Insert != nil {
			if err := insertTransaction(ctx, tx, *m.Insert); err != nil {
				return err
			}
		}

		if m.SettleID != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE balance_transactions
				SET status = $2,
				    updated_at = $3
				WHERE id = $1
				  AND status = 'pending'
			`, m.SettleID, string(m.SettleTo), m.Next.UpdatedAt)
			if err != nil {
				return fmt.Errorf("settle pending transaction: %w", err)
			}
			if affected, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected for settle: %w", err)
			} else if affected == 0 {
				return domain.ErrTransactionNotPending
			}
		}

		if m.ClaimGiftCard != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE gift_cards
				SET redeemed_by = $2,
				    redeemed_at = $3
				WHERE code = $1
				  AND redeemed_by IS NULL
			`, m.ClaimGiftCard, m.Next.UserID, m.Next.UpdatedAt)
			if err != nil {
				return fmt.Errorf("claim gift card: %w", err)
			}
			if affected, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected for gift card claim: %w", err)
			} else if affected == 0 {
				return domain.ErrGiftCardRedeemed
			}
		}

		return nil
	})
}

func (r *ledgerRepository) CancelPending(ctx context.Context, id string, status domain.TransactionStatus, reason string, at time.Time) error {
	if !domain.TransactionStatusPending.CanTransition(status) {
		return domain.ErrTransactionNotPending
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE balance_transactions
		SET status = $2,
		    description = CASE WHEN $3 = '' THEN description ELSE $3 END,
		    updated_at = $4
		WHERE id = $1
		  AND status = 'pending'
	`, id, string(status), reason, at)
	if err != nil {
		return fmt.Errorf("cancel pending transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for cancel: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.GetTransaction(ctx, id); err != nil {
		return err
	}
	return domain.ErrTransactionNotPending
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertTransaction(ctx context.Context, db execer, tx domain.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO balance_transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		tx.ID, tx.BalanceID, string(tx.Type), string(tx.Status), tx.Amount,
		tx.OrderID, tx.IdempotencyKey, tx.Reference, tx.Description, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		if isForeignKeyViolation(err) {
			return domain.ErrBalanceNotFound
		}
		if isCheckViolation(err) {
			return domain.ErrAmountInvalid
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx       domain.Transaction
		txType   string
		txStatus string
	)
	if err := row.Scan(
		&tx.ID, &tx.BalanceID, &txType, &txStatus, &tx.Amount,
		&tx.OrderID, &tx.IdempotencyKey, &tx.Reference, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return domain.Transaction{}, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(txStatus)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
