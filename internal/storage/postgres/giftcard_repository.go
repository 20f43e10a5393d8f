package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type giftCardRepository struct {
	db *sql.DB
}

// NewGiftCardRepository создаёт PostgreSQL-реализацию GiftCardRepository.
func NewGiftCardRepository(store *Store) domain.GiftCardRepository {
	return &giftCardRepository{db: store.DB()}
}

func (r *giftCardRepository) Create(ctx context.Context, card domain.GiftCard) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var expiresAt sql.NullTime
	if !card.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: card.ExpiresAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gift_cards (code, amount, currency, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, card.Code, card.Amount, card.Currency, expiresAt, card.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrGiftCardExists
		}
		return fmt.Errorf("create gift card: %w", err)
	}
	return nil
}

func (r *giftCardRepository) Get(ctx context.Context, code string) (domain.GiftCard, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		card       domain.GiftCard
		expiresAt  sql.NullTime
		redeemedBy sql.NullString
		redeemedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT code, amount, currency, expires_at, redeemed_by, redeemed_at, created_at
		FROM gift_cards
		WHERE code = $1
	`, code).Scan(&card.Code, &card.Amount, &card.Currency, &expiresAt, &redeemedBy, &redeemedAt, &card.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.GiftCard{}, domain.ErrGiftCardNotFound
		}
		return domain.GiftCard{}, fmt.Errorf("get gift card: %w", err)
	}

	if expiresAt.Valid {
		card.ExpiresAt = expiresAt.Time.UTC()
	}
	if redeemedBy.Valid {
		card.RedeemedBy = redeemedBy.String
	}
	if redeemedAt.Valid {
		card.RedeemedAt = redeemedAt.Time.UTC()
	}
	card.CreatedAt = card.CreatedAt.UTC()
	return card, nil
}

var _ domain.GiftCardRepository = (*giftCardRepository)(nil)
