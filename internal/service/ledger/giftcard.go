package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// GiftCardRequest описывает выпуск подарочной карты. Пустой Code генерируется.
type GiftCardRequest struct {
	Code      string
	Amount    decimal.Decimal
	ExpiresAt time.Time
}

// IssueGiftCard выпускает подарочную карту. Требует разрешения giftcard:issue.
func (s *Service) IssueGiftCard(ctx context.Context, actor domain.Actor, req GiftCardRequest) (domain.GiftCard, error) {
	if err := actor.Require(domain.PermissionGiftCardIssue); err != nil {
		s.metrics.RecordLedger("giftcard_issue", "denied")
		return domain.GiftCard{}, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return domain.GiftCard{}, err
	}

	now := s.clock.Now()
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now) {
		return domain.GiftCard{}, domain.ErrGiftCardExpired
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		code = newGiftCardCode()
	}
	card := domain.GiftCard{
		Code:      code,
		Amount:    req.Amount,
		Currency:  s.currency,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
	}

	if err := s.cards.Create(ctx, card); err != nil {
		if errors.Is(err, domain.ErrGiftCardExists) {
			s.metrics.RecordLedger("giftcard_issue", "rejected")
			return domain.GiftCard{}, err
		}
		s.metrics.RecordLedger("giftcard_issue", "error")
		return domain.GiftCard{}, fmt.Errorf("create gift card: %w", err)
	}

	s.metrics.RecordLedger("giftcard_issue", "ok")
	s.record(ctx, domain.AuditGiftCardIssued, actor.UserID, now, map[string]string{
		"code":   card.Code,
		"amount": card.Amount.StringFixed(2),
	})
	return card, nil
}

// RedeemGiftCard погашает карту: пометка карты, зачисление и запись транзакции
// выполняются атомарно.
func (s *Service) RedeemGiftCard(ctx context.Context, userID, code string) (domain.MutationResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.MutationResult{}, domain.ErrGiftCardNotFound
	}

	card, err := s.cards.Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrGiftCardNotFound) {
			s.metrics.RecordLedger("giftcard_redeem", "rejected")
			return domain.MutationResult{}, err
		}
		return domain.MutationResult{}, fmt.Errorf("get gift card: %w", err)
	}

	now := s.clock.Now()
	if err := card.Redeemable(now); err != nil {
		s.metrics.RecordLedger("giftcard_redeem", "rejected")
		return domain.MutationResult{}, err
	}

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if card.Currency != "" && card.Currency != balance.Currency {
		return domain.MutationResult{}, domain.ErrCurrencyMismatch
	}

	tx := s.newTransaction(balance, domain.TransactionTypeGiftCard, domain.TransactionStatusCompleted, card.Amount, now)
	tx.Reference = card.Code
	next, err := balance.Apply(tx, now)
	if err != nil {
		return domain.MutationResult{}, err
	}

	err = s.repo.Commit(ctx, domain.BalanceMutation{
		Expected:      balance,
		Next:          next,
		Insert:        &tx,
		ClaimGiftCard: card.Code,
	})
	if err != nil {
		s.rejected(ctx, "giftcard_redeem", balance.UserID, now, err)
		if isDomainOutcome(err) {
			return domain.MutationResult{}, err
		}
		return domain.MutationResult{}, fmt.Errorf("redeem gift card: %w", err)
	}

	s.metrics.RecordLedger("giftcard_redeem", "ok")
	s.record(ctx, domain.AuditGiftCardRedeemed, balance.UserID, now, map[string]string{
		"code":           card.Code,
		"amount":         card.Amount.StringFixed(2),
		"transaction_id": tx.ID,
	})
	return domain.MutationResult{NewBalance: next.Balance, TransactionID: tx.ID}, nil
}

func newGiftCardCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "GC-" + raw[:12]
}
