package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// RequestRecharge создаёт PENDING заявку на пополнение; баланс не меняется до подтверждения.
func (s *Service) RequestRecharge(ctx context.Context, req RechargeRequest) (domain.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return domain.Transaction{}, err
	}

	balance, err := s.Balance(ctx, req.UserID)
	if err != nil {
		return domain.Transaction{}, err
	}

	now := s.clock.Now()
	tx := s.newTransaction(balance, domain.TransactionTypeRecharge, domain.TransactionStatusPending, req.Amount, now)
	tx.Reference = strings.TrimSpace(req.Reference)

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		s.metrics.RecordLedger("recharge_request", "error")
		return domain.Transaction{}, fmt.Errorf("create recharge: %w", err)
	}

	s.metrics.RecordLedger("recharge_request", "ok")
	s.record(ctx, domain.AuditRechargeRequested, balance.UserID, now, map[string]string{
		"amount":         req.Amount.StringFixed(2),
		"transaction_id": tx.ID,
		"reference":      tx.Reference,
	})
	return tx, nil
}

// ApproveRecharge переводит заявку в COMPLETED и зачисляет сумму одной атомарной операцией.
// Повторное подтверждение возвращает ErrTransactionNotPending.
func (s *Service) ApproveRecharge(ctx context.Context, actor domain.Actor, txID string) (domain.MutationResult, error) {
	if err := actor.Require(domain.PermissionRechargeApprove); err != nil {
		s.metrics.RecordLedger("recharge_approve", "denied")
		return domain.MutationResult{}, err
	}

	pending, err := s.pendingRecharge(ctx, txID)
	if err != nil {
		return domain.MutationResult{}, err
	}

	balance, err := s.balanceByTransaction(ctx, pending)
	if err != nil {
		return domain.MutationResult{}, err
	}

	now := s.clock.Now()
	settled := pending
	settled.Status = domain.TransactionStatusCompleted
	next, err := balance.Apply(settled, now)
	if err != nil {
		return domain.MutationResult{}, err
	}

	err = s.repo.Commit(ctx, domain.BalanceMutation{
		Expected: balance,
		Next:     next,
		SettleID: pending.ID,
		SettleTo: domain.TransactionStatusCompleted,
	})
	if err != nil {
		s.rejected(ctx, "recharge_approve", balance.UserID, now, err)
		if isDomainOutcome(err) {
			return domain.MutationResult{}, err
		}
		return domain.MutationResult{}, fmt.Errorf("approve recharge: %w", err)
	}

	s.metrics.RecordLedger("recharge_approve", "ok")
	s.record(ctx, domain.AuditRechargeApproved, balance.UserID, now, map[string]string{
		"amount":         pending.Amount.StringFixed(2),
		"transaction_id": pending.ID,
		"actor_id":       actor.UserID,
	})
	return domain.MutationResult{NewBalance: next.Balance, TransactionID: pending.ID}, nil
}

// CancelRecharge отклоняет PENDING заявку без изменения баланса.
func (s *Service) CancelRecharge(ctx context.Context, actor domain.Actor, txID, reason string) error {
	if err := actor.Require(domain.PermissionRechargeApprove); err != nil {
		s.metrics.RecordLedger("recharge_cancel", "denied")
		return err
	}

	pending, err := s.pendingRecharge(ctx, txID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.repo.CancelPending(ctx, pending.ID, domain.TransactionStatusCancelled, reason, now); err != nil {
		if isDomainOutcome(err) {
			s.metrics.RecordLedger("recharge_cancel", "rejected")
			return err
		}
		s.metrics.RecordLedger("recharge_cancel", "error")
		return fmt.Errorf("cancel recharge: %w", err)
	}

	s.metrics.RecordLedger("recharge_cancel", "ok")
	userID := ""
	if balance, err := s.balanceByTransaction(ctx, pending); err == nil {
		userID = balance.UserID
	}
	s.record(ctx, domain.AuditRechargeCancelled, userID, now, map[string]string{
		"transaction_id": pending.ID,
		"reason":         reason,
		"actor_id":       actor.UserID,
	})
	return nil
}

func (s *Service) pendingRecharge(ctx context.Context, txID string) (domain.Transaction, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}

	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.Transaction{}, err
		}
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	if tx.Type != domain.TransactionTypeRecharge {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	if tx.Status != domain.TransactionStatusPending {
		return domain.Transaction{}, domain.ErrTransactionNotPending
	}
	return tx, nil
}

// balanceByTransaction находит баланс-владельца транзакции.
func (s *Service) balanceByTransaction(ctx context.Context, tx domain.Transaction) (domain.UserBalance, error) {
	owner, err := s.repo.FindBalanceByID(ctx, tx.BalanceID)
	if err != nil {
		if errors.Is(err, domain.ErrBalanceNotFound) {
			return domain.UserBalance{}, err
		}
		return domain.UserBalance{}, fmt.Errorf("find balance: %w", err)
	}
	return owner, nil
}
