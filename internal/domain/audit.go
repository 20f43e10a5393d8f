package domain

import (
	"context"
	"time"
)

// AuditEventType — тип события аудита.
type AuditEventType string

const (
	AuditReservationCreated  AuditEventType = "reservation.created"
	AuditReservationRejected AuditEventType = "reservation.rejected"
	AuditReservationReleased AuditEventType = "reservation.released"

	AuditBalanceCredited     AuditEventType = "balance.credited"
	AuditBalanceDebited      AuditEventType = "balance.debited"
	AuditBalanceRefunded     AuditEventType = "balance.refunded"
	AuditBalanceInsufficient AuditEventType = "balance.insufficient"
	AuditBalanceConflict     AuditEventType = "balance.conflict"
	AuditBalanceReplayed     AuditEventType = "balance.replayed"
	AuditRechargeRequested   AuditEventType = "recharge.requested"
	AuditRechargeApproved    AuditEventType = "recharge.approved"
	AuditRechargeCancelled   AuditEventType = "recharge.cancelled"
	AuditGiftCardIssued      AuditEventType = "giftcard.issued"
	AuditGiftCardRedeemed    AuditEventType = "giftcard.redeemed"
	AuditCheckoutCompleted   AuditEventType = "checkout.completed"
	AuditCheckoutCompensated AuditEventType = "checkout.compensated"
)

// AuditEvent — запись о переходе состояния резерва или баланса.
type AuditEvent struct {
	Type       AuditEventType
	UserID     string
	Attributes map[string]string
	OccurredAt time.Time
}

// AggregateType возвращает префикс типа события (reservation, balance, ...).
func (e AuditEvent) AggregateType() string {
	raw := string(e.Type)
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			return raw[:i]
		}
	}
	return raw
}

// AuditSink принимает события аудита. Record не блокирует вызывающего и не возвращает ошибок.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAuditSink отбрасывает события.
type NopAuditSink struct{}

// Record ничего не делает.
func (NopAuditSink) Record(context.Context, AuditEvent) {}
