package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func auditCounter(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "storefront_audit_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestDispatcher_PersistsEventsToOutbox(t *testing.T) {
	repo := memory.NewOutboxRepository()
	reg := prometheus.NewRegistry()
	dispatcher := NewDispatcher(repo, WithMetrics(metrics.NewStorefrontWithRegisterer(reg)))

	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)

	occurred := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dispatcher.Record(ctx, domain.AuditEvent{
		Type:       domain.AuditBalanceDebited,
		UserID:     "u1",
		Attributes: map[string]string{"amount": "10.00"},
		OccurredAt: occurred,
	})
	dispatcher.Record(ctx, domain.AuditEvent{Type: domain.AuditReservationCreated, UserID: "u2"})

	require.Eventually(t, func() bool { return len(repo.AllPending()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	dispatcher.Wait()

	pending := repo.AllPending()
	require.Equal(t, "balance", pending[0].AggregateType)
	require.Equal(t, "u1", pending[0].AggregateID)
	require.Equal(t, "balance.debited", pending[0].EventType)

	var payload eventPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	require.Equal(t, "10.00", payload.Attributes["amount"])
	require.True(t, occurred.Equal(payload.OccurredAt))

	require.Equal(t, "reservation", pending[1].AggregateType)
	require.Equal(t, float64(2), auditCounter(t, reg, "stored"))
}

func TestDispatcher_DropsWhenQueueIsFull(t *testing.T) {
	repo := memory.NewOutboxRepository()
	reg := prometheus.NewRegistry()
	dispatcher := NewDispatcher(repo, WithQueueSize(1), WithMetrics(metrics.NewStorefrontWithRegisterer(reg)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			dispatcher.Record(context.Background(), domain.AuditEvent{Type: domain.AuditBalanceCredited, UserID: "u1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	require.Equal(t, float64(2), auditCounter(t, reg, "dropped"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatcher.Run(ctx)
	require.Len(t, repo.AllPending(), 1, "queued event is drained on shutdown")
}

func TestDispatcher_RecordAfterStopIsDropped(t *testing.T) {
	repo := memory.NewOutboxRepository()
	dispatcher := NewDispatcher(repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatcher.Run(ctx)

	dispatcher.Record(context.Background(), domain.AuditEvent{Type: domain.AuditBalanceCredited})
	require.Empty(t, repo.AllPending())
}

type failingOutbox struct {
	domain.OutboxRepository
	panics bool
}

func (f *failingOutbox) Enqueue(context.Context, domain.OutboxMessage) (domain.OutboxMessage, error) {
	if f.panics {
		panic("storage exploded")
	}
	return domain.OutboxMessage{}, errors.New("storage unavailable")
}

func TestDispatcher_SurvivesStorageFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		reg := prometheus.NewRegistry()
		dispatcher := NewDispatcher(&failingOutbox{panics: panics}, WithMetrics(metrics.NewStorefrontWithRegisterer(reg)))

		dispatcher.Record(context.Background(), domain.AuditEvent{Type: domain.AuditGiftCardIssued})
		dispatcher.Record(context.Background(), domain.AuditEvent{Type: domain.AuditGiftCardRedeemed})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NotPanics(t, func() { dispatcher.Run(ctx) })
		require.Equal(t, float64(2), auditCounter(t, reg, "failed"))
	}
}

func TestToOutboxMessage(t *testing.T) {
	_, err := ToOutboxMessage(domain.AuditEvent{})
	require.Error(t, err)

	msg, err := ToOutboxMessage(domain.AuditEvent{Type: domain.AuditCheckoutCompensated, UserID: "u9"})
	require.NoError(t, err)
	require.Equal(t, "checkout", msg.AggregateType)
	require.Equal(t, "checkout.compensated", msg.EventType)
	require.True(t, json.Valid(msg.Payload))
}

func TestLogPublisher_Publish(t *testing.T) {
	publisher := NewLogPublisher(nil)
	require.NoError(t, publisher.Publish(context.Background(), domain.OutboxMessage{ID: "1", EventType: "balance.credited"}))
}
