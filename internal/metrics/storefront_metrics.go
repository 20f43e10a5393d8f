package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Storefront содержит метрики лимитера, резервов, баланса, checkout и аудита.
// Все методы безопасны для nil-получателя.
type Storefront struct {
	rateLimitDecisions *prometheus.CounterVec
	reservations       *prometheus.CounterVec
	ledgerOperations   *prometheus.CounterVec
	ledgerRetries      *prometheus.CounterVec
	checkouts          *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	auditEvents        *prometheus.CounterVec
	auditQueueDepth    prometheus.Gauge
}

// NewStorefront регистрирует метрики в DefaultRegisterer.
func NewStorefront() *Storefront {
	return NewStorefrontWithRegisterer(prometheus.DefaultRegisterer)
}

// NewStorefrontWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewStorefrontWithRegisterer(registerer prometheus.Registerer) *Storefront {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Storefront{
		rateLimitDecisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_rate_limit_decisions_total",
			Help: "Rate limiter decisions grouped by endpoint and result.",
		}, []string{"endpoint", "result"}),
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_reservations_total",
			Help: "Stock reservation outcomes grouped by result.",
		}, []string{"result"}),
		ledgerOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_ledger_operations_total",
			Help: "Balance ledger operations grouped by operation and result.",
		}, []string{"operation", "result"}),
		ledgerRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_ledger_retries_total",
			Help: "Optimistic-lock retries grouped by operation.",
		}, []string{"operation"}),
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Checkout confirmations grouped by result.",
		}, []string{"result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_operation_duration_seconds",
			Help:    "Duration of reservation, ledger and checkout operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		auditEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_audit_events_total",
			Help: "Audit events grouped by outcome (stored, dropped, failed).",
		}, []string{"result"}),
		auditQueueDepth: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_audit_queue_depth",
			Help: "Number of audit events waiting in the dispatcher buffer.",
		}),
	}
}

// RecordRateLimit учитывает решение лимитера.
func (m *Storefront) RecordRateLimit(endpoint, result string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(endpoint, result).Inc()
}

// RecordReservation учитывает исход резервирования.
func (m *Storefront) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordLedger учитывает операцию с балансом.
func (m *Storefront) RecordLedger(operation, result string) {
	if m == nil {
		return
	}
	m.ledgerOperations.WithLabelValues(operation, result).Inc()
}

// RecordLedgerRetry учитывает повтор после optimistic-конфликта.
func (m *Storefront) RecordLedgerRetry(operation string) {
	if m == nil {
		return
	}
	m.ledgerRetries.WithLabelValues(operation).Inc()
}

// RecordCheckout учитывает исход checkout.
func (m *Storefront) RecordCheckout(result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
}

// ObserveDuration записывает длительность операции.
func (m *Storefront) ObserveDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordAuditEvent учитывает судьбу события аудита.
func (m *Storefront) RecordAuditEvent(result string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(result).Inc()
}

// SetAuditQueueDepth выставляет текущую глубину буфера аудита.
func (m *Storefront) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(depth))
}
