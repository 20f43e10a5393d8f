package kafka

// Топики событий аудита витрины.
const (
	TopicAuditEvents = "storefront.audit.events"
	TopicAuditDLQ    = "storefront.audit.dlq"
)

// Kafka headers, по которым потребители фильтруют события аудита без разбора тела.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
	// HeaderDeliveryAttempt растёт при повторном захвате сообщения; потребитель дедуплицирует по HeaderOutboxID.
	HeaderDeliveryAttempt = "x-delivery-attempt"
)
