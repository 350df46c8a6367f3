package enums

// OutboxEventType identifies an event emitted through the outbox.
type OutboxEventType string

const (
	EventPaymentSucceeded   OutboxEventType = "payment.succeeded"
	EventPaymentFailed      OutboxEventType = "payment.failed"
	EventPaymentRefunded    OutboxEventType = "payment.refunded"
	EventReconcileRequested OutboxEventType = "payment.reconcile.requested"
)

// OutboxAggregateType identifies the aggregate an event belongs to.
type OutboxAggregateType string

const (
	AggregatePayment OutboxAggregateType = "payment"
)
