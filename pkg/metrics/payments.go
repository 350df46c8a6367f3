package metrics

import "github.com/prometheus/client_golang/prometheus"

// PaymentMetrics counts reconciliation outcomes.
type PaymentMetrics struct {
	transitions *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
}

// NewPaymentMetrics registers payment transition counters.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagevault",
		Name:      "payment_transitions_total",
		Help:      "Payment state transitions applied by the reconciliation engine.",
	}, []string{"from", "to"})
	duplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagevault",
		Name:      "payment_duplicate_events_total",
		Help:      "Events skipped because the payment already held the target state.",
	}, []string{"to"})
	reg.MustRegister(transitions, duplicates)
	return &PaymentMetrics{transitions: transitions, duplicates: duplicates}
}

// IncTransition records one applied transition.
func (p *PaymentMetrics) IncTransition(from, to string) {
	if p == nil || p.transitions == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

// IncDuplicate records one idempotent no-op.
func (p *PaymentMetrics) IncDuplicate(to string) {
	if p == nil || p.duplicates == nil {
		return
	}
	p.duplicates.WithLabelValues(to).Inc()
}
