package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// WebhookTotal counts inbound payment notifications by outcome.
	WebhookTotal = newWebhookTotal("")
	// WebhookSignatureFailures counts notifications rejected for a bad signature.
	WebhookSignatureFailures = newWebhookSignatureFailures("")
	// WebhookDuration records end-to-end notification handling latency in milliseconds.
	WebhookDuration = newWebhookDuration("")
	// TransactionTransitions counts applied status transitions.
	TransactionTransitions = newTransactionTransitions("")
	// InventoryShortfallTotal counts order lines fulfilled without enough stock.
	InventoryShortfallTotal = newInventoryShortfall("")
	// OrphansUnresolved reports orphan events still awaiting investigation.
	OrphansUnresolved = newOrphansUnresolved("")
	// SignatureFailuresRecent reports signature failures seen in the last 24 hours.
	SignatureFailuresRecent = newSignatureFailuresRecent("")
	// ProcessedEventsPruned counts processed-event ledger rows removed by retention.
	ProcessedEventsPruned = newProcessedEventsPruned("")
	// BreakerState reports outbound circuit state per target: 0 closed, 1 open, 2 half-open.
	BreakerState = newBreakerState("")
	// BreakerTransitions counts outbound circuit state changes.
	BreakerTransitions = newBreakerTransitions("")
)

func newWebhookTotal(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payment_webhook_total",
		Help:      "Count of processed payment webhooks by outcome.",
	}, []string{"provider", "result"})
}

func newWebhookSignatureFailures(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payment_webhook_signature_failures_total",
		Help:      "Count of payment webhooks rejected for an invalid signature.",
	}, []string{"provider"})
}

func newWebhookDuration(ns string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "payment_webhook_duration_ms",
		Help:      "Latency for payment webhook handling in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"provider"})
}

func newTransactionTransitions(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payment_transaction_transitions_total",
		Help:      "Count of applied payment transaction status transitions.",
	}, []string{"from", "to"})
}

func newInventoryShortfall(ns string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "inventory_shortfall_total",
		Help:      "Order lines fulfilled while stock was insufficient.",
	})
}

func newOrphansUnresolved(ns string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "orphan_transactions_unresolved",
		Help:      "Orphan provider events awaiting investigation.",
	})
}

func newSignatureFailuresRecent(ns string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "webhook_signature_failures_recent",
		Help:      "Webhook signature failures over the last 24 hours.",
	})
}

func newBreakerState(ns string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "outbound_breaker_state",
		Help:      "Outbound circuit breaker state: 0=closed, 1=open, 2=half-open.",
	}, []string{"target"})
}

func newBreakerTransitions(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "outbound_breaker_transitions_total",
		Help:      "Outbound circuit breaker state transitions.",
	}, []string{"target", "from", "to"})
}

func newProcessedEventsPruned(ns string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "processed_events_pruned_total",
		Help:      "Processed provider event records removed by retention.",
	})
}

// MustRegisterDomainMetrics rebuilds the domain collectors under namespace and registers them.
// Until it runs, the collectors exist but are not exported.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		WebhookTotal = newWebhookTotal(namespace)
		WebhookSignatureFailures = newWebhookSignatureFailures(namespace)
		WebhookDuration = newWebhookDuration(namespace)
		TransactionTransitions = newTransactionTransitions(namespace)
		InventoryShortfallTotal = newInventoryShortfall(namespace)
		OrphansUnresolved = newOrphansUnresolved(namespace)
		SignatureFailuresRecent = newSignatureFailuresRecent(namespace)
		ProcessedEventsPruned = newProcessedEventsPruned(namespace)
		BreakerState = newBreakerState(namespace)
		BreakerTransitions = newBreakerTransitions(namespace)

		mustRegisterCollector(reg, WebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookSignatureFailures, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookSignatureFailures = v
			}
		})
		mustRegisterCollector(reg, WebhookDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				WebhookDuration = v
			}
		})
		mustRegisterCollector(reg, TransactionTransitions, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TransactionTransitions = v
			}
		})
		mustRegisterCollector(reg, InventoryShortfallTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				InventoryShortfallTotal = v
			}
		})
		mustRegisterCollector(reg, OrphansUnresolved, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				OrphansUnresolved = v
			}
		})
		mustRegisterCollector(reg, SignatureFailuresRecent, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				SignatureFailuresRecent = v
			}
		})
		mustRegisterCollector(reg, ProcessedEventsPruned, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ProcessedEventsPruned = v
			}
		})
		mustRegisterCollector(reg, BreakerState, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.GaugeVec); ok {
				BreakerState = v
			}
		})
		mustRegisterCollector(reg, BreakerTransitions, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BreakerTransitions = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
