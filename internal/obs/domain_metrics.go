package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// WebhookInboundTotal counts inbound gateway notifications by verification outcome.
	WebhookInboundTotal *prometheus.CounterVec
	// WebhookProcessedTotal counts processing outcomes for ledgered events.
	WebhookProcessedTotal *prometheus.CounterVec
	// WebhookProcessDuration records end-to-end processing latency in milliseconds.
	WebhookProcessDuration *prometheus.HistogramVec
	// WebhookRetryScheduledTotal counts retries scheduled after transient failures.
	WebhookRetryScheduledTotal prometheus.Counter
	// WebhookRetriesExhaustedTotal counts events that ran out of attempts.
	WebhookRetriesExhaustedTotal prometheus.Counter
	// WebhookSweepClaimedTotal counts due events claimed by the retry sweep.
	WebhookSweepClaimedTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		WebhookInboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_inbound_total",
			Help:      "Count of inbound payment gateway notifications by outcome.",
		}, []string{"provider", "result"})
		WebhookProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_processed_total",
			Help:      "Count of ledgered webhook event processing outcomes.",
		}, []string{"provider", "result"})
		WebhookProcessDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_webhook_process_duration_ms",
			Help:      "Latency of webhook event processing attempts in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"provider"})
		WebhookRetryScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_retry_scheduled_total",
			Help:      "Number of retries scheduled after transient processing failures.",
		})
		WebhookRetriesExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_retries_exhausted_total",
			Help:      "Number of events marked failed after exhausting the attempt budget.",
		})
		WebhookSweepClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_sweep_claimed_total",
			Help:      "Number of due events claimed by the retry sweep.",
		})

		mustRegisterCollector(reg, WebhookInboundTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookInboundTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookProcessedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookProcessedTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookProcessDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				WebhookProcessDuration = v
			}
		})
		mustRegisterCollector(reg, WebhookRetryScheduledTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookRetryScheduledTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookRetriesExhaustedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookRetriesExhaustedTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookSweepClaimedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookSweepClaimedTotal = v
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
