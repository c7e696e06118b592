package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	readingsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fmair",
			Name:      "readings_enqueued_total",
			Help:      "Readings appended to the durable queue.",
		},
	)

	enqueueErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fmair",
			Name:      "enqueue_errors_total",
			Help:      "Failed durable queue appends (local storage errors).",
		},
	)

	readingsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fmair",
			Name:      "readings_delivered_total",
			Help:      "Readings acknowledged by the remote store.",
		},
	)

	deliveryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fmair",
			Name:      "delivery_retries_total",
			Help:      "Delivery attempts that will be retried, by error kind.",
		},
		[]string{"kind"},
	)

	readingsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fmair",
			Name:      "readings_dead_letter_total",
			Help:      "Readings moved to the dead-letter state.",
		},
	)

	queueEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fmair",
			Name:      "queue_entries",
			Help:      "Durable queue entries by delivery status.",
		},
		[]string{"status"},
	)

	backoffSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fmair",
			Name:      "sync_backoff_seconds",
			Help:      "Current sync engine backoff delay.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			readingsEnqueued,
			enqueueErrors,
			readingsDelivered,
			deliveryRetries,
			readingsDeadLettered,
			queueEntries,
			backoffSeconds,
		)
	})
}

// IncEnqueued counts one durably stored reading.
func IncEnqueued() { readingsEnqueued.Inc() }

// IncEnqueueError counts one failed enqueue.
func IncEnqueueError() { enqueueErrors.Inc() }

// AddDelivered counts readings confirmed by the remote store.
func AddDelivered(n int) { readingsDelivered.Add(float64(n)) }

// IncRetry counts a delivery attempt scheduled for retry.
func IncRetry(kind string) { deliveryRetries.WithLabelValues(kind).Inc() }

// IncDeadLettered counts one entry moved to dead-letter.
func IncDeadLettered() { readingsDeadLettered.Inc() }

// SetQueueDepth reports the entry count for one delivery status.
func SetQueueDepth(status string, n int64) { queueEntries.WithLabelValues(status).Set(float64(n)) }

// SetBackoff reports the current backoff delay.
func SetBackoff(seconds float64) { backoffSeconds.Set(seconds) }
