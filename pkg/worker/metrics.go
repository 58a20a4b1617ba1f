package worker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics exposes the worker's backpressure and throughput signals, per
// spec.md section 5's backpressure requirement ("the worker surfaces a
// metric" when a consumer group's pending list grows beyond threshold).
// Grounded on evalgo-org-eve/tracing's NewMetrics(namespace) constructor
// shape, same as pkg/transport's metrics.
type metrics struct {
	dispatchedTotal   *prometheus.CounterVec
	failedTotal       *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	pendingEntries    *prometheus.GaugeVec
}

var (
	workerMetricsOnce     sync.Once
	workerMetricsInstance *metrics
)

// newMetrics returns the process-wide worker metrics, constructing them on
// first call -- every Worker in a process (and every New call across a test
// package's test functions) shares one registration instead of each trying
// to register its own collectors under the same names.
func newMetrics(namespace string) *metrics {
	workerMetricsOnce.Do(func() {
		workerMetricsInstance = buildMetrics(namespace)
	})
	return workerMetricsInstance
}

func buildMetrics(namespace string) *metrics {
	if namespace == "" {
		namespace = "nooble4_worker"
	}
	return &metrics{
		dispatchedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Envelopes successfully dispatched and acked.",
		}, []string{"stream"}),
		failedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Envelopes that failed dispatch, labeled by whether the failure was transient.",
		}, []string{"stream", "transient"}),
		deadLetteredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Envelopes moved to the dead-letter stream.",
		}, []string{"stream"}),
		pendingEntries: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_entries",
			Help:      "Most recently observed consumer-group pending-entries count.",
		}, []string{"stream"}),
	}
}
