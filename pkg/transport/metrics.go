package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instrumentation for the transport client,
// namespaced and labeled the way evalgo-org-eve/tracing.Metrics labels its
// dependency-call metrics.
type metrics struct {
	sendsTotal      *prometheus.CounterVec
	sendErrorsTotal *prometheus.CounterVec
	pseudoSyncDur   *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *metrics
)

// newMetrics returns the process-wide transport metrics, constructing them
// on first call. Prometheus collectors register globally, so every
// transport.Client in a process (and every transport.New call across a
// test package's test functions) must share one set rather than each
// registering its own -- a second registration of the same name panics.
func newMetrics(namespace string) *metrics {
	metricsOnce.Do(func() {
		metricsInstance = buildMetrics(namespace)
	})
	return metricsInstance
}

func buildMetrics(namespace string) *metrics {
	if namespace == "" {
		namespace = "nooble4_transport"
	}
	return &metrics{
		sendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Total number of envelopes sent by pattern",
			},
			[]string{"pattern", "target_service"},
		),
		sendErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Total number of send failures by pattern",
			},
			[]string{"pattern", "target_service", "error_type"},
		),
		pseudoSyncDur: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pseudo_sync_duration_seconds",
				Help:      "Time spent waiting for a pseudo-sync response",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target_service"},
		),
		circuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"target_service"},
		),
	}
}
