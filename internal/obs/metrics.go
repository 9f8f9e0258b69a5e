package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWaitAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagecheck",
		Name:      "wait_attempts",
		Help:      "Predicate evaluations per wait call.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
	}, []string{"outcome"})
	metricWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagecheck",
		Name:      "wait_duration_seconds",
		Help:      "Wall time spent inside a wait call.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"outcome"})
	metricRouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagecheck",
		Name:      "route_decisions_total",
		Help:      "Intercepted requests by disposition.",
	}, []string{"action"})
	metricSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagecheck",
		Name:      "sessions_open",
		Help:      "Page sessions created and not yet closed.",
	})
)

// RecordWait records the outcome of one wait call.
func RecordWait(outcome string, attempts int, elapsed time.Duration) {
	metricWaitAttempts.WithLabelValues(outcome).Observe(float64(attempts))
	metricWaitDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordRouteDecision counts one intercepted request.
func RecordRouteDecision(action string) {
	metricRouteDecisions.WithLabelValues(action).Inc()
}

// RecordSessionOpened and RecordSessionClosed track live sessions.
func RecordSessionOpened() {
	metricSessionsOpen.Inc()
}

func RecordSessionClosed() {
	metricSessionsOpen.Dec()
}
