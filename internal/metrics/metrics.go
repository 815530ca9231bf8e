// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lifecycleTotal counts lifecycle operations by operation and result
	lifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcstack_lifecycle_operations_total",
		Help: "Total stack lifecycle operations by operation and result",
	}, []string{"op", "result"})

	// commandDuration tracks container runtime call latency
	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcstack_runtime_command_duration_seconds",
		Help:    "Container runtime command duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"command", "result"})

	stacks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcstack_stacks",
		Help: "Number of declared stacks seen by the last listing",
	})
)

// ObserveLifecycle records one lifecycle operation outcome.
func ObserveLifecycle(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	lifecycleTotal.WithLabelValues(op, result).Inc()
}

// ObserveCommand records the duration of one runtime command.
func ObserveCommand(command, result string, d time.Duration) {
	commandDuration.WithLabelValues(command, result).Observe(d.Seconds())
}

// SetStacks records the number of declared stacks.
func SetStacks(n int) {
	stacks.Set(float64(n))
}
