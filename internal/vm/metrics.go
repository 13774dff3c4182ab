package vm

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/crucible/internal/undo"
)

const (
	labelOperation = "operation"
	labelResult    = "result"
)

var operationCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crucible_operation_total",
	Help: "Number of lifecycle operations by result",
}, []string{labelOperation, labelResult})

var rollbackCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crucible_rollback_total",
	Help: "Number of lifecycle operations that were rolled back",
}, []string{labelOperation})

var operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "crucible_operation_duration_seconds",
	Help:    "Length of time per lifecycle operation",
	Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
}, []string{labelOperation})

func init() {
	prometheus.MustRegister(
		operationCounters,
		rollbackCounters,
		operationDuration,
	)
}

// observe records the outcome of an operation. It is deferred with a
// pointer to the named error result.
func observe(operation string, start time.Time, errp *error) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	result := "success"
	if errp != nil && *errp != nil {
		result = "error"
		var rb *undo.RollbackError
		var fault *InstanceFaultRollback
		if errors.As(*errp, &rb) || errors.As(*errp, &fault) {
			rollbackCounters.WithLabelValues(operation).Inc()
		}
	}
	operationCounters.WithLabelValues(operation, result).Inc()
}
