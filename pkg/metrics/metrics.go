package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "lightodm", Name: "operations_total", Help: "Number of datastore operations by operation name and execution mode."},
		[]string{"operation", "mode"},
	)
	OperationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "lightodm", Name: "operation_errors_total", Help: "Number of failed datastore operations by operation name and execution mode."},
		[]string{"operation", "mode"},
	)
)

// RegisterCollectors registers the library's collectors with the given
// registerer. Counters still increment when unregistered; applications
// that do not scrape metrics can simply never call this.
func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
	reg.MustRegister(OperationErrors)
}
