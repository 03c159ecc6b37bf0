// pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the observability collaborator handed to the router and the
// credential vault. It is injected explicitly instead of living in package
// globals so tests can run with a private registry (or none at all).
type Collector struct {
	dispatches      *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	storageOps      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_dispatches_total",
			Help: "Dispatched invocations by route kind and outcome.",
		}, []string{"kind", "outcome"}),
		dispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_dispatch_duration_seconds",
			Help:    "Handler execution time by route kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_credential_refreshes_total",
			Help: "Credential refresh attempts by connector and outcome.",
		}, []string{"connector", "outcome"}),
		storageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_storage_operations_total",
			Help: "Storage client operations by verb and outcome.",
		}, []string{"op", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(c.dispatches, c.dispatchSeconds, c.refreshes, c.storageOps)
	}
	return c
}

func (c *Collector) Dispatch(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(kind, outcome).Inc()
	c.dispatchSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) Refresh(connector, outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(connector, outcome).Inc()
}

func (c *Collector) StorageOp(op, outcome string) {
	if c == nil {
		return
	}
	c.storageOps.WithLabelValues(op, outcome).Inc()
}
