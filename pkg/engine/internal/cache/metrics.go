package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opPush = "push"
	opPull = "pull"
)

// Metrics is a container of metrics shared by every cache machine of an
// engine. A nil *Metrics records nothing.
type Metrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	batchesTotal *prometheus.CounterVec
	bytesTotal   *prometheus.CounterVec
}

// NewMetrics creates a new set of cache metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		reg: reg,

		batchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "execgraph_cache_batches_total",
			Help: "Total number of batches moved through cache machines by policy and operation",
		}, []string{"policy", "op"}),
		bytesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "execgraph_cache_bytes_total",
			Help: "Total number of bytes moved through cache machines by policy and operation",
		}, []string{"policy", "op"}),
	}
}

func (m *Metrics) observe(policy Policy, op string, bytes int64) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(policy.String(), op).Inc()
	m.bytesTotal.WithLabelValues(policy.String(), op).Add(float64(bytes))
}

// Register registers metrics to report to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *Metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
