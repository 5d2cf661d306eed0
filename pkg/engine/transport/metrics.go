package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a container of metrics for an HTTP transport.
type Metrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	framesTotal  *prometheus.CounterVec
	bytesTotal   *prometheus.CounterVec
	retriesTotal prometheus.Counter
}

// NewMetrics creates a new, unregistered Metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		reg: reg,

		framesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "execgraph_transport_frames_total",
			Help: "Total number of exchange frames by operation (send, close, recv, recv_close, duplicate)",
		}, []string{"op"}),
		bytesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "execgraph_transport_bytes_total",
			Help: "Total number of exchange frame bytes by operation",
		}, []string{"op"}),
		retriesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "execgraph_transport_retries_total",
			Help: "Total number of times sending a frame to a peer was retried",
		}),
	}
}

// Register registers metrics to report to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *Metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
