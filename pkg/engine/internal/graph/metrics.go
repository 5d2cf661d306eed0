package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a container of metrics for graph execution.
type Metrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	kernelsTotal *prometheus.CounterVec
	queriesTotal *prometheus.CounterVec

	kernelExecSeconds prometheus.Histogram
	queryExecSeconds  prometheus.Histogram
}

// NewMetrics creates a new, unregistered Metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		reg: reg,

		kernelsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "execgraph_kernels_total",
			Help: "Total number of kernels by kind and final state",
		}, []string{"kind", "state"}),
		queriesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "execgraph_queries_total",
			Help: "Total number of executed graphs by status (success, failure)",
		}, []string{"status"}),

		kernelExecSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "execgraph_kernel_exec_seconds",
			Help: "Number of seconds a kernel took to leave the running state",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		queryExecSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "execgraph_query_exec_seconds",
			Help: "Number of seconds a graph took to execute",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}

// Register registers metrics to report to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *Metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
