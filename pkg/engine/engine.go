// Package engine builds executable query graphs from plan fragments.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/internal/allocator"
	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/engine/internal/graph"
	"github.com/grafana/execgraph/pkg/engine/internal/kernel"
	"github.com/grafana/execgraph/pkg/engine/plan"
	"github.com/grafana/execgraph/pkg/engine/transport"
)

var (
	ErrIndex             = engineerrors.ErrIndex
	ErrKey               = engineerrors.ErrKey
	ErrType              = engineerrors.ErrType
	ErrNotImplemented    = engineerrors.ErrNotImplemented
	ErrTopology          = engineerrors.ErrTopology
	ErrIncompleteGraph   = engineerrors.ErrIncompleteGraph
	ErrRouting           = engineerrors.ErrRouting
	ErrSchemaMismatch    = engineerrors.ErrSchemaMismatch
	ErrCommunication     = engineerrors.ErrCommunication
	ErrResourceExhausted = engineerrors.ErrResourceExhausted
)

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.
	Clock      quartz.Clock          // Clock for kernel timestamps.

	Config Config // Config for the Engine.

	Bucket    objstore.Bucket     // Bucket to read files from. Required by plans with file readers.
	Transport transport.Transport // Transport to exchange records with peers. Required by distributed plans.
	Output    io.Writer           // Destination of printer kernels. Defaults to stdout.
	Memory    memory.Allocator    // Allocator for records built by kernels.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	if p.Output == nil {
		p.Output = os.Stdout
	}
	if p.Memory == nil {
		p.Memory = memory.DefaultAllocator
	}
	return p.Config.Validate()
}

// Engine builds and runs queries. An Engine may build any number of
// concurrent queries.
type Engine struct {
	logger log.Logger
	clock  quartz.Clock
	cfg    Config

	bucket    objstore.Bucket
	transport transport.Transport
	output    io.Writer
	memory    memory.Allocator

	metrics      *graph.Metrics
	cacheMetrics *cache.Metrics
	admission    *graph.AdmissionControl
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		logger: params.Logger,
		clock:  params.Clock,
		cfg:    params.Config,

		bucket:    params.Bucket,
		transport: params.Transport,
		output:    params.Output,
		memory:    params.Memory,

		metrics:      graph.NewMetrics(),
		cacheMetrics: cache.NewMetrics(),
		admission:    graph.NewAdmissionControl(int64(params.Config.MaxSourceTasks), int64(params.Config.MaxOtherTasks)),
	}

	if err := e.metrics.Register(params.Registerer); err != nil {
		return nil, fmt.Errorf("registering graph metrics: %w", err)
	}
	if err := e.cacheMetrics.Register(params.Registerer); err != nil {
		e.metrics.Unregister(params.Registerer)
		return nil, fmt.Errorf("registering cache metrics: %w", err)
	}
	return e, nil
}

// BuildGraph builds the query described by fragments. Every node of the
// query must build the same fragments in the same order, as kernel IDs are
// assigned from fragment order. A nil qctx runs the query on a single local
// node.
//
// BuildGraph returns an error wrapping [ErrTopology] if the fragments do not
// form a valid graph.
func (e *Engine) BuildGraph(fragments []plan.Fragment, qctx *cluster.Context) (*Query, error) {
	if err := (&plan.Plan{Fragments: fragments}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopology, err)
	}
	if qctx == nil {
		local, err := e.cfg.Local()
		if err != nil {
			return nil, err
		}
		qctx = cluster.SingleNode(0, local)
	}

	id := ulid.Make().String()
	logger := log.With(e.logger, "query_id", id, "token", qctx.Token(), "node", qctx.LocalNode())

	g := graph.New(graph.Params{
		QueryID:         id,
		Logger:          logger,
		Clock:           e.clock,
		Metrics:         e.metrics,
		CacheMetrics:    e.cacheMetrics,
		Budget:          allocator.NewBudget(e.cfg.MemoryLimit.Val(), e.cfg.ConsumptionThreshold),
		Memory:          e.memory,
		Admission:       e.admission,
		DefaultCapacity: e.cfg.CacheCapacity,
	})

	kcfg := kernel.Config{
		QueryID:   id,
		Context:   qctx,
		Transport: e.transport,
		Memory:    e.memory,
		Logger:    logger,
		Clock:     e.clock,
		BatchSize: e.cfg.BatchSize,
		Bucket:    e.bucket,
		Output:    e.output,
	}

	q := &Query{
		id:        id,
		qctx:      qctx,
		logger:    logger,
		graph:     g,
		transport: e.transport,
		fragments: slices.Clone(fragments),
	}

	kernels := make(map[string]kernel.Kernel, len(fragments))
	for i, f := range fragments {
		schema, err := f.ArrowSchema()
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", f.ID, err)
		}

		k, err := kernel.New(kernel.Spec{
			ID:         i,
			Expression: f.Expression,
			Kernel:     f.Kernel,
			Files:      f.Files,
			Schema:     schema,
			HasInputs:  len(f.Inputs) > 0,
		}, kcfg)
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", f.ID, err)
		}
		if err := g.AddKernel(k); err != nil {
			return nil, fmt.Errorf("fragment %s: %w", f.ID, err)
		}
		if m, ok := k.(*kernel.Materializer); ok {
			q.results = append(q.results, m)
		}
		kernels[f.ID] = k
	}

	for _, f := range fragments {
		dst := kernels[f.ID]
		for _, in := range f.Inputs {
			src := kernels[in.From]

			srcPort, err := defaultPort(in.FromPort, src.Base().OutputPorts(), "output")
			if err != nil {
				return nil, fmt.Errorf("fragment %s reading %s: %w", f.ID, in.From, err)
			}
			dstPort, err := defaultPort(in.Port, dst.Base().InputPorts(), "input")
			if err != nil {
				return nil, fmt.Errorf("fragment %s reading %s: %w", f.ID, in.From, err)
			}
			settings, err := cacheSettings(in.Cache, src, qctx)
			if err != nil {
				return nil, fmt.Errorf("fragment %s reading %s: %w", f.ID, in.From, err)
			}

			if _, err := g.Connect(src, srcPort, dst, dstPort, settings); err != nil {
				return nil, fmt.Errorf("fragment %s reading %s: %w", f.ID, in.From, err)
			}
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	level.Debug(logger).Log("msg", "built query graph", "kernels", len(fragments), "edges", len(g.Edges()))
	return q, nil
}

// defaultPort resolves an omitted port name. A kernel with a single port of
// the requested direction uses it.
func defaultPort(name string, ports []string, direction string) (string, error) {
	if name != "" {
		return name, nil
	}
	switch len(ports) {
	case 0:
		return "", fmt.Errorf("%w: kernel has no %s ports", ErrTopology, direction)
	case 1:
		return ports[0], nil
	default:
		return "", fmt.Errorf("%w: kernel has %s ports %v, one must be named", ErrTopology, direction, ports)
	}
}

// cacheSettings resolves the cache of a link. The output of a partition
// kernel defaults to a partitioned cache, and partitioned caches default to
// one partition per node.
func cacheSettings(c plan.Cache, src kernel.Kernel, qctx *cluster.Context) (cache.Settings, error) {
	policy, err := cache.ParsePolicy(c.Policy)
	if err != nil {
		return cache.Settings{}, err
	}
	if c.Policy == "" && src.Base().Kind() == kernel.KindPartition {
		policy = cache.PolicyPartitioned
	}

	partitions := c.Partitions
	if policy == cache.PolicyPartitioned && partitions == 0 {
		partitions = qctx.NodeCount()
	}
	if policy != cache.PolicyPartitioned && partitions != 0 {
		return cache.Settings{}, errors.New("partitions are only valid for partitioned caches")
	}

	return cache.Settings{
		Policy:        policy,
		Capacity:      c.Capacity,
		NumPartitions: partitions,
		MaxBytes:      c.MaxBytes.Bytes(),
	}, nil
}
