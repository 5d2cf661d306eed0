// Package graph wires kernels and cache machines into an execution graph and
// runs it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/execgraph/pkg/engine/internal/allocator"
	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/engine/internal/kernel"
	"github.com/grafana/execgraph/pkg/engine/internal/util/dag"
)

var tracer = otel.Tracer("pkg/engine/internal/graph")

// Params holds the collaborators of a Graph.
type Params struct {
	QueryID string
	Logger  log.Logger   // Defaults to a no-op logger.
	Clock   quartz.Clock // Defaults to the real clock.

	Metrics      *Metrics          // Optional graph metrics.
	CacheMetrics *cache.Metrics    // Optional cache metrics.
	Budget       *allocator.Budget // Optional memory budget shared by every cache.
	Memory       memory.Allocator  // Allocator for concatenated batches.

	// Admission bounds the kernels running at once. It may be shared by
	// several graphs. Defaults to unbounded lanes.
	Admission *AdmissionControl

	// DefaultCapacity is the capacity of streaming and partitioned caches
	// created without one.
	DefaultCapacity int
}

func (p *Params) validate() {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	if p.Memory == nil {
		p.Memory = memory.DefaultAllocator
	}
	if p.DefaultCapacity <= 0 {
		p.DefaultCapacity = cache.DefaultCapacity
	}
	if p.Admission == nil {
		p.Admission = NewAdmissionControl(0, 0)
	}
}

// Edge is a cache machine connecting an output port to an input port.
type Edge struct {
	Source     int
	SourcePort string
	Sink       int
	SinkPort   string
	Cache      cache.Machine
}

// Graph is a set of kernels connected by cache machines. A Graph is built
// with [Graph.AddKernel] and [Graph.Connect] and executed once.
type Graph struct {
	params Params
	logger log.Logger

	mu      sync.RWMutex
	kernels map[int]kernel.Kernel
	dag     dag.Graph[int]
	edges   []Edge

	executed atomic.Bool
}

// New creates an empty Graph.
func New(p Params) *Graph {
	p.validate()
	return &Graph{
		params:  p,
		logger:  log.With(p.Logger, "query_id", p.QueryID),
		kernels: make(map[int]kernel.Kernel),
	}
}

// QueryID returns the ID of the query the graph executes.
func (g *Graph) QueryID() string { return g.params.QueryID }

// AddKernel adds k to the graph. Adding the same kernel again is a no-op;
// adding a different kernel with the ID of a known one fails with
// [engineerrors.ErrTopology].
func (g *Graph) AddKernel(k kernel.Kernel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addKernel(k)
}

func (g *Graph) addKernel(k kernel.Kernel) error {
	id := k.Base().ID()
	if existing, ok := g.kernels[id]; ok {
		if existing == k {
			return nil
		}
		return fmt.Errorf("%w: duplicate kernel id %d", engineerrors.ErrTopology, id)
	}

	g.kernels[id] = k
	g.dag.Add(id)
	level.Debug(g.logger).Log("msg", "added kernel", "kernel_id", id, "kind", k.Base().Kind(), "expression", k.Base().Expression())
	return nil
}

// Connect creates a cache machine and binds it to the output port srcPort of
// src and the input port dstPort of dst, adding both kernels to the graph if
// needed. Connect fails with [engineerrors.ErrTopology] if either port does
// not exist or is already bound.
func (g *Graph) Connect(src kernel.Kernel, srcPort string, dst kernel.Kernel, dstPort string, settings cache.Settings) (cache.Machine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.addKernel(src); err != nil {
		return nil, err
	}
	if err := g.addKernel(dst); err != nil {
		return nil, err
	}

	sb, db := src.Base(), dst.Base()
	switch {
	case !slices.Contains(sb.OutputPorts(), srcPort):
		return nil, fmt.Errorf("%w: %s has no output port %q", engineerrors.ErrTopology, sb, srcPort)
	case sb.Output(srcPort) != nil:
		return nil, fmt.Errorf("%w: output port %q of %s already has a consumer", engineerrors.ErrTopology, srcPort, sb)
	case !slices.Contains(db.InputPorts(), dstPort):
		return nil, fmt.Errorf("%w: %s has no input port %q", engineerrors.ErrTopology, db, dstPort)
	case db.Input(dstPort) != nil:
		return nil, fmt.Errorf("%w: input port %q of %s already has a producer", engineerrors.ErrTopology, dstPort, db)
	}

	if settings.Capacity <= 0 {
		settings.Capacity = g.params.DefaultCapacity
	}

	id := len(g.edges)
	source := fmt.Sprintf("%d/%s", sb.ID(), srcPort)
	sink := fmt.Sprintf("%d/%s", db.ID(), dstPort)

	m, err := cache.New(id, settings, cache.Options{
		Logger:  g.logger,
		Metrics: g.params.CacheMetrics,
		Budget:  g.params.Budget,
		Memory:  g.params.Memory,
		QueryID: g.params.QueryID,
		Source:  source,
		Sink:    sink,
	})
	if err != nil {
		return nil, err
	}

	if err := sb.BindOutput(srcPort, m); err != nil {
		m.Close()
		return nil, err
	}
	if err := db.BindInput(dstPort, m); err != nil {
		// Unreachable after the checks above.
		m.Close()
		return nil, err
	}
	if err := g.dag.AddEdge(dag.Edge[int]{Parent: sb.ID(), Child: db.ID()}); err != nil {
		return nil, err
	}

	g.edges = append(g.edges, Edge{Source: sb.ID(), SourcePort: srcPort, Sink: db.ID(), SinkPort: dstPort, Cache: m})
	level.Debug(g.logger).Log("msg", "edge", "cache_id", id, "source", source, "sink", sink, "cache", settings)
	return m, nil
}

// Kernels returns every kernel in the order they were added.
func (g *Graph) Kernels() []kernel.Kernel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]kernel.Kernel, 0, len(g.kernels))
	for _, id := range g.dag.Nodes() {
		out = append(out, g.kernels[id])
	}
	return out
}

// Kernel returns the kernel with the given ID.
func (g *Graph) Kernel(id int) (kernel.Kernel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	k, ok := g.kernels[id]
	return k, ok
}

// Edges returns every edge in the order they were connected.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges)
}

// Caches returns every cache machine in the order they were created.
func (g *Graph) Caches() []cache.Machine {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]cache.Machine, len(g.edges))
	for i, e := range g.edges {
		out[i] = e.Cache
	}
	return out
}

// Validate checks that the graph can run to completion. Validate returns an
// error wrapping [engineerrors.ErrIncompleteGraph] if an input port is
// unbound, an output port of a non-sink kernel is unbound, the graph has no
// source, a kernel cannot be reached from any source, or the graph contains a
// cycle.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.kernels) == 0 {
		return fmt.Errorf("%w: graph has no kernels", engineerrors.ErrIncompleteGraph)
	}

	var (
		problems []error
		sources  []int
	)
	for _, id := range g.dag.Nodes() {
		b := g.kernels[id].Base()

		if unbound := b.UnboundInputs(); len(unbound) > 0 {
			problems = append(problems, fmt.Errorf("%s has unbound input ports %v", b, unbound))
		}
		if unbound := b.UnboundOutputs(); len(unbound) > 0 && b.Kind() != kernel.KindSink {
			problems = append(problems, fmt.Errorf("%s has unbound output ports %v", b, unbound))
		}
		if len(b.InputPorts()) == 0 {
			sources = append(sources, id)
		}
	}

	if len(sources) == 0 {
		problems = append(problems, errors.New("graph has no source kernel"))
	} else {
		reachable := g.dag.Reachable(sources...)
		for _, id := range g.dag.Nodes() {
			if _, ok := reachable[id]; !ok {
				problems = append(problems, fmt.Errorf("%s is not reachable from any source", g.kernels[id].Base()))
			}
		}
	}

	if _, err := g.dag.Sort(); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", engineerrors.ErrIncompleteGraph, errors.Join(problems...))
	}
	return nil
}

// Execute validates the graph and runs every kernel concurrently until all of
// them have finished. If a kernel fails, every cache machine is finished so
// that the remaining kernels unblock, and Execute returns the error of the
// failing kernel. Execute may only be called once.
//
// Execute first waits for the graph to be admitted by [Params.Admission].
// Once admitted, every kernel runs until it is done or failed. A graph that is
// not admitted runs no kernel.
func (g *Graph) Execute(ctx context.Context) error {
	if !g.executed.CompareAndSwap(false, true) {
		return errors.New("graph has already been executed")
	}
	if err := g.Validate(); err != nil {
		return err
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	caches := g.Caches()
	defer func() {
		for _, m := range caches {
			m.Close()
		}
	}()

	ctx, span := tracer.Start(ctx, "Graph.Execute", trace.WithAttributes(
		attribute.String("query_id", g.params.QueryID),
		attribute.Int("kernels", len(order)),
		attribute.Int("caches", len(caches)),
	))
	defer span.End()

	start := g.params.Clock.Now()
	level.Info(g.logger).Log("msg", "starting query", "kernels", len(order), "caches", len(caches))

	err = g.runKernels(ctx, order, caches)
	duration := g.params.Clock.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	}
	if m := g.params.Metrics; m != nil {
		m.queriesTotal.WithLabelValues(status).Inc()
		m.queryExecSeconds.Observe(duration.Seconds())
	}

	logger := log.With(g.logger, "status", status, "duration", duration)
	if err != nil {
		level.Warn(logger).Log("msg", "query failed", "err", err)
	} else {
		level.Info(logger).Log("msg", "query finished")
	}
	return err
}

func (g *Graph) topologicalOrder() ([]kernel.Kernel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids, err := g.dag.Sort()
	if err != nil {
		return nil, err
	}
	out := make([]kernel.Kernel, len(ids))
	for i, id := range ids {
		out[i] = g.kernels[id]
	}
	return out, nil
}

// runKernels admits the graph and runs one goroutine per kernel until every
// kernel is done or failed.
func (g *Graph) runKernels(ctx context.Context, order []kernel.Kernel, caches []cache.Machine) error {
	release, err := g.params.Admission.admit(ctx, g.logger, order)
	if err != nil {
		return err
	}
	defer release()

	var failures failureSet
	eg, ctx := errgroup.WithContext(ctx)
	for _, k := range order {
		eg.Go(func() error {
			err := g.run(ctx, k)
			if err != nil && failures.add(err) {
				// First failure: unblock every producer and consumer.
				for _, m := range caches {
					m.Finish()
				}
			}
			return err
		})
	}
	_ = eg.Wait()
	return failures.rootCause()
}

func (g *Graph) run(ctx context.Context, k kernel.Kernel) error {
	start := g.params.Clock.Now()
	err := kernel.Execute(ctx, k)

	if m := g.params.Metrics; m != nil {
		b := k.Base()
		m.kernelsTotal.WithLabelValues(b.Kind().String(), b.State().String()).Inc()
		m.kernelExecSeconds.Observe(g.params.Clock.Since(start).Seconds())
	}
	return err
}

// failureSet records kernel failures and picks the one that caused the
// others.
type failureSet struct {
	mu   sync.Mutex
	errs []error
}

// add records err and reports whether it is the first failure.
func (s *failureSet) add(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return len(s.errs) == 1
}

// rootCause returns the first failure which is not a consequence of another
// failure. If every failure is secondary, the first one is returned.
func (s *failureSet) rootCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, err := range s.errs {
		if !isSecondary(err) {
			return err
		}
	}
	if len(s.errs) > 0 {
		return s.errs[0]
	}
	return nil
}

// isSecondary reports whether err is caused by the teardown of a failed
// graph rather than by the kernel returning it.
func isSecondary(err error) bool {
	return errors.Is(err, cache.ErrFinished) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
