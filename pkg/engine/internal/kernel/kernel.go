// Package kernel implements the operator instances of an execution graph.
//
// A kernel consumes batches from the cache machines bound to its input ports
// and produces batches into the cache machines bound to its output ports.
// [Execute] drives a kernel through its lifecycle:
//
//	Created -> Running -> Done
//	                   \-> Failed
//
// Every output of a kernel is finished when it leaves Running, whatever the
// outcome, so that consumers always observe the end of their input.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/thanos-io/objstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/engine/transport"
)

var tracer = otel.Tracer("pkg/engine/internal/kernel")

// Default port names.
const (
	PortInput   = "input"
	PortOutput  = "output"
	PortInputA  = "input_a"
	PortInputB  = "input_b"
	PortOutputA = "output_a"
	PortOutputB = "output_b"
)

// DefaultBatchSize is the number of rows produced per batch when a kernel
// is not configured otherwise.
const DefaultBatchSize = 1024

// Kind classifies a kernel.
type Kind int

const (
	KindSource Kind = iota
	KindTransform
	KindJoin
	KindSortSample
	KindPartition
	KindMerge
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "Source"
	case KindTransform:
		return "Transform"
	case KindJoin:
		return "Join"
	case KindSortSample:
		return "SortSample"
	case KindPartition:
		return "Partition"
	case KindMerge:
		return "Merge"
	case KindSink:
		return "Sink"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is the lifecycle state of a kernel.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kernel is an operator instance of an execution graph.
type Kernel interface {
	// Base returns the state shared by every kernel.
	Base() *Base

	// Run processes the inputs of the kernel until they are exhausted. Run
	// is called once, by [Execute].
	Run(ctx context.Context) error
}

// Config holds the collaborators shared by the kernels of a query.
type Config struct {
	QueryID   string
	Context   *cluster.Context
	Transport transport.Transport // Required by distributed kernels.
	Memory    memory.Allocator
	Logger    log.Logger
	Clock     quartz.Clock
	BatchSize int

	Bucket objstore.Bucket // Source of files for FileReader kernels.
	Output io.Writer       // Destination of Printer kernels.
}

func (c Config) withDefaults() Config {
	if c.Context == nil {
		c.Context = cluster.SingleNode(0, cluster.Node{Host: "localhost"})
	}
	if c.Memory == nil {
		c.Memory = memory.DefaultAllocator
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Clock == nil {
		c.Clock = quartz.NewReal()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Stats holds the cumulative input and output counters of a kernel.
type Stats struct {
	InputRows, InputBytes   int64
	OutputRows, OutputBytes int64
}

// Base holds the identity, port bindings and lifecycle state of a kernel.
// Concrete kernels hold a *Base and return it from [Kernel.Base].
type Base struct {
	id         int
	kind       Kind
	expression string
	cfg        Config
	logger     log.Logger

	inputNames  []string
	outputNames []string

	bindMut sync.RWMutex
	inputs  map[string]cache.Machine
	outputs map[string]cache.Machine

	state atomic.Int32

	inputRows, inputBytes   atomic.Int64
	outputRows, outputBytes atomic.Int64
}

// NewBase creates the Base of a kernel with the given input and output
// ports.
func NewBase(id int, kind Kind, expression string, inputs, outputs []string, cfg Config) *Base {
	cfg = cfg.withDefaults()
	return &Base{
		id:         id,
		kind:       kind,
		expression: expression,
		cfg:        cfg,
		logger:     log.With(cfg.Logger, "query_id", cfg.QueryID, "kernel_id", id, "kind", kind),

		inputNames:  inputs,
		outputNames: outputs,
		inputs:      make(map[string]cache.Machine, len(inputs)),
		outputs:     make(map[string]cache.Machine, len(outputs)),
	}
}

// ID returns the identifier of the kernel within its graph.
func (b *Base) ID() int { return b.id }

// Kind returns the kind of the kernel.
func (b *Base) Kind() Kind { return b.kind }

// Expression returns the operator description the kernel was created from.
func (b *Base) Expression() string { return b.expression }

// State returns the current lifecycle state.
func (b *Base) State() State { return State(b.state.Load()) }

// Config returns the collaborators of the kernel.
func (b *Base) Config() Config { return b.cfg }

// Logger returns a logger scoped to the kernel.
func (b *Base) Logger() log.Logger { return b.logger }

func (b *Base) String() string { return fmt.Sprintf("kernel %d (%s)", b.id, b.kind) }

// InputPorts returns the names of the input ports.
func (b *Base) InputPorts() []string { return slices.Clone(b.inputNames) }

// OutputPorts returns the names of the output ports.
func (b *Base) OutputPorts() []string { return slices.Clone(b.outputNames) }

// BindInput binds m to the input port called port. BindInput fails with
// [engineerrors.ErrTopology] if the port does not exist or is already bound.
func (b *Base) BindInput(port string, m cache.Machine) error {
	return b.bind(port, m, b.inputNames, b.inputs, "input")
}

// BindOutput binds m to the output port called port. BindOutput fails with
// [engineerrors.ErrTopology] if the port does not exist or is already bound.
func (b *Base) BindOutput(port string, m cache.Machine) error {
	return b.bind(port, m, b.outputNames, b.outputs, "output")
}

func (b *Base) bind(port string, m cache.Machine, names []string, bound map[string]cache.Machine, direction string) error {
	b.bindMut.Lock()
	defer b.bindMut.Unlock()

	if !slices.Contains(names, port) {
		return fmt.Errorf("%w: %s has no %s port %q (ports: %v)", engineerrors.ErrTopology, b, direction, port, names)
	}
	if _, ok := bound[port]; ok {
		return fmt.Errorf("%w: %s port %q of %s is already bound", engineerrors.ErrTopology, direction, port, b)
	}
	bound[port] = m
	return nil
}

// Input returns the cache bound to an input port, or nil.
func (b *Base) Input(port string) cache.Machine {
	b.bindMut.RLock()
	defer b.bindMut.RUnlock()
	return b.inputs[port]
}

// Output returns the cache bound to an output port, or nil.
func (b *Base) Output(port string) cache.Machine {
	b.bindMut.RLock()
	defer b.bindMut.RUnlock()
	return b.outputs[port]
}

// UnboundInputs returns the input ports without a cache.
func (b *Base) UnboundInputs() []string { return b.unbound(b.inputNames, b.inputs) }

// UnboundOutputs returns the output ports without a cache.
func (b *Base) UnboundOutputs() []string { return b.unbound(b.outputNames, b.outputs) }

func (b *Base) unbound(names []string, bound map[string]cache.Machine) []string {
	b.bindMut.RLock()
	defer b.bindMut.RUnlock()

	var out []string
	for _, name := range names {
		if _, ok := bound[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Pull returns the next batch of an input port. Pull returns [cache.EOF]
// once the input is exhausted.
func (b *Base) Pull(ctx context.Context, port string) (*batch.Batch, error) {
	m := b.Input(port)
	if m == nil {
		return nil, fmt.Errorf("%w: input port %q of %s is not bound", engineerrors.ErrTopology, port, b)
	}
	return b.countInput(m.Pull(ctx))
}

// PullPartition returns the next batch of one partition of an input port.
func (b *Base) PullPartition(ctx context.Context, port string, partition int) (*batch.Batch, error) {
	m := b.Input(port)
	if m == nil {
		return nil, fmt.Errorf("%w: input port %q of %s is not bound", engineerrors.ErrTopology, port, b)
	}
	return b.countInput(m.PullPartition(ctx, partition))
}

func (b *Base) countInput(in *batch.Batch, err error) (*batch.Batch, error) {
	if err != nil {
		return nil, err
	}
	b.inputRows.Add(in.NumRows())
	b.inputBytes.Add(in.ByteSize())
	return in, nil
}

// Push hands out to an output port. Push takes ownership of out.
func (b *Base) Push(ctx context.Context, port string, out *batch.Batch) error {
	m := b.Output(port)
	if m == nil {
		out.Release()
		return fmt.Errorf("%w: output port %q of %s is not bound", engineerrors.ErrTopology, port, b)
	}

	rows, size := out.NumRows(), out.ByteSize()
	if err := m.Push(ctx, out); err != nil {
		return err
	}
	b.outputRows.Add(rows)
	b.outputBytes.Add(size)
	return nil
}

// Emit pushes rec to an output port, taking ownership of rec. Records without
// rows are released instead.
func (b *Base) Emit(ctx context.Context, port string, rec arrow.Record) error {
	if rec.NumRows() == 0 {
		rec.Release()
		return nil
	}
	return b.Push(ctx, port, batch.New(rec))
}

// EmitChunks pushes rec to an output port in batches of at most the
// configured batch size. EmitChunks does not take ownership of rec.
func (b *Base) EmitChunks(ctx context.Context, port string, rec arrow.Record) error {
	size := int64(b.cfg.BatchSize)
	for offset := int64(0); offset < rec.NumRows(); offset += size {
		end := min(offset+size, rec.NumRows())
		if err := b.Push(ctx, port, batch.New(rec.NewSlice(offset, end))); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn with every batch of an input port, releasing each batch
// after fn returns.
func (b *Base) Each(ctx context.Context, port string, fn func(*batch.Batch) error) error {
	for {
		in, err := b.Pull(ctx, port)
		if errors.Is(err, cache.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		err = fn(in)
		in.Release()
		if err != nil {
			return err
		}
	}
}

// Collect pulls every batch of an input port and concatenates them into a
// single record. Collect returns nil if the input produced no batches.
func (b *Base) Collect(ctx context.Context, port string) (arrow.Record, error) {
	var batches []*batch.Batch
	defer func() {
		for _, in := range batches {
			in.Release()
		}
	}()

	err := b.Each(ctx, port, func(in *batch.Batch) error {
		in.Retain()
		batches = append(batches, in)
		return nil
	})
	if err != nil {
		return nil, err
	}

	merged, err := batch.Concat(b.cfg.Memory, batches)
	if err != nil || merged == nil {
		return nil, err
	}
	return merged.Record(), nil
}

// Drain discards the remaining batches of an input port.
func (b *Base) Drain(ctx context.Context, port string) error {
	return b.Each(ctx, port, func(*batch.Batch) error { return nil })
}

// FinishOutputs finishes every bound output.
func (b *Base) FinishOutputs() {
	b.bindMut.RLock()
	defer b.bindMut.RUnlock()

	for _, m := range b.outputs {
		m.Finish()
	}
}

// Stats returns the cumulative counters of the kernel.
func (b *Base) Stats() Stats {
	return Stats{
		InputRows:   b.inputRows.Load(),
		InputBytes:  b.inputBytes.Load(),
		OutputRows:  b.outputRows.Load(),
		OutputBytes: b.outputBytes.Load(),
	}
}

// Execute drives k from Created through Running to Done or Failed, calling
// [Kernel.Run] once. Panics in Run are recovered into errors. Every output
// of k is finished before Execute returns.
func Execute(ctx context.Context, k Kernel) (err error) {
	b := k.Base()
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("%s cannot start from state %s", b, b.State())
	}

	ctx, span := tracer.Start(ctx, "Kernel.Run", trace.WithAttributes(
		attribute.Int("kernel_id", b.id),
		attribute.String("kind", b.kind.String()),
		attribute.String("expression", b.expression),
	))
	defer span.End()

	start := b.cfg.Clock.Now()
	level.Debug(b.logger).Log("msg", "kernel event", "event_type", "compute_start", "timestamp_begin", start.UnixMilli())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		b.FinishOutputs()

		end := b.cfg.Clock.Now()
		stats := b.Stats()

		if err != nil {
			err = fmt.Errorf("%s: %w", b, err)
			b.state.Store(int32(StateFailed))
			span.RecordError(err)
			span.SetStatus(codes.Error, "kernel failed")
		} else {
			b.state.Store(int32(StateDone))
		}

		level.Debug(b.logger).Log(
			"msg", "kernel event",
			"event_type", "compute_end",
			"state", b.State(),
			"input_num_rows", stats.InputRows,
			"input_num_bytes", stats.InputBytes,
			"output_num_rows", stats.OutputRows,
			"output_num_bytes", stats.OutputBytes,
			"timestamp_begin", start.UnixMilli(),
			"timestamp_end", end.UnixMilli(),
			"duration", end.Sub(start),
		)
		span.SetAttributes(
			attribute.Int64("input_rows", stats.InputRows),
			attribute.Int64("output_rows", stats.OutputRows),
		)
	}()

	return k.Run(ctx)
}
