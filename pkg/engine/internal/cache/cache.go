// Package cache implements cache machines: the buffers connecting the output
// port of one kernel to the input port of another.
//
// A cache machine has exactly one producer, which pushes batches and calls
// [Machine.Finish] once after its last push. Consumers pull batches until
// they observe [EOF].
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/grafana/execgraph/pkg/engine/internal/allocator"
	"github.com/grafana/execgraph/pkg/engine/internal/batch"
)

var (
	// EOF is returned by Pull once a cache is finished and drained.
	EOF = errors.New("cache exhausted")

	// ErrFinished is returned by Push when the cache has already been
	// finished. Pushed batches are released.
	ErrFinished = errors.New("cache finished")
)

// DefaultCapacity is the number of batches a streaming cache buffers before
// Push blocks.
const DefaultCapacity = 4

// Policy determines how a cache delivers batches to its consumers.
type Policy int

const (
	// PolicyStreaming delivers batches in push order through a bounded
	// queue.
	PolicyStreaming Policy = iota

	// PolicyConcatenating delivers a single batch holding every pushed row
	// once the producer has finished.
	PolicyConcatenating

	// PolicyPartitioned routes batches into one queue per partition.
	PolicyPartitioned
)

func (p Policy) String() string {
	switch p {
	case PolicyStreaming:
		return "streaming"
	case PolicyConcatenating:
		return "concatenating"
	case PolicyPartitioned:
		return "partitioned"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses the name of a policy. An empty name is
// [PolicyStreaming].
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "streaming", "simple":
		return PolicyStreaming, nil
	case "concatenating":
		return PolicyConcatenating, nil
	case "partitioned", "for_each", "for-each":
		return PolicyPartitioned, nil
	default:
		return 0, fmt.Errorf("unknown cache policy %q", s)
	}
}

// Settings configures a cache machine when a link is created.
type Settings struct {
	Policy Policy

	// Capacity is the number of batches buffered by a streaming cache. Zero
	// uses DefaultCapacity.
	Capacity int

	// NumPartitions is the number of sub-queues of a partitioned cache.
	NumPartitions int

	// MaxBytes limits the bytes buffered by this cache, in addition to the
	// budget shared by the query. Zero means no per-cache limit.
	MaxBytes uint64
}

func (s Settings) String() string {
	switch s.Policy {
	case PolicyStreaming:
		return fmt.Sprintf("streaming(capacity=%d)", s.capacity())
	case PolicyPartitioned:
		return fmt.Sprintf("partitioned(partitions=%d)", s.NumPartitions)
	default:
		return s.Policy.String()
	}
}

func (s Settings) capacity() int {
	if s.Capacity <= 0 {
		return DefaultCapacity
	}
	return s.Capacity
}

// Options holds the collaborators of a cache machine. All fields are
// optional.
type Options struct {
	Logger  log.Logger        // Logger for cache events.
	Metrics *Metrics          // Metrics to update on push and pull.
	Budget  *allocator.Budget // Budget to reserve buffered bytes from.
	Memory  memory.Allocator  // Allocator for concatenated batches.

	QueryID string
	Source  string // Producing port, as kernel/port.
	Sink    string // Consuming port, as kernel/port.
}

// Machine is a thread-safe buffer between one producing port and one or more
// consuming ports.
type Machine interface {
	// ID returns the identifier of the cache within its graph.
	ID() int

	// Settings returns the settings the cache was created with.
	Settings() Settings

	// NumPartitions returns the number of logical consumers of the cache.
	NumPartitions() int

	// Push hands b to the cache, blocking while a streaming cache is at
	// capacity. Push always takes ownership of b, including when it returns
	// an error.
	Push(ctx context.Context, b *batch.Batch) error

	// Pull returns the next batch, blocking until one is available. Pull
	// returns EOF once the cache is finished and drained.
	Pull(ctx context.Context) (*batch.Batch, error)

	// PullPartition returns the next batch of the given partition.
	PullPartition(ctx context.Context, partition int) (*batch.Batch, error)

	// Finish marks the cache finished. Finish is idempotent.
	Finish()

	// Finished reports whether Finish was called.
	Finished() bool

	// Stats returns the cumulative counters of the cache.
	Stats() Stats

	// Close finishes the cache and releases every batch still buffered.
	// Close is called once every producer and consumer has exited.
	Close()
}

// New creates a new cache machine.
func New(id int, settings Settings, opts Options) (Machine, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Memory == nil {
		opts.Memory = memory.DefaultAllocator
	}

	if settings.MaxBytes > 0 {
		opts.Budget = opts.Budget.Child(settings.MaxBytes)
	}

	b := newBase(id, settings, opts)

	switch settings.Policy {
	case PolicyStreaming:
		return newStreaming(b), nil
	case PolicyConcatenating:
		return newConcatenating(b), nil
	case PolicyPartitioned:
		if settings.NumPartitions < 1 {
			return nil, fmt.Errorf("partitioned cache requires at least one partition, got %d", settings.NumPartitions)
		}
		return newPartitioned(b), nil
	default:
		return nil, fmt.Errorf("unsupported cache policy %s", settings.Policy)
	}
}

// Stats holds cumulative counters of a cache machine.
type Stats struct {
	PushedBatches, PulledBatches int64
	PushedRows, PulledRows       int64
	PushedBytes, PulledBytes     int64
}

// base holds state shared by every policy. The embedding policy guards its
// queues with mu and waits on cond.
type base struct {
	id       int
	settings Settings
	opts     Options
	logger   log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	finished atomic.Bool

	pushedBatches, pulledBatches atomic.Int64
	pushedRows, pulledRows       atomic.Int64
	pushedBytes, pulledBytes     atomic.Int64
}

func newBase(id int, settings Settings, opts Options) *base {
	b := &base{
		id:       id,
		settings: settings,
		opts:     opts,
		logger: log.With(opts.Logger,
			"query_id", opts.QueryID,
			"cache_id", id,
			"source", opts.Source,
			"sink", opts.Sink,
		),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *base) ID() int            { return b.id }
func (b *base) Settings() Settings { return b.settings }
func (b *base) Finished() bool     { return b.finished.Load() }

func (b *base) Stats() Stats {
	return Stats{
		PushedBatches: b.pushedBatches.Load(),
		PulledBatches: b.pulledBatches.Load(),
		PushedRows:    b.pushedRows.Load(),
		PulledRows:    b.pulledRows.Load(),
		PushedBytes:   b.pushedBytes.Load(),
		PulledBytes:   b.pulledBytes.Load(),
	}
}

// wait blocks on cond until woken. It returns the error of ctx if ctx is
// done. wait must be called with mu held.
func (b *base) wait(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	b.cond.Wait()
	return nil
}

// watch wakes every waiter once ctx is done. The returned function stops
// watching.
func (b *base) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
}

// Finish marks the cache finished and wakes every waiter. It must not be
// called with mu held.
func (b *base) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished.Swap(true) {
		return
	}
	b.cond.Broadcast()

	level.Debug(b.logger).Log(
		"msg", "cache finished",
		"event_type", "finish",
		"num_batches", b.pushedBatches.Load(),
		"num_rows", b.pushedRows.Load(),
		"num_bytes", b.pushedBytes.Load(),
	)
}

func (b *base) recordPush(rows, bytes int64) {
	b.pushedBatches.Inc()
	b.pushedRows.Add(rows)
	b.pushedBytes.Add(bytes)
	b.opts.Metrics.observe(b.settings.Policy, opPush, bytes)
	level.Debug(b.logger).Log("msg", "cache event", "event_type", "push", "num_rows", rows, "num_bytes", bytes)
}

func (b *base) recordPull(rows, bytes int64) {
	b.pulledBatches.Inc()
	b.pulledRows.Add(rows)
	b.pulledBytes.Add(bytes)
	b.opts.Metrics.observe(b.settings.Policy, opPull, bytes)
	level.Debug(b.logger).Log("msg", "cache event", "event_type", "pull", "num_rows", rows, "num_bytes", bytes)
}

// entry is a buffered batch with the number of bytes reserved for it.
type entry struct {
	batch *batch.Batch
	size  int64
}

// queue is a FIFO of entries.
type queue []entry

func (q *queue) push(e entry) { *q = append(*q, e) }

func (q *queue) pop() entry {
	e := (*q)[0]
	(*q)[0] = entry{}
	*q = (*q)[1:]
	return e
}

func (q *queue) releaseAll(budget *allocator.Budget) {
	for _, e := range *q {
		budget.Release(e.size)
		e.batch.Release()
	}
	*q = nil
}
