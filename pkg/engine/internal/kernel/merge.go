package kernel

import (
	"container/heap"
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	"github.com/grafana/execgraph/pkg/engine/internal/compute"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/engine/transport"
)

// MergeStream is the last stage of a distributed sort. Partition k of its
// input is owned by the node at index k modulo the number of nodes. Every
// node forwards the partitions it does not own to their owners, and merges
// the sorted runs of each partition it owns, in ascending partition order.
//
//	LogicalMerge(sort0=[$0], dir0=[ASC])
type MergeStream struct {
	base *Base
	keys []compute.SortKey
}

// NewMergeStream creates a MergeStream.
func NewMergeStream(id int, op *compute.Operator, expression string, cfg Config) (*MergeStream, error) {
	keys, err := compute.ParseSortKeys(op)
	if err != nil {
		return nil, err
	}
	return &MergeStream{
		base: NewBase(id, KindMerge, expression, []string{PortInput}, []string{PortOutput}, cfg),
		keys: keys,
	}, nil
}

func (m *MergeStream) Base() *Base { return m.base }

// Owner returns the index of the node owning partition k.
func Owner(k int, nodeCount int) int { return k % nodeCount }

func (m *MergeStream) Run(ctx context.Context) error {
	in := m.base.Input(PortInput)
	if in == nil {
		return fmt.Errorf("%w: input port of %s is not bound", engineerrors.ErrTopology, m.base)
	}
	numPartitions := in.NumPartitions()

	qctx := m.base.cfg.Context
	tr := m.base.cfg.Transport
	if !qctx.IsSingleNode() && tr == nil {
		return fmt.Errorf("%w: %s runs on %d nodes without a transport", engineerrors.ErrCommunication, m.base, qctx.NodeCount())
	}

	g, ctx := errgroup.WithContext(ctx)

	var owned []int
	for k := range numPartitions {
		owner := Owner(k, qctx.NodeCount())
		if owner == qctx.LocalIndex() {
			owned = append(owned, k)
			continue
		}
		g.Go(func() error { return m.forward(ctx, tr, k, qctx.Node(owner)) })
	}

	g.Go(func() error {
		for _, k := range owned {
			if err := m.mergePartition(ctx, tr, k); err != nil {
				return fmt.Errorf("merging partition %d: %w", k, err)
			}
		}
		return nil
	})
	return g.Wait()
}

func (m *MergeStream) key(src, dst cluster.Node, partition int) transport.Key {
	return transport.Key{
		Token:       m.base.cfg.Context.Token(),
		Kernel:      m.base.id,
		Source:      src,
		Destination: dst,
		Partition:   partition,
	}
}

// forward sends every batch of local partition k to its owner.
func (m *MergeStream) forward(ctx context.Context, tr transport.Transport, k int, owner cluster.Node) error {
	key := m.key(m.base.cfg.Context.LocalNode(), owner, k)

	var sent int
	for {
		in, err := m.base.PullPartition(ctx, PortInput, k)
		if errors.Is(err, cache.EOF) {
			break
		} else if err != nil {
			return err
		}

		err = tr.Send(ctx, key, in.Record())
		in.Release()
		if err != nil {
			return fmt.Errorf("forwarding partition %d to %s: %w", k, owner, err)
		}
		sent++
	}

	level.Debug(m.base.logger).Log("msg", "forwarded partition", "partition", k, "owner", owner, "batches", sent)
	return tr.CloseSend(ctx, key)
}

// mergePartition merges the local run of partition k with the runs received
// from every peer.
func (m *MergeStream) mergePartition(ctx context.Context, tr transport.Transport, k int) error {
	sources := []runSource{func(ctx context.Context) (arrow.Record, error) {
		in, err := m.base.PullPartition(ctx, PortInput, k)
		if errors.Is(err, cache.EOF) {
			return nil, errEndOfRun
		} else if err != nil {
			return nil, err
		}
		rec := in.Record()
		rec.Retain()
		in.Release()
		return rec, nil
	}}

	local := m.base.cfg.Context.LocalNode()
	for _, peer := range m.base.cfg.Context.Peers() {
		key := m.key(peer, local, k)
		sources = append(sources, func(ctx context.Context) (arrow.Record, error) {
			rec, err := tr.Recv(ctx, key)
			if errors.Is(err, transport.EOF) {
				return nil, errEndOfRun
			}
			return rec, err
		})
	}

	h := &mergeHeap{keys: m.keys}
	defer h.release()

	for _, src := range sources {
		c := &cursor{next: src}
		ok, err := c.advance(ctx)
		if err != nil {
			return err
		} else if ok {
			h.cursors = append(h.cursors, c)
		}
	}
	heap.Init(h)
	if h.err != nil {
		return h.err
	}

	var (
		out  *array.RecordBuilder
		rows int
	)
	defer func() {
		if out != nil {
			out.Release()
		}
	}()

	flush := func() error {
		if out == nil || rows == 0 {
			return nil
		}
		rows = 0
		return m.base.Emit(ctx, PortOutput, out.NewRecord())
	}

	for h.Len() > 0 {
		c := h.cursors[0]
		if out == nil {
			out = array.NewRecordBuilder(m.base.cfg.Memory, c.rec.Schema())
		} else if !out.Schema().Equal(c.rec.Schema()) {
			return fmt.Errorf("%w: run has schema %s, expected %s", engineerrors.ErrSchemaMismatch, c.rec.Schema(), out.Schema())
		}

		if err := compute.AppendRow(out, c.rec, c.row); err != nil {
			return err
		}
		if rows++; rows >= m.base.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}

		ok, err := c.advance(ctx)
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
		if h.err != nil {
			return h.err
		}
	}
	return flush()
}

var errEndOfRun = errors.New("end of run")

// runSource returns the next record of a sorted run, or errEndOfRun.
type runSource func(ctx context.Context) (arrow.Record, error)

// cursor is the read position within a sorted run.
type cursor struct {
	next runSource
	rec  arrow.Record
	row  int
}

// advance moves to the next row of the run, reporting false once the run is
// exhausted.
func (c *cursor) advance(ctx context.Context) (bool, error) {
	if c.rec != nil {
		c.row++
		if int64(c.row) < c.rec.NumRows() {
			return true, nil
		}
		c.rec.Release()
		c.rec = nil
	}

	for {
		rec, err := c.next(ctx)
		if errors.Is(err, errEndOfRun) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		if rec.NumRows() == 0 {
			rec.Release()
			continue
		}
		c.rec, c.row = rec, 0
		return true, nil
	}
}

// mergeHeap is a min-heap of cursors ordered by their current row.
type mergeHeap struct {
	cursors []*cursor
	keys    []compute.SortKey
	err     error // First comparison error.
}

func (h *mergeHeap) Len() int { return len(h.cursors) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	c, err := compute.CompareRows(a.rec, a.row, b.rec, b.row, h.keys)
	if err != nil && h.err == nil {
		h.err = err
	}
	return c < 0
}

func (h *mergeHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *mergeHeap) Push(x any) { h.cursors = append(h.cursors, x.(*cursor)) }

func (h *mergeHeap) Pop() any {
	old := h.cursors
	n := len(old)
	x := old[n-1]
	h.cursors = old[:n-1]
	return x
}

func (h *mergeHeap) release() {
	for _, c := range h.cursors {
		if c.rec != nil {
			c.rec.Release()
		}
	}
	h.cursors = nil
}
