package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log/level"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/compute"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/engine/transport"
)

// DefaultSampleSize is the number of rows sampled by [SortAndSample] when
// the operator does not set one.
const DefaultSampleSize = 100

// SortAndSample is the first stage of a distributed sort. It sorts its input
// and emits it on output_a, after emitting a sample of the sorted rows on
// output_b. The sample is finished before any sorted batch is pushed, so a
// consumer may wait for the whole sample before reading output_a.
//
//	LogicalSort(sort0=[$0], dir0=[ASC], sample=[100])
type SortAndSample struct {
	base       *Base
	keys       []compute.SortKey
	sampleSize int
}

// NewSortAndSample creates a SortAndSample.
func NewSortAndSample(id int, op *compute.Operator, expression string, cfg Config) (*SortAndSample, error) {
	keys, err := compute.ParseSortKeys(op)
	if err != nil {
		return nil, err
	}
	size, err := op.IntArg("sample", DefaultSampleSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", size)
	}

	return &SortAndSample{
		base:       NewBase(id, KindSortSample, expression, []string{PortInput}, []string{PortOutputA, PortOutputB}, cfg),
		keys:       keys,
		sampleSize: size,
	}, nil
}

func (s *SortAndSample) Base() *Base { return s.base }

func (s *SortAndSample) Run(ctx context.Context) error {
	rec, err := s.base.Collect(ctx, PortInput)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	if err := compute.ValidateSortKeys(s.keys, rec.Schema()); err != nil {
		return err
	}
	sorted, err := compute.Sort(s.base.cfg.Memory, rec, s.keys)
	if err != nil {
		return err
	}
	defer sorted.Release()

	sample, err := compute.Sample(s.base.cfg.Memory, sorted, s.sampleSize)
	if err != nil {
		return err
	}
	if err := s.base.Emit(ctx, PortOutputB, sample); err != nil {
		return err
	}
	if m := s.base.Output(PortOutputB); m != nil {
		m.Finish()
	}

	return s.base.EmitChunks(ctx, PortOutputA, sorted)
}

// Partition is the second stage of a distributed sort. It computes partition
// boundaries from the samples on input_b and splits the sorted batches of
// input_a into the partitions of its output.
//
// On a cluster, every node sends its samples to the master, which computes
// the boundaries and broadcasts them back, so that every node partitions its
// rows identically.
//
//	LogicalPartition(sort0=[$0], dir0=[ASC])
type Partition struct {
	base *Base
	keys []compute.SortKey
}

// NewPartition creates a Partition.
func NewPartition(id int, op *compute.Operator, expression string, cfg Config) (*Partition, error) {
	keys, err := compute.ParseSortKeys(op)
	if err != nil {
		return nil, err
	}
	return &Partition{
		base: NewBase(id, KindPartition, expression, []string{PortInputA, PortInputB}, []string{PortOutput}, cfg),
		keys: keys,
	}, nil
}

func (p *Partition) Base() *Base { return p.base }

func (p *Partition) Run(ctx context.Context) error {
	out := p.base.Output(PortOutput)
	if out == nil {
		return fmt.Errorf("%w: output port of %s is not bound", engineerrors.ErrTopology, p.base)
	}
	numPartitions := out.NumPartitions()

	samples, err := p.base.Collect(ctx, PortInputB)
	if err != nil {
		return err
	}

	boundaries, err := p.boundaries(ctx, samples, numPartitions)
	if samples != nil {
		samples.Release()
	}
	if err != nil {
		return err
	}
	if boundaries != nil {
		defer boundaries.Release()
		level.Debug(p.base.logger).Log("msg", "computed partition boundaries", "partitions", numPartitions, "boundaries", boundaries.NumRows())
	}

	return p.base.Each(ctx, PortInputA, func(in *batch.Batch) error {
		if boundaries == nil || boundaries.NumRows() == 0 {
			in.Retain()
			return p.base.Push(ctx, PortOutput, batch.NewPartitioned(in.Record(), 0))
		}

		slices, err := compute.Split(in.Record(), boundaries, p.keys)
		if err != nil {
			return err
		}
		for i, s := range slices {
			if err := p.base.Push(ctx, PortOutput, batch.NewPartitioned(s.Record, s.Partition)); err != nil {
				for _, rest := range slices[i+1:] {
					rest.Record.Release()
				}
				return err
			}
		}
		return nil
	})
}

// boundaries returns the partition boundaries agreed by every node, or nil if
// no node holds samples. boundaries does not take ownership of samples.
func (p *Partition) boundaries(ctx context.Context, samples arrow.Record, numPartitions int) (arrow.Record, error) {
	qctx := p.base.cfg.Context
	if qctx.IsSingleNode() {
		if samples == nil {
			return nil, nil
		}
		return compute.Boundaries(p.base.cfg.Memory, samples, p.keys, numPartitions)
	}

	tr := p.base.cfg.Transport
	if tr == nil {
		return nil, fmt.Errorf("%w: %s runs on %d nodes without a transport", engineerrors.ErrCommunication, p.base, qctx.NodeCount())
	}
	if !qctx.IsMaster() {
		return p.exchangeWithMaster(ctx, tr, samples)
	}
	return p.collectOnMaster(ctx, tr, samples, numPartitions)
}

func (p *Partition) key(src, dst cluster.Node, partition int) transport.Key {
	return transport.Key{
		Token:       p.base.cfg.Context.Token(),
		Kernel:      p.base.id,
		Source:      src,
		Destination: dst,
		Partition:   partition,
	}
}

func (p *Partition) exchangeWithMaster(ctx context.Context, tr transport.Transport, samples arrow.Record) (arrow.Record, error) {
	qctx := p.base.cfg.Context
	local, master := qctx.LocalNode(), qctx.Master()

	toMaster := p.key(local, master, transport.SamplesPartition)
	if samples != nil {
		if err := tr.Send(ctx, toMaster, samples); err != nil {
			return nil, err
		}
	}
	if err := tr.CloseSend(ctx, toMaster); err != nil {
		return nil, err
	}

	records, err := recvAll(ctx, tr, p.key(master, local, transport.BoundariesPartition))
	if err != nil {
		return nil, err
	}
	return p.concat(records)
}

func (p *Partition) collectOnMaster(ctx context.Context, tr transport.Transport, samples arrow.Record, numPartitions int) (arrow.Record, error) {
	qctx := p.base.cfg.Context
	master := qctx.LocalNode()

	var all []arrow.Record
	if samples != nil {
		samples.Retain()
		all = append(all, samples)
	}
	for _, peer := range qctx.Peers() {
		records, err := recvAll(ctx, tr, p.key(peer, master, transport.SamplesPartition))
		all = append(all, records...)
		if err != nil {
			releaseRecords(all)
			return nil, err
		}
	}

	merged, err := p.concat(all)
	if err != nil {
		return nil, err
	}

	var boundaries arrow.Record
	if merged != nil {
		boundaries, err = compute.Boundaries(p.base.cfg.Memory, merged, p.keys, numPartitions)
		merged.Release()
		if err != nil {
			return nil, err
		}
	}

	// Peers wait on the boundaries stream even when there is nothing to send.
	for _, peer := range qctx.Peers() {
		key := p.key(master, peer, transport.BoundariesPartition)
		if boundaries != nil && boundaries.NumRows() > 0 {
			err = tr.Send(ctx, key, boundaries)
		}
		if err == nil {
			err = tr.CloseSend(ctx, key)
		}
		if err != nil {
			if boundaries != nil {
				boundaries.Release()
			}
			return nil, err
		}
	}
	return boundaries, nil
}

// concat merges records into one, taking ownership of every record.
func (p *Partition) concat(records []arrow.Record) (arrow.Record, error) {
	defer releaseRecords(records)

	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		records[0].Retain()
		return records[0], nil
	}

	schema := records[0].Schema()
	for _, rec := range records[1:] {
		if !schema.Equal(rec.Schema()) {
			return nil, fmt.Errorf("%w: samples have schema %s, expected %s", engineerrors.ErrSchemaMismatch, rec.Schema(), schema)
		}
	}
	return batch.ConcatRecords(p.base.cfg.Memory, schema, records)
}

// recvAll receives every record of a stream until it is closed. The caller
// owns the returned records, including when an error is returned.
func recvAll(ctx context.Context, tr transport.Transport, key transport.Key) ([]arrow.Record, error) {
	var records []arrow.Record
	for {
		rec, err := tr.Recv(ctx, key)
		if errors.Is(err, transport.EOF) {
			return records, nil
		} else if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

func releaseRecords(records []arrow.Record) {
	for _, rec := range records {
		rec.Release()
	}
}
