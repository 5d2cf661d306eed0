package kernel

import (
	"context"
	"fmt"

	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/compute"
)

// Filter keeps the rows of its input matching a predicate.
//
//	LogicalFilter(condition=[<($0, 5)])
//	BindableTableScan(table=[[main, nation]], filters=[[<($0, 5)]])
type Filter struct {
	base      *Base
	predicate compute.Expr
}

// NewFilter creates a Filter from a LogicalFilter condition or from the
// filters of a table scan which consumes an input.
func NewFilter(id int, op *compute.Operator, expression string, cfg Config) (*Filter, error) {
	cond, ok := op.Arg("condition")
	if !ok {
		cond, ok = op.Arg("filters")
	}
	if !ok {
		return nil, fmt.Errorf("%s has no condition", op.Name)
	}

	return &Filter{
		base:      NewBase(id, KindTransform, expression, []string{PortInput}, []string{PortOutput}, cfg),
		predicate: compute.Unwrap(cond),
	}, nil
}

func (f *Filter) Base() *Base { return f.base }

func (f *Filter) Run(ctx context.Context) error {
	return f.base.Each(ctx, PortInput, func(in *batch.Batch) error {
		out, err := compute.Filter(f.base.cfg.Memory, in.Record(), f.predicate)
		if err != nil {
			return err
		}
		return f.base.Emit(ctx, PortOutput, out)
	})
}

// Project evaluates a projection list over its input.
//
//	LogicalProject(key=[$0], total=[+($1, $2)])
type Project struct {
	base        *Base
	projections []compute.Projection
}

// NewProject creates a Project.
func NewProject(id int, op *compute.Operator, expression string, cfg Config) (*Project, error) {
	projections, err := compute.ParseProjections(op)
	if err != nil {
		return nil, err
	}
	return &Project{
		base:        NewBase(id, KindTransform, expression, []string{PortInput}, []string{PortOutput}, cfg),
		projections: projections,
	}, nil
}

func (p *Project) Base() *Base { return p.base }

func (p *Project) Run(ctx context.Context) error {
	return p.base.Each(ctx, PortInput, func(in *batch.Batch) error {
		out, err := compute.Project(p.base.cfg.Memory, in.Record(), p.projections)
		if err != nil {
			return err
		}
		return p.base.Emit(ctx, PortOutput, out)
	})
}

// Sort materializes its input, sorts it and emits it in batches. Sort orders
// the rows of a single node; distributed sorting uses [SortAndSample],
// [Partition] and [MergeStream].
//
//	LogicalSort(sort0=[$1], sort1=[$0], dir0=[ASC], dir1=[DESC])
type Sort struct {
	base *Base
	keys []compute.SortKey
}

// NewSort creates a Sort.
func NewSort(id int, op *compute.Operator, expression string, cfg Config) (*Sort, error) {
	keys, err := compute.ParseSortKeys(op)
	if err != nil {
		return nil, err
	}
	return &Sort{
		base: NewBase(id, KindTransform, expression, []string{PortInput}, []string{PortOutput}, cfg),
		keys: keys,
	}, nil
}

func (s *Sort) Base() *Base { return s.base }

func (s *Sort) Run(ctx context.Context) error {
	rec, err := s.base.Collect(ctx, PortInput)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()

	sorted, err := compute.Sort(s.base.cfg.Memory, rec, s.keys)
	if err != nil {
		return err
	}
	defer sorted.Release()

	return s.base.EmitChunks(ctx, PortOutput, sorted)
}
