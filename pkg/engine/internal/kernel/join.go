package kernel

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	"github.com/grafana/execgraph/pkg/engine/internal/compute"
)

// Join is an equi-join of input_a (the left side) and input_b (the right
// side).
//
// One side is materialized into a hash index and the other side is streamed
// through it. The build side is the input bound to a concatenating cache,
// input_b if neither or both are.
//
//	LogicalJoin(condition=[=($0, $2)], joinType=[inner])
type Join struct {
	base *Base
	spec compute.JoinSpec
}

// NewJoin creates a Join.
func NewJoin(id int, op *compute.Operator, expression string, cfg Config) (*Join, error) {
	spec, err := compute.ParseJoin(op)
	if err != nil {
		return nil, err
	}
	return &Join{
		base: NewBase(id, KindJoin, expression, []string{PortInputA, PortInputB}, []string{PortOutput}, cfg),
		spec: spec,
	}, nil
}

func (j *Join) Base() *Base { return j.base }

// buildPort returns the port to materialize and the port to stream.
func (j *Join) buildPort() (build, probe string) {
	isConcat := func(port string) bool {
		m := j.base.Input(port)
		return m != nil && m.Settings().Policy == cache.PolicyConcatenating
	}
	if isConcat(PortInputA) && !isConcat(PortInputB) {
		return PortInputA, PortInputB
	}
	return PortInputB, PortInputA
}

func (j *Join) Run(ctx context.Context) error {
	buildPort, probePort := j.buildPort()
	buildLeft := buildPort == PortInputA

	build, err := j.base.Collect(ctx, buildPort)
	if err != nil {
		return err
	}

	if build == nil {
		level.Debug(j.base.logger).Log("msg", "join build side is empty", "port", buildPort)
		// Only a left join streaming its left side produces rows for an empty
		// build side. Without a right batch the right schema is unknown, so
		// left rows are passed through without padding.
		if buildLeft || j.spec.Type != compute.JoinLeft {
			return j.base.Drain(ctx, probePort)
		}
		return j.base.Each(ctx, probePort, func(in *batch.Batch) error {
			rec := in.Record()
			rec.Retain()
			return j.base.Emit(ctx, PortOutput, rec)
		})
	}
	defer build.Release()

	var hj *compute.HashJoin
	defer func() {
		if hj != nil {
			hj.Release()
		}
	}()

	err = j.base.Each(ctx, probePort, func(in *batch.Batch) error {
		if hj == nil {
			var err error
			if hj, err = compute.NewHashJoin(j.base.cfg.Memory, j.spec, build, buildLeft, in.Schema()); err != nil {
				return err
			}
		}
		out, err := hj.Probe(in.Record())
		if err != nil {
			return err
		}
		return j.base.Emit(ctx, PortOutput, out)
	})
	if err != nil {
		return err
	}

	if hj == nil {
		// The probe side was empty: a left join built on the left still
		// emits its unmatched rows, which are all of them.
		if buildLeft && j.spec.Type == compute.JoinLeft {
			build.Retain()
			return j.base.Emit(ctx, PortOutput, build)
		}
		return nil
	}

	rest, err := hj.Finish()
	if err != nil || rest == nil {
		return err
	}
	return j.base.Emit(ctx, PortOutput, rest)
}
