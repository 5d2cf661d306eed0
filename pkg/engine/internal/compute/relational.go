package compute

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// Filter returns the rows of rec for which predicate evaluates to true. Rows
// evaluating to false or null are dropped. The caller owns the returned
// record.
func Filter(mem memory.Allocator, rec arrow.Record, predicate Expr) (arrow.Record, error) {
	mask, err := Evaluate(mem, predicate, rec)
	if err != nil {
		return nil, err
	}
	defer mask.Release()

	bools, ok := mask.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("%w: predicate %s evaluated to %s, expected bool", errors.ErrType, predicate, mask.DataType())
	}

	indices := make([]int, 0, bools.Len())
	for i := range bools.Len() {
		if bools.IsValid(i) && bools.Value(i) {
			indices = append(indices, i)
		}
	}

	if len(indices) == int(rec.NumRows()) {
		rec.Retain()
		return rec, nil
	}
	return Take(mem, rec, indices)
}

// Take returns a new record holding the rows of rec at indices, in order.
func Take(mem memory.Allocator, rec arrow.Record, indices []int) (arrow.Record, error) {
	builder := array.NewRecordBuilder(mem, rec.Schema())
	defer builder.Release()

	for c, col := range rec.Columns() {
		field := builder.Field(c)
		field.Reserve(len(indices))
		for _, i := range indices {
			if err := appendValue(field, col, i); err != nil {
				return nil, fmt.Errorf("copying column %s: %w", rec.Schema().Field(c).Name, err)
			}
		}
	}
	return builder.NewRecord(), nil
}

// Projection is a named expression of a projection list.
type Projection struct {
	Name string
	Expr Expr
}

// ParseProjections reads the projection list of a LogicalProject operator,
// such as LogicalProject(c_custkey=[$0], total=[+($1, $2)]).
func ParseProjections(op *Operator) ([]Projection, error) {
	if len(op.Args) == 0 {
		return nil, fmt.Errorf("%s has an empty projection list", op.Name)
	}
	out := make([]Projection, len(op.Args))
	for i, arg := range op.Args {
		out[i] = Projection{Name: arg.Name, Expr: arg.Value}
	}
	return out, nil
}

// Project evaluates each projection over rec. Column references reuse the
// source column.
func Project(mem memory.Allocator, rec arrow.Record, projections []Projection) (arrow.Record, error) {
	fields := make([]arrow.Field, len(projections))
	columns := make([]arrow.Array, len(projections))
	defer func() {
		for _, col := range columns {
			if col != nil {
				col.Release()
			}
		}
	}()

	for i, p := range projections {
		col, err := Evaluate(mem, p.Expr, rec)
		if err != nil {
			return nil, fmt.Errorf("projecting %s: %w", p.Name, err)
		}
		columns[i] = col
		fields[i] = arrow.Field{Name: p.Name, Type: col.DataType(), Nullable: true}
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), columns, rec.NumRows()), nil
}

// SelectColumns returns a record holding the given columns of rec.
func SelectColumns(rec arrow.Record, indices []int) (arrow.Record, error) {
	fields := make([]arrow.Field, len(indices))
	columns := make([]arrow.Array, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= int(rec.NumCols()) {
			return nil, fmt.Errorf("%w: column %d out of range for %d columns", errors.ErrIndex, idx, rec.NumCols())
		}
		fields[i] = rec.Schema().Field(idx)
		columns[i] = rec.Column(idx)
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), columns, rec.NumRows()), nil
}

// AppendRow appends row i of rec to b. b must have been created for the
// schema of rec.
func AppendRow(b *array.RecordBuilder, rec arrow.Record, i int) error {
	for c, col := range rec.Columns() {
		if err := appendValue(b.Field(c), col, i); err != nil {
			return fmt.Errorf("copying column %s: %w", rec.Schema().Field(c).Name, err)
		}
	}
	return nil
}
