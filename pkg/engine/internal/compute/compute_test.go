package compute

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// int64Record builds a record with one int64 column per name. Every column
// must hold the same number of values.
func int64Record(mem memory.Allocator, names []string, columns ...[]int64) arrow.Record {
	fields := make([]arrow.Field, len(names))
	arrays := make([]arrow.Array, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64, Nullable: true}

		b := array.NewInt64Builder(mem)
		b.AppendValues(columns[i], nil)
		arrays[i] = b.NewArray()
		b.Release()
	}
	defer func() {
		for _, arr := range arrays {
			arr.Release()
		}
	}()

	var rows int64
	if len(columns) > 0 {
		rows = int64(len(columns[0]))
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, rows)
}

func int64Column(rec arrow.Record, i int) []int64 {
	col := rec.Column(i).(*array.Int64)
	out := make([]int64, col.Len())
	for row := range out {
		out[row] = col.Value(row)
	}
	return out
}

func mustParse(t *testing.T, s string) *Operator {
	t.Helper()
	op, err := ParseOperator(s)
	require.NoError(t, err)
	return op
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		input  string
		expect string
	}{
		{
			input:  "LogicalFilter(condition=[<($0, 5)])",
			expect: "LogicalFilter(condition=[<($0, 5)])",
		},
		{
			input:  "LogicalJoin(condition=[=($1, $0)], joinType=[inner])",
			expect: "LogicalJoin(condition=[=($1, $0)], joinType=[inner])",
		},
		{
			input:  "BindableTableScan(table=[[main, nation]], filters=[[<($0, 5)]])",
			expect: "BindableTableScan(table=[[main, nation]], filters=[[<($0, 5)]])",
		},
		{
			input:  "LogicalProject(INT64=[$0], total=[+($1, 2.5)])",
			expect: "LogicalProject(INT64=[$0], total=[+($1, 2.5)])",
		},
		{
			input:  "LogicalSort(sort0=[$1], sort1=[$0], dir0=[ASC], dir1=[DESC])",
			expect: "LogicalSort(sort0=[$1], sort1=[$0], dir0=[ASC], dir1=[DESC])",
		},
		{
			input:  "LogicalFilter(condition=[AND(>=($0, 1:BIGINT), <>($2, 'it''s'))])",
			expect: "LogicalFilter(condition=[AND(>=($0, 1), <>($2, 'it''s'))])",
		},
		{
			input:  "LogicalFilter(condition=[and(true, null)])",
			expect: "LogicalFilter(condition=[AND(true, null)])",
		},
		{
			input:  "Generator(rows=[-3])",
			expect: "Generator(rows=[-3])",
		},
		{
			input:  "LogicalMerge",
			expect: "LogicalMerge()",
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			op, err := ParseOperator(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.expect, op.String())
		})
	}
}

func TestParseOperator_Invalid(t *testing.T) {
	for _, input := range []string{
		"",
		"LogicalFilter(condition=<($0, 5))",
		"LogicalFilter(condition=[<($0, 5)]",
		"LogicalFilter(=[$0])",
	} {
		_, err := ParseOperator(input)
		require.Error(t, err, "input %q", input)
	}
}

func TestOperator_Args(t *testing.T) {
	op := mustParse(t, "Generator(rows=[100], order=[random], label=['x'], bad=[$1])")

	rows, err := op.IntArg("rows", 0)
	require.NoError(t, err)
	require.Equal(t, 100, rows)

	batch, err := op.IntArg("batch", 7)
	require.NoError(t, err)
	require.Equal(t, 7, batch)

	_, err = op.IntArg("order", 0)
	require.ErrorIs(t, err, engineerrors.ErrType)

	order, err := op.NameArg("order", "sequential")
	require.NoError(t, err)
	require.Equal(t, "random", order)

	label, err := op.NameArg("label", "")
	require.NoError(t, err)
	require.Equal(t, "x", label)

	_, err = op.NameArg("bad", "")
	require.ErrorIs(t, err, engineerrors.ErrType)

	flag, err := mustParse(t, "Print(header=[false])").BoolArg("header", true)
	require.NoError(t, err)
	require.False(t, flag)

	_, err = op.BoolArg("rows", false)
	require.ErrorIs(t, err, engineerrors.ErrType)
}

func TestColumnList(t *testing.T) {
	op := mustParse(t, "BindableTableScan(projects=[[0, 3, $5]], single=[2])")

	arg, _ := op.Arg("projects")
	cols, err := ColumnList(arg)
	require.NoError(t, err)
	require.Equal(t, []int{0, 3, 5}, cols)

	arg, _ = op.Arg("single")
	cols, err = ColumnList(arg)
	require.NoError(t, err)
	require.Equal(t, []int{2}, cols)
}

func TestEvaluate(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"a", "b"}, []int64{1, 2, 3, 4}, []int64{4, 0, 2, 1})
	defer rec.Release()

	tests := []struct {
		expr   string
		expect any
	}{
		{"+($0, $1)", []int64{5, 2, 5, 5}},
		{"*($0, 2)", []int64{2, 4, 6, 8}},
		{"-($0, 0.5)", []float64{0.5, 1.5, 2.5, 3.5}},
		{"/($0, $1)", []any{int64(0), nil, int64(1), int64(4)}},
		{"MOD($0, $1)", []any{int64(1), nil, int64(1), int64(0)}},
		{"<($0, $1)", []bool{true, false, false, false}},
		{"AND(>($0, 1), <>($1, 2))", []bool{false, true, false, true}},
		{"OR(=($0, 1), =($1, 1))", []bool{true, false, false, true}},
		{"NOT(<=($0, 2))", []bool{false, false, true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			op := mustParse(t, "LogicalProject(x=["+tt.expr+"])")
			arr, err := Evaluate(mem, op.Args[0].Value, rec)
			require.NoError(t, err)
			defer arr.Release()

			switch expect := tt.expect.(type) {
			case []int64:
				require.Equal(t, expect, arr.(*array.Int64).Int64Values())
			case []float64:
				require.Equal(t, expect, arr.(*array.Float64).Float64Values())
			case []bool:
				actual := make([]bool, arr.Len())
				for i := range actual {
					actual[i] = arr.(*array.Boolean).Value(i)
				}
				require.Equal(t, expect, actual)
			case []any:
				actual := make([]any, arr.Len())
				for i := range actual {
					actual[i] = valueAt(arr, i)
				}
				require.Equal(t, expect, actual)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"a"}, []int64{1})
	defer rec.Release()

	tests := []struct {
		expr   string
		expect error
	}{
		{"$3", engineerrors.ErrIndex},
		{"+($0, $9)", engineerrors.ErrIndex},
		{"+($0, 'x')", engineerrors.ErrType},
		{"<($0, 'x')", engineerrors.ErrType},
		{"LIKE($0, 'x')", engineerrors.ErrNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			op := mustParse(t, "LogicalProject(x=["+tt.expr+"])")
			_, err := Evaluate(mem, op.Args[0].Value, rec)
			require.ErrorIs(t, err, tt.expect)
		})
	}
}

func TestFilter(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"key", "value"}, []int64{0, 1, 2, 3, 4, 5, 6, 7}, []int64{70, 71, 72, 73, 74, 75, 76, 77})
	defer rec.Release()

	t.Run("selects matching rows", func(t *testing.T) {
		op := mustParse(t, "LogicalFilter(condition=[<($0, 5)])")
		cond, _ := op.Arg("condition")

		out, err := Filter(mem, rec, cond)
		require.NoError(t, err)
		defer out.Release()

		require.Equal(t, []int64{0, 1, 2, 3, 4}, int64Column(out, 0))
		require.Equal(t, []int64{70, 71, 72, 73, 74}, int64Column(out, 1))
	})

	t.Run("keeps the record when every row matches", func(t *testing.T) {
		op := mustParse(t, "LogicalFilter(condition=[>=($0, 0)])")
		cond, _ := op.Arg("condition")

		out, err := Filter(mem, rec, cond)
		require.NoError(t, err)
		defer out.Release()
		require.Same(t, rec.Column(0), out.Column(0))
	})

	t.Run("non-boolean predicate", func(t *testing.T) {
		op := mustParse(t, "LogicalFilter(condition=[+($0, 1)])")
		cond, _ := op.Arg("condition")

		_, err := Filter(mem, rec, cond)
		require.ErrorIs(t, err, engineerrors.ErrType)
	})
}

func TestProject(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"a", "b"}, []int64{1, 2}, []int64{10, 20})
	defer rec.Release()

	projections, err := ParseProjections(mustParse(t, "LogicalProject(INT64=[$1], sum=[+($0, $1)])"))
	require.NoError(t, err)

	out, err := Project(mem, rec, projections)
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, "INT64", out.Schema().Field(0).Name)
	require.Equal(t, "sum", out.Schema().Field(1).Name)
	require.Same(t, rec.Column(1), out.Column(0))
	require.Equal(t, []int64{11, 22}, int64Column(out, 1))

	_, err = ParseProjections(mustParse(t, "LogicalProject()"))
	require.Error(t, err)
}

func TestSelectColumns(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"a", "b", "c"}, []int64{1}, []int64{2}, []int64{3})
	defer rec.Release()

	out, err := SelectColumns(rec, []int{2, 0})
	require.NoError(t, err)
	defer out.Release()
	require.Equal(t, "c", out.Schema().Field(0).Name)
	require.Equal(t, []int64{1}, int64Column(out, 1))

	_, err = SelectColumns(rec, []int{3})
	require.ErrorIs(t, err, engineerrors.ErrIndex)
}

func TestJoinSpec_Keys(t *testing.T) {
	tests := []struct {
		expr      string
		leftWidth int
		left      []int
		right     []int
		expect    error
	}{
		{expr: "LogicalJoin(condition=[=($1, $0)], joinType=[inner])", leftWidth: 1, left: []int{0}, right: []int{0}},
		{expr: "LogicalJoin(condition=[=($0, $2)], joinType=[inner])", leftWidth: 2, left: []int{0}, right: []int{0}},
		{expr: "LogicalJoin(condition=[AND(=($0, $3), =($1, $2))], joinType=[left])", leftWidth: 2, left: []int{0, 1}, right: []int{1, 0}},
		{expr: "LogicalJoin(condition=[=($0, $1)], joinType=[inner])", leftWidth: 2, expect: engineerrors.ErrIndex},
		{expr: "LogicalJoin(condition=[<($0, $2)], joinType=[inner])", leftWidth: 2, expect: engineerrors.ErrNotImplemented},
		{expr: "LogicalJoin(condition=[=($0, 1)], joinType=[inner])", leftWidth: 1, expect: engineerrors.ErrNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			spec, err := ParseJoin(mustParse(t, tt.expr))
			require.NoError(t, err)

			left, right, err := spec.Keys(tt.leftWidth)
			if tt.expect != nil {
				require.ErrorIs(t, err, tt.expect)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.left, left)
			require.Equal(t, tt.right, right)
		})
	}

	_, err := ParseJoin(mustParse(t, "LogicalJoin(condition=[=($0, $1)], joinType=[full])"))
	require.ErrorIs(t, err, engineerrors.ErrNotImplemented)

	_, err = ParseJoin(mustParse(t, "LogicalJoin(joinType=[inner])"))
	require.Error(t, err)
}

func TestHashJoin(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	keys := make([]int64, 10)
	for i := range keys {
		keys[i] = int64(i)
	}

	spec, err := ParseJoin(mustParse(t, "LogicalJoin(condition=[=($0, $1)], joinType=[inner])"))
	require.NoError(t, err)

	for _, buildLeft := range []bool{false, true} {
		name := "build right"
		if buildLeft {
			name = "build left"
		}
		t.Run(name, func(t *testing.T) {
			left := int64Record(mem, []string{"a"}, keys)
			defer left.Release()
			right := int64Record(mem, []string{"b"}, keys)
			defer right.Release()

			build, probe := right, left
			if buildLeft {
				build, probe = left, right
			}

			j, err := NewHashJoin(mem, spec, build, buildLeft, probe.Schema())
			require.NoError(t, err)
			defer j.Release()

			out, err := j.Probe(probe)
			require.NoError(t, err)
			defer out.Release()

			require.EqualValues(t, 10, out.NumRows())
			require.Equal(t, "a", out.Schema().Field(0).Name)
			require.Equal(t, "b", out.Schema().Field(1).Name)
			require.Equal(t, int64Column(out, 0), int64Column(out, 1))
		})
	}
}

func TestHashJoin_Left(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	spec, err := ParseJoin(mustParse(t, "LogicalJoin(condition=[=($0, $1)], joinType=[left])"))
	require.NoError(t, err)

	left := int64Record(mem, []string{"a"}, []int64{1, 2, 3})
	defer left.Release()
	right := int64Record(mem, []string{"b"}, []int64{2, 2})
	defer right.Release()

	t.Run("build right", func(t *testing.T) {
		j, err := NewHashJoin(mem, spec, right, false, left.Schema())
		require.NoError(t, err)
		defer j.Release()

		out, err := j.Probe(left)
		require.NoError(t, err)
		defer out.Release()

		require.EqualValues(t, 4, out.NumRows())
		require.Equal(t, []int64{1, 2, 2, 3}, int64Column(out, 0))
		require.True(t, out.Column(1).IsNull(0))
		require.True(t, out.Column(1).IsNull(3))

		rest, err := j.Finish()
		require.NoError(t, err)
		require.Nil(t, rest)
	})

	t.Run("build left", func(t *testing.T) {
		j, err := NewHashJoin(mem, spec, left, true, right.Schema())
		require.NoError(t, err)
		defer j.Release()

		out, err := j.Probe(right)
		require.NoError(t, err)
		defer out.Release()
		require.Equal(t, []int64{2, 2}, int64Column(out, 0))

		rest, err := j.Finish()
		require.NoError(t, err)
		defer rest.Release()
		require.Equal(t, []int64{1, 3}, int64Column(rest, 0))
		require.Equal(t, 2, rest.Column(1).NullN())
	})
}

func TestHashJoin_SchemaMismatch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	left := int64Record(mem, []string{"a"}, []int64{1})
	defer left.Release()

	sb := array.NewStringBuilder(mem)
	sb.Append("1")
	col := sb.NewArray()
	sb.Release()
	right := array.NewRecord(arrow.NewSchema([]arrow.Field{{Name: "b", Type: arrow.BinaryTypes.String}}, nil), []arrow.Array{col}, 1)
	col.Release()
	defer right.Release()

	spec, err := ParseJoin(mustParse(t, "LogicalJoin(condition=[=($0, $1)], joinType=[inner])"))
	require.NoError(t, err)

	_, err = NewHashJoin(mem, spec, right, false, left.Schema())
	require.ErrorIs(t, err, engineerrors.ErrSchemaMismatch)
}

func TestParseSortKeys(t *testing.T) {
	keys, err := ParseSortKeys(mustParse(t, "LogicalSort(sort0=[$1], sort1=[$0], dir0=[ASC], dir1=[DESC])"))
	require.NoError(t, err)
	require.Equal(t, []SortKey{{Column: 1}, {Column: 0, Descending: true}}, keys)

	keys, err = ParseSortKeys(mustParse(t, "LogicalSort(sort0=[$2])"))
	require.NoError(t, err)
	require.Equal(t, []SortKey{{Column: 2}}, keys)

	_, err = ParseSortKeys(mustParse(t, "LogicalSort(fetch=[10])"))
	require.Error(t, err)

	_, err = ParseSortKeys(mustParse(t, "LogicalSort(sort0=[$0], dir0=[SIDEWAYS])"))
	require.ErrorIs(t, err, engineerrors.ErrNotImplemented)
}

func TestSort(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"a", "b"}, []int64{3, 1, 2, 1}, []int64{0, 9, 5, 4})
	defer rec.Release()

	out, err := Sort(mem, rec, []SortKey{{Column: 0}, {Column: 1, Descending: true}})
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, []int64{1, 1, 2, 3}, int64Column(out, 0))
	require.Equal(t, []int64{9, 4, 5, 0}, int64Column(out, 1))

	_, err = Sort(mem, rec, []SortKey{{Column: 5}})
	require.ErrorIs(t, err, engineerrors.ErrIndex)
}

func TestSampleBoundariesSplit(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	values := make([]int64, 100)
	for i := range values {
		values[i] = int64(i)
	}
	rec := int64Record(mem, []string{"key"}, values)
	defer rec.Release()

	keys := []SortKey{{Column: 0}}

	sample, err := Sample(mem, rec, 10)
	require.NoError(t, err)
	defer sample.Release()
	require.Equal(t, []int64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, int64Column(sample, 0))

	bounds, err := Boundaries(mem, sample, keys, 2)
	require.NoError(t, err)
	defer bounds.Release()
	require.Equal(t, []int64{50}, int64Column(bounds, 0))

	slices, err := Split(rec, bounds, keys)
	require.NoError(t, err)
	defer releaseSlices(slices)

	require.Len(t, slices, 2)
	require.Equal(t, 0, slices[0].Partition)
	require.EqualValues(t, 51, slices[0].Record.NumRows())
	require.Equal(t, 1, slices[1].Partition)
	require.EqualValues(t, 49, slices[1].Record.NumRows())
	require.Equal(t, int64(51), int64Column(slices[1].Record, 0)[0])
}

func TestSplit_NoBoundaries(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := int64Record(mem, []string{"key"}, []int64{1, 2, 3})
	defer rec.Release()
	empty := int64Record(mem, []string{"key"}, []int64{})
	defer empty.Release()

	bounds, err := Boundaries(mem, empty, []SortKey{{Column: 0}}, 4)
	require.NoError(t, err)
	defer bounds.Release()
	require.EqualValues(t, 0, bounds.NumRows())

	slices, err := Split(rec, bounds, []SortKey{{Column: 0}})
	require.NoError(t, err)
	defer releaseSlices(slices)
	require.Len(t, slices, 1)
	require.Equal(t, 0, slices[0].Partition)
}

func TestCompareRows_Nulls(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	b := array.NewInt64Builder(mem)
	b.AppendValues([]int64{1, 0}, []bool{true, false})
	col := b.NewArray()
	b.Release()
	rec := array.NewRecord(arrow.NewSchema([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil), []arrow.Array{col}, 2)
	col.Release()
	defer rec.Release()

	for _, desc := range []bool{false, true} {
		c, err := CompareRows(rec, 1, rec, 0, []SortKey{{Column: 0, Descending: desc}})
		require.NoError(t, err)
		require.Equal(t, 1, c, "nulls sort last (descending=%v)", desc)
	}
}

func TestCompareValues_Mismatch(t *testing.T) {
	_, err := compareValues(int64(1), "x")
	require.True(t, errors.Is(err, engineerrors.ErrType))
}
