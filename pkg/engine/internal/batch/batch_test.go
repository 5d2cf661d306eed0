package batch

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func int64Record(mem memory.Allocator, values ...int64) arrow.Record {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.AppendValues(values, nil)

	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(testSchema, []arrow.Array{col}, int64(len(values)))
}

func keys(rec arrow.Record) []int64 {
	return rec.Column(0).(*array.Int64).Int64Values()
}

func TestBatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	b := New(int64Record(alloc, 1, 2, 3))
	require.Equal(t, int64(3), b.NumRows())
	require.GreaterOrEqual(t, b.ByteSize(), int64(3*8))

	_, tagged := b.Partition()
	require.False(t, tagged)

	tagged2 := b.WithPartition(2)
	p, ok := tagged2.Partition()
	require.True(t, ok)
	require.Equal(t, 2, p)
	require.Same(t, b.Record(), tagged2.Record())

	_, stillUntagged := b.Partition()
	require.False(t, stillUntagged, "WithPartition must not modify the source batch")

	b.Release()
	require.Equal(t, []int64{1, 2, 3}, keys(tagged2.Record()))
	tagged2.Release()
}

func TestConcat(t *testing.T) {
	t.Run("arrival order", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		batches := []*Batch{
			New(int64Record(alloc, 5, 6)),
			New(int64Record(alloc, 1)),
			New(int64Record(alloc, 9, 8, 7)),
		}
		out, err := Concat(alloc, batches)
		require.NoError(t, err)
		require.Equal(t, []int64{5, 6, 1, 9, 8, 7}, keys(out.Record()))

		out.Release()
		for _, b := range batches {
			b.Release()
		}
	})

	t.Run("empty", func(t *testing.T) {
		out, err := Concat(memory.DefaultAllocator, nil)
		require.NoError(t, err)
		require.Nil(t, out)
	})

	t.Run("schema mismatch", func(t *testing.T) {
		mem := memory.NewGoAllocator()

		sb := array.NewStringBuilder(mem)
		sb.Append("x")
		col := sb.NewArray()
		other := array.NewRecord(arrow.NewSchema([]arrow.Field{{Name: "key", Type: arrow.BinaryTypes.String}}, nil), []arrow.Array{col}, 1)

		_, err := Concat(mem, []*Batch{New(int64Record(mem, 1)), New(other)})
		require.ErrorIs(t, err, errors.ErrSchemaMismatch)
	})
}
