package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/execgraph/pkg/engine/internal/allocator"
	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func newBatch(mem memory.Allocator, values ...int64) *batch.Batch {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.AppendValues(values, nil)

	col := b.NewArray()
	defer col.Release()
	return batch.New(array.NewRecord(testSchema, []arrow.Array{col}, int64(len(values))))
}

func keysOf(b *batch.Batch) []int64 {
	return b.Record().Column(0).(*array.Int64).Int64Values()
}

func mustNew(t *testing.T, settings Settings, opts Options) Machine {
	t.Helper()
	m, err := New(1, settings, opts)
	require.NoError(t, err)
	return m
}

// blocked reports whether fn is still running after a short delay. The
// returned channel yields the result of fn once it returns.
func blocked(fn func() error) (bool, <-chan error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		done <- err
		return false, done
	case <-time.After(50 * time.Millisecond):
		return true, done
	}
}

func TestStreaming(t *testing.T) {
	t.Run("delivers batches in push order", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Capacity: 8}, Options{})

		for i := range int64(5) {
			require.NoError(t, m.Push(ctx, newBatch(memory.DefaultAllocator, i)))
		}
		m.Finish()

		for i := range int64(5) {
			b, err := m.Pull(ctx)
			require.NoError(t, err)
			require.Equal(t, []int64{i}, keysOf(b))
			b.Release()
		}

		_, err := m.Pull(ctx)
		require.ErrorIs(t, err, EOF)
	})

	t.Run("push blocks at capacity", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Capacity: 2}, Options{})

		require.NoError(t, m.Push(ctx, newBatch(memory.DefaultAllocator, 1)))
		require.NoError(t, m.Push(ctx, newBatch(memory.DefaultAllocator, 2)))

		isBlocked, done := blocked(func() error { return m.Push(ctx, newBatch(memory.DefaultAllocator, 3)) })
		require.True(t, isBlocked, "push should block while the cache is at capacity")

		b, err := m.Pull(ctx)
		require.NoError(t, err)
		b.Release()
		require.NoError(t, <-done)

		m.Close()
	})

	t.Run("pull blocks until finish", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{}, Options{})

		isBlocked, done := blocked(func() error {
			_, err := m.Pull(ctx)
			return err
		})
		require.True(t, isBlocked)

		m.Finish()
		require.ErrorIs(t, <-done, EOF)
	})

	t.Run("finish is idempotent", func(t *testing.T) {
		m := mustNew(t, Settings{}, Options{})
		require.NoError(t, m.Push(t.Context(), newBatch(memory.DefaultAllocator, 1)))

		m.Finish()
		m.Finish()
		require.True(t, m.Finished())

		b, err := m.Pull(t.Context())
		require.NoError(t, err, "finished caches must still drain")
		b.Release()

		_, err = m.Pull(t.Context())
		require.ErrorIs(t, err, EOF)
	})

	t.Run("push after finish", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		m := mustNew(t, Settings{}, Options{})
		m.Finish()
		require.ErrorIs(t, m.Push(t.Context(), newBatch(alloc, 1)), ErrFinished)
	})

	t.Run("finish unblocks a blocked producer", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Capacity: 1}, Options{})
		require.NoError(t, m.Push(ctx, newBatch(memory.DefaultAllocator, 1)))

		isBlocked, done := blocked(func() error { return m.Push(ctx, newBatch(memory.DefaultAllocator, 2)) })
		require.True(t, isBlocked)

		m.Finish()
		require.ErrorIs(t, <-done, ErrFinished)
		m.Close()
	})

	t.Run("context cancellation unblocks pull", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		m := mustNew(t, Settings{}, Options{})

		isBlocked, done := blocked(func() error {
			_, err := m.Pull(ctx)
			return err
		})
		require.True(t, isBlocked)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("close releases buffered batches", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		budget := allocator.NewBudget(0, 1)
		m := mustNew(t, Settings{}, Options{Budget: budget})
		require.NoError(t, m.Push(t.Context(), newBatch(alloc, 1, 2)))
		require.NoError(t, m.Push(t.Context(), newBatch(alloc, 3)))

		m.Close()
		require.True(t, m.Finished())
		require.Zero(t, budget.Used())
	})

	t.Run("concurrent producer and consumer", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Capacity: 3}, Options{})

		const count = 500

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.Finish()
			for i := range int64(count) {
				if err := m.Push(ctx, newBatch(memory.DefaultAllocator, i)); err != nil {
					return
				}
			}
		}()

		var got []int64
		for {
			b, err := m.Pull(ctx)
			if errors.Is(err, EOF) {
				break
			}
			require.NoError(t, err)
			got = append(got, keysOf(b)...)
			b.Release()
		}
		wg.Wait()

		require.Len(t, got, count)
		for i, v := range got {
			require.Equal(t, int64(i), v)
		}
	})
}

func TestStreaming_Budget(t *testing.T) {
	t.Run("oversized batch fails", func(t *testing.T) {
		budget := allocator.NewBudget(4, 1)
		m := mustNew(t, Settings{}, Options{Budget: budget})

		err := m.Push(t.Context(), newBatch(memory.DefaultAllocator, 1, 2, 3))
		require.ErrorIs(t, err, engineerrors.ErrResourceExhausted)
	})

	t.Run("waits for the consumer to release bytes", func(t *testing.T) {
		ctx := t.Context()

		first := newBatch(memory.DefaultAllocator, 1)
		budget := allocator.NewBudget(uint64(first.ByteSize()), 1)
		m := mustNew(t, Settings{Capacity: 4}, Options{Budget: budget})

		require.NoError(t, m.Push(ctx, first))

		isBlocked, done := blocked(func() error { return m.Push(ctx, newBatch(memory.DefaultAllocator, 2)) })
		require.True(t, isBlocked, "push should wait for buffered bytes to be released")

		b, err := m.Pull(ctx)
		require.NoError(t, err)
		b.Release()
		require.NoError(t, <-done)

		m.Close()
		require.Zero(t, budget.Used())
	})

	t.Run("per cache limit", func(t *testing.T) {
		shared := allocator.NewBudget(0, 1)
		m := mustNew(t, Settings{MaxBytes: 4}, Options{Budget: shared})

		err := m.Push(t.Context(), newBatch(memory.DefaultAllocator, 1, 2, 3))
		require.ErrorIs(t, err, engineerrors.ErrResourceExhausted)
		require.Zero(t, shared.Used())
	})
}

func TestConcatenating(t *testing.T) {
	t.Run("single result with every row", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		ctx := t.Context()
		m := mustNew(t, Settings{Policy: PolicyConcatenating}, Options{Memory: alloc})

		inputs := [][]int64{{1, 2}, {3}, {}, {4, 5, 6}, {7}}
		var expectRows int64
		for _, values := range inputs {
			b := newBatch(alloc, values...)
			expectRows += b.NumRows()
			require.NoError(t, m.Push(ctx, b))
		}
		m.Finish()

		out, err := m.Pull(ctx)
		require.NoError(t, err)
		require.Equal(t, expectRows, out.NumRows())
		require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, keysOf(out))
		out.Release()

		_, err = m.Pull(ctx)
		require.ErrorIs(t, err, EOF)
		_, err = m.Pull(ctx)
		require.ErrorIs(t, err, EOF)
	})

	t.Run("pull waits for finish", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Policy: PolicyConcatenating}, Options{})
		require.NoError(t, m.Push(ctx, newBatch(memory.DefaultAllocator, 1)))

		var out *batch.Batch
		isBlocked, done := blocked(func() (err error) {
			out, err = m.Pull(ctx)
			return err
		})
		require.True(t, isBlocked)

		require.NoError(t, m.Push(ctx, newBatch(memory.DefaultAllocator, 2)))
		m.Finish()
		require.NoError(t, <-done)
		require.Equal(t, []int64{1, 2}, keysOf(out))
		out.Release()
	})

	t.Run("empty", func(t *testing.T) {
		m := mustNew(t, Settings{Policy: PolicyConcatenating}, Options{})
		m.Finish()

		_, err := m.Pull(t.Context())
		require.ErrorIs(t, err, EOF)
	})

	t.Run("budget refusal", func(t *testing.T) {
		m := mustNew(t, Settings{Policy: PolicyConcatenating}, Options{Budget: allocator.NewBudget(1, 1)})
		err := m.Push(t.Context(), newBatch(memory.DefaultAllocator, 1))
		require.ErrorIs(t, err, engineerrors.ErrResourceExhausted)
	})
}

func TestPartitioned(t *testing.T) {
	t.Run("routes by partition", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Policy: PolicyPartitioned, NumPartitions: 3}, Options{})
		require.Equal(t, 3, m.NumPartitions())

		for p := range 3 {
			for i := range 2 {
				b := newBatch(memory.DefaultAllocator, int64(p*10+i))
				require.NoError(t, m.Push(ctx, b.WithPartition(p)))
				b.Release()
			}
		}
		m.Finish()

		for p := range 3 {
			var got []int64
			for {
				b, err := m.PullPartition(ctx, p)
				if errors.Is(err, EOF) {
					break
				}
				require.NoError(t, err)

				tag, ok := b.Partition()
				require.True(t, ok)
				require.Equal(t, p, tag)
				got = append(got, keysOf(b)...)
				b.Release()
			}
			require.Equal(t, []int64{int64(p * 10), int64(p*10 + 1)}, got)
		}
	})

	t.Run("no leakage across partitions", func(t *testing.T) {
		ctx := t.Context()
		m := mustNew(t, Settings{Policy: PolicyPartitioned, NumPartitions: 2}, Options{})

		b := newBatch(memory.DefaultAllocator, 42)
		require.NoError(t, m.Push(ctx, b.WithPartition(1)))
		b.Release()

		isBlocked, done := blocked(func() error {
			_, err := m.PullPartition(ctx, 0)
			return err
		})
		require.True(t, isBlocked, "partition 0 must not observe batches of partition 1")

		m.Finish()
		require.ErrorIs(t, <-done, EOF)

		got, err := m.PullPartition(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []int64{42}, keysOf(got))
		got.Release()
	})

	t.Run("untagged batch", func(t *testing.T) {
		m := mustNew(t, Settings{Policy: PolicyPartitioned, NumPartitions: 2}, Options{})
		err := m.Push(t.Context(), newBatch(memory.DefaultAllocator, 1))
		require.ErrorIs(t, err, engineerrors.ErrRouting)
	})

	t.Run("partition out of range", func(t *testing.T) {
		m := mustNew(t, Settings{Policy: PolicyPartitioned, NumPartitions: 2}, Options{})
		err := m.Push(t.Context(), batch.NewPartitioned(newBatch(memory.DefaultAllocator, 1).Record(), 2))
		require.ErrorIs(t, err, engineerrors.ErrRouting)

		_, err = m.PullPartition(t.Context(), -1)
		require.ErrorIs(t, err, engineerrors.ErrRouting)
	})

	t.Run("pull without partition", func(t *testing.T) {
		m := mustNew(t, Settings{Policy: PolicyPartitioned, NumPartitions: 1}, Options{})
		_, err := m.Pull(t.Context())
		require.ErrorIs(t, err, engineerrors.ErrRouting)
	})

	t.Run("requires partitions", func(t *testing.T) {
		_, err := New(1, Settings{Policy: PolicyPartitioned}, Options{})
		require.ErrorContains(t, err, "at least one partition")
	})
}

func TestStatsAndMetrics(t *testing.T) {
	ctx := t.Context()
	metrics := NewMetrics()
	m := mustNew(t, Settings{}, Options{Metrics: metrics})

	in := newBatch(memory.DefaultAllocator, 1, 2, 3)
	size := in.ByteSize()
	require.NoError(t, m.Push(ctx, in))
	m.Finish()

	out, err := m.Pull(ctx)
	require.NoError(t, err)
	out.Release()

	require.Equal(t, Stats{
		PushedBatches: 1, PulledBatches: 1,
		PushedRows: 3, PulledRows: 3,
		PushedBytes: size, PulledBytes: size,
	}, m.Stats())

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.batchesTotal.WithLabelValues("streaming", opPush)))
	require.Equal(t, float64(size), testutil.ToFloat64(metrics.bytesTotal.WithLabelValues("streaming", opPull)))
}

func TestParsePolicy(t *testing.T) {
	for input, expect := range map[string]Policy{
		"":              PolicyStreaming,
		"streaming":     PolicyStreaming,
		"CONCATENATING": PolicyConcatenating,
		"for_each":      PolicyPartitioned,
		"partitioned":   PolicyPartitioned,
	} {
		p, err := ParsePolicy(input)
		require.NoError(t, err)
		require.Equal(t, expect, p)
	}

	_, err := ParsePolicy("broadcast")
	require.Error(t, err)
}
