package allocator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

func TestBudget(t *testing.T) {
	t.Run("threshold is applied to the limit", func(t *testing.T) {
		b := NewBudget(1000, 0.5)
		require.Equal(t, int64(500), b.Limit())

		require.NoError(t, b.Reserve(400))
		require.True(t, b.Available(100))
		require.False(t, b.Available(101))

		err := b.Reserve(200)
		require.ErrorIs(t, err, errors.ErrResourceExhausted)
		require.Equal(t, int64(400), b.Used())

		b.Release(400)
		require.Equal(t, int64(0), b.Used())
		require.Equal(t, int64(400), b.Peak())
		require.NoError(t, b.Reserve(500))
	})

	t.Run("default threshold", func(t *testing.T) {
		require.Equal(t, int64(950), NewBudget(1000, 0).Limit())
		require.Equal(t, int64(950), NewBudget(1000, 7).Limit())
	})

	t.Run("unlimited", func(t *testing.T) {
		b := NewBudget(0, 1)
		require.NoError(t, b.Reserve(1<<40))
		require.True(t, b.Available(1<<40))
	})

	t.Run("nil budget", func(t *testing.T) {
		var b *Budget
		require.NoError(t, b.Reserve(10))
		b.Release(10)
		require.True(t, b.Available(10))
		require.Zero(t, b.Used())
	})

	t.Run("child reserves against its parent", func(t *testing.T) {
		parent := NewBudget(100, 1)
		child := parent.Child(30)

		require.NoError(t, child.Reserve(20))
		require.Equal(t, int64(20), parent.Used())
		require.ErrorIs(t, child.Reserve(20), errors.ErrResourceExhausted)

		require.NoError(t, parent.Reserve(75))
		err := child.Reserve(10)
		require.ErrorIs(t, err, errors.ErrResourceExhausted)
		require.Equal(t, int64(20), child.Used(), "failed parent reservation must be undone")

		child.Release(20)
		require.Equal(t, int64(75), parent.Used())

		var unlimited *Budget
		require.NoError(t, unlimited.Child(5).Reserve(5))
	})

	t.Run("over release panics", func(t *testing.T) {
		b := NewBudget(100, 1)
		require.Panics(t, func() { b.Release(1) })
	})

	t.Run("concurrent reservations never exceed the limit", func(t *testing.T) {
		b := NewBudget(100, 1)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if b.Reserve(10) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 10, accepted)
		require.Equal(t, int64(100), b.Used())
	})
}
