// Package allocator tracks the memory budget available to buffered batches.
package allocator

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// DefaultConsumptionThreshold is the fraction of the memory limit which may
// be reserved before reservations are refused.
const DefaultConsumptionThreshold = 0.95

// Budget is a byte budget shared by every cache machine of a query. A nil
// *Budget, or a Budget with a limit of zero, never refuses a reservation.
//
// Budget is safe for concurrent use.
type Budget struct {
	limit  int64
	used   atomic.Int64
	peak   atomic.Int64
	parent *Budget
}

// NewBudget returns a Budget which allows up to limit*threshold bytes to be
// reserved at once. A threshold outside of (0, 1] uses
// [DefaultConsumptionThreshold].
func NewBudget(limit uint64, threshold float64) *Budget {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConsumptionThreshold
	}
	return &Budget{limit: int64(float64(limit) * threshold)}
}

// Child returns a Budget limited to limit bytes whose reservations are also
// made against b. Child may be called on a nil *Budget.
func (b *Budget) Child(limit uint64) *Budget {
	return &Budget{limit: int64(limit), parent: b}
}

// Reserve reserves n bytes. Reserve returns an error wrapping
// [errors.ErrResourceExhausted] if the reservation would exceed the limit.
func (b *Budget) Reserve(n int64) error {
	if b == nil || n <= 0 {
		return nil
	}

	for {
		used := b.used.Load()
		if b.limit > 0 && used+n > b.limit {
			return fmt.Errorf("%w: reserving %d bytes with %d of %d bytes in use", errors.ErrResourceExhausted, n, used, b.limit)
		}
		if !b.used.CompareAndSwap(used, used+n) {
			continue
		}
		if err := b.parent.Reserve(n); err != nil {
			b.used.Sub(n)
			return err
		}
		b.updatePeak(used + n)
		return nil
	}
}

func (b *Budget) updatePeak(used int64) {
	for {
		peak := b.peak.Load()
		if used <= peak || b.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// Release returns n previously reserved bytes to the budget.
func (b *Budget) Release(n int64) {
	if b == nil || n <= 0 {
		return
	}
	if b.used.Sub(n) < 0 {
		panic("allocator: released more bytes than reserved")
	}
	b.parent.Release(n)
}

// Limit returns the number of bytes which may be reserved at once, or 0 if
// the budget is unlimited.
func (b *Budget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}

// Used returns the number of bytes currently reserved.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Peak returns the highest number of bytes reserved at once.
func (b *Budget) Peak() int64 {
	if b == nil {
		return 0
	}
	return b.peak.Load()
}

// Available reports whether n more bytes could be reserved right now.
func (b *Budget) Available(n int64) bool {
	if b == nil || b.limit == 0 {
		return true
	}
	return b.used.Load()+n <= b.limit
}
