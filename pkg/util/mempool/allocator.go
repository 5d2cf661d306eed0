// Package mempool provides reusable byte buffers for transport frames.
package mempool

import (
	"errors"
	"fmt"

	"github.com/prometheus/prometheus/util/pool"
	"go.uber.org/atomic"
)

// ErrExhausted is returned by [BytePool.Get] when every buffer of a bounded
// pool is in use.
var ErrExhausted = errors.New("buffer pool exhausted")

// Allocator hands out byte slices. It exists to reduce the cost of
// allocations and allows to re-use already allocated memory.
type Allocator interface {
	Get(size int) ([]byte, error)
	Put([]byte) bool
}

// HeapAllocator allocates a new byte slice every time and does not re-cycle
// buffers.
type HeapAllocator struct{}

func (a *HeapAllocator) Get(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (a *HeapAllocator) Put([]byte) bool {
	return true
}

// BytePool uses bucketed sync.Pools to re-cycle already allocated buffers. A
// BytePool created with a positive maxBuffers limits the number of buffers
// handed out at once.
type BytePool struct {
	pool    *pool.Pool
	maxSize int

	maxBuffers  int64
	outstanding atomic.Int64
}

// NewBytePool creates a pool of buffers between minSize and maxSize bytes,
// with bucket sizes growing by factor. maxBuffers of 0 means unbounded.
func NewBytePool(minSize, maxSize int, factor float64, maxBuffers int) *BytePool {
	return &BytePool{
		pool: pool.New(
			minSize, maxSize, factor,
			func(size int) interface{} {
				return make([]byte, size)
			}),
		maxSize:    maxSize,
		maxBuffers: int64(maxBuffers),
	}
}

// Get implements Allocator. Buffers larger than the pool's maximum size are
// allocated on the heap and are not counted against maxBuffers.
func (p *BytePool) Get(size int) ([]byte, error) {
	if size > p.maxSize {
		return make([]byte, size), nil
	}

	if p.maxBuffers > 0 {
		if n := p.outstanding.Inc(); n > p.maxBuffers {
			p.outstanding.Dec()
			return nil, fmt.Errorf("%w: %d buffers in use", ErrExhausted, p.maxBuffers)
		}
	}
	return p.pool.Get(size).([]byte)[:size], nil
}

// Put implements Allocator. Put returns false if b was not handed out by the
// pool.
func (p *BytePool) Put(b []byte) bool {
	if cap(b) > p.maxSize {
		return false
	}
	if p.maxBuffers > 0 && p.outstanding.Dec() < 0 {
		p.outstanding.Inc()
		return false
	}
	p.pool.Put(b)
	return true
}

// InUse returns the number of buffers currently handed out by a bounded pool.
func (p *BytePool) InUse() int { return int(p.outstanding.Load()) }
