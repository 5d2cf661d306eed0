package cache

import (
	"context"
	"fmt"

	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// partitioned routes batches to one sub-queue per partition. Consumers of
// different partitions never observe each other's batches.
//
// Sub-queues are unbounded in batch count: a k-way consumer holds the head of
// every partition at once while the producer fills partitions in order, so a
// bound per partition could block both sides. Buffered bytes still count
// against the budget.
type partitioned struct {
	*base

	queues []queue
}

var _ Machine = (*partitioned)(nil)

func newPartitioned(b *base) *partitioned {
	return &partitioned{
		base:   b,
		queues: make([]queue, b.settings.NumPartitions),
	}
}

func (c *partitioned) NumPartitions() int { return len(c.queues) }

func (c *partitioned) Push(_ context.Context, b *batch.Batch) error {
	partition, ok := b.Partition()
	if !ok {
		b.Release()
		return fmt.Errorf("%w: cache %d received a batch without a partition", errors.ErrRouting, c.id)
	} else if partition < 0 || partition >= len(c.queues) {
		b.Release()
		return fmt.Errorf("%w: cache %d received partition %d, expected [0, %d)", errors.ErrRouting, c.id, partition, len(c.queues))
	}

	size := b.ByteSize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished.Load() {
		b.Release()
		return ErrFinished
	}
	if err := c.opts.Budget.Reserve(size); err != nil {
		b.Release()
		return fmt.Errorf("buffering partition %d in cache %d: %w", partition, c.id, err)
	}

	c.queues[partition].push(entry{batch: b, size: size})
	c.cond.Broadcast()
	c.recordPush(b.NumRows(), size)
	return nil
}

func (c *partitioned) Pull(_ context.Context) (*batch.Batch, error) {
	return nil, fmt.Errorf("%w: cache %d is partitioned, pull a specific partition", errors.ErrRouting, c.id)
}

func (c *partitioned) PullPartition(ctx context.Context, partition int) (*batch.Batch, error) {
	if partition < 0 || partition >= len(c.queues) {
		return nil, fmt.Errorf("%w: cache %d has no partition %d", errors.ErrRouting, c.id, partition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.watch(ctx)
	defer stop()

	for len(c.queues[partition]) == 0 {
		if c.finished.Load() {
			return nil, EOF
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}

	e := c.queues[partition].pop()
	c.opts.Budget.Release(e.size)
	c.recordPull(e.batch.NumRows(), e.size)
	return e.batch, nil
}

func (c *partitioned) Close() {
	c.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.queues {
		c.queues[i].releaseAll(c.opts.Budget)
	}
}
