package cache

import (
	"context"
	"fmt"

	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// streaming is a bounded FIFO cache. Push blocks while the queue holds
// capacity batches, or while the budget refuses the batch and the consumer
// still has batches to drain.
type streaming struct {
	*base

	capacity int
	items    queue
}

var _ Machine = (*streaming)(nil)

func newStreaming(b *base) *streaming {
	return &streaming{base: b, capacity: b.settings.capacity()}
}

func (c *streaming) NumPartitions() int { return 1 }

func (c *streaming) Push(ctx context.Context, b *batch.Batch) error {
	size := b.ByteSize()

	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.watch(ctx)
	defer stop()

	for {
		if c.finished.Load() {
			b.Release()
			return ErrFinished
		}

		if len(c.items) < c.capacity {
			err := c.opts.Budget.Reserve(size)
			if err == nil {
				break
			}
			if len(c.items) == 0 {
				// Nothing left for the consumer to release.
				b.Release()
				return fmt.Errorf("buffering batch in cache %d: %w", c.id, err)
			}
		}

		if err := c.wait(ctx); err != nil {
			b.Release()
			return err
		}
	}

	c.items.push(entry{batch: b, size: size})
	c.cond.Broadcast()
	c.recordPush(b.NumRows(), size)
	return nil
}

func (c *streaming) Pull(ctx context.Context) (*batch.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.watch(ctx)
	defer stop()

	for len(c.items) == 0 {
		if c.finished.Load() {
			return nil, EOF
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}

	e := c.items.pop()
	c.opts.Budget.Release(e.size)
	c.cond.Broadcast()
	c.recordPull(e.batch.NumRows(), e.size)
	return e.batch, nil
}

func (c *streaming) PullPartition(ctx context.Context, partition int) (*batch.Batch, error) {
	if partition != 0 {
		return nil, fmt.Errorf("%w: cache %d has a single partition, got partition %d", errors.ErrRouting, c.id, partition)
	}
	return c.Pull(ctx)
}

func (c *streaming) Close() {
	c.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.releaseAll(c.opts.Budget)
}
