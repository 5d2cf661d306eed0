package cache

import (
	"context"
	"fmt"

	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// concatenating accumulates every pushed batch. Its consumer observes a
// single batch holding all rows in arrival order once the producer finishes.
type concatenating struct {
	*base

	items    queue
	consumed bool
}

var _ Machine = (*concatenating)(nil)

func newConcatenating(b *base) *concatenating {
	return &concatenating{base: b}
}

func (c *concatenating) NumPartitions() int { return 1 }

func (c *concatenating) Push(_ context.Context, b *batch.Batch) error {
	size := b.ByteSize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished.Load() {
		b.Release()
		return ErrFinished
	}
	if err := c.opts.Budget.Reserve(size); err != nil {
		b.Release()
		return fmt.Errorf("buffering batch in cache %d: %w", c.id, err)
	}

	c.items.push(entry{batch: b, size: size})
	c.recordPush(b.NumRows(), size)
	return nil
}

func (c *concatenating) Pull(ctx context.Context) (*batch.Batch, error) {
	items, err := c.take(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, EOF
	}

	batches := make([]*batch.Batch, len(items))
	for i, e := range items {
		batches[i] = e.batch
	}
	defer items.releaseAll(c.opts.Budget)

	out, err := batch.Concat(c.opts.Memory, batches)
	if err != nil {
		return nil, fmt.Errorf("concatenating cache %d: %w", c.id, err)
	}
	c.recordPull(out.NumRows(), out.ByteSize())
	return out, nil
}

// take waits for the producer to finish and hands every buffered entry to
// the caller. take returns no entries after the first call.
func (c *concatenating) take(ctx context.Context) (queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.watch(ctx)
	defer stop()

	for !c.finished.Load() {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.consumed {
		return nil, nil
	}
	c.consumed = true

	items := c.items
	c.items = nil
	return items, nil
}

func (c *concatenating) PullPartition(ctx context.Context, partition int) (*batch.Batch, error) {
	if partition != 0 {
		return nil, fmt.Errorf("%w: cache %d has a single partition, got partition %d", errors.ErrRouting, c.id, partition)
	}
	return c.Pull(ctx)
}

func (c *concatenating) Close() {
	c.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.releaseAll(c.opts.Budget)
}
