package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
)

const hubShards = 16

// Hub is an in-process [Transport]. Nodes sharing a Hub exchange records
// without serialization. Hub also serves as the inbox of [HTTP].
//
// Mailboxes are created lazily by either side of a stream, so a receiver may
// wait on a key before the sender has sent anything.
type Hub struct {
	timeout time.Duration
	shards  [hubShards]hubShard
}

type hubShard struct {
	mu    sync.Mutex
	boxes map[Key]*mailbox
}

var _ Transport = (*Hub)(nil)

// NewHub creates a Hub. A positive timeout bounds how long Recv waits for the
// next record of a stream before failing with a communication error.
func NewHub(timeout time.Duration) *Hub {
	h := &Hub{timeout: timeout}
	for i := range h.shards {
		h.shards[i].boxes = make(map[Key]*mailbox)
	}
	return h
}

func (h *Hub) mailbox(key Key) *mailbox {
	shard := &h.shards[xxhash.Sum64String(key.String())%hubShards]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	box, ok := shard.boxes[key]
	if !ok {
		box = newMailbox()
		shard.boxes[key] = box
	}
	return box
}

// Send implements [Transport]. The record is retained until it is received.
func (h *Hub) Send(_ context.Context, key Key, rec arrow.Record) error {
	_, err := h.mailbox(key).push(rec, -1)
	return err
}

// CloseSend implements [Transport].
func (h *Hub) CloseSend(_ context.Context, key Key) error {
	_, err := h.mailbox(key).close(-1)
	return err
}

// Recv implements [Transport].
func (h *Hub) Recv(ctx context.Context, key Key) (arrow.Record, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, h.timeout, errRecvTimeout)
		defer cancel()
	}

	rec, err := h.mailbox(key).pop(ctx)
	if err != nil && errors.Is(context.Cause(ctx), errRecvTimeout) {
		return nil, fmt.Errorf("%w: no record received on %s within %s", engineerrors.ErrCommunication, key, h.timeout)
	}
	return rec, err
}

var errRecvTimeout = errors.New("exchange receive timed out")

// deliver enqueues rec with sequence number seq on key. deliver reports false
// without enqueuing if seq was already delivered.
func (h *Hub) deliver(key Key, seq int64, rec arrow.Record) (bool, error) {
	return h.mailbox(key).push(rec, seq)
}

// deliverClose closes key with sequence number seq. It reports false if seq
// was already delivered.
func (h *Hub) deliverClose(key Key, seq int64) (bool, error) {
	return h.mailbox(key).close(seq)
}

// Forget drops every stream of the query identified by token that is
// received by node, releasing records that were never received.
func (h *Hub) Forget(token uint32, node cluster.Node) {
	for i := range h.shards {
		shard := &h.shards[i]

		shard.mu.Lock()
		for key, box := range shard.boxes {
			if key.Token != token || key.Destination != node {
				continue
			}
			box.drop()
			delete(shard.boxes, key)
		}
		shard.mu.Unlock()
	}
}

// Len returns the number of open or undrained streams.
func (h *Hub) Len() int {
	var n int
	for i := range h.shards {
		shard := &h.shards[i]
		shard.mu.Lock()
		n += len(shard.boxes)
		shard.mu.Unlock()
	}
	return n
}

type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue   []arrow.Record
	closed  bool
	nextSeq int64 // Next expected sequence number.
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// accept checks seq against the next expected sequence number. A negative
// seq is always accepted. m.mu must be held.
func (m *mailbox) accept(seq int64) (bool, error) {
	switch {
	case seq < 0:
		m.nextSeq++
		return true, nil
	case seq < m.nextSeq:
		return false, nil
	case seq > m.nextSeq:
		return false, fmt.Errorf("%w: sequence gap, got %d but expected %d", engineerrors.ErrCommunication, seq, m.nextSeq)
	}
	m.nextSeq++
	return true, nil
}

func (m *mailbox) push(rec arrow.Record, seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if seq >= 0 && seq < m.nextSeq {
			return false, nil
		}
		return false, ErrClosed
	}
	ok, err := m.accept(seq)
	if !ok || err != nil {
		return ok, err
	}

	rec.Retain()
	m.queue = append(m.queue, rec)
	m.cond.Broadcast()
	return true, nil
}

func (m *mailbox) close(seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, nil
	}
	ok, err := m.accept(seq)
	if !ok || err != nil {
		return ok, err
	}

	m.closed = true
	m.cond.Broadcast()
	return true, nil
}

func (m *mailbox) pop(ctx context.Context) (arrow.Record, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cond.Broadcast()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) == 0 {
		if m.closed {
			return nil, EOF
		}
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}
		m.cond.Wait()
	}

	rec := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return rec, nil
}

func (m *mailbox) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.queue {
		rec.Release()
	}
	m.queue = nil
	m.closed = true
	m.cond.Broadcast()
}
