// Package transport moves Arrow records between the nodes participating in a
// query.
//
// Every exchange stream is identified by a [Key]. Records sent over a key are
// delivered to the receiver of that key reliably and in order. A sender ends
// a stream with [Transport.CloseSend], after which the receiver observes
// [EOF].
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grafana/execgraph/pkg/engine/cluster"
)

// EOF is returned by [Transport.Recv] once the sender of a stream has closed
// it and every record has been received.
var EOF = errors.New("end of exchange stream")

// ErrClosed is returned when sending on a stream that has been closed.
var ErrClosed = errors.New("send on closed exchange stream")

// Reserved partitions used by distributed sorting.
const (
	// SamplesPartition carries sort samples from every node to the master.
	SamplesPartition = -1

	// BoundariesPartition carries partition boundaries from the master to
	// every node.
	BoundariesPartition = -2
)

// Key identifies a single exchange stream.
type Key struct {
	Token       uint32 // Query token.
	Kernel      int    // ID of the kernel that owns the stream.
	Source      cluster.Node
	Destination cluster.Node
	Partition   int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d/%s->%s", k.Token, k.Kernel, k.Partition, k.Source, k.Destination)
}

// Transport sends and receives records over exchange streams.
type Transport interface {
	// Send sends rec over the stream identified by key. Send does not take
	// ownership of rec.
	Send(ctx context.Context, key Key, rec arrow.Record) error

	// CloseSend closes the stream identified by key.
	CloseSend(ctx context.Context, key Key) error

	// Recv returns the next record of the stream identified by key. The
	// caller owns the returned record. Recv returns [EOF] once the stream
	// is closed and drained.
	Recv(ctx context.Context, key Key) (arrow.Record, error)
}
