package errors

import "errors"

var (
	ErrIndex          = errors.New("index error")
	ErrKey            = errors.New("key error")
	ErrType           = errors.New("type error")
	ErrNotImplemented = errors.New("not implemented")
)

// Execution graph failures. Callers match them with [errors.Is]; every
// returned error wraps exactly one of these.
var (
	// ErrTopology reports a malformed graph: an unknown port, a port bound
	// twice, or a duplicate producer.
	ErrTopology = errors.New("topology error")

	// ErrIncompleteGraph reports a graph which failed validation. It wraps
	// ErrTopology.
	ErrIncompleteGraph = incompleteGraph{}

	// ErrRouting reports a batch pushed to a partitioned cache without a
	// partition, or with a partition out of range.
	ErrRouting = errors.New("routing error")

	// ErrSchemaMismatch reports incompatible column types at a binary kernel
	// or while concatenating batches.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrCommunication reports a transport failure while exchanging data
	// with a peer.
	ErrCommunication = errors.New("communication error")

	// ErrResourceExhausted reports a refused memory reservation.
	ErrResourceExhausted = errors.New("resource exhausted")
)

type incompleteGraph struct{}

func (incompleteGraph) Error() string { return "incomplete graph" }
func (incompleteGraph) Unwrap() error { return ErrTopology }
