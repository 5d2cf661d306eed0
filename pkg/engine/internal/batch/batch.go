// Package batch provides the unit of columnar data exchanged between kernels.
package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// Batch is an immutable chunk of columnar rows with an optional partition.
//
// A Batch owns one reference to its record. Ownership moves with the Batch:
// pushing a Batch into a cache hands it to the cache, and pulling it hands it
// to the consumer, who must call [Batch.Release] when done.
type Batch struct {
	record    arrow.Record
	partition int
	tagged    bool
}

// New creates a Batch which takes ownership of rec.
func New(rec arrow.Record) *Batch {
	return &Batch{record: rec}
}

// NewPartitioned creates a Batch tagged with partition which takes ownership
// of rec.
func NewPartitioned(rec arrow.Record, partition int) *Batch {
	return &Batch{record: rec, partition: partition, tagged: true}
}

// Record returns the record held by b. The record stays valid until b is
// released; callers which keep it longer must retain it.
func (b *Batch) Record() arrow.Record { return b.record }

// Schema returns the schema of b.
func (b *Batch) Schema() *arrow.Schema { return b.record.Schema() }

// NumRows returns the number of rows in b.
func (b *Batch) NumRows() int64 { return b.record.NumRows() }

// ByteSize returns the number of bytes held by the buffers of b.
func (b *Batch) ByteSize() int64 { return RecordSize(b.record) }

// Partition returns the partition of b, if it has one.
func (b *Batch) Partition() (int, bool) { return b.partition, b.tagged }

// WithPartition returns a new Batch sharing the record of b, tagged with
// partition. b is left unchanged and keeps its own reference.
func (b *Batch) WithPartition(partition int) *Batch {
	b.record.Retain()
	return NewPartitioned(b.record, partition)
}

// Retain increases the reference count of the underlying record.
func (b *Batch) Retain() { b.record.Retain() }

// Release decreases the reference count of the underlying record.
func (b *Batch) Release() { b.record.Release() }

func (b *Batch) String() string {
	if b.tagged {
		return fmt.Sprintf("batch(rows=%d, bytes=%d, partition=%d)", b.NumRows(), b.ByteSize(), b.partition)
	}
	return fmt.Sprintf("batch(rows=%d, bytes=%d)", b.NumRows(), b.ByteSize())
}

// RecordSize returns the number of bytes held by the buffers of rec.
func RecordSize(rec arrow.Record) int64 {
	var size int64
	for _, col := range rec.Columns() {
		size += arraySize(col.Data())
	}
	return size
}

func arraySize(data arrow.ArrayData) int64 {
	var size int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			size += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		size += arraySize(child)
	}
	return size
}

// Concat merges batches column-wise in the given order. Concat returns an
// error wrapping [errors.ErrSchemaMismatch] if the batches do not share a
// schema. The input batches are not released.
//
// Concat returns nil if batches is empty.
func Concat(mem memory.Allocator, batches []*Batch) (*Batch, error) {
	switch len(batches) {
	case 0:
		return nil, nil
	case 1:
		batches[0].Retain()
		return New(batches[0].record), nil
	}

	schema := batches[0].Schema()
	records := make([]arrow.Record, 0, len(batches))
	for i, b := range batches {
		if !schema.Equal(b.Schema()) {
			return nil, fmt.Errorf("%w: batch %d has schema %s, expected %s", errors.ErrSchemaMismatch, i, b.Schema(), schema)
		}
		records = append(records, b.record)
	}

	rec, err := ConcatRecords(mem, schema, records)
	if err != nil {
		return nil, err
	}
	return New(rec), nil
}

// ConcatRecords merges records sharing schema into a single record.
func ConcatRecords(mem memory.Allocator, schema *arrow.Schema, records []arrow.Record) (arrow.Record, error) {
	var rows int64
	for _, rec := range records {
		rows += rec.NumRows()
	}

	columns := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, col := range columns {
			if col != nil {
				col.Release()
			}
		}
	}()

	parts := make([]arrow.Array, len(records))
	for i := range columns {
		for j, rec := range records {
			parts[j] = rec.Column(i)
		}

		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, fmt.Errorf("concatenating column %s: %w", schema.Field(i).Name, err)
		}
		columns[i] = col
	}

	return array.NewRecord(schema, columns, rows), nil
}
