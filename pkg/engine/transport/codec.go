package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/execgraph/pkg/util/mempool"
)

// DefaultMaxFrameSizeBytes is the default limit on the payload of a frame.
const DefaultMaxFrameSizeBytes = 100 * 1024 * 1024 // 100MB

// Codec reads and writes records as length-prefixed frames:
// [4-byte length (big-endian)][Arrow IPC stream payload].
type Codec struct {
	mem               memory.Allocator
	buffers           mempool.Allocator
	maxFrameSizeBytes uint32
}

// NewCodec creates a Codec. Decoded records are allocated from mem. Frame
// payloads are read into buffers obtained from buffers; if buffers is
// exhausted, payloads are allocated on the heap.
func NewCodec(mem memory.Allocator, buffers mempool.Allocator, maxFrameSizeBytes uint32) *Codec {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	if buffers == nil {
		buffers = &mempool.HeapAllocator{}
	}
	if maxFrameSizeBytes == 0 {
		maxFrameSizeBytes = DefaultMaxFrameSizeBytes
	}
	return &Codec{mem: mem, buffers: buffers, maxFrameSizeBytes: maxFrameSizeBytes}
}

// WriteRecord encodes rec as a frame and writes it to w.
func (c *Codec) WriteRecord(w io.Writer, rec arrow.Record) error {
	var payload bytes.Buffer

	iw := ipc.NewWriter(&payload, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if payload.Len() > int(c.maxFrameSizeBytes) {
		return fmt.Errorf("frame size %d exceeds maximum %d", payload.Len(), c.maxFrameSizeBytes)
	}

	length := uint32(payload.Len())
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := payload.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// ReadRecord reads a frame from r and decodes its record. The caller owns
// the returned record.
func (c *Codec) ReadRecord(r io.Reader) (arrow.Record, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	// Sanity check: prevent excessive allocations
	if length > c.maxFrameSizeBytes {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, c.maxFrameSizeBytes)
	}

	data, err := c.buffers.Get(int(length))
	switch {
	case errors.Is(err, mempool.ErrExhausted):
		data = make([]byte, length)
	case err != nil:
		return nil, err
	default:
		defer c.buffers.Put(data)
	}

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	ir, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	defer ir.Release()

	if !ir.Next() {
		if err := ir.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		return nil, errors.New("frame holds no record")
	}

	rec := ir.Record()
	rec.Retain()
	return rec, nil
}
