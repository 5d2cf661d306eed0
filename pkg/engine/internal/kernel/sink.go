package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/go-kit/log/level"

	"github.com/grafana/execgraph/pkg/engine/internal/batch"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// Printer is a sink writing its input as CSV, with a single header line.
//
//	Print(delimiter=[|])
type Printer struct {
	base   *Base
	w      io.Writer
	header bool
	comma  rune
}

// NewPrinter creates a Printer writing to the configured output, or to
// standard output if none is set.
func NewPrinter(id int, delimiter string, header bool, expression string, cfg Config) (*Printer, error) {
	p := &Printer{
		base:   NewBase(id, KindSink, expression, []string{PortInput}, nil, cfg),
		w:      cfg.Output,
		header: header,
		comma:  ',',
	}
	if p.w == nil {
		p.w = os.Stdout
	}
	switch r := []rune(delimiter); len(r) {
	case 0:
	case 1:
		p.comma = r[0]
	default:
		return nil, fmt.Errorf("delimiter must be a single character, got %q", delimiter)
	}
	return p, nil
}

func (p *Printer) Base() *Base { return p.base }

func (p *Printer) Run(ctx context.Context) error {
	var (
		w       *csv.Writer
		rows    int64
		batches int
	)

	err := p.base.Each(ctx, PortInput, func(in *batch.Batch) error {
		if w == nil {
			w = csv.NewWriter(p.w, in.Schema(), csv.WithComma(p.comma), csv.WithHeader(p.header), csv.WithNullWriter(""))
		} else if !w.Schema().Equal(in.Schema()) {
			return fmt.Errorf("%w: batch has schema %s, expected %s", engineerrors.ErrSchemaMismatch, in.Schema(), w.Schema())
		}

		if err := w.Write(in.Record()); err != nil {
			return err
		}
		rows += in.NumRows()
		batches++
		return nil
	})
	if err != nil {
		return err
	}

	if w != nil {
		if err := w.Flush(); err != nil {
			return err
		}
		if err := w.Error(); err != nil {
			return err
		}
	}

	level.Info(p.base.logger).Log("msg", "printed results", "rows", rows, "batches", batches)
	return nil
}

// Materializer is a sink retaining every batch of its input, for retrieval
// once the graph has finished.
//
//	Materialize()
type Materializer struct {
	base *Base

	mu      sync.Mutex
	records []arrow.Record
}

// NewMaterializer creates a Materializer.
func NewMaterializer(id int, expression string, cfg Config) *Materializer {
	return &Materializer{
		base: NewBase(id, KindSink, expression, []string{PortInput}, nil, cfg),
	}
}

func (m *Materializer) Base() *Base { return m.base }

func (m *Materializer) Run(ctx context.Context) error {
	return m.base.Each(ctx, PortInput, func(in *batch.Batch) error {
		rec := in.Record()
		rec.Retain()

		m.mu.Lock()
		defer m.mu.Unlock()
		m.records = append(m.records, rec)
		return nil
	})
}

// Records returns the materialized records, in arrival order. The records
// remain owned by m.
func (m *Materializer) Records() []arrow.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]arrow.Record(nil), m.records...)
}

// NumRows returns the number of materialized rows.
func (m *Materializer) NumRows() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.records {
		n += rec.NumRows()
	}
	return n
}

// Release releases the materialized records.
func (m *Materializer) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		rec.Release()
	}
	m.records = nil
}
