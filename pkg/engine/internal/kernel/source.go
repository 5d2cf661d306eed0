package kernel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"path"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/go-kit/log/level"

	"github.com/grafana/execgraph/pkg/engine/internal/compute"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// GeneratorSchema is the schema of batches produced by a [Generator].
var GeneratorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.PrimitiveTypes.Int64},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// Generator is a source producing synthetic rows: a key column holding a
// permutation of [0, rows) and a value column holding key*10.
//
//	Generator(rows=[100], batch=[10], order=[random], seed=[7])
type Generator struct {
	base *Base

	rows      int
	batchSize int
	order     string
	seed      uint64
}

// NewGenerator creates a Generator from its operator description.
func NewGenerator(id int, op *compute.Operator, expression string, cfg Config) (*Generator, error) {
	g := &Generator{base: NewBase(id, KindSource, expression, nil, []string{PortOutput}, cfg)}

	var err error
	if g.rows, err = op.IntArg("rows", 0); err != nil {
		return nil, err
	}
	if g.batchSize, err = op.IntArg("batch", g.base.cfg.BatchSize); err != nil {
		return nil, err
	}
	if g.order, err = op.NameArg("order", "sequential"); err != nil {
		return nil, err
	}
	seed, err := op.IntArg("seed", 0)
	if err != nil {
		return nil, err
	}
	g.seed = uint64(seed)

	switch {
	case g.rows < 0:
		return nil, fmt.Errorf("generator rows must not be negative, got %d", g.rows)
	case g.batchSize <= 0:
		return nil, fmt.Errorf("generator batch size must be positive, got %d", g.batchSize)
	}

	switch g.order {
	case "sequential", "random", "reverse":
	default:
		return nil, fmt.Errorf("%w: generator order %s", engineerrors.ErrNotImplemented, g.order)
	}
	return g, nil
}

func (g *Generator) Base() *Base { return g.base }

func (g *Generator) keys() []int64 {
	keys := make([]int64, g.rows)
	switch g.order {
	case "random":
		rnd := rand.New(rand.NewPCG(g.seed, g.seed^0x9e3779b97f4a7c15))
		for i, v := range rnd.Perm(g.rows) {
			keys[i] = int64(v)
		}
	case "reverse":
		for i := range keys {
			keys[i] = int64(g.rows - 1 - i)
		}
	default:
		for i := range keys {
			keys[i] = int64(i)
		}
	}
	return keys
}

func (g *Generator) Run(ctx context.Context) error {
	keys := g.keys()
	mem := g.base.cfg.Memory

	for offset := 0; offset < len(keys); offset += g.batchSize {
		end := min(offset+g.batchSize, len(keys))

		kb := array.NewInt64Builder(mem)
		vb := array.NewInt64Builder(mem)
		for _, k := range keys[offset:end] {
			kb.Append(k)
			vb.Append(k * 10)
		}
		kcol, vcol := kb.NewArray(), vb.NewArray()
		kb.Release()
		vb.Release()

		rec := array.NewRecord(GeneratorSchema, []arrow.Array{kcol, vcol}, int64(end-offset))
		kcol.Release()
		vcol.Release()

		if err := g.base.Emit(ctx, PortOutput, rec); err != nil {
			return err
		}
	}
	return nil
}

// FileReader is a source reading CSV or Arrow IPC files from a bucket. On a
// cluster of n nodes, the node at index i reads every file whose position in
// the file list is congruent to i modulo n.
//
// A BindableTableScan filters argument is applied while scanning and a
// projects argument selects columns after filtering:
//
//	BindableTableScan(table=[[main, nation]], filters=[[<($0, 5)]], projects=[[0, 2]])
type FileReader struct {
	base *Base

	files    []string
	schema   *arrow.Schema
	filter   compute.Expr
	projects []int
}

// NewFileReader creates a FileReader. schema is required for CSV files and
// checked against the schema of IPC files when set.
func NewFileReader(id int, op *compute.Operator, expression string, files []string, schema *arrow.Schema, cfg Config) (*FileReader, error) {
	r := &FileReader{
		base:   NewBase(id, KindSource, expression, nil, []string{PortOutput}, cfg),
		files:  files,
		schema: schema,
	}

	if r.base.cfg.Bucket == nil {
		return nil, fmt.Errorf("%s requires a bucket", op.Name)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s has no files to read", op.Name)
	}
	for _, f := range files {
		if isCSV(f) && schema == nil {
			return nil, fmt.Errorf("reading CSV file %s requires a schema", f)
		}
	}

	if filters, ok := op.Arg("filters"); ok {
		r.filter = compute.Unwrap(filters)
	}
	if projects, ok := op.Arg("projects"); ok {
		cols, err := compute.ColumnList(projects)
		if err != nil {
			return nil, fmt.Errorf("projects: %w", err)
		}
		r.projects = cols
	}
	return r, nil
}

func (r *FileReader) Base() *Base { return r.base }

func isCSV(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".tbl", ".psv":
		return true
	}
	return false
}

func (r *FileReader) Run(ctx context.Context) error {
	qctx := r.base.cfg.Context
	for i, name := range r.files {
		if i%qctx.NodeCount() != qctx.LocalIndex() {
			continue
		}
		if err := r.readFile(ctx, name); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
	}
	return nil
}

func (r *FileReader) readFile(ctx context.Context, name string) error {
	rc, err := r.base.cfg.Bucket.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	level.Debug(r.base.logger).Log("msg", "reading file", "file", name)

	if isCSV(name) {
		return r.readCSV(ctx, name, rc)
	}
	return r.readIPC(ctx, rc)
}

func (r *FileReader) readCSV(ctx context.Context, name string, rc io.Reader) error {
	comma := ','
	switch strings.ToLower(path.Ext(name)) {
	case ".tbl", ".psv":
		comma = '|'
	}

	cr := csv.NewReader(rc, r.schema,
		csv.WithAllocator(r.base.cfg.Memory),
		csv.WithComma(comma),
		csv.WithHeader(true),
		csv.WithNullReader(true),
		csv.WithChunk(r.base.cfg.BatchSize),
	)
	defer cr.Release()

	for cr.Next() {
		if err := r.emit(ctx, cr.Record()); err != nil {
			return err
		}
	}
	return cr.Err()
}

func (r *FileReader) readIPC(ctx context.Context, rc io.Reader) error {
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	fr, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(r.base.cfg.Memory))
	if err != nil {
		return err
	}
	defer fr.Close()

	if r.schema != nil && !r.schema.Equal(fr.Schema()) {
		return fmt.Errorf("%w: file has schema %s, expected %s", engineerrors.ErrSchemaMismatch, fr.Schema(), r.schema)
	}

	for i := range fr.NumRecords() {
		rec, err := fr.RecordAt(i)
		if err != nil {
			return err
		}
		err = r.emit(ctx, rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// emit applies the scan filter and projection to rec and pushes the result.
// emit does not take ownership of rec.
func (r *FileReader) emit(ctx context.Context, rec arrow.Record) error {
	rec.Retain()
	if r.filter != nil {
		filtered, err := compute.Filter(r.base.cfg.Memory, rec, r.filter)
		rec.Release()
		if err != nil {
			return err
		}
		rec = filtered
	}

	if r.projects != nil {
		projected, err := compute.SelectColumns(rec, r.projects)
		rec.Release()
		if err != nil {
			return err
		}
		rec = projected
	}

	if rec.NumRows() <= int64(r.base.cfg.BatchSize) {
		return r.base.Emit(ctx, PortOutput, rec)
	}
	defer rec.Release()
	return r.base.EmitChunks(ctx, PortOutput, rec)
}
