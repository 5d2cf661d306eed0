// Package plan decodes query plans: lists of fragments, each describing one
// kernel and the links feeding it.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Plan is an ordered list of fragments. Every node of a cluster decodes the
// same plan, so kernel IDs derived from fragment order match across nodes.
type Plan struct {
	Fragments []Fragment `yaml:"fragments"`
}

// Fragment describes a single kernel.
type Fragment struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`

	// Kernel selects the kernel explicitly instead of deriving it from the
	// operator name of Expression.
	Kernel string `yaml:"kernel,omitempty"`

	Files  []string `yaml:"files,omitempty"`
	Schema []Column `yaml:"schema,omitempty"`
	Inputs []Input  `yaml:"inputs,omitempty"`
}

// Column is a single field of a file schema.
type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable,omitempty"`
}

// Input links an output port of another fragment to an input port of this
// one.
type Input struct {
	From     string `yaml:"from"`
	FromPort string `yaml:"from_port,omitempty"`
	Port     string `yaml:"port,omitempty"`
	Cache    Cache  `yaml:"cache,omitempty"`
}

// Cache holds the settings of the cache machine created for an input.
type Cache struct {
	Policy     string            `yaml:"policy,omitempty"`
	Capacity   int               `yaml:"capacity,omitempty"`
	Partitions int               `yaml:"partitions,omitempty"`
	MaxBytes   datasize.ByteSize `yaml:"max_bytes,omitempty"`
}

// Parse decodes and validates a plan. Unknown fields are rejected.
func Parse(r io.Reader) (*Plan, error) {
	var p Plan

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("decoding plan: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseBytes decodes and validates a plan held in memory.
func ParseBytes(data []byte) (*Plan, error) {
	return Parse(bytes.NewReader(data))
}

// ParseFile decodes and validates the plan stored at path.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate reports every structural problem of the plan. Inputs may refer to
// fragments declared later; cycles are detected when the graph is built.
func (p *Plan) Validate() error {
	if len(p.Fragments) == 0 {
		return errors.New("plan has no fragments")
	}

	var errs []error
	ids := make(map[string]struct{}, len(p.Fragments))
	for i, f := range p.Fragments {
		switch {
		case f.ID == "":
			errs = append(errs, fmt.Errorf("fragment %d has no id", i))
			continue
		case f.Expression == "":
			errs = append(errs, fmt.Errorf("fragment %s has no expression", f.ID))
		}
		if _, ok := ids[f.ID]; ok {
			errs = append(errs, fmt.Errorf("fragment %s is declared twice", f.ID))
		}
		ids[f.ID] = struct{}{}

		if _, err := f.ArrowSchema(); err != nil {
			errs = append(errs, fmt.Errorf("fragment %s: %w", f.ID, err))
		}
	}

	for _, f := range p.Fragments {
		for _, in := range f.Inputs {
			if _, ok := ids[in.From]; !ok {
				errs = append(errs, fmt.Errorf("fragment %s reads from unknown fragment %q", f.ID, in.From))
			}
			if in.From == f.ID {
				errs = append(errs, fmt.Errorf("fragment %s reads from itself", f.ID))
			}
			if in.Cache.Capacity < 0 || in.Cache.Partitions < 0 {
				errs = append(errs, fmt.Errorf("fragment %s: cache sizes must not be negative", f.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// ArrowSchema returns the schema of the fragment's files, or nil if the
// fragment declares none.
func (f Fragment) ArrowSchema() (*arrow.Schema, error) {
	if len(f.Schema) == 0 {
		return nil, nil
	}

	fields := make([]arrow.Field, 0, len(f.Schema))
	for _, c := range f.Schema {
		dt, err := dataType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

func dataType(name string) (arrow.DataType, error) {
	switch strings.ToLower(name) {
	case "int64", "bigint", "long":
		return arrow.PrimitiveTypes.Int64, nil
	case "int32", "int", "integer":
		return arrow.PrimitiveTypes.Int32, nil
	case "float64", "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "float32", "float":
		return arrow.PrimitiveTypes.Float32, nil
	case "string", "utf8", "varchar":
		return arrow.BinaryTypes.String, nil
	case "bool", "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "date", "date32":
		return arrow.FixedWidthTypes.Date32, nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", name)
	}
}
