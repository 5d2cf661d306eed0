package kernel

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grafana/execgraph/pkg/engine/internal/compute"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// Kernel names accepted as an explicit kind in a [Spec].
const (
	NameGenerator     = "generator"
	NameFileReader    = "file_reader"
	NameFilter        = "filter"
	NameProject       = "project"
	NameJoin          = "join"
	NameSort          = "sort"
	NameSortAndSample = "sort_and_sample"
	NamePartition     = "partition"
	NameMerge         = "merge_stream"
	NamePrinter       = "printer"
	NameMaterializer  = "materializer"
)

// Spec describes a kernel to create.
type Spec struct {
	ID         int
	Expression string

	// Kernel selects the kernel explicitly. If empty, the kernel is chosen
	// from the operator name of Expression.
	Kernel string

	Files  []string      // Files read by a FileReader.
	Schema *arrow.Schema // Schema of the files read by a FileReader.

	// HasInputs reports whether the kernel consumes another kernel. A table
	// scan with inputs filters them instead of reading files.
	HasInputs bool
}

// New creates the kernel described by spec.
func New(spec Spec, cfg Config) (Kernel, error) {
	op, err := compute.ParseOperator(spec.Expression)
	if err != nil {
		return nil, fmt.Errorf("kernel %d: %w", spec.ID, err)
	}

	name := strings.ToLower(spec.Kernel)
	if name == "" {
		if name, err = kernelFor(op, spec.HasInputs); err != nil {
			return nil, fmt.Errorf("kernel %d: %w", spec.ID, err)
		}
	}

	k, err := create(name, spec, op, cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel %d (%s): %w", spec.ID, name, err)
	}
	return k, nil
}

func kernelFor(op *compute.Operator, hasInputs bool) (string, error) {
	switch op.Name {
	case "Generator":
		return NameGenerator, nil
	case "LogicalTableScan", "BindableTableScan", "FileReader":
		if hasInputs {
			return NameFilter, nil
		}
		return NameFileReader, nil
	case "LogicalFilter":
		return NameFilter, nil
	case "LogicalProject":
		return NameProject, nil
	case "LogicalJoin":
		return NameJoin, nil
	case "LogicalSort":
		return NameSort, nil
	case "LogicalPartition":
		return NamePartition, nil
	case "LogicalMerge":
		return NameMerge, nil
	case "Print":
		return NamePrinter, nil
	case "Materialize":
		return NameMaterializer, nil
	default:
		return "", fmt.Errorf("%w: operator %s", engineerrors.ErrNotImplemented, op.Name)
	}
}

func create(name string, spec Spec, op *compute.Operator, cfg Config) (Kernel, error) {
	switch name {
	case NameGenerator:
		return NewGenerator(spec.ID, op, spec.Expression, cfg)
	case NameFileReader:
		return NewFileReader(spec.ID, op, spec.Expression, spec.Files, spec.Schema, cfg)
	case NameFilter:
		return NewFilter(spec.ID, op, spec.Expression, cfg)
	case NameProject:
		return NewProject(spec.ID, op, spec.Expression, cfg)
	case NameJoin:
		return NewJoin(spec.ID, op, spec.Expression, cfg)
	case NameSort:
		return NewSort(spec.ID, op, spec.Expression, cfg)
	case NameSortAndSample:
		return NewSortAndSample(spec.ID, op, spec.Expression, cfg)
	case NamePartition:
		return NewPartition(spec.ID, op, spec.Expression, cfg)
	case NameMerge:
		return NewMergeStream(spec.ID, op, spec.Expression, cfg)
	case NamePrinter:
		delimiter, err := op.NameArg("delimiter", ",")
		if err != nil {
			return nil, err
		}
		header, err := op.BoolArg("header", true)
		if err != nil {
			return nil, err
		}
		return NewPrinter(spec.ID, delimiter, header, spec.Expression, cfg)
	case NameMaterializer:
		return NewMaterializer(spec.ID, spec.Expression, cfg), nil
	default:
		return nil, fmt.Errorf("%w: kernel %s", engineerrors.ErrNotImplemented, name)
	}
}
