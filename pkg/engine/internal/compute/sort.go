package compute

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// SortKey orders rows by a single column.
type SortKey struct {
	Column     int
	Descending bool
}

func (k SortKey) String() string {
	if k.Descending {
		return fmt.Sprintf("$%d DESC", k.Column)
	}
	return fmt.Sprintf("$%d ASC", k.Column)
}

// ParseSortKeys reads the sort0..sortN and dir0..dirN arguments of an
// operator such as LogicalSort(sort0=[$1], sort1=[$0], dir0=[ASC], dir1=[DESC]).
// Directions default to ascending.
func ParseSortKeys(op *Operator) ([]SortKey, error) {
	var keys []SortKey
	for i := 0; ; i++ {
		arg, ok := op.Arg(fmt.Sprintf("sort%d", i))
		if !ok {
			break
		}

		cols, err := ColumnList(arg)
		if err != nil {
			return nil, fmt.Errorf("sort%d: %w", i, err)
		}
		if len(cols) != 1 {
			return nil, fmt.Errorf("%w: sort%d must name a single column, got %s", errors.ErrType, i, arg)
		}

		dir, err := op.NameArg(fmt.Sprintf("dir%d", i), "ASC")
		if err != nil {
			return nil, err
		}

		key := SortKey{Column: cols[0]}
		switch strings.ToUpper(dir) {
		case "ASC", "ASCENDING":
		case "DESC", "DESCENDING":
			key.Descending = true
		default:
			return nil, fmt.Errorf("%w: sort direction %s", errors.ErrNotImplemented, dir)
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%s has no sort keys", op.Name)
	}
	return keys, nil
}

// ValidateSortKeys checks that every key references a column of schema.
func ValidateSortKeys(keys []SortKey, schema *arrow.Schema) error {
	for _, k := range keys {
		if k.Column < 0 || k.Column >= schema.NumFields() {
			return fmt.Errorf("%w: sort column $%d out of range for %d columns", errors.ErrIndex, k.Column, schema.NumFields())
		}
	}
	return nil
}

// CompareRows orders row ai of a against row bi of b under keys. Both records
// must share the key columns. Nulls sort last regardless of direction.
func CompareRows(a arrow.Record, ai int, b arrow.Record, bi int, keys []SortKey) (int, error) {
	for _, k := range keys {
		av, bv := valueAt(a.Column(k.Column), ai), valueAt(b.Column(k.Column), bi)
		c, err := compareValues(av, bv)
		if err != nil {
			return 0, err
		}
		if c == 0 {
			continue
		}
		if k.Descending && av != nil && bv != nil {
			c = -c
		}
		return c, nil
	}
	return 0, nil
}

// SortIndices returns the row indices of rec in sorted order. The sort is
// stable.
func SortIndices(rec arrow.Record, keys []SortKey) ([]int, error) {
	if err := ValidateSortKeys(keys, rec.Schema()); err != nil {
		return nil, err
	}

	indices := make([]int, rec.NumRows())
	for i := range indices {
		indices[i] = i
	}

	var sortErr error
	slices.SortStableFunc(indices, func(x, y int) int {
		c, err := CompareRows(rec, x, rec, y, keys)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return c
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return indices, nil
}

// Sort returns a sorted copy of rec.
func Sort(mem memory.Allocator, rec arrow.Record, keys []SortKey) (arrow.Record, error) {
	indices, err := SortIndices(rec, keys)
	if err != nil {
		return nil, err
	}
	return Take(mem, rec, indices)
}

// Sample returns up to n evenly spaced rows of rec. If rec has at most n rows
// it is returned retained.
func Sample(mem memory.Allocator, rec arrow.Record, n int) (arrow.Record, error) {
	rows := int(rec.NumRows())
	if rows <= n {
		rec.Retain()
		return rec, nil
	}
	if n <= 0 {
		return Take(mem, rec, nil)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i * rows / n
	}
	return Take(mem, rec, indices)
}

// Boundaries sorts samples and picks numPartitions-1 evenly spaced rows from
// them. Row i of the result is the inclusive upper bound of partition i.
// Fewer boundaries are returned if there are fewer samples.
func Boundaries(mem memory.Allocator, samples arrow.Record, keys []SortKey, numPartitions int) (arrow.Record, error) {
	sorted, err := SortIndices(samples, keys)
	if err != nil {
		return nil, err
	}

	want := numPartitions - 1
	if want > len(sorted) {
		want = len(sorted)
	}
	if want < 0 {
		want = 0
	}

	indices := make([]int, 0, want)
	for i := 1; i <= want; i++ {
		pos := i * len(sorted) / numPartitions
		if pos >= len(sorted) {
			pos = len(sorted) - 1
		}
		indices = append(indices, sorted[pos])
	}
	return Take(mem, samples, indices)
}

// Slice is a contiguous range of a sorted record belonging to one partition.
type Slice struct {
	Partition int
	Record    arrow.Record
}

// Split cuts sorted rec into partitions delimited by boundaries, as returned
// by [Boundaries]. A row belongs to the first partition whose boundary is
// greater than or equal to it; rows above every boundary belong to the last
// partition. Empty ranges are omitted. Slices share the buffers of rec and
// must be released by the caller.
func Split(rec arrow.Record, boundaries arrow.Record, keys []SortKey) ([]Slice, error) {
	rows := int(rec.NumRows())
	numBoundaries := int(boundaries.NumRows())

	var (
		out   []Slice
		start int
	)
	for p := 0; p <= numBoundaries && start < rows; p++ {
		end := rows
		if p < numBoundaries {
			// First row strictly greater than boundary p.
			var searchErr error
			end = start + sort.Search(rows-start, func(i int) bool {
				c, err := CompareRows(rec, start+i, boundaries, p, keys)
				if err != nil && searchErr == nil {
					searchErr = err
				}
				return c > 0
			})
			if searchErr != nil {
				releaseSlices(out)
				return nil, searchErr
			}
		}
		if end > start {
			out = append(out, Slice{Partition: p, Record: rec.NewSlice(int64(start), int64(end))})
		}
		start = end
	}
	return out, nil
}

func releaseSlices(out []Slice) {
	for _, s := range out {
		s.Record.Release()
	}
}
