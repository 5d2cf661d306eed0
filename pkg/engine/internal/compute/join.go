package compute

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dolthub/swiss"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// JoinType is the kind of an equi-join.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	default:
		return fmt.Sprintf("JoinType(%d)", int(t))
	}
}

// JoinSpec is a parsed LogicalJoin operator. Column references of its
// condition index the concatenation of the left and right schemas.
type JoinSpec struct {
	Type      JoinType
	Condition Expr
}

// ParseJoin reads a LogicalJoin(condition=[...], joinType=[...]) operator.
func ParseJoin(op *Operator) (JoinSpec, error) {
	cond, ok := op.Arg("condition")
	if !ok {
		return JoinSpec{}, fmt.Errorf("%s is missing a join condition", op.Name)
	}

	name, err := op.NameArg("joinType", "inner")
	if err != nil {
		return JoinSpec{}, err
	}

	spec := JoinSpec{Condition: Unwrap(cond)}
	switch strings.ToLower(name) {
	case "inner":
		spec.Type = JoinInner
	case "left":
		spec.Type = JoinLeft
	default:
		return JoinSpec{}, fmt.Errorf("%w: join type %s", errors.ErrNotImplemented, name)
	}
	return spec, nil
}

// Keys resolves the condition of s into pairs of key columns, given the
// number of columns of the left input. The condition must be an equality or
// a conjunction of equalities between one left and one right column.
func (s JoinSpec) Keys(leftWidth int) (left, right []int, err error) {
	var equalities []Expr
	switch c := s.Condition.(type) {
	case *Call:
		if c.Op == "AND" {
			equalities = c.Args
		} else {
			equalities = []Expr{c}
		}
	default:
		return nil, nil, fmt.Errorf("%w: join condition %s", errors.ErrNotImplemented, s.Condition)
	}

	for _, eq := range equalities {
		call, ok := eq.(*Call)
		if !ok || call.Op != "=" || len(call.Args) != 2 {
			return nil, nil, fmt.Errorf("%w: join condition %s is not an equality", errors.ErrNotImplemented, eq)
		}
		a, aok := call.Args[0].(*ColumnRef)
		b, bok := call.Args[1].(*ColumnRef)
		if !aok || !bok {
			return nil, nil, fmt.Errorf("%w: join condition %s must compare two columns", errors.ErrNotImplemented, eq)
		}
		if a.Index > b.Index {
			a, b = b, a
		}
		if a.Index >= leftWidth || b.Index < leftWidth {
			return nil, nil, fmt.Errorf("%w: join condition %s must reference one column of each input (left has %d columns)", errors.ErrIndex, eq, leftWidth)
		}
		left = append(left, a.Index)
		right = append(right, b.Index-leftWidth)
	}
	return left, right, nil
}

// JoinSchema returns the schema of joined rows: the left fields followed by
// the right fields.
func JoinSchema(left, right *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, 0, left.NumFields()+right.NumFields())
	fields = append(fields, left.Fields()...)
	for _, f := range right.Fields() {
		f.Nullable = true
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil)
}

// HashJoin joins probe records against a fully materialized build record
// using a hash index on the build keys.
type HashJoin struct {
	mem       memory.Allocator
	joinType  JoinType
	buildLeft bool // Whether the build record is the left input.

	build     arrow.Record
	buildKeys []int
	probeKeys []int
	schema    *arrow.Schema

	index   *swiss.Map[string, []int]
	matched []bool // Build rows matched so far, for left joins built on the left.
}

// NewHashJoin creates a HashJoin. build is retained until Release is called.
// NewHashJoin returns an error wrapping [errors.ErrSchemaMismatch] if the
// types of a key pair disagree.
func NewHashJoin(mem memory.Allocator, spec JoinSpec, build arrow.Record, buildLeft bool, probeSchema *arrow.Schema) (*HashJoin, error) {
	leftSchema, rightSchema := build.Schema(), probeSchema
	if !buildLeft {
		leftSchema, rightSchema = probeSchema, build.Schema()
	}

	leftKeys, rightKeys, err := spec.Keys(leftSchema.NumFields())
	if err != nil {
		return nil, err
	}
	for i := range leftKeys {
		if rightKeys[i] >= rightSchema.NumFields() {
			return nil, fmt.Errorf("%w: right key column %d out of range for %d columns", errors.ErrIndex, rightKeys[i], rightSchema.NumFields())
		}
		lt, rt := leftSchema.Field(leftKeys[i]).Type, rightSchema.Field(rightKeys[i]).Type
		if !arrow.TypeEqual(lt, rt) {
			return nil, fmt.Errorf("%w: join key %s (%s) cannot be compared with %s (%s)",
				errors.ErrSchemaMismatch, leftSchema.Field(leftKeys[i]).Name, lt, rightSchema.Field(rightKeys[i]).Name, rt)
		}
	}

	j := &HashJoin{
		mem:       mem,
		joinType:  spec.Type,
		buildLeft: buildLeft,
		build:     build,
		schema:    JoinSchema(leftSchema, rightSchema),
		index:     swiss.NewMap[string, []int](uint32(build.NumRows())),
	}
	if buildLeft {
		j.buildKeys, j.probeKeys = leftKeys, rightKeys
	} else {
		j.buildKeys, j.probeKeys = rightKeys, leftKeys
	}
	if buildLeft && spec.Type == JoinLeft {
		j.matched = make([]bool, build.NumRows())
	}

	build.Retain()

	var key []byte
	for row := range int(build.NumRows()) {
		var ok bool
		key, ok = encodeKey(key[:0], build, j.buildKeys, row)
		if !ok {
			continue // Null keys never match.
		}
		rows, _ := j.index.Get(string(key))
		j.index.Put(string(key), append(rows, row))
	}
	return j, nil
}

// Schema returns the schema of joined records.
func (j *HashJoin) Schema() *arrow.Schema { return j.schema }

// Probe joins probe against the build record. Probe returns a record with
// zero rows if nothing matched.
func (j *HashJoin) Probe(probe arrow.Record) (arrow.Record, error) {
	out := array.NewRecordBuilder(j.mem, j.schema)
	defer out.Release()

	var key []byte
	for row := range int(probe.NumRows()) {
		var (
			ok      bool
			matches []int
		)
		key, ok = encodeKey(key[:0], probe, j.probeKeys, row)
		if ok {
			matches, _ = j.index.Get(string(key))
		}

		for _, match := range matches {
			var err error
			if j.buildLeft {
				j.markMatched(match)
				err = appendJoined(out, j.build, match, probe, row)
			} else {
				err = appendJoined(out, probe, row, j.build, match)
			}
			if err != nil {
				return nil, err
			}
		}

		if len(matches) == 0 && j.joinType == JoinLeft && !j.buildLeft {
			if err := appendJoined(out, probe, row, nil, -1); err != nil {
				return nil, err
			}
		}
	}
	return out.NewRecord(), nil
}

func (j *HashJoin) markMatched(row int) {
	if j.matched != nil {
		j.matched[row] = true
	}
}

// Finish returns the unmatched build rows of a left join whose build record
// is the left input. Finish returns nil otherwise.
func (j *HashJoin) Finish() (arrow.Record, error) {
	if j.matched == nil {
		return nil, nil
	}

	out := array.NewRecordBuilder(j.mem, j.schema)
	defer out.Release()

	for row, matched := range j.matched {
		if matched {
			continue
		}
		if err := appendJoined(out, j.build, row, nil, -1); err != nil {
			return nil, err
		}
	}
	return out.NewRecord(), nil
}

// Release releases the build record.
func (j *HashJoin) Release() {
	if j.build != nil {
		j.build.Release()
		j.build = nil
	}
}

// appendJoined appends left[li] followed by right[ri] to out. A nil right
// record appends nulls for every right column.
func appendJoined(out *array.RecordBuilder, left arrow.Record, li int, right arrow.Record, ri int) error {
	width := int(left.NumCols())
	for c, col := range left.Columns() {
		if err := appendValue(out.Field(c), col, li); err != nil {
			return err
		}
	}
	for c := width; c < len(out.Fields()); c++ {
		if right == nil {
			out.Field(c).AppendNull()
			continue
		}
		if err := appendValue(out.Field(c), right.Column(c-width), ri); err != nil {
			return err
		}
	}
	return nil
}

// encodeKey appends a binary encoding of the key columns of row to buf. It
// returns false if any key is null.
func encodeKey(buf []byte, rec arrow.Record, keys []int, row int) ([]byte, bool) {
	for _, k := range keys {
		switch v := valueAt(rec.Column(k), row).(type) {
		case nil:
			return buf, false
		case int64:
			buf = append(buf, 'i')
			buf = binary.BigEndian.AppendUint64(buf, uint64(v))
		case float64:
			buf = append(buf, 'f')
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		case bool:
			buf = append(buf, 'b')
			if v {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case string:
			buf = append(buf, 's')
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
			buf = append(buf, v...)
		}
	}
	return buf, true
}
