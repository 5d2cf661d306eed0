package compute

import (
	"fmt"
	"math"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

var (
	comparisonOps = []string{"=", "<>", "!=", "<", "<=", ">", ">="}
	logicalOps    = []string{"AND", "OR", "NOT"}
	arithmeticOps = []string{"+", "-", "*", "/", "MOD"}
)

// TypeOf returns the Arrow type produced by evaluating e against schema.
func TypeOf(e Expr, schema *arrow.Schema) (arrow.DataType, error) {
	switch e := e.(type) {
	case *ColumnRef:
		if e.Index < 0 || e.Index >= schema.NumFields() {
			return nil, fmt.Errorf("%w: column $%d out of range for %d columns", errors.ErrIndex, e.Index, schema.NumFields())
		}
		return schema.Field(e.Index).Type, nil

	case *Literal:
		return scalarType(e.Value), nil

	case *Call:
		switch {
		case slices.Contains(comparisonOps, e.Op), slices.Contains(logicalOps, e.Op):
			for _, arg := range e.Args {
				if _, err := TypeOf(arg, schema); err != nil {
					return nil, err
				}
			}
			return arrow.FixedWidthTypes.Boolean, nil

		case slices.Contains(arithmeticOps, e.Op):
			if len(e.Args) != 2 {
				return nil, fmt.Errorf("%w: %s expects 2 arguments, got %d", errors.ErrType, e.Op, len(e.Args))
			}
			allInts := true
			for _, arg := range e.Args {
				dt, err := TypeOf(arg, schema)
				if err != nil {
					return nil, err
				}
				if dt.ID() != arrow.NULL && !isNumeric(dt) {
					return nil, fmt.Errorf("%w: %s expects numeric arguments, got %s", errors.ErrType, e.Op, dt)
				}
				if normalizedType(dt).ID() != arrow.INT64 && dt.ID() != arrow.NULL {
					allInts = false
				}
			}
			if allInts {
				return arrow.PrimitiveTypes.Int64, nil
			}
			return arrow.PrimitiveTypes.Float64, nil
		}
		return nil, fmt.Errorf("%w: function %s", errors.ErrNotImplemented, e.Op)

	default:
		return nil, fmt.Errorf("%w: cannot evaluate %s", errors.ErrType, e)
	}
}

// Evaluate evaluates e over every row of rec. The caller owns the returned
// array.
func Evaluate(mem memory.Allocator, e Expr, rec arrow.Record) (arrow.Array, error) {
	if ref, ok := e.(*ColumnRef); ok {
		if ref.Index < 0 || ref.Index >= int(rec.NumCols()) {
			return nil, fmt.Errorf("%w: column $%d out of range for %d columns", errors.ErrIndex, ref.Index, rec.NumCols())
		}
		col := rec.Column(ref.Index)
		col.Retain()
		return col, nil
	}

	dt, err := TypeOf(e, rec.Schema())
	if err != nil {
		return nil, err
	}
	if dt.ID() == arrow.NULL {
		return array.MakeArrayOfNull(mem, dt, int(rec.NumRows())), nil
	}

	eval, err := compile(e, rec)
	if err != nil {
		return nil, err
	}

	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	builder.Reserve(int(rec.NumRows()))

	for i := range int(rec.NumRows()) {
		v, err := eval(i)
		if err != nil {
			return nil, err
		}
		if err := appendScalar(builder, v); err != nil {
			return nil, err
		}
	}
	return builder.NewArray(), nil
}

// rowFunc evaluates an expression for a single row.
type rowFunc func(row int) (any, error)

func compile(e Expr, rec arrow.Record) (rowFunc, error) {
	switch e := e.(type) {
	case *ColumnRef:
		if e.Index < 0 || e.Index >= int(rec.NumCols()) {
			return nil, fmt.Errorf("%w: column $%d out of range for %d columns", errors.ErrIndex, e.Index, rec.NumCols())
		}
		col := rec.Column(e.Index)
		return func(row int) (any, error) { return valueAt(col, row), nil }, nil

	case *Literal:
		v := e.Value
		return func(int) (any, error) { return v, nil }, nil

	case *Call:
		args := make([]rowFunc, len(e.Args))
		for i, arg := range e.Args {
			fn, err := compile(arg, rec)
			if err != nil {
				return nil, err
			}
			args[i] = fn
		}
		return compileCall(e, args)

	default:
		return nil, fmt.Errorf("%w: cannot evaluate %s", errors.ErrType, e)
	}
}

func compileCall(call *Call, args []rowFunc) (rowFunc, error) {
	switch call.Op {
	case "AND":
		return func(row int) (any, error) {
			var sawNull bool
			for _, arg := range args {
				v, err := arg(row)
				if err != nil {
					return nil, err
				}
				switch v := v.(type) {
				case nil:
					sawNull = true
				case bool:
					if !v {
						return false, nil
					}
				default:
					return nil, fmt.Errorf("%w: AND expects boolean arguments, got %T", errors.ErrType, v)
				}
			}
			if sawNull {
				return nil, nil
			}
			return true, nil
		}, nil

	case "OR":
		return func(row int) (any, error) {
			var sawNull bool
			for _, arg := range args {
				v, err := arg(row)
				if err != nil {
					return nil, err
				}
				switch v := v.(type) {
				case nil:
					sawNull = true
				case bool:
					if v {
						return true, nil
					}
				default:
					return nil, fmt.Errorf("%w: OR expects boolean arguments, got %T", errors.ErrType, v)
				}
			}
			if sawNull {
				return nil, nil
			}
			return false, nil
		}, nil

	case "NOT":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: NOT expects 1 argument, got %d", errors.ErrType, len(args))
		}
		return func(row int) (any, error) {
			v, err := args[0](row)
			if err != nil || v == nil {
				return nil, err
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: NOT expects a boolean argument, got %T", errors.ErrType, v)
			}
			return !b, nil
		}, nil
	}

	if len(args) != 2 {
		return nil, fmt.Errorf("%w: %s expects 2 arguments, got %d", errors.ErrType, call.Op, len(args))
	}
	left, right := args[0], args[1]

	binary := func(fn func(l, r any) (any, error)) rowFunc {
		return func(row int) (any, error) {
			l, err := left(row)
			if err != nil {
				return nil, err
			}
			r, err := right(row)
			if err != nil {
				return nil, err
			}
			if l == nil || r == nil {
				return nil, nil
			}
			return fn(l, r)
		}
	}

	if slices.Contains(comparisonOps, call.Op) {
		test, err := comparison(call.Op)
		if err != nil {
			return nil, err
		}
		return binary(func(l, r any) (any, error) {
			c, err := compareValues(l, r)
			if err != nil {
				return nil, err
			}
			return test(c), nil
		}), nil
	}

	if slices.Contains(arithmeticOps, call.Op) {
		op := call.Op
		return binary(func(l, r any) (any, error) { return arithmetic(op, l, r) }), nil
	}

	return nil, fmt.Errorf("%w: function %s", errors.ErrNotImplemented, call.Op)
}

func comparison(op string) (func(int) bool, error) {
	switch op {
	case "=":
		return func(c int) bool { return c == 0 }, nil
	case "<>", "!=":
		return func(c int) bool { return c != 0 }, nil
	case "<":
		return func(c int) bool { return c < 0 }, nil
	case "<=":
		return func(c int) bool { return c <= 0 }, nil
	case ">":
		return func(c int) bool { return c > 0 }, nil
	case ">=":
		return func(c int) bool { return c >= 0 }, nil
	}
	return nil, fmt.Errorf("%w: comparison %s", errors.ErrNotImplemented, op)
}

func arithmetic(op string, l, r any) (any, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, nil
			}
			return li / ri, nil
		case "MOD":
			if ri == 0 {
				return nil, nil
			}
			return li % ri, nil
		}
	}

	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %s expects numeric arguments, got %T and %T", errors.ErrType, op, l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, nil
		}
		return lf / rf, nil
	case "MOD":
		if rf == 0 {
			return nil, nil
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("%w: arithmetic %s", errors.ErrNotImplemented, op)
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
