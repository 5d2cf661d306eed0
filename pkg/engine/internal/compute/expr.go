// Package compute parses relational operator descriptions and evaluates them
// over Arrow records.
package compute

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grafana/execgraph/pkg/engine/internal/errors"
)

// Operator is a parsed operator description, such as
// LogicalFilter(condition=[<($0, 5)]).
type Operator struct {
	Name string
	Args []Arg
}

// Arg is a named argument of an Operator.
type Arg struct {
	Name  string
	Value Expr
}

// ParseOperator parses an operator description.
func ParseOperator(s string) (*Operator, error) {
	ast, err := operatorParser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("parsing operator %q: %w", s, err)
	}

	op := &Operator{Name: ast.Name, Args: make([]Arg, 0, len(ast.Args))}
	for _, arg := range ast.Args {
		value, err := convertValue(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("parsing argument %s of %s: %w", arg.Name, ast.Name, err)
		}
		op.Args = append(op.Args, Arg{Name: arg.Name, Value: value})
	}
	return op, nil
}

// Arg returns the value of the argument called name.
func (o *Operator) Arg(name string) (Expr, bool) {
	for _, arg := range o.Args {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// IntArg returns the argument called name as an integer, or def if o has no
// such argument.
func (o *Operator) IntArg(name string, def int) (int, error) {
	arg, ok := o.Arg(name)
	if !ok {
		return def, nil
	}
	lit, ok := arg.(*Literal)
	if !ok {
		return 0, fmt.Errorf("%w: argument %s must be an integer, got %s", errors.ErrType, name, arg)
	}
	v, ok := lit.Value.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: argument %s must be an integer, got %s", errors.ErrType, name, arg)
	}
	return int(v), nil
}

// BoolArg returns the argument called name as a boolean, or def if o has no
// such argument.
func (o *Operator) BoolArg(name string, def bool) (bool, error) {
	arg, ok := o.Arg(name)
	if !ok {
		return def, nil
	}
	if lit, ok := arg.(*Literal); ok {
		if v, ok := lit.Value.(bool); ok {
			return v, nil
		}
	}
	return false, fmt.Errorf("%w: argument %s must be a boolean, got %s", errors.ErrType, name, arg)
}

// NameArg returns the argument called name as a bare name or string, or def
// if o has no such argument.
func (o *Operator) NameArg(name string, def string) (string, error) {
	arg, ok := o.Arg(name)
	if !ok {
		return def, nil
	}
	switch v := arg.(type) {
	case *Name:
		return v.Value, nil
	case *Literal:
		if s, ok := v.Value.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: argument %s must be a name, got %s", errors.ErrType, name, arg)
}

func (o *Operator) String() string {
	var sb strings.Builder
	sb.WriteString(o.Name)
	sb.WriteByte('(')
	for i, arg := range o.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=[%s]", arg.Name, arg.Value)
	}
	sb.WriteByte(')')
	return sb.String()
}

// Expr is a node of an operator argument.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// ColumnRef references a column of the input by index.
type ColumnRef struct{ Index int }

// Literal is a constant. Value is an int64, float64, string, bool or nil.
type Literal struct{ Value any }

// Name is a bare identifier, such as ASC or inner.
type Name struct{ Value string }

// Call applies a function or operator to its arguments.
type Call struct {
	Op   string
	Args []Expr
}

// List is a bracketed list of expressions.
type List struct{ Items []Expr }

func (*ColumnRef) isExpr() {}
func (*Literal) isExpr()   {}
func (*Name) isExpr()      {}
func (*Call) isExpr()      {}
func (*List) isExpr()      {}

func (e *ColumnRef) String() string { return "$" + strconv.Itoa(e.Index) }
func (e *Name) String() string      { return e.Value }

func (e *Literal) String() string {
	switch v := e.Value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	default:
		return fmt.Sprint(v)
	}
}

func (e *Call) String() string {
	args := make([]string, len(e.Args))
	for i, arg := range e.Args {
		args[i] = arg.String()
	}
	return e.Op + "(" + strings.Join(args, ", ") + ")"
}

func (e *List) String() string {
	items := make([]string, len(e.Items))
	for i, item := range e.Items {
		items[i] = item.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func convertValue(value *astValue) (Expr, error) {
	v := value.Term
	switch {
	case v.Call != nil:
		args := make([]Expr, len(v.Call.Args))
		for i, arg := range v.Call.Args {
			expr, err := convertValue(arg)
			if err != nil {
				return nil, err
			}
			args[i] = expr
		}
		return &Call{Op: strings.ToUpper(v.Call.Op), Args: args}, nil

	case v.Ref != nil:
		idx, err := strconv.Atoi((*v.Ref)[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid column reference %s: %w", *v.Ref, err)
		}
		return &ColumnRef{Index: idx}, nil

	case v.Number != nil:
		if i, err := strconv.ParseInt(*v.Number, 10, 64); err == nil {
			return &Literal{Value: i}, nil
		}
		f, err := strconv.ParseFloat(*v.Number, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s: %w", *v.Number, err)
		}
		return &Literal{Value: f}, nil

	case v.String != nil:
		s := *v.String
		return &Literal{Value: strings.ReplaceAll(s[1:len(s)-1], "''", "'")}, nil

	case v.Name != nil:
		switch strings.ToLower(*v.Name) {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null":
			return &Literal{Value: nil}, nil
		}
		return &Name{Value: *v.Name}, nil

	default:
		items := make([]Expr, len(v.List))
		for i, item := range v.List {
			expr, err := convertValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = expr
		}
		return &List{Items: items}, nil
	}
}

// Unwrap returns the single item of nested one-element lists, as Calcite
// wraps scan filters as filters=[[<($0, 5)]].
func Unwrap(e Expr) Expr {
	for {
		list, ok := e.(*List)
		if !ok || len(list.Items) != 1 {
			return e
		}
		e = list.Items[0]
	}
}

// ColumnList converts a list of integers or column references, such as
// projects=[[0, 3, 5]], into column indices.
func ColumnList(e Expr) ([]int, error) {
	list, ok := e.(*List)
	if !ok {
		list = &List{Items: []Expr{e}}
	}
	if len(list.Items) == 1 {
		if inner, ok := list.Items[0].(*List); ok {
			list = inner
		}
	}

	out := make([]int, 0, len(list.Items))
	for _, item := range list.Items {
		switch v := item.(type) {
		case *ColumnRef:
			out = append(out, v.Index)
		case *Literal:
			i, ok := v.Value.(int64)
			if !ok {
				return nil, fmt.Errorf("%w: expected column index, got %s", errors.ErrType, item)
			}
			out = append(out, int(i))
		default:
			return nil, fmt.Errorf("%w: expected column index, got %s", errors.ErrType, item)
		}
	}
	return out, nil
}
