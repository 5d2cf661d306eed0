package compute

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

/*
This file contains a participle grammar for relational operator descriptions
such as

	LogicalFilter(condition=[<($0, 5)])
	LogicalJoin(condition=[=($1, $3)], joinType=[inner])
	BindableTableScan(table=[[main, nation]], filters=[[<($0, 5)]])

An operator is a name followed by a list of named arguments, each holding a
single bracketed value. Values are column references, literals, names, lists
or calls.
*/

var grammarOptions = []participle.Option{ // nolint:gochecknoglobals
	participle.Lexer(
		lexer.MustSimple([]lexer.SimpleRule{
			{Name: "whitespace", Pattern: `\s+`},
			{Name: "Ref", Pattern: `\$[0-9]+`},
			{Name: "Number", Pattern: `-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`},
			{Name: "String", Pattern: `'(?:[^']|'')*'`},
			{Name: "Ident", Pattern: `\$?[a-zA-Z_][a-zA-Z0-9_.]*`},
			{Name: "Operator", Pattern: `<=|>=|<>|!=|[-+*/<>=]`},
			{Name: "Punct", Pattern: `[(),\[\]:]`},
		}),
	),
	participle.UseLookahead(2),
}

var operatorParser = participle.MustBuild[astOperator](grammarOptions...)

type astOperator struct {
	Name string    `@Ident`
	Args []*astArg `( "(" ( @@ ( "," @@ )* )? ")" )?`
}

type astArg struct {
	Name  string    `@Ident "="`
	Value *astValue `"[" @@ "]"`
}

type astValue struct {
	Term *astTerm `@@`

	// Calcite annotates some literals with their type, as in 5:BIGINT.
	Type string `( ":" @Ident )?`
}

type astTerm struct {
	List   []*astValue `  "[" ( @@ ( "," @@ )* )? "]"`
	Call   *astCall    `| @@`
	Ref    *string     `| @Ref`
	Number *string     `| @Number`
	String *string     `| @String`
	Name   *string     `| @Ident`
}

type astCall struct {
	Op   string      `@( Operator | Ident ) "("`
	Args []*astValue `( @@ ( "," @@ )* )? ")"`
}
