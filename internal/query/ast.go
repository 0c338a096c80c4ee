// Package query implements §4.F: a lexer, parser, planner, and
// executor for Kimberlite's SQL dialect subset.
package query

import "github.com/kimberlitedb/kimberlite-sub000/internal/value"

// ColumnSpec is one column in a CREATE TABLE statement.
type ColumnSpec struct {
	Name    string
	Type    value.Kind
	NotNull bool
}

// Op is a predicate comparison or structural operator (§4.F).
type Op int

const (
	OpEq Op = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpLike
	OpIsNull
	OpIsNotNull
	OpAnd
	OpOr
)

// Expr is a predicate-tree node. Leaf comparisons reference a Column
// against a Value or Param; And/Or combine sub-expressions.
type Expr struct {
	Op       Op
	Column   string
	Value    value.Value
	Values   []value.Value // OpIn
	Param    int           // positional parameter index, 0 if unused
	Children []*Expr       // OpAnd / OpOr
}

type OrderTerm struct {
	Column string
	Desc   bool
}

type Aggregate struct {
	Fn     string // COUNT, SUM, AVG, MIN, MAX; "COUNT" with Column=="" means COUNT(*)
	Column string
}

// Statement is the parsed form of one SQL statement.
type Statement struct {
	Kind StatementKind

	// CREATE TABLE
	Table      string
	Columns    []ColumnSpec
	PrimaryKey []string

	// DROP TABLE / CREATE INDEX / SELECT FROM / INSERT INTO / etc.
	IndexName string
	IndexCols []string

	// INSERT
	InsertColumns []string
	InsertValues  [][]Expr // each row is a list of literal/param exprs

	// UPDATE
	Assignments map[string]Expr

	// SELECT / UPDATE / DELETE WHERE
	Where *Expr

	// SELECT
	Projection []string // empty means *
	Distinct   bool
	GroupBy    []string
	OrderBy    []OrderTerm
	Limit      int
	HasLimit   bool
	Aggregates []Aggregate
}

type StatementKind int

const (
	StmtCreateTable StatementKind = iota
	StmtDropTable
	StmtCreateIndex
	StmtInsert
	StmtUpdate
	StmtDelete
	StmtSelect
)
