package query

import (
	"fmt"

	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// BindParams substitutes positional parameters ($1...$N) throughout a
// parsed statement with literal values, so the planner and executor
// only ever operate over a fully-literal predicate tree. Binding
// happens once per execution, ahead of planning, which keeps Plan's
// index-scoring logic free of any parameter-resolution concerns.
func BindParams(stmt *Statement, params []value.Value) (*Statement, error) {
	bound := *stmt
	var err error

	if stmt.Where != nil {
		bound.Where, err = bindExpr(stmt.Where, params)
		if err != nil {
			return nil, err
		}
	}
	if stmt.Assignments != nil {
		bound.Assignments = make(map[string]Expr, len(stmt.Assignments))
		for col, e := range stmt.Assignments {
			b, err := bindExpr(&e, params)
			if err != nil {
				return nil, err
			}
			bound.Assignments[col] = *b
		}
	}
	if stmt.InsertValues != nil {
		bound.InsertValues = make([][]Expr, len(stmt.InsertValues))
		for i, row := range stmt.InsertValues {
			newRow := make([]Expr, len(row))
			for j, e := range row {
				b, err := bindExpr(&e, params)
				if err != nil {
					return nil, err
				}
				newRow[j] = *b
			}
			bound.InsertValues[i] = newRow
		}
	}
	return &bound, nil
}

func bindExpr(e *Expr, params []value.Value) (*Expr, error) {
	out := *e
	if e.Param != 0 {
		idx := e.Param - 1
		if idx < 0 || idx >= len(params) {
			return nil, fmt.Errorf("query: parameter $%d out of range", e.Param)
		}
		out.Value = params[idx]
		out.Param = 0
	}
	if len(e.Children) > 0 {
		out.Children = make([]*Expr, len(e.Children))
		for i, c := range e.Children {
			b, err := bindExpr(c, params)
			if err != nil {
				return nil, err
			}
			out.Children[i] = b
		}
	}
	return &out, nil
}
