package query

import (
	"fmt"

	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// ParseError is the user-kind error surfaced to clients on malformed
// SQL (§6.5 QueryParseError).
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return "query: parse error: " + e.Message }

type parser struct {
	toks []token
	pos  int
}

// Parse compiles one SQL statement (§6.4 dialect).
func Parse(src string) (*Statement, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, &ParseError{Message: err.Error()}
	}
	p := &parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, &ParseError{Message: err.Error()}
	}
	return stmt, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}
func (p *parser) isKeyword(kw string) bool {
	return p.cur().kind == tokIdent && p.cur().upper() == kw
}
func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return fmt.Errorf("expected %q, got %q", kw, p.cur().text)
	}
	p.advance()
	return nil
}
func (p *parser) expectPunct(s string) error {
	if p.cur().kind != tokPunct || p.cur().text != s {
		return fmt.Errorf("expected %q, got %q", s, p.cur().text)
	}
	p.advance()
	return nil
}
func (p *parser) expectIdent() (string, error) {
	if p.cur().kind != tokIdent {
		return "", fmt.Errorf("expected identifier, got %q", p.cur().text)
	}
	t := p.advance()
	return t.text, nil
}

func (p *parser) parseStatement() (*Statement, error) {
	switch {
	case p.isKeyword("CREATE"):
		p.advance()
		if p.isKeyword("TABLE") {
			return p.parseCreateTable()
		}
		if p.isKeyword("INDEX") {
			return p.parseCreateIndex()
		}
		return nil, fmt.Errorf("expected TABLE or INDEX after CREATE")
	case p.isKeyword("DROP"):
		p.advance()
		if err := p.expectKeyword("TABLE"); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtDropTable, Table: name}, nil
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("DELETE"):
		return p.parseDelete()
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	default:
		return nil, fmt.Errorf("unexpected statement start %q", p.cur().text)
	}
}

func dataTypeFromName(name string) (value.Kind, error) {
	switch name {
	case "TINYINT":
		return value.KindTinyInt, nil
	case "SMALLINT":
		return value.KindSmallInt, nil
	case "INTEGER":
		return value.KindInteger, nil
	case "BIGINT":
		return value.KindBigInt, nil
	case "REAL":
		return value.KindReal, nil
	case "DECIMAL":
		return value.KindDecimal, nil
	case "TEXT":
		return value.KindText, nil
	case "BYTES":
		return value.KindBytes, nil
	case "BOOLEAN":
		return value.KindBoolean, nil
	case "DATE":
		return value.KindDate, nil
	case "TIME":
		return value.KindTime, nil
	case "TIMESTAMP":
		return value.KindTimestamp, nil
	case "UUID":
		return value.KindUUID, nil
	case "JSON":
		return value.KindJSON, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", name)
	}
}

func (p *parser) parseCreateTable() (*Statement, error) {
	p.advance() // TABLE
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtCreateTable, Table: name}
	for {
		if p.isKeyword("PRIMARY") {
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			for {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				stmt.PrimaryKey = append(stmt.PrimaryKey, col)
				if p.cur().kind == tokPunct && p.cur().text == "," {
					p.advance()
					continue
				}
				break
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
		} else {
			colName, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			typeName, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if typeName == "DECIMAL" && p.cur().kind == tokPunct && p.cur().text == "(" {
				// DECIMAL(p,s): precision/scale are schema metadata the
				// planner does not need for key encoding, so skip them.
				p.advance()
				for p.cur().kind != tokPunct || p.cur().text != ")" {
					p.advance()
				}
				p.advance()
			}
			kind, err := dataTypeFromName(typeName)
			if err != nil {
				return nil, err
			}
			col := ColumnSpec{Name: colName, Type: kind}
			if p.isKeyword("NOT") {
				p.advance()
				if err := p.expectKeyword("NULL"); err != nil {
					return nil, err
				}
				col.NotNull = true
			}
			stmt.Columns = append(stmt.Columns, col)
		}
		if p.cur().kind == tokPunct && p.cur().text == "," {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if len(stmt.PrimaryKey) == 0 {
		return nil, fmt.Errorf("CREATE TABLE requires PRIMARY KEY")
	}
	return stmt, nil
}

func (p *parser) parseCreateIndex() (*Statement, error) {
	p.advance() // INDEX
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	cols, err := p.parseColumnList()
	if err != nil {
		return nil, err
	}
	return &Statement{Kind: StmtCreateIndex, IndexName: name, Table: table, IndexCols: cols}, nil
}

func (p *parser) parseColumnList() ([]string, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var cols []string
	for {
		c, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
		if p.cur().kind == tokPunct && p.cur().text == "," {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return cols, nil
}

func (p *parser) parseInsert() (*Statement, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtInsert, Table: table}
	if p.cur().kind == tokPunct && p.cur().text == "(" {
		cols, err := p.parseColumnList()
		if err != nil {
			return nil, err
		}
		stmt.InsertColumns = cols
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseLiteralOrParam()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.cur().kind == tokPunct && p.cur().text == "," {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		stmt.InsertValues = append(stmt.InsertValues, row)
		if p.cur().kind == tokPunct && p.cur().text == "," {
			p.advance()
			continue
		}
		break
	}
	return stmt, nil
}

func (p *parser) parseLiteralOrParam() (Expr, error) {
	t := p.cur()
	switch t.kind {
	case tokParam:
		p.advance()
		return Expr{Param: int(t.i)}, nil
	case tokNumber:
		p.advance()
		if t.isInt {
			return Expr{Value: value.NewBigInt(t.i)}, nil
		}
		return Expr{Value: value.NewReal(t.num)}, nil
	case tokString:
		p.advance()
		return Expr{Value: value.NewText(t.text)}, nil
	case tokIdent:
		if t.upper() == "TRUE" || t.upper() == "FALSE" {
			p.advance()
			return Expr{Value: value.NewBoolean(t.upper() == "TRUE")}, nil
		}
		if t.upper() == "NULL" {
			p.advance()
			return Expr{Value: value.Null()}, nil
		}
		return Expr{}, fmt.Errorf("unexpected identifier %q in value position", t.text)
	default:
		return Expr{}, fmt.Errorf("unexpected token %q in value position", t.text)
	}
}

func (p *parser) parseUpdate() (*Statement, error) {
	p.advance() // UPDATE
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtUpdate, Table: table, Assignments: make(map[string]Expr)}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		val, err := p.parseLiteralOrParam()
		if err != nil {
			return nil, err
		}
		stmt.Assignments[col] = val
		if p.cur().kind == tokPunct && p.cur().text == "," {
			p.advance()
			continue
		}
		break
	}
	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

func (p *parser) parseDelete() (*Statement, error) {
	p.advance() // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtDelete, Table: table}
	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

func (p *parser) parseSelect() (*Statement, error) {
	p.advance() // SELECT
	stmt := &Statement{Kind: StmtSelect}
	if p.isKeyword("DISTINCT") {
		p.advance()
		stmt.Distinct = true
	}
	if p.cur().kind == tokPunct && p.cur().text == "*" {
		p.advance()
	} else {
		for {
			if agg, ok, err := p.tryParseAggregate(); err != nil {
				return nil, err
			} else if ok {
				stmt.Aggregates = append(stmt.Aggregates, agg)
			} else {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				stmt.Projection = append(stmt.Projection, col)
			}
			if p.cur().kind == tokPunct && p.cur().text == "," {
				p.advance()
				continue
			}
			break
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt.Table = table

	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	if p.isKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, col)
			if p.cur().kind == tokPunct && p.cur().text == "," {
				p.advance()
				continue
			}
			break
		}
	}
	if p.isKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Column: col}
			if p.isKeyword("DESC") {
				p.advance()
				term.Desc = true
			} else if p.isKeyword("ASC") {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, term)
			if p.cur().kind == tokPunct && p.cur().text == "," {
				p.advance()
				continue
			}
			break
		}
	}
	if p.isKeyword("LIMIT") {
		p.advance()
		t := p.advance()
		if t.kind != tokNumber || !t.isInt {
			return nil, fmt.Errorf("LIMIT requires an integer")
		}
		stmt.Limit = int(t.i)
		stmt.HasLimit = true
	}
	return stmt, nil
}

func (p *parser) tryParseAggregate() (Aggregate, bool, error) {
	if p.cur().kind != tokIdent {
		return Aggregate{}, false, nil
	}
	fn := p.cur().upper()
	switch fn {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
	default:
		return Aggregate{}, false, nil
	}
	save := p.pos
	p.advance()
	if p.cur().kind != tokPunct || p.cur().text != "(" {
		p.pos = save
		return Aggregate{}, false, nil
	}
	p.advance()
	agg := Aggregate{Fn: fn}
	if p.cur().kind == tokPunct && p.cur().text == "*" {
		p.advance()
	} else {
		col, err := p.expectIdent()
		if err != nil {
			return Aggregate{}, false, err
		}
		agg.Column = col
	}
	if err := p.expectPunct(")"); err != nil {
		return Aggregate{}, false, err
	}
	return agg, true, nil
}

// parseOrExpr / parseAndExpr implement OR binding looser than AND, both
// left-associative, folding runs into a single OpOr/OpAnd node (§4.F
// "AND at the top level as implicit conjunction of predicates").
func (p *parser) parseOrExpr() (*Expr, error) {
	first, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}
	children := []*Expr{first}
	for p.isKeyword("OR") {
		p.advance()
		next, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Expr{Op: OpOr, Children: children}, nil
}

func (p *parser) parseAndExpr() (*Expr, error) {
	first, err := p.parsePredicate()
	if err != nil {
		return nil, err
	}
	children := []*Expr{first}
	for p.isKeyword("AND") {
		p.advance()
		next, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Expr{Op: OpAnd, Children: children}, nil
}

func (p *parser) parsePredicate() (*Expr, error) {
	if p.cur().kind == tokPunct && p.cur().text == "(" {
		p.advance()
		e, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return e, nil
	}

	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	if p.isKeyword("IS") {
		p.advance()
		if p.isKeyword("NOT") {
			p.advance()
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			return &Expr{Op: OpIsNotNull, Column: col}, nil
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &Expr{Op: OpIsNull, Column: col}, nil
	}

	if p.isKeyword("LIKE") {
		p.advance()
		rhs, err := p.parseLiteralOrParam()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpLike, Column: col, Value: rhs.Value, Param: rhs.Param}, nil
	}

	if p.isKeyword("IN") {
		p.advance()
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		var vals []value.Value
		for {
			v, err := p.parseLiteralOrParam()
			if err != nil {
				return nil, err
			}
			vals = append(vals, v.Value)
			if p.cur().kind == tokPunct && p.cur().text == "," {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &Expr{Op: OpIn, Column: col, Values: vals}, nil
	}

	var op Op
	if p.cur().kind == tokPunct {
		switch p.cur().text {
		case "=":
			op = OpEq
		case "<":
			op = OpLt
		case "<=":
			op = OpLe
		case ">":
			op = OpGt
		case ">=":
			op = OpGe
		default:
			return nil, fmt.Errorf("unexpected operator %q", p.cur().text)
		}
		p.advance()
	} else {
		return nil, fmt.Errorf("expected comparison operator, got %q", p.cur().text)
	}

	rhs, err := p.parseLiteralOrParam()
	if err != nil {
		return nil, err
	}
	return &Expr{Op: op, Column: col, Value: rhs.Value, Param: rhs.Param}, nil
}
