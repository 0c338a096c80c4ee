package query

import (
	"sort"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// PlanKind identifies the access-path strategy chosen for a SELECT.
type PlanKind int

const (
	PlanPointLookup PlanKind = iota
	PlanRangeScan
	PlanIndexScan
	PlanTableScan
)

func (k PlanKind) String() string {
	switch k {
	case PlanPointLookup:
		return "point_lookup"
	case PlanRangeScan:
		return "range_scan"
	case PlanIndexScan:
		return "index_scan"
	case PlanTableScan:
		return "table_scan"
	default:
		return "unknown"
	}
}

// Bound describes a half-open (or unbounded) scan range over
// already-encoded composite keys.
type Bound struct {
	Start        []byte // nil means unbounded below
	EndExclusive []byte // nil means unbounded above
}

// QueryPlan is the planner's chosen strategy for one SELECT (§4.F).
type QueryPlan struct {
	Kind PlanKind

	Table kernel.TableDef

	// PointLookup
	PointKey []value.Value

	// RangeScan / IndexScan
	Index         *kernel.IndexDef // nil for RangeScan over the PK
	Bound         Bound
	Residual      *Expr // remaining predicates applied as a post-filter
	IndexColCount int

	// Shared
	NeedsPostSort bool
	OrderBy       []OrderTerm
	Limit         int
	HasLimit      bool
	Distinct      bool
	Projection    []string
	Aggregates    []Aggregate
	GroupBy       []string
}

// flattenConjuncts flattens a tree of AND nodes, nested ones included,
// into a list of implicitly-ANDed predicates (§4.F "AND at the top
// level as implicit conjunction"). Any OR node is treated as an opaque
// leaf and always lands in the residual filter, since the scoring rule
// only reasons about single-column equality/range predicates.
func flattenConjuncts(e *Expr) []*Expr {
	if e == nil {
		return nil
	}
	if e.Op == OpAnd {
		var out []*Expr
		for _, c := range e.Children {
			out = append(out, flattenConjuncts(c)...)
		}
		return out
	}
	return []*Expr{e}
}

// Plan builds the access path for a SELECT statement against the
// given schema snapshot.
func Plan(state *kernel.State, stmt *Statement) (*QueryPlan, error) {
	def, ok := state.TableByName(stmt.Table)
	if !ok {
		return nil, &kernel.Error{Kind: kernel.ErrTableNotFound, Table: ids.TableId(0)}
	}

	conjuncts := flattenConjuncts(stmt.Where)
	byCol := make(map[string][]*Expr)
	for _, c := range conjuncts {
		if c.Op == OpAnd || c.Op == OpOr {
			continue
		}
		byCol[c.Column] = append(byCol[c.Column], c)
	}

	plan := &QueryPlan{
		Table:      def,
		OrderBy:    stmt.OrderBy,
		Limit:      stmt.Limit,
		HasLimit:   stmt.HasLimit,
		Distinct:   stmt.Distinct,
		Projection: stmt.Projection,
		Aggregates: stmt.Aggregates,
		GroupBy:    stmt.GroupBy,
	}

	// Step 1: PointLookup if every PK column has an equality predicate.
	if pk, residual, ok := tryAllEquality(def.PrimaryKey, byCol, conjuncts); ok {
		plan.Kind = PlanPointLookup
		plan.PointKey = pk
		plan.Residual = andOf(residual)
		finishOrdering(plan, def.PrimaryKey)
		return plan, nil
	}

	// Step 2: RangeScan when the PK is single-column and has a
	// comparison predicate.
	if len(def.PrimaryKey) == 1 {
		col := def.PrimaryKey[0]
		if preds, ok := byCol[col]; ok {
			if bound, consumed, ok := rangeBoundFor(col, preds); ok {
				plan.Kind = PlanRangeScan
				plan.Bound = bound
				plan.Residual = andOf(remaining(conjuncts, consumed))
				finishOrdering(plan, def.PrimaryKey)
				return plan, nil
			}
		}
	}

	// Step 3: score secondary indexes by their leading matched columns.
	type candidate struct {
		idx            kernel.IndexDef
		score          int
		remaining      int
		bound          Bound
		consumed       []*Expr
	}
	var candidates []candidate
	for _, idxID := range def.Indexes {
		idx, ok := state.Indexes[idxID]
		if !ok || len(idx.Columns) == 0 {
			continue
		}
		first := idx.Columns[0]
		if _, ok := byCol[first]; !ok {
			continue
		}
		score, bound, consumed := scoreIndex(idx, byCol)
		if score == 0 {
			continue
		}
		candidates = append(candidates, candidate{
			idx:       idx,
			score:     score,
			remaining: len(conjuncts) - len(consumed),
			bound:     bound,
			consumed:  consumed,
		})
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.score != b.score {
				return a.score > b.score
			}
			if a.remaining != b.remaining {
				return a.remaining < b.remaining
			}
			if len(a.idx.Columns) != len(b.idx.Columns) {
				return len(a.idx.Columns) < len(b.idx.Columns)
			}
			// §9-resolved tie-break: lowest IndexId.
			return a.idx.Index < b.idx.Index
		})
		best := candidates[0]
		plan.Kind = PlanIndexScan
		plan.Index = &best.idx
		plan.Bound = best.bound
		plan.IndexColCount = len(best.idx.Columns)
		plan.Residual = andOf(remaining(conjuncts, best.consumed))
		finishOrdering(plan, best.idx.Columns)
		return plan, nil
	}

	// Step 4: full table scan with an in-memory filter.
	plan.Kind = PlanTableScan
	plan.Residual = andOf(conjuncts)
	finishOrdering(plan, def.PrimaryKey)
	return plan, nil
}

// tryAllEquality reports whether every column in keyCols has an
// equality predicate, returning the encodable key tuple and the
// predicates not consumed by it.
func tryAllEquality(keyCols []string, byCol map[string][]*Expr, all []*Expr) ([]value.Value, []*Expr, bool) {
	if len(keyCols) == 0 {
		return nil, nil, false
	}
	vals := make([]value.Value, len(keyCols))
	var consumed []*Expr
	for i, col := range keyCols {
		preds := byCol[col]
		var eq *Expr
		for _, p := range preds {
			if p.Op == OpEq {
				eq = p
				break
			}
		}
		if eq == nil {
			return nil, nil, false
		}
		vals[i] = eq.Value
		consumed = append(consumed, eq)
	}
	return vals, remaining(all, consumed), true
}

// rangeBoundFor derives a half-open byte-range bound for a single
// column's comparison predicates, per §4.F "inclusive upper bounds
// expressed as exclusive-of-successor".
func rangeBoundFor(col string, preds []*Expr) (Bound, []*Expr, bool) {
	var b Bound
	var consumed []*Expr
	matchedAny := false
	for _, p := range preds {
		switch p.Op {
		case OpEq:
			k := value.Encode(p.Value)
			b.Start = k
			b.EndExclusive = value.Successor(k)
			consumed = append(consumed, p)
			matchedAny = true
		case OpGe:
			b.Start = value.Encode(p.Value)
			consumed = append(consumed, p)
			matchedAny = true
		case OpGt:
			b.Start = value.Successor(value.Encode(p.Value))
			consumed = append(consumed, p)
			matchedAny = true
		case OpLe:
			b.EndExclusive = value.Successor(value.Encode(p.Value))
			consumed = append(consumed, p)
			matchedAny = true
		case OpLt:
			b.EndExclusive = value.Encode(p.Value)
			consumed = append(consumed, p)
			matchedAny = true
		}
	}
	return b, consumed, matchedAny
}

// scoreIndex scores an index by its leading matched columns (§4.F:
// equality=10, range=5, other=1 per matched column), stopping at the
// first unmatched column since composite index bounds only narrow on
// a contiguous column prefix.
//
// Only a contiguous prefix of *equality*-matched columns fully encodes
// into the byte bound, so only those columns' predicates are safe to
// drop from the residual filter. A trailing range or "other" predicate
// on the next column still tightens the bound (narrowing the scan) but
// does not fully encode the predicate for every key inside that
// range — e.g. for `region = 'west' AND total > 50` the bound covers
// region 'west' with total above 50, and `total > 50` itself stays in
// the residual filter. When a column has both an equality and a range
// predicate, its first equality value extends the prefix and only that
// equality predicate is dropped; the rest stay in the residual filter.
func scoreIndex(idx kernel.IndexDef, byCol map[string][]*Expr) (int, Bound, []*Expr) {
	score := 0
	var consumed []*Expr
	var equalityPrefix []byte
	bound := Bound{}
	matchedCols := 0

	for _, col := range idx.Columns {
		preds, ok := byCol[col]
		if !ok {
			break
		}
		var colConsumed []*Expr
		var colBound Bound
		hasEq, hasRange, hasOther := false, false, false
		for _, p := range preds {
			switch p.Op {
			case OpEq:
				if !hasEq {
					hasEq = true
					colConsumed = append(colConsumed, p)
					k := value.Encode(p.Value)
					colBound = Bound{Start: k, EndExclusive: value.Successor(k)}
				}
			case OpLt, OpLe, OpGt, OpGe:
				hasRange = true
				if !hasEq {
					bnd, _, _ := rangeBoundFor(col, preds)
					colBound = bnd
				}
			case OpIn, OpLike, OpIsNull, OpIsNotNull:
				hasOther = true
			}
		}

		switch {
		case hasEq:
			score += 10
			matchedCols++
			consumed = append(consumed, colConsumed...)
			equalityPrefix = append(equalityPrefix, colBound.Start...)
			bound = combineBound(equalityPrefix, Bound{})
			continue
		case hasRange:
			score += 5
			matchedCols++
			bound = combineBound(equalityPrefix, colBound)
		case hasOther:
			score += 1
			matchedCols++
			bound = combineBound(equalityPrefix, Bound{})
		default:
			// no predicate on this column narrows the scan at all
		}
		// A range or "other" predicate on this column still bounds the
		// scan, but its own predicate is not dropped from residual
		// (see doc comment), and no further column can narrow beyond
		// it either way.
		break
	}

	if matchedCols == 0 {
		return 0, Bound{}, nil
	}
	return score, bound, consumed
}

// combineBound prepends prefix (the encoded bytes of a contiguous
// leading equality match, possibly empty) onto a subsequent column's
// own bound.
func combineBound(prefix []byte, b Bound) Bound {
	if len(prefix) == 0 {
		return b
	}
	out := Bound{
		Start:        append(append([]byte{}, prefix...), b.Start...),
		EndExclusive: value.Successor(prefix),
	}
	if b.EndExclusive != nil {
		out.EndExclusive = append(append([]byte{}, prefix...), b.EndExclusive...)
	}
	return out
}

func remaining(all, consumed []*Expr) []*Expr {
	skip := make(map[*Expr]bool, len(consumed))
	for _, c := range consumed {
		skip[c] = true
	}
	var out []*Expr
	for _, e := range all {
		if !skip[e] {
			out = append(out, e)
		}
	}
	return out
}

func andOf(exprs []*Expr) *Expr {
	if len(exprs) == 0 {
		return nil
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &Expr{Op: OpAnd, Children: exprs}
}

// finishOrdering marks whether the requested ORDER BY matches the
// scan's natural key order (§4.F "free" case) or needs a post-sort.
func finishOrdering(plan *QueryPlan, naturalOrder []string) {
	if len(plan.OrderBy) == 0 {
		return
	}
	if len(plan.OrderBy) > len(naturalOrder) {
		plan.NeedsPostSort = true
		return
	}
	for i, term := range plan.OrderBy {
		if term.Desc || term.Column != naturalOrder[i] {
			plan.NeedsPostSort = true
			return
		}
	}
}
