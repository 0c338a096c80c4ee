package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kimberlitedb/kimberlite-sub000/internal/metrics"
	"github.com/kimberlitedb/kimberlite-sub000/internal/projection"
	"github.com/kimberlitedb/kimberlite-sub000/internal/rowcodec"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// Row is one decoded projection of a table's columns.
type Row map[string]value.Value

// Result is the output of executing a SELECT: either rows or aggregate
// rows (one per group under GROUP BY, otherwise a single row),
// matching whichever the statement asked for.
type Result struct {
	Columns []string
	Rows    []Row
}

// Executor runs a QueryPlan against a snapshot of the projection store
// at a fixed log position (§4.F "query_at(position) passes the
// snapshot position to the projection store").
type Executor struct {
	proj *projection.Store
}

func NewExecutor(proj *projection.Store) *Executor {
	return &Executor{proj: proj}
}

// Run executes plan at the given snapshot position. The statement
// must already have had its positional parameters resolved by
// BindParams before Plan built this plan.
func (ex *Executor) Run(plan *QueryPlan, atPosition uint64) (*Result, error) {
	metrics.QueryPlansChosen.WithLabelValues(plan.Kind.String()).Inc()

	rows, err := ex.scan(plan, atPosition)
	if err != nil {
		return nil, err
	}

	rows, err = filterRows(rows, plan.Residual)
	if err != nil {
		return nil, err
	}

	if len(plan.Aggregates) > 0 || len(plan.GroupBy) > 0 {
		return runAggregate(plan, rows)
	}

	if plan.Distinct {
		rows = distinctRows(rows, plan.Projection)
	}

	if plan.NeedsPostSort {
		sortRows(rows, plan.OrderBy)
	}

	if plan.HasLimit && len(rows) > plan.Limit {
		rows = rows[:plan.Limit]
	}

	return &Result{Columns: projectionColumns(plan), Rows: projectRows(rows, plan.Projection)}, nil
}

func (ex *Executor) scan(plan *QueryPlan, atPosition uint64) ([]Row, error) {
	switch plan.Kind {
	case PlanPointLookup:
		key := rowcodec.RowKey(plan.Table.Table, plan.PointKey)
		data, found, err := ex.proj.Get(key, atPosition)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		row, err := rowcodec.DecodeRow(data)
		if err != nil {
			return nil, err
		}
		return []Row{row}, nil

	case PlanRangeScan:
		prefix := rowcodec.RowPrefix(plan.Table.Table)
		start, end := boundWithin(prefix, plan.Bound)
		kvs, err := ex.proj.RangeScan(start, end, atPosition)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(kvs))
		for _, kv := range kvs {
			row, err := rowcodec.DecodeRow(kv.Value)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil

	case PlanIndexScan:
		prefix := rowcodec.IndexPrefix(plan.Index.Index)
		start, end := boundWithin(prefix, plan.Bound)
		kvs, err := ex.proj.RangeScan(start, end, atPosition)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(kvs))
		for _, kv := range kvs {
			_, pkSuffix, err := rowcodec.SplitIndexEntryKey(kv.Key, plan.Index.Index, plan.IndexColCount)
			if err != nil {
				return nil, err
			}
			rowKey := append(append([]byte{}, rowcodec.RowPrefix(plan.Table.Table)...), pkSuffix...)
			data, found, err := ex.proj.Get(rowKey, atPosition)
			if err != nil {
				return nil, err
			}
			if !found {
				// Index entry outlived its row under a race between
				// index population and a concurrent delete; skip it.
				continue
			}
			row, err := rowcodec.DecodeRow(data)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil

	case PlanTableScan:
		prefix := rowcodec.RowPrefix(plan.Table.Table)
		kvs, err := ex.proj.RangeScan(prefix, value.Successor(prefix), atPosition)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(kvs))
		for _, kv := range kvs {
			row, err := rowcodec.DecodeRow(kv.Value)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil

	default:
		return nil, fmt.Errorf("query: unknown plan kind %d", plan.Kind)
	}
}

// boundWithin resolves a predicate-derived Bound (the encoded bytes of
// whichever contiguous leading columns scoreIndex matched, not
// including the table/index key prefix) into absolute scan boundaries
// under the given key prefix.
func boundWithin(prefix []byte, b Bound) ([]byte, []byte) {
	start := append(append([]byte{}, prefix...), b.Start...)
	var end []byte
	if b.EndExclusive == nil {
		end = value.Successor(prefix)
	} else {
		end = append(append([]byte{}, prefix...), b.EndExclusive...)
	}
	return start, end
}

func filterRows(rows []Row, residual *Expr) ([]Row, error) {
	if residual == nil {
		return rows, nil
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		ok, err := evalExpr(r, residual)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func evalExpr(row Row, e *Expr) (bool, error) {
	switch e.Op {
	case OpAnd:
		for _, c := range e.Children {
			ok, err := evalExpr(row, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range e.Children {
			ok, err := evalExpr(row, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpIsNull:
		v, ok := row[e.Column]
		return !ok || v.IsNull(), nil
	case OpIsNotNull:
		v, ok := row[e.Column]
		return ok && !v.IsNull(), nil
	}

	lhs, ok := row[e.Column]
	if !ok {
		return false, nil
	}
	rhs := e.Value

	switch e.Op {
	case OpEq:
		return lhs.Equal(rhs), nil
	case OpLt:
		return compareValues(lhs, rhs) < 0, nil
	case OpLe:
		return compareValues(lhs, rhs) <= 0, nil
	case OpGt:
		return compareValues(lhs, rhs) > 0, nil
	case OpGe:
		return compareValues(lhs, rhs) >= 0, nil
	case OpIn:
		for _, v := range e.Values {
			if lhs.Equal(v) {
				return true, nil
			}
		}
		return false, nil
	case OpLike:
		return likeMatch(lhs.Text, rhs.Text), nil
	default:
		return false, fmt.Errorf("query: unsupported predicate operator %d", e.Op)
	}
}

// compareValues orders two values of the same column by their §6.3
// order-preserving binary encoding, so in-memory predicate evaluation
// agrees with the projection store's byte-lexicographic scan order.
func compareValues(a, b value.Value) int {
	ea, eb := value.Encode(a), value.Encode(b)
	switch {
	case string(ea) < string(eb):
		return -1
	case string(ea) > string(eb):
		return 1
	default:
		return 0
	}
}

// likeMatch supports the single-% wildcard forms used by the SQL
// subset: a literal prefix/suffix/substring match, not full SQL LIKE
// character classes.
func likeMatch(s, pattern string) bool {
	switch {
	case pattern == "%":
		return true
	case strings.HasPrefix(pattern, "%") && strings.HasSuffix(pattern, "%") && len(pattern) >= 2:
		return strings.Contains(s, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "%"):
		return strings.HasSuffix(s, pattern[1:])
	case strings.HasSuffix(pattern, "%"):
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	default:
		return s == pattern
	}
}

func distinctRows(rows []Row, cols []string) []Row {
	seen := make(map[string]bool, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		key := rowDistinctKey(r, cols)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func rowDistinctKey(r Row, cols []string) string {
	if len(cols) == 0 {
		var sb strings.Builder
		keys := sortedKeys(r)
		for _, k := range keys {
			sb.Write(value.Encode(r[k]))
			sb.WriteByte(0)
		}
		return sb.String()
	}
	var sb strings.Builder
	for _, c := range cols {
		sb.Write(value.Encode(r[c]))
		sb.WriteByte(0)
	}
	return sb.String()
}

func sortedKeys(r Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortRows(rows []Row, terms []OrderTerm) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, t := range terms {
			c := compareValues(rows[i][t.Column], rows[j][t.Column])
			if c == 0 {
				continue
			}
			if t.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func projectionColumns(plan *QueryPlan) []string {
	if len(plan.Aggregates) > 0 {
		cols := make([]string, len(plan.Aggregates))
		for i, a := range plan.Aggregates {
			if a.Column == "" {
				cols[i] = strings.ToLower(a.Fn) + "(*)"
			} else {
				cols[i] = strings.ToLower(a.Fn) + "(" + a.Column + ")"
			}
		}
		return cols
	}
	return plan.Projection
}

func projectRows(rows []Row, cols []string) []Row {
	if len(cols) == 0 {
		return rows
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		proj := make(Row, len(cols))
		for _, c := range cols {
			proj[c] = r[c]
		}
		out[i] = proj
	}
	return out
}

// runAggregate wraps the base rows in an Aggregate node (§4.F
// "Aggregation and DISTINCT wrap the base plan in an Aggregate node").
func runAggregate(plan *QueryPlan, rows []Row) (*Result, error) {
	if len(plan.GroupBy) == 0 {
		row, err := aggregateGroup(plan.Aggregates, rows)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: projectionColumns(plan), Rows: []Row{row}}, nil
	}

	groups := make(map[string][]Row)
	var order []string
	for _, r := range rows {
		key := rowDistinctKey(r, plan.GroupBy)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	cols := append(append([]string{}, plan.GroupBy...), projectionColumns(plan)...)
	result := &Result{Columns: cols}
	for _, key := range order {
		grp := groups[key]
		aggRow, err := aggregateGroup(plan.Aggregates, grp)
		if err != nil {
			return nil, err
		}
		for _, c := range plan.GroupBy {
			aggRow[c] = grp[0][c]
		}
		result.Rows = append(result.Rows, aggRow)
	}
	return result, nil
}

func aggregateGroup(aggs []Aggregate, rows []Row) (Row, error) {
	out := make(Row, len(aggs))
	for _, a := range aggs {
		label := strings.ToLower(a.Fn)
		if a.Column != "" {
			label += "_" + a.Column
		}
		switch a.Fn {
		case "COUNT":
			n := 0
			for _, r := range rows {
				if a.Column == "" {
					n++
					continue
				}
				if v, ok := r[a.Column]; ok && !v.IsNull() {
					n++
				}
			}
			out[label] = value.NewBigInt(int64(n))
		case "SUM", "AVG":
			sum := 0.0
			count := 0
			for _, r := range rows {
				v, ok := r[a.Column]
				if !ok || v.IsNull() {
					continue
				}
				sum += numericValue(v)
				count++
			}
			if a.Fn == "AVG" {
				if count == 0 {
					out[label] = value.Null()
				} else {
					out[label] = value.NewReal(sum / float64(count))
				}
			} else {
				out[label] = value.NewReal(sum)
			}
		case "MIN", "MAX":
			var best *value.Value
			for _, r := range rows {
				v, ok := r[a.Column]
				if !ok || v.IsNull() {
					continue
				}
				if best == nil {
					vv := v
					best = &vv
					continue
				}
				c := compareValues(v, *best)
				if (a.Fn == "MIN" && c < 0) || (a.Fn == "MAX" && c > 0) {
					vv := v
					best = &vv
				}
			}
			if best == nil {
				out[label] = value.Null()
			} else {
				out[label] = *best
			}
		default:
			return nil, fmt.Errorf("query: unknown aggregate function %q", a.Fn)
		}
	}
	return out, nil
}

func numericValue(v value.Value) float64 {
	switch v.Kind {
	case value.KindReal:
		return v.Real
	case value.KindTinyInt, value.KindSmallInt, value.KindInteger, value.KindBigInt:
		return float64(v.Int)
	default:
		return 0
	}
}
