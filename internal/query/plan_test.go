package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
)

func ordersState() *kernel.State {
	s := kernel.NewState()
	s.Tables[1] = kernel.TableDef{
		Table:      1,
		Name:       "orders",
		PrimaryKey: []string{"id"},
		Indexes:    []ids.IndexId{1},
	}
	s.Indexes[1] = kernel.IndexDef{
		Index:   1,
		Table:   1,
		Name:    "by_region_total",
		Columns: []string{"region", "total"},
	}
	return s
}

func TestPlanPointLookupOnFullPrimaryKeyEquality(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE id = 5")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.Equal(t, PlanPointLookup, plan.Kind)
	require.Len(t, plan.PointKey, 1)
	require.Nil(t, plan.Residual)
}

func TestPlanRangeScanOnSingleColumnPrimaryKey(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE id >= 10 AND id < 20")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.Equal(t, PlanRangeScan, plan.Kind)
	require.NotNil(t, plan.Bound.Start)
	require.NotNil(t, plan.Bound.EndExclusive)
	require.Nil(t, plan.Residual)
}

func TestPlanIndexScanPrefersLeadingEqualityMatch(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE region = 'west' AND total > 100")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.Equal(t, PlanIndexScan, plan.Kind)
	require.NotNil(t, plan.Index)
	require.Equal(t, "by_region_total", plan.Index.Name)
	require.Equal(t, 2, plan.IndexColCount)

	// The bound only narrows by `total > 100`, it doesn't pin an exact
	// value, so the predicate must survive as a post-filter.
	require.NotNil(t, plan.Residual)
	require.Equal(t, OpGt, plan.Residual.Op)
	require.Equal(t, "total", plan.Residual.Column)
}

// TestPlanIndexScanOnCompositeEqualityDropsBothPredicates exercises a
// full equality match on every column of a composite index: both
// predicates fully encode into the bound, so neither needs to remain
// in the residual filter.
func TestPlanIndexScanOnCompositeEqualityDropsBothPredicates(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE region = 'west' AND total = 100")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.Equal(t, PlanIndexScan, plan.Kind)
	require.Equal(t, 2, plan.IndexColCount)
	require.Nil(t, plan.Residual, "a full composite equality match must consume every matched predicate")
	require.NotNil(t, plan.Bound.Start)
	require.NotNil(t, plan.Bound.EndExclusive)
}

// TestPlanIndexScanKeepsNonLeadingEqualityOutOfBoundButInResidual
// covers the case that previously silently dropped a second equality
// predicate without it ever being reflected in the scan bound: a
// predicate on a column the index doesn't index at all must stay in
// residual, never be treated as satisfied by the index bound.
func TestPlanIndexScanKeepsNonLeadingEqualityOutOfBoundButInResidual(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE region = 'west' AND total = 100 AND customer = 'acme'")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.Equal(t, PlanIndexScan, plan.Kind)
	require.NotNil(t, plan.Residual)
	require.Equal(t, "customer", plan.Residual.Column)
}

func TestPlanTableScanWhenNoPredicateMatchesAnyKey(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE total > 100")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.Equal(t, PlanTableScan, plan.Kind)
	require.NotNil(t, plan.Residual)
}

func TestPlanUnknownTableErrors(t *testing.T) {
	state := kernel.NewState()
	stmt, err := Parse("SELECT * FROM nope WHERE id = 1")
	require.NoError(t, err)

	_, err = Plan(state, stmt)
	require.Error(t, err)
	var kerr *kernel.Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, kernel.ErrTableNotFound, kerr.Kind)
}

func TestPlanOrderByMatchingNaturalOrderNeedsNoPostSort(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE id = 1 ORDER BY id")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.False(t, plan.NeedsPostSort)
}

func TestPlanOrderByDescendingNeedsPostSort(t *testing.T) {
	state := ordersState()
	stmt, err := Parse("SELECT * FROM orders WHERE id = 1 ORDER BY id DESC")
	require.NoError(t, err)

	plan, err := Plan(state, stmt)
	require.NoError(t, err)
	require.True(t, plan.NeedsPostSort)
}
