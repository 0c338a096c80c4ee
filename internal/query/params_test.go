package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

func TestBindParamsSubstitutesWhereAndAssignments(t *testing.T) {
	stmt, err := Parse("UPDATE orders SET total = $2 WHERE id = $1")
	require.NoError(t, err)

	bound, err := BindParams(stmt, []value.Value{value.NewBigInt(7), value.NewReal(12.5)})
	require.NoError(t, err)

	require.Equal(t, 0, bound.Where.Param)
	require.Equal(t, value.NewBigInt(7), bound.Where.Value)
	require.Equal(t, value.NewReal(12.5), bound.Assignments["total"].Value)

	// the original statement is untouched
	require.Equal(t, 1, stmt.Where.Param)
}

func TestBindParamsOutOfRangeErrors(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders WHERE id = $2")
	require.NoError(t, err)

	_, err = BindParams(stmt, []value.Value{value.NewBigInt(1)})
	require.Error(t, err)
}

func TestBindParamsInsertRows(t *testing.T) {
	stmt, err := Parse("INSERT INTO orders (id, total) VALUES ($1, $2)")
	require.NoError(t, err)

	bound, err := BindParams(stmt, []value.Value{value.NewBigInt(3), value.NewReal(1.5)})
	require.NoError(t, err)
	require.Equal(t, value.NewBigInt(3), bound.InsertValues[0][0].Value)
	require.Equal(t, value.NewReal(1.5), bound.InsertValues[0][1].Value)
}

func TestBindParamsNestedChildren(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders WHERE id = $1 OR id = $2")
	require.NoError(t, err)

	bound, err := BindParams(stmt, []value.Value{value.NewBigInt(1), value.NewBigInt(2)})
	require.NoError(t, err)
	require.Equal(t, value.NewBigInt(1), bound.Where.Children[0].Value)
	require.Equal(t, value.NewBigInt(2), bound.Where.Children[1].Value)
}
