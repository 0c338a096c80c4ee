package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

func TestParseCreateTableWithPrimaryKey(t *testing.T) {
	stmt, err := Parse("CREATE TABLE orders (id BIGINT, total DECIMAL(10,2) NOT NULL, PRIMARY KEY (id))")
	require.NoError(t, err)
	require.Equal(t, StmtCreateTable, stmt.Kind)
	require.Equal(t, "orders", stmt.Table)
	require.Equal(t, []string{"id"}, stmt.PrimaryKey)
	require.Len(t, stmt.Columns, 2)
	require.Equal(t, "total", stmt.Columns[1].Name)
	require.True(t, stmt.Columns[1].NotNull)
}

func TestParseCreateTableRequiresPrimaryKey(t *testing.T) {
	_, err := Parse("CREATE TABLE orders (id BIGINT)")
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseCreateIndex(t *testing.T) {
	stmt, err := Parse("CREATE INDEX by_total ON orders (total, id)")
	require.NoError(t, err)
	require.Equal(t, StmtCreateIndex, stmt.Kind)
	require.Equal(t, "by_total", stmt.IndexName)
	require.Equal(t, "orders", stmt.Table)
	require.Equal(t, []string{"total", "id"}, stmt.IndexCols)
}

func TestParseInsertWithColumnsAndMultipleRows(t *testing.T) {
	stmt, err := Parse("INSERT INTO orders (id, total) VALUES (1, 9.5), ($1, $2)")
	require.NoError(t, err)
	require.Equal(t, StmtInsert, stmt.Kind)
	require.Equal(t, []string{"id", "total"}, stmt.InsertColumns)
	require.Len(t, stmt.InsertValues, 2)
	require.Equal(t, value.NewBigInt(1), stmt.InsertValues[0][0].Value)
	require.Equal(t, 1, stmt.InsertValues[1][0].Param)
}

func TestParseUpdateWithWhere(t *testing.T) {
	stmt, err := Parse("UPDATE orders SET total = $1 WHERE id = 5")
	require.NoError(t, err)
	require.Equal(t, StmtUpdate, stmt.Kind)
	require.Equal(t, 1, stmt.Assignments["total"].Param)
	require.NotNil(t, stmt.Where)
	require.Equal(t, OpEq, stmt.Where.Op)
	require.Equal(t, "id", stmt.Where.Column)
}

func TestParseDeleteWithoutWhere(t *testing.T) {
	stmt, err := Parse("DELETE FROM orders")
	require.NoError(t, err)
	require.Equal(t, StmtDelete, stmt.Kind)
	require.Nil(t, stmt.Where)
}

func TestParseSelectStarWithOrderAndLimit(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders WHERE total >= 10 AND total <= 20 ORDER BY id DESC LIMIT 5")
	require.NoError(t, err)
	require.Equal(t, StmtSelect, stmt.Kind)
	require.Nil(t, stmt.Projection)
	require.NotNil(t, stmt.Where)
	require.Equal(t, OpAnd, stmt.Where.Op)
	require.Len(t, stmt.Where.Children, 2)
	require.Equal(t, []OrderTerm{{Column: "id", Desc: true}}, stmt.OrderBy)
	require.True(t, stmt.HasLimit)
	require.Equal(t, 5, stmt.Limit)
}

func TestParseSelectWithAggregateAndGroupBy(t *testing.T) {
	stmt, err := Parse("SELECT region, COUNT(*) FROM orders GROUP BY region")
	require.NoError(t, err)
	require.Equal(t, []string{"region"}, stmt.Projection)
	require.Len(t, stmt.Aggregates, 1)
	require.Equal(t, "COUNT", stmt.Aggregates[0].Fn)
	require.Equal(t, "", stmt.Aggregates[0].Column)
	require.Equal(t, []string{"region"}, stmt.GroupBy)
}

func TestParseSelectOrAndParenthesizedPredicate(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders WHERE (id = 1 OR id = 2) AND total > 0")
	require.NoError(t, err)
	require.Equal(t, OpAnd, stmt.Where.Op)
	require.Equal(t, OpOr, stmt.Where.Children[0].Op)
}

func TestParseSelectLikeInIsNull(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders WHERE name LIKE 'a%' AND status IN ('x', 'y') AND note IS NULL")
	require.NoError(t, err)
	conj := flattenConjuncts(stmt.Where)
	require.Len(t, conj, 3)
	require.Equal(t, OpLike, conj[0].Op)
	require.Equal(t, OpIn, conj[1].Op)
	require.Len(t, conj[1].Values, 2)
	require.Equal(t, OpIsNull, conj[2].Op)
}

func TestParseUnexpectedStatementStartErrors(t *testing.T) {
	_, err := Parse("FROB orders")
	require.Error(t, err)
}

func TestParseUnknownDataTypeErrors(t *testing.T) {
	_, err := Parse("CREATE TABLE t (x WIDGET, PRIMARY KEY (x))")
	require.Error(t, err)
}
