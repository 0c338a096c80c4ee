package rowcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

func TestRowKeyIsPrefixedByRowPrefix(t *testing.T) {
	table := ids.DeriveTableId("users")
	key := RowKey(table, []value.Value{value.NewBigInt(1)})
	require.True(t, bytes.HasPrefix(key, RowPrefix(table)))
}

func TestRowKeyDiffersAcrossTables(t *testing.T) {
	pk := []value.Value{value.NewBigInt(1)}
	a := RowKey(ids.DeriveTableId("users"), pk)
	b := RowKey(ids.DeriveTableId("orders"), pk)
	require.NotEqual(t, a, b)
}

func TestIndexEntryKeyRoundTripsViaSplit(t *testing.T) {
	index := ids.DeriveIndexId("users", "by_email")
	indexedCols := []value.Value{value.NewText("alice@example.com")}
	pk := []value.Value{value.NewBigInt(7)}

	key := IndexEntryKey(index, indexedCols, pk)
	gotCols, gotPK, err := SplitIndexEntryKey(key, index, len(indexedCols))
	require.NoError(t, err)

	require.Len(t, gotCols, 1)
	require.True(t, gotCols[0].Equal(indexedCols[0]))
	require.Equal(t, value.EncodeTuple(pk), gotPK)
}

func TestIndexEntryKeySplitWithMultipleIndexedColumns(t *testing.T) {
	index := ids.DeriveIndexId("orders", "by_customer_and_date")
	indexedCols := []value.Value{value.NewBigInt(42), value.NewDate(19000)}
	pk := []value.Value{value.NewBigInt(1), value.NewBigInt(2)}

	key := IndexEntryKey(index, indexedCols, pk)
	gotCols, gotPK, err := SplitIndexEntryKey(key, index, len(indexedCols))
	require.NoError(t, err)
	for i := range indexedCols {
		require.True(t, gotCols[i].Equal(indexedCols[i]))
	}
	require.Equal(t, value.EncodeTuple(pk), gotPK)
}

func TestEncodeDecodeRowRoundTrips(t *testing.T) {
	row := map[string]value.Value{
		"id":   value.NewBigInt(1),
		"name": value.NewText("Alice"),
	}
	decoded, err := DecodeRow(EncodeRow(row))
	require.NoError(t, err)
	require.Len(t, decoded, len(row))
	for k, v := range row {
		require.True(t, v.Equal(decoded[k]), "column %s", k)
	}
}

func TestRowKeysOrderByEncodedPrimaryKey(t *testing.T) {
	table := ids.DeriveTableId("t")
	small := RowKey(table, []value.Value{value.NewBigInt(1)})
	big := RowKey(table, []value.Value{value.NewBigInt(2)})
	require.True(t, bytes.Compare(small, big) < 0, "row keys must sort by PK to support range scans")
}
