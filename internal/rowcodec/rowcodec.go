// Package rowcodec builds the projection-store keys shared by the
// effect executor (§4.E) and the query engine (§4.F): base-table rows
// keyed by primary key, and secondary-index entries keyed by indexed
// columns followed by the primary key suffix.
package rowcodec

import (
	"fmt"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// RowPrefix is the projection-store key prefix under which every row
// of table lives.
func RowPrefix(table ids.TableId) []byte {
	return []byte(fmt.Sprintf("row/%016x/", uint64(table)))
}

// RowKey is the full key for the row of table identified by pk.
func RowKey(table ids.TableId, pk []value.Value) []byte {
	return append(RowPrefix(table), value.EncodeTuple(pk)...)
}

// IndexPrefix is the projection-store key prefix under which every
// entry of index lives.
func IndexPrefix(index ids.IndexId) []byte {
	return []byte(fmt.Sprintf("idx/%016x/", uint64(index)))
}

// IndexEntryKey is the full composite key for one index entry: indexed
// column values followed by the owning row's primary key (§4.F "Index
// scans fetch PK from the composite key").
func IndexEntryKey(index ids.IndexId, indexedCols []value.Value, pk []value.Value) []byte {
	k := append(IndexPrefix(index), value.EncodeTuple(indexedCols)...)
	return append(k, value.EncodeTuple(pk)...)
}

// SplitIndexEntryKey recovers the indexed-column values and the
// primary-key suffix from a composite index entry key. numIndexCols is
// the number of columns the index was created on; every per-value
// encoding is self-delimiting, so the PK suffix begins wherever
// decoding that many values stops.
func SplitIndexEntryKey(key []byte, index ids.IndexId, numIndexCols int) (indexedCols []value.Value, pkSuffix []byte, err error) {
	prefixLen := len(IndexPrefix(index))
	body := key[prefixLen:]
	vals, consumed, err := value.DecodeTuple(body, numIndexCols)
	if err != nil {
		return nil, nil, err
	}
	return vals, body[consumed:], nil
}

// EncodeRow renders a full row as a projection-store value.
func EncodeRow(row map[string]value.Value) []byte {
	return value.EncodeMap(row)
}

// DecodeRow parses a row previously written by EncodeRow.
func DecodeRow(data []byte) (map[string]value.Value, error) {
	return value.DecodeMap(data)
}
