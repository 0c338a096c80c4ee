package kernel

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// DMLEventKind distinguishes the three row mutation events that get
// appended to a table's backing stream and later replayed by
// UpdateProjection (§4.E).
type DMLEventKind uint8

const (
	DMLInsert DMLEventKind = iota
	DMLUpdate
	DMLDelete
)

// dmlEventWire is the wire envelope for one row mutation. For Insert,
// Values holds the full row. For Update, PrimaryKey identifies the row
// and Values holds only the changed columns (the SET assignments). For
// Delete, only PrimaryKey is populated.
type dmlEventWire struct {
	Kind       uint8
	PrimaryKey []byte
	Values     []byte
}

var mpHandle codec.MsgpackHandle

// EncodeDMLEvent serializes a DML event for storage as a log payload.
func EncodeDMLEvent(kind DMLEventKind, primaryKey, values map[string]value.Value) []byte {
	ev := dmlEventWire{Kind: uint8(kind), PrimaryKey: value.EncodeMap(primaryKey), Values: value.EncodeMap(values)}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mpHandle)
	_ = enc.Encode(&ev)
	return buf.Bytes()
}

// DecodeDMLEvent parses a payload produced by EncodeDMLEvent.
func DecodeDMLEvent(payload []byte) (DMLEventKind, map[string]value.Value, map[string]value.Value, error) {
	var ev dmlEventWire
	dec := codec.NewDecoderBytes(payload, &mpHandle)
	if err := dec.Decode(&ev); err != nil {
		return 0, nil, nil, err
	}
	pk, err := value.DecodeMap(ev.PrimaryKey)
	if err != nil {
		return 0, nil, nil, err
	}
	vals, err := value.DecodeMap(ev.Values)
	if err != nil {
		return 0, nil, nil, err
	}
	return DMLEventKind(ev.Kind), pk, vals, nil
}
