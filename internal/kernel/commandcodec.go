package kernel

import (
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// commandKind tags the Command variant carried by a VSR LogEntry
// (§4.G "appends a LogEntry to its in-memory log").
type commandKind uint8

const (
	cmdCreateStream commandKind = iota
	cmdAppendBatch
	cmdCreateTable
	cmdDropTable
	cmdCreateIndex
	cmdInsertRow
	cmdUpdateRow
	cmdDeleteRow
)

type columnDefWire struct {
	Name    string
	Type    uint8
	NotNull bool
}

// commandWire is the flattened, msgpack-friendly envelope for every
// Command variant. Only the fields relevant to Kind are populated.
type commandWire struct {
	Kind commandKind

	Stream         uint64
	Tenant         uint64
	ExpectedOffset uint64
	Events         [][]byte

	Table      uint64
	Name       string
	Columns    []columnDefWire
	PrimaryKey []string

	Index       uint64
	IndexColumns []string

	Values      []byte // value.EncodeMap
	PrimaryKeyM []byte // value.EncodeMap
	Assignments []byte // value.EncodeMap
}

var cmdMpHandle codec.MsgpackHandle

// EncodeCommand serializes a Command for storage in a VSR log entry.
func EncodeCommand(cmd Command) ([]byte, error) {
	w, err := toCommandWire(cmd)
	if err != nil {
		return nil, err
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &cmdMpHandle)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var w commandWire
	dec := codec.NewDecoderBytes(data, &cmdMpHandle)
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}
	return fromCommandWire(w)
}

func toCommandWire(cmd Command) (commandWire, error) {
	switch c := cmd.(type) {
	case CreateStream:
		return commandWire{Kind: cmdCreateStream, Stream: uint64(c.Stream), Tenant: uint64(c.Tenant)}, nil
	case AppendBatch:
		return commandWire{Kind: cmdAppendBatch, Stream: uint64(c.Stream), ExpectedOffset: uint64(c.ExpectedOffset), Events: c.Events}, nil
	case CreateTable:
		cols := make([]columnDefWire, len(c.Columns))
		for i, col := range c.Columns {
			cols[i] = columnDefWire{Name: col.Name, Type: uint8(col.Type), NotNull: col.NotNull}
		}
		return commandWire{Kind: cmdCreateTable, Table: uint64(c.Table), Stream: uint64(c.Stream), Name: c.Name, Columns: cols, PrimaryKey: c.PrimaryKey}, nil
	case DropTable:
		return commandWire{Kind: cmdDropTable, Table: uint64(c.Table)}, nil
	case CreateIndex:
		return commandWire{Kind: cmdCreateIndex, Index: uint64(c.Index), Table: uint64(c.Table), Name: c.Name, IndexColumns: c.Columns}, nil
	case InsertRow:
		vals := value.EncodeMap(c.Values)
		return commandWire{Kind: cmdInsertRow, Table: uint64(c.Table), Values: vals}, nil
	case UpdateRow:
		pk := value.EncodeMap(c.PrimaryKey)
		asn := value.EncodeMap(c.Assignments)
		return commandWire{Kind: cmdUpdateRow, Table: uint64(c.Table), PrimaryKeyM: pk, Assignments: asn}, nil
	case DeleteRow:
		pk := value.EncodeMap(c.PrimaryKey)
		return commandWire{Kind: cmdDeleteRow, Table: uint64(c.Table), PrimaryKeyM: pk}, nil
	default:
		return commandWire{}, fmt.Errorf("kernel: unknown command variant %T", cmd)
	}
}

func fromCommandWire(w commandWire) (Command, error) {
	switch w.Kind {
	case cmdCreateStream:
		return CreateStream{Stream: ids.StreamId(w.Stream), Tenant: ids.TenantId(w.Tenant)}, nil
	case cmdAppendBatch:
		return AppendBatch{Stream: ids.StreamId(w.Stream), ExpectedOffset: ids.Offset(w.ExpectedOffset), Events: w.Events}, nil
	case cmdCreateTable:
		cols := make([]ColumnDef, len(w.Columns))
		for i, col := range w.Columns {
			cols[i] = ColumnDef{Name: col.Name, Type: value.Kind(col.Type), NotNull: col.NotNull}
		}
		return CreateTable{Table: ids.TableId(w.Table), Stream: ids.StreamId(w.Stream), Name: w.Name, Columns: cols, PrimaryKey: w.PrimaryKey}, nil
	case cmdDropTable:
		return DropTable{Table: ids.TableId(w.Table)}, nil
	case cmdCreateIndex:
		return CreateIndex{Index: ids.IndexId(w.Index), Table: ids.TableId(w.Table), Name: w.Name, Columns: w.IndexColumns}, nil
	case cmdInsertRow:
		vals, err := value.DecodeMap(w.Values)
		if err != nil {
			return nil, err
		}
		return InsertRow{Table: ids.TableId(w.Table), Values: vals}, nil
	case cmdUpdateRow:
		pk, err := value.DecodeMap(w.PrimaryKeyM)
		if err != nil {
			return nil, err
		}
		asn, err := value.DecodeMap(w.Assignments)
		if err != nil {
			return nil, err
		}
		return UpdateRow{Table: ids.TableId(w.Table), PrimaryKey: pk, Assignments: asn}, nil
	case cmdDeleteRow:
		pk, err := value.DecodeMap(w.PrimaryKeyM)
		if err != nil {
			return nil, err
		}
		return DeleteRow{Table: ids.TableId(w.Table), PrimaryKey: pk}, nil
	default:
		return nil, fmt.Errorf("kernel: unknown command kind %d", w.Kind)
	}
}
