package kernel

import (
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// ColumnDef describes one column of a table (§6.4).
type ColumnDef struct {
	Name    string
	Type    value.Kind
	NotNull bool
}

// Command is the kernel's sum type of committed operations (§4.D).
// Exhaustive type switches in ApplyCommitted replace dynamic dispatch;
// discriminants are stable because commandcodec.go encodes each
// variant behind its own fixed commandKind tag at the VSR log-entry
// boundary.
type Command interface {
	isCommand()
}

type CreateStream struct {
	Stream ids.StreamId
	Tenant ids.TenantId
}

type AppendBatch struct {
	Stream         ids.StreamId
	ExpectedOffset ids.Offset
	Events         [][]byte
}

type CreateTable struct {
	Table      ids.TableId
	Stream     ids.StreamId
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
}

type DropTable struct {
	Table ids.TableId
}

type CreateIndex struct {
	Index   ids.IndexId
	Table   ids.TableId
	Name    string
	Columns []string
}

// InsertRow carries a full row; the kernel derives its primary key
// from Values and the table's PrimaryKey column list.
type InsertRow struct {
	Table  ids.TableId
	Values map[string]value.Value
}

// UpdateRow identifies a single row by its primary key (already
// resolved by the query executor's WHERE evaluation) and carries the
// SET assignments to merge into it.
type UpdateRow struct {
	Table       ids.TableId
	PrimaryKey  map[string]value.Value
	Assignments map[string]value.Value
}

type DeleteRow struct {
	Table      ids.TableId
	PrimaryKey map[string]value.Value
}

func (CreateStream) isCommand() {}
func (AppendBatch) isCommand()  {}
func (CreateTable) isCommand()  {}
func (DropTable) isCommand()    {}
func (CreateIndex) isCommand()  {}
func (InsertRow) isCommand()    {}
func (UpdateRow) isCommand()    {}
func (DeleteRow) isCommand()    {}
