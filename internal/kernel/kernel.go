// Package kernel implements §4.D: the pure state machine at
// Kimberlite's core. ApplyCommitted is a deterministic function of
// (state, command); it performs no I/O and returns the effects the
// imperative shell (package effects) must carry out.
package kernel

import (
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

// ApplyCommitted applies one committed command to state, returning the
// new state and the ordered effect list, or a protocol-kind Error that
// leaves state untouched (§4.D, §7 propagation rules).
func ApplyCommitted(state *State, cmd Command) (*State, []Effect, error) {
	switch c := cmd.(type) {
	case CreateStream:
		return applyCreateStream(state, c)
	case AppendBatch:
		return applyAppendBatch(state, c)
	case CreateTable:
		return applyCreateTable(state, c)
	case DropTable:
		return applyDropTable(state, c)
	case CreateIndex:
		return applyCreateIndex(state, c)
	case InsertRow:
		return applyInsertRow(state, c)
	case UpdateRow:
		return applyUpdateRow(state, c)
	case DeleteRow:
		return applyDeleteRow(state, c)
	default:
		panic("kernel: unhandled command variant")
	}
}

func applyCreateStream(state *State, c CreateStream) (*State, []Effect, error) {
	if _, exists := state.Streams[c.Stream]; exists {
		return state, nil, &Error{Kind: ErrStreamIDUniqueConstraint, Stream: c.Stream}
	}
	next := state.clone()
	next.Streams[c.Stream] = StreamMeta{Stream: c.Stream, Tenant: c.Tenant, CurrentOffset: 0}
	effects := []Effect{StreamMetadataWrite{Stream: c.Stream, Tenant: c.Tenant}}
	return next, effects, nil
}

func applyAppendBatch(state *State, c AppendBatch) (*State, []Effect, error) {
	if len(c.Events) == 0 {
		return state, nil, &Error{Kind: ErrEmptyEventBatch, Stream: c.Stream}
	}
	meta, exists := state.Streams[c.Stream]
	if !exists {
		return state, nil, &Error{Kind: ErrStreamNotFound, Stream: c.Stream}
	}
	if meta.CurrentOffset != c.ExpectedOffset {
		return state, nil, &Error{Kind: ErrUnexpectedStreamOffset, Stream: c.Stream, Expected: c.ExpectedOffset, Actual: meta.CurrentOffset}
	}

	next := state.clone()
	baseOffset := meta.CurrentOffset
	meta.CurrentOffset = meta.CurrentOffset.Add(uint64(len(c.Events)))
	next.Streams[c.Stream] = meta

	effects := []Effect{
		StorageAppend{Stream: c.Stream, BaseOffset: baseOffset, Events: c.Events},
		WakeProjection{Stream: c.Stream},
	}
	return next, effects, nil
}

func applyCreateTable(state *State, c CreateTable) (*State, []Effect, error) {
	if _, exists := state.Tables[c.Table]; exists {
		return state, nil, &Error{Kind: ErrTableIDUniqueConstraint, Table: c.Table}
	}
	next := state.clone()
	next.Tables[c.Table] = TableDef{
		Table:      c.Table,
		Stream:     c.Stream,
		Name:       c.Name,
		Columns:    c.Columns,
		PrimaryKey: c.PrimaryKey,
	}
	return next, []Effect{TableMetadataWrite{Table: c.Table}}, nil
}

func applyDropTable(state *State, c DropTable) (*State, []Effect, error) {
	if _, exists := state.Tables[c.Table]; !exists {
		return state, nil, &Error{Kind: ErrTableNotFound, Table: c.Table}
	}
	next := state.clone()
	delete(next.Tables, c.Table)
	for id, idx := range next.Indexes {
		if idx.Table == c.Table {
			delete(next.Indexes, id)
		}
	}
	return next, []Effect{TableMetadataDrop{Table: c.Table}}, nil
}

func applyCreateIndex(state *State, c CreateIndex) (*State, []Effect, error) {
	if _, exists := state.Indexes[c.Index]; exists {
		return state, nil, &Error{Kind: ErrIndexIDUniqueConstraint, Index: c.Index}
	}
	table, exists := state.Tables[c.Table]
	if !exists {
		return state, nil, &Error{Kind: ErrTableNotFound, Table: c.Table}
	}

	next := state.clone()
	next.Indexes[c.Index] = IndexDef{Index: c.Index, Table: c.Table, Name: c.Name, Columns: c.Columns}
	table.Indexes = append(append([]ids.IndexId{}, table.Indexes...), c.Index)
	next.Tables[c.Table] = table

	return next, []Effect{IndexMetadataWrite{Index: c.Index, Table: c.Table}}, nil
}

func applyInsertRow(state *State, c InsertRow) (*State, []Effect, error) {
	return appendDML(state, c.Table, DMLInsert, nil, c.Values)
}

func applyUpdateRow(state *State, c UpdateRow) (*State, []Effect, error) {
	return appendDML(state, c.Table, DMLUpdate, c.PrimaryKey, c.Assignments)
}

func applyDeleteRow(state *State, c DeleteRow) (*State, []Effect, error) {
	return appendDML(state, c.Table, DMLDelete, c.PrimaryKey, nil)
}

// appendDML validates the table exists and emits the StorageAppend +
// UpdateProjection effect pair shared by Insert/Update/Delete (§4.D).
// The row mutation itself is not applied here: the kernel only
// describes what happened, the effect executor applies it later when
// it replays the event from the stream (§4.E).
func appendDML(state *State, table ids.TableId, kind DMLEventKind, pk, values map[string]value.Value) (*State, []Effect, error) {
	def, exists := state.Tables[table]
	if !exists {
		return state, nil, &Error{Kind: ErrTableNotFound, Table: table}
	}

	meta, exists := state.Streams[def.Stream]
	if !exists {
		return state, nil, &Error{Kind: ErrStreamNotFound, Stream: def.Stream}
	}

	payload := EncodeDMLEvent(kind, pk, values)
	next := state.clone()
	baseOffset := meta.CurrentOffset
	meta.CurrentOffset = meta.CurrentOffset.Add(1)
	next.Streams[def.Stream] = meta

	effects := []Effect{
		StorageAppend{Stream: def.Stream, BaseOffset: baseOffset, Events: [][]byte{payload}},
		UpdateProjection{Table: table, From: baseOffset, To: meta.CurrentOffset},
	}
	return next, effects, nil
}
