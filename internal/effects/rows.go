package effects

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
	"github.com/kimberlitedb/kimberlite-sub000/internal/projection"
	"github.com/kimberlitedb/kimberlite-sub000/internal/rowcodec"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

func pkTuple(def kernel.TableDef, row map[string]value.Value) []value.Value {
	out := make([]value.Value, len(def.PrimaryKey))
	for i, col := range def.PrimaryKey {
		out[i] = row[col]
	}
	return out
}

func indexedTuple(idx kernel.IndexDef, row map[string]value.Value) []value.Value {
	out := make([]value.Value, len(idx.Columns))
	for i, col := range idx.Columns {
		out[i] = row[col]
	}
	return out
}

// applyRowMutation replays one decoded DML event against the
// projection store's row and index entries at the given log position,
// implementing §4.E's Insert/Update/Delete semantics.
func (e *Executor) applyRowMutation(state *kernel.State, def kernel.TableDef, kind kernel.DMLEventKind, pk, values map[string]value.Value, position ids.Offset) error {
	indexes := make([]kernel.IndexDef, 0, len(def.Indexes))
	for _, id := range def.Indexes {
		if idx, ok := state.Indexes[id]; ok {
			indexes = append(indexes, idx)
		}
	}

	switch kind {
	case kernel.DMLInsert:
		pkVals := pkTuple(def, values)
		rowKey := rowcodec.RowKey(def.Table, pkVals)
		batch := projection.WriteBatch{Position: uint64(position)}
		batch.Mutations = append(batch.Mutations, projection.Mutation{Key: rowKey, Value: rowcodec.EncodeRow(values)})
		for _, idx := range indexes {
			entry := rowcodec.IndexEntryKey(idx.Index, indexedTuple(idx, values), pkVals)
			batch.Mutations = append(batch.Mutations, projection.Mutation{Key: entry, Value: []byte{0x01}})
		}
		return e.proj.Apply(batch)

	case kernel.DMLUpdate:
		pkVals := make([]value.Value, len(def.PrimaryKey))
		for i, col := range def.PrimaryKey {
			pkVals[i] = pk[col]
		}
		rowKey := rowcodec.RowKey(def.Table, pkVals)
		existingBytes, found, err := e.proj.Get(rowKey, uint64(position))
		if err != nil {
			return errors.Wrap(err, "effects: read existing row for update")
		}
		if !found {
			return fmt.Errorf("effects: update of missing row in table %s", def.Table)
		}
		existing, err := rowcodec.DecodeRow(existingBytes)
		if err != nil {
			return errors.Wrap(err, "effects: decode existing row")
		}

		merged := make(map[string]value.Value, len(existing))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range values {
			merged[k] = v
		}

		batch := projection.WriteBatch{Position: uint64(position)}
		for _, idx := range indexes {
			changed := false
			for _, idxCol := range idx.Columns {
				if _, set := values[idxCol]; set {
					changed = true
					break
				}
			}
			if !changed {
				continue
			}
			oldEntry := rowcodec.IndexEntryKey(idx.Index, indexedTuple(idx, existing), pkVals)
			newEntry := rowcodec.IndexEntryKey(idx.Index, indexedTuple(idx, merged), pkVals)
			batch.Mutations = append(batch.Mutations,
				projection.Mutation{Key: oldEntry, IsDelete: true},
				projection.Mutation{Key: newEntry, Value: []byte{0x01}},
			)
		}
		batch.Mutations = append(batch.Mutations, projection.Mutation{Key: rowKey, Value: rowcodec.EncodeRow(merged)})
		return e.proj.Apply(batch)

	case kernel.DMLDelete:
		pkVals := make([]value.Value, len(def.PrimaryKey))
		for i, col := range def.PrimaryKey {
			pkVals[i] = pk[col]
		}
		rowKey := rowcodec.RowKey(def.Table, pkVals)
		existingBytes, found, err := e.proj.Get(rowKey, uint64(position))
		if err != nil {
			return errors.Wrap(err, "effects: read existing row for delete")
		}
		batch := projection.WriteBatch{Position: uint64(position)}
		batch.Mutations = append(batch.Mutations, projection.Mutation{Key: rowKey, IsDelete: true})
		if found {
			existing, err := rowcodec.DecodeRow(existingBytes)
			if err == nil {
				for _, idx := range indexes {
					entry := rowcodec.IndexEntryKey(idx.Index, indexedTuple(idx, existing), pkVals)
					batch.Mutations = append(batch.Mutations, projection.Mutation{Key: entry, IsDelete: true})
				}
			}
		}
		return e.proj.Apply(batch)

	default:
		return fmt.Errorf("effects: unknown dml event kind %d", kind)
	}
}

// populateIndex scans the base table at its current applied position
// and emits a composite index entry for every existing row (§4.E "scan
// the base table and emit composite index entries").
func (e *Executor) populateIndex(state *kernel.State, ef kernel.IndexMetadataWrite) error {
	def, ok := state.Tables[ef.Table]
	if !ok {
		return fmt.Errorf("effects: populate_index: table %s not found", ef.Table)
	}
	idx, ok := state.Indexes[ef.Index]
	if !ok {
		return fmt.Errorf("effects: populate_index: index %s not found", ef.Index)
	}

	applied, err := e.proj.AppliedPosition()
	if err != nil {
		return err
	}
	rows, err := e.proj.RangeScan(rowcodec.RowPrefix(def.Table), value.Successor(rowcodec.RowPrefix(def.Table)), applied)
	if err != nil {
		return errors.Wrap(err, "effects: scan base table for index population")
	}

	batch := projection.WriteBatch{Position: applied}
	for _, kv := range rows {
		row, err := rowcodec.DecodeRow(kv.Value)
		if err != nil {
			return errors.Wrap(err, "effects: decode row during index population")
		}
		pkVals := pkTuple(def, row)
		entry := rowcodec.IndexEntryKey(idx.Index, indexedTuple(idx, row), pkVals)
		batch.Mutations = append(batch.Mutations, projection.Mutation{Key: entry, Value: []byte{0x01}})
	}
	if len(batch.Mutations) == 0 {
		return nil
	}
	return e.proj.Apply(batch)
}
