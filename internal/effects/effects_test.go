package effects

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
	"github.com/kimberlitedb/kimberlite-sub000/internal/projection"
	"github.com/kimberlitedb/kimberlite-sub000/internal/rowcodec"
	"github.com/kimberlitedb/kimberlite-sub000/internal/storage"
	"github.com/kimberlitedb/kimberlite-sub000/internal/value"
)

func newTestExecutor(t *testing.T) (*Executor, *storage.Storage, *projection.Store) {
	t.Helper()
	st, err := storage.New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj, err := projection.Open(t.TempDir()+"/proj.db", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = proj.Close() })

	return NewExecutor(st, proj, nil, nil), st, proj
}

func apply(t *testing.T, state *kernel.State, ex *Executor, cmd kernel.Command) *kernel.State {
	t.Helper()
	next, effects, err := kernel.ApplyCommitted(state, cmd)
	require.NoError(t, err)
	require.NoError(t, ex.Apply(next, effects, false))
	return next
}

func TestApplyStorageAppendChainsAcrossCalls(t *testing.T) {
	ex, st, _ := newTestExecutor(t)
	stream := ids.NewStreamId(1, 1)
	state := kernel.NewState()

	state = apply(t, state, ex, kernel.CreateStream{Stream: stream, Tenant: 1})
	state = apply(t, state, ex, kernel.AppendBatch{Stream: stream, ExpectedOffset: 0, Events: [][]byte{[]byte("a"), []byte("b")}})
	state = apply(t, state, ex, kernel.AppendBatch{Stream: stream, ExpectedOffset: 2, Events: [][]byte{[]byte("c")}})

	payloads, err := st.ReadFrom(stream, 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, payloads)
	_ = state
}

func TestApplyInsertRowPopulatesProjectionRow(t *testing.T) {
	ex, _, proj := newTestExecutor(t)
	stream := ids.NewStreamId(1, 1)
	table := ids.DeriveTableId("users")
	state := kernel.NewState()

	state = apply(t, state, ex, kernel.CreateStream{Stream: stream, Tenant: 1})
	state = apply(t, state, ex, kernel.CreateTable{Table: table, Stream: stream, Name: "users", PrimaryKey: []string{"id"}})

	row := map[string]value.Value{"id": value.NewBigInt(1), "name": value.NewText("Alice")}
	state = apply(t, state, ex, kernel.InsertRow{Table: table, Values: row})

	rowKey := rowcodec.RowKey(table, []value.Value{value.NewBigInt(1)})
	got, found, err := proj.Get(rowKey, 10)
	require.NoError(t, err)
	require.True(t, found)

	decoded, err := rowcodec.DecodeRow(got)
	require.NoError(t, err)
	require.True(t, decoded["name"].Equal(value.NewText("Alice")))
}

func TestApplyUpdateRowMergesAssignments(t *testing.T) {
	ex, _, proj := newTestExecutor(t)
	stream := ids.NewStreamId(1, 1)
	table := ids.DeriveTableId("users")
	state := kernel.NewState()
	state = apply(t, state, ex, kernel.CreateStream{Stream: stream, Tenant: 1})
	state = apply(t, state, ex, kernel.CreateTable{Table: table, Stream: stream, Name: "users", PrimaryKey: []string{"id"}})
	state = apply(t, state, ex, kernel.InsertRow{Table: table, Values: map[string]value.Value{
		"id": value.NewBigInt(1), "name": value.NewText("Alice"), "age": value.NewBigInt(30),
	}})

	pk := map[string]value.Value{"id": value.NewBigInt(1)}
	state = apply(t, state, ex, kernel.UpdateRow{Table: table, PrimaryKey: pk, Assignments: map[string]value.Value{"name": value.NewText("Bob")}})

	rowKey := rowcodec.RowKey(table, []value.Value{value.NewBigInt(1)})
	got, found, err := proj.Get(rowKey, 100)
	require.NoError(t, err)
	require.True(t, found)
	decoded, err := rowcodec.DecodeRow(got)
	require.NoError(t, err)
	require.True(t, decoded["name"].Equal(value.NewText("Bob")), "update must overwrite only the assigned column")
	require.True(t, decoded["age"].Equal(value.NewBigInt(30)), "update must preserve unassigned columns")
}

func TestApplyDeleteRowRemovesRowAndIndexEntries(t *testing.T) {
	ex, _, proj := newTestExecutor(t)
	stream := ids.NewStreamId(1, 1)
	table := ids.DeriveTableId("users")
	index := ids.DeriveIndexId("users", "by_email")
	state := kernel.NewState()
	state = apply(t, state, ex, kernel.CreateStream{Stream: stream, Tenant: 1})
	state = apply(t, state, ex, kernel.CreateTable{Table: table, Stream: stream, Name: "users", PrimaryKey: []string{"id"}})
	state = apply(t, state, ex, kernel.CreateIndex{Index: index, Table: table, Name: "by_email", Columns: []string{"email"}})
	state = apply(t, state, ex, kernel.InsertRow{Table: table, Values: map[string]value.Value{
		"id": value.NewBigInt(1), "email": value.NewText("a@example.com"),
	}})

	entry := rowcodec.IndexEntryKey(index, []value.Value{value.NewText("a@example.com")}, []value.Value{value.NewBigInt(1)})
	_, found, err := proj.Get(entry, 100)
	require.NoError(t, err)
	require.True(t, found, "insert must populate the index entry")

	pk := map[string]value.Value{"id": value.NewBigInt(1)}
	state = apply(t, state, ex, kernel.DeleteRow{Table: table, PrimaryKey: pk})

	rowKey := rowcodec.RowKey(table, []value.Value{value.NewBigInt(1)})
	_, found, err = proj.Get(rowKey, 100)
	require.NoError(t, err)
	require.False(t, found, "row must be tombstoned after delete")

	_, found, err = proj.Get(entry, 100)
	require.NoError(t, err)
	require.False(t, found, "index entry must be removed after delete")
	_ = state
}

func TestPopulateIndexBackfillsExistingRows(t *testing.T) {
	ex, _, proj := newTestExecutor(t)
	stream := ids.NewStreamId(1, 1)
	table := ids.DeriveTableId("users")
	state := kernel.NewState()
	state = apply(t, state, ex, kernel.CreateStream{Stream: stream, Tenant: 1})
	state = apply(t, state, ex, kernel.CreateTable{Table: table, Stream: stream, Name: "users", PrimaryKey: []string{"id"}})
	state = apply(t, state, ex, kernel.InsertRow{Table: table, Values: map[string]value.Value{
		"id": value.NewBigInt(1), "email": value.NewText("a@example.com"),
	}})

	index := ids.DeriveIndexId("users", "by_email")
	state = apply(t, state, ex, kernel.CreateIndex{Index: index, Table: table, Name: "by_email", Columns: []string{"email"}})

	entry := rowcodec.IndexEntryKey(index, []value.Value{value.NewText("a@example.com")}, []value.Value{value.NewBigInt(1)})
	applied, err := proj.AppliedPosition()
	require.NoError(t, err)
	_, found, err := proj.Get(entry, applied)
	require.NoError(t, err)
	require.True(t, found, "creating an index after rows already exist must backfill entries for them")
	_ = state
}

func TestRetryableDistinguishesEffectTruncatedFromOtherErrors(t *testing.T) {
	table := ids.DeriveTableId("t")
	truncated := &EffectTruncated{Table: table, From: 0, To: 10, Got: 5}
	require.True(t, Retryable(truncated))
	require.False(t, Retryable(errors.New("some other failure")))
}
