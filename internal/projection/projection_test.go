package projection

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cacheSize int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "proj.db"), cacheSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApplyThenGetReturnsValueAtOrAfterPosition(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Apply(WriteBatch{Position: 1, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v1")}}}))

	v, ok, err := s.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	v, ok, err = s.Get([]byte("k"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestGetBeforeFirstWriteIsNotFound(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Apply(WriteBatch{Position: 5, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v")}}}))

	_, ok, err := s.Get([]byte("k"), 4)
	require.NoError(t, err)
	require.False(t, ok, "a read snapshot before the write's position must not see it")
}

func TestGetSeesMostRecentValueAtOrBeforeSnapshot(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Apply(WriteBatch{Position: 1, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v1")}}}))
	require.NoError(t, s.Apply(WriteBatch{Position: 2, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v2")}}}))

	v, ok, err := s.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v, "snapshot at position 1 must not observe the position-2 write")

	v, ok, err = s.Get([]byte("k"), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestApplyDeleteTombstonesKey(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Apply(WriteBatch{Position: 1, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v")}}}))
	require.NoError(t, s.Apply(WriteBatch{Position: 2, Mutations: []Mutation{{Key: []byte("k"), IsDelete: true}}}))

	_, ok, err := s.Get([]byte("k"), 2)
	require.NoError(t, err)
	require.False(t, ok)

	// the pre-delete snapshot is unaffected
	v, ok, err := s.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestAppliedPositionAdvancesWithEachBatch(t *testing.T) {
	s := newTestStore(t, 0)
	pos, err := s.AppliedPosition()
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)

	require.NoError(t, s.Apply(WriteBatch{Position: 7, Mutations: []Mutation{{Key: []byte("a"), Value: []byte("1")}}}))
	pos, err = s.AppliedPosition()
	require.NoError(t, err)
	require.Equal(t, uint64(7), pos)
}

func TestRangeScanReturnsLatestLiveValuePerKeyInOrder(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Apply(WriteBatch{Position: 1, Mutations: []Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}}))
	require.NoError(t, s.Apply(WriteBatch{Position: 2, Mutations: []Mutation{
		{Key: []byte("b"), IsDelete: true},
	}}))

	rows, err := s.RangeScan([]byte("a"), []byte("z"), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2, "deleted key b must be excluded")
	require.Equal(t, []byte("a"), rows[0].Key)
	require.Equal(t, []byte("c"), rows[1].Key)
}

func TestRangeScanRespectsSnapshotPosition(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Apply(WriteBatch{Position: 1, Mutations: []Mutation{{Key: []byte("a"), Value: []byte("1")}}}))
	require.NoError(t, s.Apply(WriteBatch{Position: 2, Mutations: []Mutation{{Key: []byte("b"), Value: []byte("2")}}}))

	rows, err := s.RangeScan([]byte("a"), []byte("z"), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1, "key b written at position 2 must not be visible at snapshot 1")
}

func TestGetWithCacheStillReflectsLatestAppliedWrite(t *testing.T) {
	s := newTestStore(t, 8)
	require.NoError(t, s.Apply(WriteBatch{Position: 1, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v1")}}}))
	v, ok, err := s.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Apply(WriteBatch{Position: 2, Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v2")}}}))
	v, ok, err = s.Get([]byte("k"), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v, "a cached miss-aware Get must not serve a stale value after Apply invalidates it")
}
