package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/chainhash"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

func newTestStorage(t *testing.T, maxSegmentSize uint64) *Storage {
	t.Helper()
	st, err := New(t.TempDir(), maxSegmentSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAppendBatchAssignsSequentialOffsetsAndChainsHashes(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(1, 1)

	next, h1, err := st.AppendBatch(stream, [][]byte{[]byte("a"), []byte("b")}, 0, nil, false)
	require.NoError(t, err)
	require.Equal(t, ids.Offset(2), next)

	next2, h2, err := st.AppendBatch(stream, [][]byte{[]byte("c")}, next, &h1, false)
	require.NoError(t, err)
	require.Equal(t, ids.Offset(3), next2)
	require.NotEqual(t, h1, h2)

	payloads, err := st.ReadFrom(stream, 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, payloads)
}

func TestAppendBatchRejectsEmptyBatch(t *testing.T) {
	st := newTestStorage(t, 0)
	_, _, err := st.AppendBatch(ids.NewStreamId(1, 1), nil, 0, nil, false)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestAppendBatchRejectsUnexpectedOffset(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(1, 1)
	_, _, err := st.AppendBatch(stream, [][]byte{[]byte("a")}, 5, nil, false)
	require.Error(t, err)
	var mismatch *ErrUnexpectedOffset
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, ids.Offset(5), mismatch.Expected)
	require.Equal(t, ids.Offset(0), mismatch.Actual)
}

func TestReadFromGenesisReadsAllRecordsFromScratch(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(1, 1)
	_, _, err := st.AppendBatch(stream, [][]byte{[]byte("x"), []byte("y")}, 0, nil, false)
	require.NoError(t, err)

	payloads, err := st.ReadFromGenesis(stream, 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, payloads)
}

func TestReadFromUnknownStreamReturnsErrStreamNotFound(t *testing.T) {
	st := newTestStorage(t, 0)
	_, err := st.ReadFrom(ids.NewStreamId(9, 9), 0, 1024)
	require.ErrorIs(t, err, ErrStreamNotFound)
}

// TestReadFromGenesisDetectsTamperedPayload is §8 scenario S2: a single
// flipped payload bit must surface as a CorruptRecordError naming the
// exact offset that failed, not a silent misread.
func TestReadFromGenesisDetectsTamperedPayload(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(1, 1)

	_, h0, err := st.AppendBatch(stream, [][]byte{[]byte("aaaa")}, 0, nil, true)
	require.NoError(t, err)
	_, h1, err := st.AppendBatch(stream, [][]byte{[]byte("bbbb")}, 1, &h0, true)
	require.NoError(t, err)
	_, _, err = st.AppendBatch(stream, [][]byte{[]byte("cccc")}, 2, &h1, true)
	require.NoError(t, err)

	segPath := st.segmentPath(stream, 0)
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)

	pos, ok := st.bytePositionFor(stream, 0, 1)
	require.True(t, ok)
	payloadStart := int(pos) + 4 + 8 + 1 + chainhash.Size + 1 + 4
	data[payloadStart] ^= 0xFF
	require.NoError(t, os.WriteFile(segPath, data, 0o644))

	_, err = st.ReadFromGenesis(stream, 0, 1<<20)
	require.Error(t, err)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, ids.Offset(1), corrupt.Offset)
}

// TestReadFromGenesisDetectsForgedPrevHash is §8 invariant 2: a record
// whose own frame is internally well-formed (valid checksum) but whose
// prev_hash does not match its predecessor's computed hash must fail
// with a distinct ChainVerificationError, not a checksum error.
func TestReadFromGenesisDetectsForgedPrevHash(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(2, 2)
	streamDir := st.streamDir(stream)
	require.NoError(t, os.MkdirAll(streamDir, 0o755))

	rec0 := Record{Offset: 0, PrevHash: nil, Kind: KindData, Payload: []byte("a")}
	forgedPrev := chainhash.Compute(999, nil, 0, []byte("not-the-real-predecessor"))
	rec1 := Record{Offset: 1, PrevHash: &forgedPrev, Kind: KindData, Payload: []byte("b")}

	frame0 := rec0.ToBytes()
	frame1 := rec1.ToBytes()
	segPath := st.segmentPath(stream, 0)
	require.NoError(t, os.WriteFile(segPath, append(frame0, frame1...), 0o644))

	m := &SegmentManifest{
		Segments:      []SegmentMeta{{SegmentNum: 0, FirstOffset: 0, NextOffset: 2, SizeBytes: uint64(len(frame0) + len(frame1))}},
		ActiveSegment: 0,
	}
	require.NoError(t, m.save(streamDir))
	require.NoError(t, st.RebuildIndex(stream, 0))

	_, err := st.ReadFromGenesis(stream, 0, 1<<20)
	require.Error(t, err)
	var chainErr *ChainVerificationError
	require.ErrorAs(t, err, &chainErr)
	require.Equal(t, ids.Offset(1), chainErr.Offset)
}

func TestAppendBatchRotatesSegmentOnceMaxSizeCrossed(t *testing.T) {
	st := newTestStorage(t, 80) // small enough that the second 20-byte event crosses it
	stream := ids.NewStreamId(1, 1)

	_, h, err := st.AppendBatch(stream, [][]byte{make([]byte, 20)}, 0, nil, false)
	require.NoError(t, err)
	_, _, err = st.AppendBatch(stream, [][]byte{make([]byte, 20)}, 1, &h, false)
	require.NoError(t, err)

	m, err := st.getOrLoadManifest(stream)
	require.NoError(t, err)
	require.Greater(t, len(m.Segments), 1, "appending past max_segment_size must rotate")

	offset, err := st.CurrentOffset(stream)
	require.NoError(t, err)
	require.Equal(t, ids.Offset(2), offset, "offsets stay continuous across a segment rotation")
}

// TestReadFromSealedSegmentUsesMmapIndex confirms that once a segment
// has rotated away, records within it are still read back correctly
// through the sealed-segment mmap index path (§4.B) rather than the
// active segment's in-memory OffsetIndex.
func TestReadFromSealedSegmentUsesMmapIndex(t *testing.T) {
	st := newTestStorage(t, 80) // small enough that the second 20-byte event crosses it
	stream := ids.NewStreamId(1, 1)

	first := make([]byte, 20)
	first[0] = 0xAA
	second := make([]byte, 20)
	second[0] = 0xBB

	_, h, err := st.AppendBatch(stream, [][]byte{first}, 0, nil, false)
	require.NoError(t, err)
	_, _, err = st.AppendBatch(stream, [][]byte{second}, 1, &h, false)
	require.NoError(t, err)

	m, err := st.getOrLoadManifest(stream)
	require.NoError(t, err)
	require.Greater(t, len(m.Segments), 1, "appending past max_segment_size must rotate")

	sealedSeg := m.Segments[0].SegmentNum
	require.NotEqual(t, m.ActiveSegment, sealedSeg)

	pos, ok := st.bytePositionFor(stream, sealedSeg, 0)
	require.True(t, ok)
	require.Equal(t, uint64(0), pos)

	payloads, err := st.ReadFromGenesis(stream, 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{first, second}, payloads)

	require.Contains(t, st.mmapCache, segmentKey{stream, sealedSeg}, "sealed segment lookup must populate the mmap cache")
}

func TestCreateCheckpointThenReadFromUsesAnchor(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(1, 1)

	events := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	next, lastHash, err := st.AppendBatch(stream, events, 0, nil, true)
	require.NoError(t, err)

	require.NoError(t, st.CreateCheckpoint(stream, next, lastHash, uint64(len(events)), true))

	// The checkpoint record itself occupies the next offset slot in the
	// chain (§4.A), so resuming writes needs the checkpoint's own hash
	// and the offset just past it, not the pre-checkpoint values.
	checkpointHash, ok, err := st.LastHash(stream)
	require.NoError(t, err)
	require.True(t, ok)
	postCheckpointOffset, err := st.CurrentOffset(stream)
	require.NoError(t, err)
	require.Equal(t, next.Add(1), postCheckpointOffset)

	_, _, err = st.AppendBatch(stream, [][]byte{[]byte("f"), []byte("g")}, postCheckpointOffset, &checkpointHash, true)
	require.NoError(t, err)

	payloads, err := st.ReadFrom(stream, postCheckpointOffset+1, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("g")}, payloads)
}

func TestLastHashReportsEmptyThenWrittenStream(t *testing.T) {
	st := newTestStorage(t, 0)
	stream := ids.NewStreamId(1, 1)

	_, ok, err := st.LastHash(stream)
	require.NoError(t, err)
	require.False(t, ok)

	_, h, err := st.AppendBatch(stream, [][]byte{[]byte("a")}, 0, nil, false)
	require.NoError(t, err)

	got, ok, err := st.LastHash(stream)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestNewFailsWhenDataDirAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir, 0, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = New(dir, 0, nil)
	require.Error(t, err)
}
