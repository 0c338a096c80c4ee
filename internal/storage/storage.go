// Package storage implements §4.A (hash-chained segmented log) and
// §4.B (offset index + WAL): Kimberlite's durable, append-only,
// checksum-protected event log.
package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite-sub000/internal/chainhash"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/log"
	"github.com/kimberlitedb/kimberlite-sub000/internal/metrics"
)

// lockFilename is the advisory lock erigon-style data directories use
// to keep a second process from ever opening the same store (§5: the
// single readers-writer lock starts at the process boundary, before
// VSR or the kernel ever run).
const lockFilename = "LOCK"

// DefaultMaxSegmentSize matches the prototype's 256 MiB rotation size.
const DefaultMaxSegmentSize = 256 * uint64(datasize.MB)

// indexFlushThreshold is the dirty-record count that triggers an
// incremental index flush (§4.A, §4.B).
const indexFlushThreshold = 100

type segmentKey struct {
	stream ids.StreamId
	seg    uint32
}

// Storage owns every stream's segment files, offset indexes, and
// checkpoint caches beneath a single data directory. Per §5, the
// segment files are written only through this type's AppendBatch path
// and the offset indexes' WALs are single-writer: Storage itself holds
// a mutex, but the real serialization guarantee comes from the
// Kimberlite handle only ever driving one command at a time.
type Storage struct {
	dataDir         string
	maxSegmentSize  uint64
	log             *log.Logger

	mu                sync.Mutex
	manifests         map[ids.StreamId]*SegmentManifest
	indexCache        map[segmentKey]*OffsetIndex
	indexDirtyCount   map[segmentKey]int
	indexFlushedCount map[segmentKey]int
	checkpointCache   map[ids.StreamId]*CheckpointIndex

	// mmapCache holds memory-mapped index readers for sealed (non-active)
	// segments, whose index files are never written to again once a
	// segment rotates (§4.B). The active segment's index stays in
	// indexCache instead, since mmap-ing a file still being appended to
	// would require re-mapping on every growth.
	mmapCache map[segmentKey]*mmapIndexReader

	dirLock *flock.Flock
}

// New opens (or creates) a Storage handle rooted at dataDir, taking an
// exclusive advisory lock on the directory so a second process cannot
// open the same store concurrently (§5).
func New(dataDir string, maxSegmentSize uint64, logger *log.Logger) (*Storage, error) {
	if maxSegmentSize == 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "storage: create data dir")
	}
	if logger == nil {
		logger = log.New("component", "storage")
	}

	dirLock := flock.New(filepath.Join(dataDir, lockFilename))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "storage: acquire data dir lock")
	}
	if !locked {
		return nil, errors.Errorf("storage: data dir %s is already locked by another process", dataDir)
	}

	return &Storage{
		dataDir:           dataDir,
		maxSegmentSize:    maxSegmentSize,
		log:               logger,
		manifests:         make(map[ids.StreamId]*SegmentManifest),
		indexCache:        make(map[segmentKey]*OffsetIndex),
		indexDirtyCount:   make(map[segmentKey]int),
		indexFlushedCount: make(map[segmentKey]int),
		checkpointCache:   make(map[ids.StreamId]*CheckpointIndex),
		mmapCache:         make(map[segmentKey]*mmapIndexReader),
		dirLock:           dirLock,
	}, nil
}

// Close compacts every cached offset index into its main file, then
// releases the data directory lock and unmaps any sealed-segment index
// readers. The segment/index files themselves otherwise need no
// explicit close: each append opens, writes, and closes its own file
// handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, idx := range s.indexCache {
		if err := idx.save(s.indexPath(key.stream, key.seg)); err != nil {
			s.log.Warn("failed to compact offset index on close", "stream", key.stream, "segment", key.seg, "error", err)
		}
	}
	for key, m := range s.mmapCache {
		if err := m.close(); err != nil {
			s.log.Warn("failed to unmap sealed segment index", "stream", key.stream, "segment", key.seg, "error", err)
		}
	}
	if s.dirLock == nil {
		return nil
	}
	return s.dirLock.Unlock()
}

func (s *Storage) streamDir(stream ids.StreamId) string {
	return filepath.Join(s.dataDir, stream.String())
}

func (s *Storage) segmentPath(stream ids.StreamId, seg uint32) string {
	return filepath.Join(s.streamDir(stream), segmentFilename(seg))
}

func (s *Storage) indexPath(stream ids.StreamId, seg uint32) string {
	return filepath.Join(s.streamDir(stream), segmentIndexFilename(seg))
}

func (s *Storage) getOrLoadManifest(stream ids.StreamId) (*SegmentManifest, error) {
	if m, ok := s.manifests[stream]; ok {
		return m, nil
	}
	m, err := loadManifest(s.streamDir(stream))
	if os.IsNotExist(err) {
		m = newManifest()
	} else if err != nil {
		return nil, errors.Wrap(err, "storage: load manifest")
	}
	s.manifests[stream] = m
	return m, nil
}

func (s *Storage) ensureIndexCached(stream ids.StreamId, seg uint32) error {
	key := segmentKey{stream, seg}
	if _, ok := s.indexCache[key]; ok {
		return nil
	}
	idx, err := loadOffsetIndex(s.indexPath(stream, seg))
	if errors.Is(err, errIndexCorrupt) {
		s.log.Warn("offset index corrupt, rebuilding", "stream", stream, "segment", seg)
		idx, err = s.rebuildIndexLocked(stream, seg)
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	s.indexCache[key] = idx
	s.indexFlushedCount[key] = idx.len()
	return nil
}

// AppendBatch appends N >= 1 events to stream, enforcing
// expected_offset and maintaining the hash chain (§4.A).
func (s *Storage) AppendBatch(
	stream ids.StreamId,
	events [][]byte,
	expectedOffset ids.Offset,
	prevHash *chainhash.Hash,
	fsync bool,
) (ids.Offset, chainhash.Hash, error) {
	if len(events) == 0 {
		metrics.AppendBatches.WithLabelValues("rejected_empty").Inc()
		return 0, chainhash.Hash{}, ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	streamDir := s.streamDir(stream)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return 0, chainhash.Hash{}, errors.Wrap(err, "storage: create stream dir")
	}

	manifest, err := s.getOrLoadManifest(stream)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	activeSeg := manifest.ActiveSegment
	activeMeta := manifest.active()
	currentOffset := ids.Offset(activeMeta.NextOffset)
	if currentOffset != expectedOffset {
		metrics.AppendBatches.WithLabelValues("rejected_offset").Inc()
		return 0, chainhash.Hash{}, &ErrUnexpectedOffset{Stream: stream, Expected: expectedOffset, Actual: currentOffset}
	}

	segPath := s.segmentPath(stream, activeSeg)
	f, err := os.OpenFile(segPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, chainhash.Hash{}, errors.Wrap(err, "storage: open segment")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	bytePos := uint64(st.Size())

	if err := s.ensureIndexCached(stream, activeSeg); err != nil {
		return 0, chainhash.Hash{}, err
	}
	key := segmentKey{stream, activeSeg}
	idx := s.indexCache[key]

	curOffset := expectedOffset
	curHash := prevHash
	for _, ev := range events {
		idx.append(bytePos)
		rec := Record{Offset: curOffset, PrevHash: curHash, Kind: KindData, Payload: ev}
		frame := rec.ToBytes()
		bytePos += uint64(len(frame))
		if _, err := f.Write(frame); err != nil {
			return 0, chainhash.Hash{}, errors.Wrap(err, "storage: write record")
		}
		h := rec.ComputeHash()
		curHash = &h
		curOffset = curOffset.Add(1)
	}

	if fsync {
		if err := f.Sync(); err != nil {
			return 0, chainhash.Hash{}, errors.Wrap(err, "storage: fsync segment")
		}
	}

	activeMeta.SizeBytes = bytePos
	activeMeta.NextOffset = uint64(curOffset)

	s.indexDirtyCount[key] += len(events)
	if s.indexDirtyCount[key] >= indexFlushThreshold || fsync {
		if err := idx.saveIncremental(s.indexPath(stream, activeSeg), s.indexFlushedCount[key], compactThreshold); err != nil {
			return 0, chainhash.Hash{}, errors.Wrap(err, "storage: flush offset index")
		}
		s.indexFlushedCount[key] = idx.len()
		s.indexDirtyCount[key] = 0
	}

	if bytePos >= s.maxSegmentSize {
		if err := s.rotateSegmentLocked(stream, curOffset); err != nil {
			return 0, chainhash.Hash{}, err
		}
	}

	if err := manifest.save(streamDir); err != nil {
		return 0, chainhash.Hash{}, errors.Wrap(err, "storage: save manifest")
	}

	metrics.AppendBatches.WithLabelValues("ok").Inc()
	metrics.AppendedEvents.Add(float64(len(events)))
	return curOffset, *curHash, nil
}

func (s *Storage) rotateSegmentLocked(stream ids.StreamId, nextOffset ids.Offset) error {
	manifest := s.manifests[stream]
	oldSeg := manifest.ActiveSegment
	oldKey := segmentKey{stream, oldSeg}
	if idx, ok := s.indexCache[oldKey]; ok {
		if err := idx.save(s.indexPath(stream, oldSeg)); err != nil {
			return errors.Wrap(err, "storage: flush rotated segment index")
		}
	}
	s.indexDirtyCount[oldKey] = 0

	newSeg := manifest.rotate(uint64(nextOffset))
	s.log.Info("rotated segment", "stream", stream, "old_segment", oldSeg, "new_segment", newSeg)
	return nil
}

// ReadFrom performs a checkpoint-optimized verified read: it anchors
// verification at the nearest checkpoint at or before from_offset (or
// genesis if none exists), then re-verifies the chain until max_bytes
// of payload is consumed or the log ends (§4.A).
func (s *Storage) ReadFrom(stream ids.StreamId, fromOffset ids.Offset, maxBytes uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readRecordsVerified(stream, fromOffset, maxBytes, true)
	if err != nil {
		return nil, err
	}
	return recordsToPayloads(recs), nil
}

// ReadFromGenesis re-verifies the entire chain from the first record,
// for audits that must not rely on checkpoint trust (§4.A).
func (s *Storage) ReadFromGenesis(stream ids.StreamId, fromOffset ids.Offset, maxBytes uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readRecordsVerified(stream, fromOffset, maxBytes, false)
	if err != nil {
		return nil, err
	}
	return recordsToPayloads(recs), nil
}

func hashesEqual(a, b *chainhash.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func recordsToPayloads(recs []Record) [][]byte {
	out := make([][]byte, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Payload)
	}
	return out
}

// readRecordsVerified is the shared engine behind ReadFrom and
// ReadFromGenesis. useCheckpoint selects whether a checkpoint anchor
// may be used; when false, verification always starts at genesis.
func (s *Storage) readRecordsVerified(stream ids.StreamId, fromOffset ids.Offset, maxBytes uint64, useCheckpoint bool) ([]Record, error) {
	if _, ok := s.manifests[stream]; !ok {
		if _, err := os.Stat(s.streamDir(stream)); os.IsNotExist(err) {
			return nil, ErrStreamNotFound
		}
	}
	manifest, err := s.getOrLoadManifest(stream)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}

	startOffset := ids.Offset(0)
	var expectedPrevHash *chainhash.Hash
	if useCheckpoint {
		cp := s.checkpointCache[stream]
		if cp != nil {
			if anchor, ok := cp.nearestAtOrBefore(fromOffset); ok {
				startOffset = anchor.offset.Add(1)
				h := anchor.chainHash
				expectedPrevHash = &h
			}
		}
	}

	var results []Record
	var bytesRead uint64
	curOffset := startOffset

	for bytesRead < maxBytes {
		seg := manifest.findSegmentForOffset(uint64(curOffset))
		if uint64(curOffset) >= manifest.active().NextOffset && seg.SegmentNum == manifest.ActiveSegment {
			break // reached the log head
		}

		data, err := s.readSegmentData(stream, seg.SegmentNum)
		if err != nil {
			return nil, err
		}

		ordinal := int(uint64(curOffset) - seg.FirstOffset)
		pos, ok := s.bytePositionFor(stream, seg.SegmentNum, ordinal)
		if !ok {
			break
		}

		advanced := false
		for p := int(pos); p < len(data) && bytesRead < maxBytes; {
			rec, consumed, err := FromBytes(data[p:])
			if err != nil {
				if cre, isCorrupt := err.(*CorruptRecordError); isCorrupt {
					cre.Offset = curOffset
					return nil, cre
				}
				break // short read: end of what's durably written
			}
			p += consumed
			advanced = true

			if !hashesEqual(rec.PrevHash, expectedPrevHash) {
				metrics.ChainVerificationFailures.Inc()
				return nil, &ChainVerificationError{Offset: rec.Offset, Expected: expectedPrevHash, Actual: rec.PrevHash}
			}
			h := rec.ComputeHash()
			expectedPrevHash = &h
			curOffset = rec.Offset.Add(1)

			if rec.Kind == KindCheckpoint {
				continue // checkpoint records are never returned as data
			}
			if rec.Offset < fromOffset {
				continue // verified but not returned
			}
			bytesRead += uint64(len(rec.Payload))
			results = append(results, rec)
		}
		if !advanced {
			break
		}
	}

	return results, nil
}

// bytePositionFor returns the byte offset of record `ordinal` within
// segment segNum. The active segment's index is still being mutated in
// memory and goes through the ordinary cached OffsetIndex; any other
// (sealed) segment's index file is immutable, so it's served from a
// memory-mapped reader instead (§4.B).
func (s *Storage) bytePositionFor(stream ids.StreamId, segNum uint32, ordinal int) (uint64, bool) {
	manifest, err := s.getOrLoadManifest(stream)
	if err != nil {
		return 0, false
	}
	if segNum != manifest.ActiveSegment {
		return s.sealedBytePositionFor(stream, segNum, ordinal)
	}
	if err := s.ensureIndexCached(stream, segNum); err != nil {
		return 0, false
	}
	return s.indexCache[segmentKey{stream, segNum}].get(ordinal)
}

// sealedBytePositionFor looks up ordinal in segNum's on-disk index via
// a cached, read-only memory mapping, avoiding a read syscall per
// record lookup once a segment is sealed.
func (s *Storage) sealedBytePositionFor(stream ids.StreamId, segNum uint32, ordinal int) (uint64, bool) {
	key := segmentKey{stream, segNum}
	m, ok := s.mmapCache[key]
	if !ok {
		opened, err := openMmapIndex(s.indexPath(stream, segNum))
		if err != nil {
			return 0, false
		}
		m = opened
		s.mmapCache[key] = m
	}
	return m.get(ordinal)
}

func (s *Storage) readSegmentData(stream ids.StreamId, segNum uint32) ([]byte, error) {
	data, err := os.ReadFile(s.segmentPath(stream, segNum))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: read segment")
	}
	return data, nil
}

// RebuildIndex scans a segment linearly, recording each record's start
// byte position, and saves the result as the segment's index file
// (used when WAL replay fails, §4.A).
func (s *Storage) RebuildIndex(stream ids.StreamId, segNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.rebuildIndexLocked(stream, segNum)
	if err != nil {
		return err
	}
	key := segmentKey{stream, segNum}
	s.indexCache[key] = idx
	s.indexFlushedCount[key] = idx.len()
	s.indexDirtyCount[key] = 0
	if m, ok := s.mmapCache[key]; ok {
		delete(s.mmapCache, key)
		if err := m.close(); err != nil {
			s.log.Warn("failed to unmap stale sealed segment index", "stream", stream, "segment", segNum, "error", err)
		}
	}
	return nil
}

func (s *Storage) rebuildIndexLocked(stream ids.StreamId, segNum uint32) (*OffsetIndex, error) {
	data, err := s.readSegmentData(stream, segNum)
	if err != nil {
		return nil, err
	}
	idx := newOffsetIndex()
	pos := 0
	for pos < len(data) {
		_, consumed, err := FromBytes(data[pos:])
		if err != nil {
			break // trailing partial write from a crash; truncated on next append
		}
		idx.append(uint64(pos))
		pos += consumed
	}
	if err := idx.save(s.indexPath(stream, segNum)); err != nil {
		return nil, err
	}
	return idx, nil
}

// CreateCheckpoint writes a Checkpoint record carrying (chain_hash,
// record_count), forces a full index save (compacting the WAL), and
// updates the cached checkpoint index (§4.A checkpoint policy).
func (s *Storage) CreateCheckpoint(stream ids.StreamId, currentOffset ids.Offset, prevHash chainhash.Hash, recordCount uint64, fsync bool) error {
	payload := serializeCheckpointPayload(prevHash, recordCount)

	s.mu.Lock()
	manifest, err := s.getOrLoadManifest(stream)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	activeSeg := manifest.ActiveSegment
	activeMeta := manifest.active()
	if ids.Offset(activeMeta.NextOffset) != currentOffset {
		s.mu.Unlock()
		return &ErrUnexpectedOffset{Stream: stream, Expected: currentOffset, Actual: ids.Offset(activeMeta.NextOffset)}
	}
	s.mu.Unlock()

	next, hash, err := s.appendCheckpointRecord(stream, currentOffset, &prevHash, payload, fsync)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := segmentKey{stream, activeSeg}
	if idx, ok := s.indexCache[key]; ok {
		if err := idx.save(s.indexPath(stream, activeSeg)); err != nil {
			return errors.Wrap(err, "storage: save index at checkpoint")
		}
		s.indexFlushedCount[key] = idx.len()
		s.indexDirtyCount[key] = 0
	}
	cp, ok := s.checkpointCache[stream]
	if !ok {
		cp = newCheckpointIndex()
		s.checkpointCache[stream] = cp
	}
	cp.record(checkpointAnchor{offset: currentOffset, chainHash: hash, recordCount: recordCount})
	s.log.Info("checkpoint created", "stream", stream, "offset", currentOffset, "next", next)
	return nil
}

// appendCheckpointRecord writes a single Checkpoint-kind record using
// the same append path as data records, but returns the record's own
// computed hash (the trusted anchor for future checkpoint-optimized
// reads) rather than advancing via AppendBatch's event loop.
func (s *Storage) appendCheckpointRecord(stream ids.StreamId, offset ids.Offset, prevHash *chainhash.Hash, payload []byte, fsync bool) (ids.Offset, chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := s.getOrLoadManifest(stream)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	activeSeg := manifest.ActiveSegment
	activeMeta := manifest.active()

	segPath := s.segmentPath(stream, activeSeg)
	f, err := os.OpenFile(segPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, chainhash.Hash{}, errors.Wrap(err, "storage: open segment for checkpoint")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	bytePos := uint64(st.Size())

	if err := s.ensureIndexCached(stream, activeSeg); err != nil {
		return 0, chainhash.Hash{}, err
	}
	idx := s.indexCache[segmentKey{stream, activeSeg}]
	idx.append(bytePos)

	rec := Record{Offset: offset, PrevHash: prevHash, Kind: KindCheckpoint, Payload: payload}
	frame := rec.ToBytes()
	if _, err := f.Write(frame); err != nil {
		return 0, chainhash.Hash{}, err
	}
	if fsync {
		if err := f.Sync(); err != nil {
			return 0, chainhash.Hash{}, err
		}
	}
	bytePos += uint64(len(frame))
	nextOffset := offset.Add(1)
	activeMeta.SizeBytes = bytePos
	activeMeta.NextOffset = uint64(nextOffset)

	if err := manifest.save(s.streamDir(stream)); err != nil {
		return 0, chainhash.Hash{}, err
	}

	return nextOffset, rec.ComputeHash(), nil
}

// LastHash returns the chain hash of the last record written to
// stream, or ok=false for an empty stream. Used to repopulate the
// effect executor's chain-head cache after a restart (§4.E).
func (s *Storage) LastHash(stream ids.StreamId) (chainhash.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := s.getOrLoadManifest(stream)
	if err != nil {
		if os.IsNotExist(err) {
			return chainhash.Hash{}, false, nil
		}
		return chainhash.Hash{}, false, err
	}
	activeMeta := manifest.active()
	if activeMeta.NextOffset == activeMeta.FirstOffset && len(manifest.Segments) == 1 {
		return chainhash.Hash{}, false, nil // stream never appended to
	}

	lastOffset := ids.Offset(activeMeta.NextOffset - 1)
	seg := manifest.findSegmentForOffset(uint64(lastOffset))
	ordinal := int(uint64(lastOffset) - seg.FirstOffset)
	pos, ok := s.bytePositionFor(stream, seg.SegmentNum, ordinal)
	if !ok {
		return chainhash.Hash{}, false, errors.New("storage: last record position missing from index")
	}
	data, err := s.readSegmentData(stream, seg.SegmentNum)
	if err != nil {
		return chainhash.Hash{}, false, err
	}
	if int(pos) >= len(data) {
		return chainhash.Hash{}, false, errors.New("storage: last record position beyond segment size")
	}
	rec, _, err := FromBytes(data[pos:])
	if err != nil {
		return chainhash.Hash{}, false, err
	}
	return rec.ComputeHash(), true, nil
}

// CurrentOffset reports the stream's next-to-be-assigned offset.
func (s *Storage) CurrentOffset(stream ids.StreamId) (ids.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.getOrLoadManifest(stream)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrStreamNotFound
		}
		return 0, err
	}
	return ids.Offset(m.active().NextOffset), nil
}
