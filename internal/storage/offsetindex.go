package storage

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// compactThreshold is the number of WAL-resident positions that
// triggers a full compaction into the main index file (§4.B).
const compactThreshold = 1000

// OffsetIndex is the dense per-segment mapping from record ordinal to
// byte position described in §4.B: index[i] is the file offset at
// which record number i begins. Writes land in the in-memory array
// and an append-only WAL together; the WAL is compacted into the main
// file on a flush threshold, a checkpoint, or handle close.
type OffsetIndex struct {
	positions []uint64
}

func newOffsetIndex() *OffsetIndex {
	return &OffsetIndex{}
}

func (idx *OffsetIndex) append(pos uint64) {
	idx.positions = append(idx.positions, pos)
}

func (idx *OffsetIndex) len() int { return len(idx.positions) }

func (idx *OffsetIndex) get(ordinal int) (uint64, bool) {
	if ordinal < 0 || ordinal >= len(idx.positions) {
		return 0, false
	}
	return idx.positions[ordinal], true
}

// save performs a full rewrite of the main index file, compacting away
// any WAL. Used on segment rotation and on checkpoint creation, both
// safety boundaries where the extra write cost is acceptable (§4.A).
func (idx *OffsetIndex) save(mainPath string) error {
	buf := make([]byte, 8*len(idx.positions))
	for i, p := range idx.positions {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], p)
	}
	tmp := mainPath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, mainPath); err != nil {
		return err
	}
	// A fresh main file supersedes any pending WAL.
	_ = os.Remove(mainPath + ".wal")
	return nil
}

// saveIncremental appends positions[flushedCount:] to the WAL file. If
// doing so would bring the WAL past compactThreshold entries, it
// instead performs a full save (compaction) and drops the WAL.
func (idx *OffsetIndex) saveIncremental(mainPath string, flushedCount int, threshold int) error {
	if threshold <= 0 {
		threshold = compactThreshold
	}
	pending := idx.positions[flushedCount:]
	if len(pending) == 0 {
		return nil
	}

	walPath := mainPath + ".wal"
	existingWAL, err := walEntryCount(walPath)
	if err != nil {
		return err
	}
	if existingWAL+len(pending) >= threshold {
		return idx.save(mainPath)
	}

	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 8*len(pending))
	for i, p := range pending {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], p)
	}
	_, err = f.Write(buf)
	return err
}

func walEntryCount(walPath string) (int, error) {
	st, err := os.Stat(walPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(st.Size() / 8), nil
}

// loadOffsetIndex loads the main index file then replays the WAL on
// top of it, appending any newer positions recorded since the last
// compaction (§4.B crash recovery). If either file is malformed, it
// returns errIndexCorrupt so the caller can trigger a full rebuild.
func loadOffsetIndex(mainPath string) (*OffsetIndex, error) {
	idx := newOffsetIndex()

	if main, err := readPositions(mainPath); err == nil {
		idx.positions = main
	} else if !os.IsNotExist(err) {
		return nil, errIndexCorrupt
	}

	walPath := mainPath + ".wal"
	if wal, err := readPositions(walPath); err == nil {
		idx.positions = append(idx.positions, wal...)
	} else if !os.IsNotExist(err) {
		return nil, errIndexCorrupt
	}

	return idx, nil
}

func readPositions(path string) ([]uint64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("storage: index file %s has non-multiple-of-8 length %d: %w", path, len(buf), errIndexCorrupt)
	}
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
	}
	return out, nil
}

// mmapIndexReader provides O(1) lookups into a sealed segment's main
// index file without per-lookup read syscalls, by memory-mapping the
// file once. Only used for immutable (non-active) segments.
type mmapIndexReader struct {
	region mmap.MMap
	file   *os.File
}

func openMmapIndex(path string) (*mmapIndexReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		f.Close()
		return &mmapIndexReader{}, nil
	}
	region, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mmapIndexReader{region: region, file: f}, nil
}

func (m *mmapIndexReader) get(ordinal int) (uint64, bool) {
	start := ordinal * 8
	if m.region == nil || start+8 > len(m.region) {
		return 0, false
	}
	return binary.BigEndian.Uint64(m.region[start : start+8]), true
}

func (m *mmapIndexReader) close() error {
	if m.region != nil {
		if err := m.region.Unmap(); err != nil {
			return err
		}
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

var errIndexCorrupt = fmt.Errorf("storage: offset index corrupt")
