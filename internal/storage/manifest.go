package storage

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

const manifestFilename = "manifest.json"

// SegmentMeta describes one segment file's offset range and size
// (§3).
type SegmentMeta struct {
	SegmentNum  uint32 `json:"segment_num"`
	FirstOffset uint64 `json:"first_offset"`
	NextOffset  uint64 `json:"next_offset"` // exclusive
	SizeBytes   uint64 `json:"size_bytes"`
}

// SegmentManifest is the ordered list of a stream's segments plus the
// currently writable one (§3).
type SegmentManifest struct {
	Segments      []SegmentMeta `json:"segments"`
	ActiveSegment uint32        `json:"active_segment"`
}

func newManifest() *SegmentManifest {
	return &SegmentManifest{
		Segments: []SegmentMeta{{SegmentNum: 0, FirstOffset: 0, NextOffset: 0, SizeBytes: 0}},
	}
}

func (m *SegmentManifest) active() *SegmentMeta {
	for i := range m.Segments {
		if m.Segments[i].SegmentNum == m.ActiveSegment {
			return &m.Segments[i]
		}
	}
	panic("storage: manifest missing its own active segment")
}

// rotate seals the active segment and appends a new empty one starting
// at nextOffset, returning the new segment number.
func (m *SegmentManifest) rotate(nextOffset uint64) uint32 {
	newNum := m.ActiveSegment + 1
	m.Segments = append(m.Segments, SegmentMeta{
		SegmentNum:  newNum,
		FirstOffset: nextOffset,
		NextOffset:  nextOffset,
	})
	m.ActiveSegment = newNum
	return newNum
}

// findSegmentForOffset locates the segment containing offset. Per the
// resolved §9 open question: an offset equal to the stream's global
// next_offset (i.e. beyond every recorded segment's next_offset) always
// resolves to the active segment, which is where the next write will
// land — never to a sealed segment, even right after a rotation left
// the new active segment empty.
func (m *SegmentManifest) findSegmentForOffset(offset uint64) SegmentMeta {
	for _, s := range m.Segments {
		if offset >= s.FirstOffset && offset < s.NextOffset {
			return s
		}
	}
	return *m.active()
}

func (m *SegmentManifest) save(streamDir string) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(streamDir, manifestFilename+".tmp")
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(streamDir, manifestFilename))
}

func loadManifest(streamDir string) (*SegmentManifest, error) {
	buf, err := os.ReadFile(filepath.Join(streamDir, manifestFilename))
	if err != nil {
		return nil, err
	}
	var m SegmentManifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("storage: corrupt manifest: %w", err)
	}
	return &m, nil
}

func segmentFilename(num uint32) string      { return fmt.Sprintf("segment_%06d.log", num) }
func segmentIndexFilename(num uint32) string { return fmt.Sprintf("segment_%06d.log.idx", num) }
func segmentIndexWALFilename(num uint32) string {
	return fmt.Sprintf("segment_%06d.log.idx.wal", num)
}
