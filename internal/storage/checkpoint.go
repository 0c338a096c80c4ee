package storage

import (
	"encoding/binary"

	"github.com/kimberlitedb/kimberlite-sub000/internal/chainhash"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// checkpointAnchor is a verification anchor: the record (genesis or a
// checkpoint) from which a verified read re-computes the hash chain
// (GLOSSARY).
type checkpointAnchor struct {
	offset      ids.Offset // offset of the checkpoint record itself
	chainHash   chainhash.Hash
	recordCount uint64
}

// CheckpointIndex is the ordered, in-memory cache of a stream's known
// checkpoints, ascending by offset (§4.A checkpoint policy).
type CheckpointIndex struct {
	anchors []checkpointAnchor
}

func newCheckpointIndex() *CheckpointIndex {
	return &CheckpointIndex{}
}

func (c *CheckpointIndex) record(a checkpointAnchor) {
	c.anchors = append(c.anchors, a)
}

// nearestAtOrBefore returns the checkpoint anchor with the greatest
// offset <= target, or false if none exists (caller falls back to
// genesis).
func (c *CheckpointIndex) nearestAtOrBefore(target ids.Offset) (checkpointAnchor, bool) {
	var best checkpointAnchor
	found := false
	for _, a := range c.anchors {
		if a.offset <= target && (!found || a.offset > best.offset) {
			best = a
			found = true
		}
	}
	return best, found
}

// serializeCheckpointPayload encodes (chain_hash, record_count) as the
// payload of a Checkpoint record (§3).
func serializeCheckpointPayload(hash chainhash.Hash, recordCount uint64) []byte {
	buf := make([]byte, chainhash.Size+8)
	copy(buf[:chainhash.Size], hash[:])
	binary.BigEndian.PutUint64(buf[chainhash.Size:], recordCount)
	return buf
}

func deserializeCheckpointPayload(payload []byte) (chainhash.Hash, uint64, error) {
	if len(payload) != chainhash.Size+8 {
		return chainhash.Hash{}, 0, &CorruptRecordError{Reason: "malformed checkpoint payload"}
	}
	hash := chainhash.FromBytes(payload[:chainhash.Size])
	count := binary.BigEndian.Uint64(payload[chainhash.Size:])
	return hash, count, nil
}
