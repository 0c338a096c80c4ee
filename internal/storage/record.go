package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kimberlitedb/kimberlite-sub000/internal/chainhash"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// RecordKind distinguishes a data record from a checkpoint anchor
// (§3).
type RecordKind uint8

const (
	KindData RecordKind = iota
	KindCheckpoint
)

// Record is one frame of the hash-chained log: (offset, prev_hash,
// kind, payload, checksum), with hash(record) = H(offset ‖ prev_hash
// ‖ kind ‖ payload) (§3).
type Record struct {
	Offset   ids.Offset
	PrevHash *chainhash.Hash // nil for the genesis record
	Kind     RecordKind
	Payload  []byte
}

// ComputeHash returns this record's ChainHash, the required prev_hash
// of the following record.
func (r Record) ComputeHash() chainhash.Hash {
	return chainhash.Compute(uint64(r.Offset), r.PrevHash, byte(r.Kind), r.Payload)
}

// ToBytes renders the self-describing wire frame of §6.2:
// length(u32) ‖ offset(u64) ‖ prev_hash_present(u8) ‖ prev_hash?(32B)
// ‖ kind(u8) ‖ payload_length(u32) ‖ payload ‖ checksum(u32).
func (r Record) ToBytes() []byte {
	bodyLen := 8 + 1 + 1 + 4 + len(r.Payload)
	if r.PrevHash != nil {
		bodyLen += chainhash.Size
	}
	total := 4 + bodyLen + 4 // length prefix + body + checksum
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	off := 4
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(r.Offset))
	off += 8
	if r.PrevHash != nil {
		buf[off] = 1
		off++
		copy(buf[off:off+chainhash.Size], r.PrevHash[:])
		off += chainhash.Size
	} else {
		buf[off] = 0
		off++
	}
	buf[off] = byte(r.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(r.Payload)))
	off += 4
	copy(buf[off:off+len(r.Payload)], r.Payload)
	off += len(r.Payload)

	checksum := crc32.ChecksumIEEE(buf[4:off])
	binary.BigEndian.PutUint32(buf[off:off+4], checksum)
	return buf
}

// FromBytes parses one frame starting at data[0], returning the
// record and the number of bytes consumed so the caller can advance
// to the next frame.
func FromBytes(data []byte) (Record, int, error) {
	if len(data) < 4 {
		return Record{}, 0, ErrShortRead
	}
	bodyLen := int(binary.BigEndian.Uint32(data[0:4]))
	total := 4 + bodyLen + 4
	if len(data) < total {
		return Record{}, 0, ErrShortRead
	}
	body := data[4 : 4+bodyLen]
	wantChecksum := binary.BigEndian.Uint32(data[4+bodyLen : total])
	gotChecksum := crc32.ChecksumIEEE(body)
	if gotChecksum != wantChecksum {
		return Record{}, 0, &CorruptRecordError{Reason: "checksum mismatch"}
	}

	off := 0
	if len(body) < 8+1+1+4 {
		return Record{}, 0, &CorruptRecordError{Reason: "truncated header"}
	}
	offset := ids.Offset(binary.BigEndian.Uint64(body[off : off+8]))
	off += 8
	present := body[off]
	off++
	var prevHash *chainhash.Hash
	if present == 1 {
		if len(body)-off < chainhash.Size {
			return Record{}, 0, &CorruptRecordError{Reason: "truncated prev_hash"}
		}
		h := chainhash.FromBytes(body[off : off+chainhash.Size])
		prevHash = &h
		off += chainhash.Size
	}
	if len(body)-off < 1+4 {
		return Record{}, 0, &CorruptRecordError{Reason: "truncated kind/payload_length"}
	}
	kind := RecordKind(body[off])
	off++
	payloadLen := int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if len(body)-off != payloadLen {
		return Record{}, 0, &CorruptRecordError{Reason: "payload length mismatch"}
	}
	payload := make([]byte, payloadLen)
	copy(payload, body[off:])

	return Record{
		Offset:   offset,
		PrevHash: prevHash,
		Kind:     kind,
		Payload:  payload,
	}, total, nil
}
