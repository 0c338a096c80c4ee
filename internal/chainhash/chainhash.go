// Package chainhash computes the 256-bit ChainHash that links Record
// N to Record N-1 (§3, §4.A). BLAKE3 is used rather than SHA-256:
// it is already part of the teacher's dependency tree and is
// substantially cheaper per byte on the hot append path, where every
// appended record re-hashes its predecessor's digest plus its own
// framed bytes.
package chainhash

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// Size is the digest width in bytes (256 bits).
const Size = 32

// Hash is a ChainHash value.
type Hash [Size]byte

// IsZero reports whether h is the nil/genesis sentinel.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Bytes() []byte { return h[:] }

// FromBytes copies a 32-byte slice into a Hash, panicking if the
// length is wrong — a caller bug, never a data-dependent condition.
func FromBytes(b []byte) Hash {
	if len(b) != Size {
		panic("chainhash: wrong length")
	}
	var h Hash
	copy(h[:], b)
	return h
}

// Compute hashes offset‖prev_hash‖kind‖payload, matching the record
// hash defined in §3: hash(record) = H(offset ‖ prev_hash ‖ kind ‖
// payload).
func Compute(offset uint64, prevHash *Hash, kind byte, payload []byte) Hash {
	h := blake3.New(Size, nil)
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], offset)
	_, _ = h.Write(off[:])
	if prevHash != nil {
		_, _ = h.Write(prevHash[:])
	}
	_, _ = h.Write([]byte{kind})
	_, _ = h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
