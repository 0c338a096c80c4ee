// Package ids defines Kimberlite's fixed-width identifier types (§3).
// They are stable across restarts and, where noted, derived
// deterministically from names rather than assigned by a counter —
// ordered maps key on them directly instead of hashing, per the §9
// design note on avoiding collision-dependent hashes for persistent
// metadata.
package ids

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// TenantId is a 64-bit opaque namespace tag, assigned externally.
type TenantId uint64

// StreamId packs a TenantId into the upper 32 bits and a local,
// never-reused sequence number into the lower 32 bits.
type StreamId uint64

// NewStreamId builds a StreamId from a tenant and a local sequence
// number unique within that tenant.
func NewStreamId(tenant TenantId, local uint32) StreamId {
	return StreamId(uint64(tenant)<<32 | uint64(local))
}

// Tenant extracts the TenantId encoded in the upper bits.
func (s StreamId) Tenant() TenantId { return TenantId(uint64(s) >> 32) }

// Local extracts the per-tenant local sequence number.
func (s StreamId) Local() uint32 { return uint32(uint64(s)) }

func (s StreamId) String() string { return fmt.Sprintf("%016x", uint64(s)) }

// Offset is a per-stream monotonically increasing sequence number,
// assigned at append.
type Offset uint64

func (o Offset) Add(n uint64) Offset { return o + Offset(n) }

// Key renders the offset as a fixed-width 8-byte big-endian key, so
// keys sort in offset order.
func (o Offset) Key() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(o))
	return b
}

func (o Offset) String() string { return fmt.Sprintf("%016x", uint64(o)) }

// ViewNumber identifies a VSR configuration epoch; advances on every
// view change.
type ViewNumber uint64

// OpNumber is a per-replica monotonically increasing operation id,
// advancing once per prepared operation.
type OpNumber uint64

// CommitNumber is the OpNumber marking the log prefix that has been
// applied to the kernel state.
type CommitNumber uint64

// ReplicaId is a small integer, stable for the lifetime of a cluster
// configuration, always < cluster size.
type ReplicaId uint32

// TableId and IndexId are hash-derived from their names so that a
// create-once-never-reused identity survives process restarts without
// needing a persisted counter.
type TableId uint64
type IndexId uint64

// DeriveTableId hashes a table name into a stable TableId. FNV-1a is
// used deliberately: we need a cheap, deterministic, non-cryptographic
// hash of short ASCII names, and the stronger BLAKE3 hash used for the
// log's hash chain (internal/chainhash) would be a mismatched tool
// here — collision resistance against an adversary is not the
// property we need, stability across restarts is.
func DeriveTableId(name string) TableId {
	h := fnv.New64a()
	_, _ = h.Write([]byte("table:" + name))
	return TableId(h.Sum64())
}

// DeriveIndexId hashes a table+index name pair into a stable IndexId.
func DeriveIndexId(table, index string) IndexId {
	h := fnv.New64a()
	_, _ = h.Write([]byte("index:" + table + ":" + index))
	return IndexId(h.Sum64())
}

// ClientId identifies one session-cache client (§4.I). Unlike TableId/
// IndexId, a client's identity has no meaningful derivation from a
// name — clients are externally generated, so a random UUID is used
// instead of a deterministic hash. A crashed client that re-registers
// is expected to mint a fresh ClientId rather than reuse one, which is
// what keeps duplicate-request detection sound across crashes (§4.I).
type ClientId uuid.UUID

// NewClientId mints a fresh random ClientId.
func NewClientId() ClientId {
	return ClientId(uuid.New())
}

func (c ClientId) String() string { return uuid.UUID(c).String() }

// RequestNumber is a per-client monotonically increasing sequence
// number the client assigns to each request it submits.
type RequestNumber uint64
