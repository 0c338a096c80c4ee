package storage

import (
	"errors"
	"fmt"

	"github.com/kimberlitedb/kimberlite-sub000/internal/chainhash"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// ErrShortRead means the byte slice handed to FromBytes does not yet
// contain a complete frame; callers reading from a growing file treat
// it as "stop here for now", not corruption.
var ErrShortRead = errors.New("storage: short read")

// ErrEmptyBatch is the programmer-bug case of §4.D: AppendBatch with
// no events is a caller bug and fails fast.
var ErrEmptyBatch = errors.New("storage: append_batch called with empty event list")

// ErrUnexpectedOffset reports that the caller's expected_offset
// disagreed with the stream's actual current offset (§4.A).
type ErrUnexpectedOffset struct {
	Stream   ids.StreamId
	Expected ids.Offset
	Actual   ids.Offset
}

func (e *ErrUnexpectedOffset) Error() string {
	return fmt.Sprintf("storage: stream %s expected offset %s, got %s", e.Stream, e.Expected, e.Actual)
}

// CorruptRecordError identifies a specific offset whose frame failed
// to parse or checksum (§4.A failure semantics).
type CorruptRecordError struct {
	Offset ids.Offset
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("storage: corrupted record at offset %s: %s", e.Offset, e.Reason)
}

// ChainVerificationError reports a hash-chain mismatch: the record at
// Offset did not chain from the expected predecessor hash (§4.A, §8.2).
type ChainVerificationError struct {
	Offset   ids.Offset
	Expected *chainhash.Hash
	Actual   *chainhash.Hash
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("storage: chain verification failed at offset %s: expected=%x actual=%x",
		e.Offset, hashOrNil(e.Expected), hashOrNil(e.Actual))
}

func hashOrNil(h *chainhash.Hash) []byte {
	if h == nil {
		return nil
	}
	return h[:]
}

// ErrStreamNotFound is returned when an operation targets a stream the
// storage handle has never seen created (§6.5).
var ErrStreamNotFound = errors.New("storage: stream not found")
