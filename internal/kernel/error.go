package kernel

import (
	"fmt"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// ErrorKind enumerates the kernel's error taxonomy (§4.D, §7). These
// are protocol-kind errors: localized rejection, no state change.
type ErrorKind int

const (
	ErrStreamIDUniqueConstraint ErrorKind = iota
	ErrStreamNotFound
	ErrUnexpectedStreamOffset
	ErrTableIDUniqueConstraint
	ErrTableNotFound
	ErrIndexIDUniqueConstraint
	ErrEmptyEventBatch
)

// Error is the kernel's single result-type error (§4.D, §9 "aggregate
// into a small number of top-level result types").
type Error struct {
	Kind     ErrorKind
	Stream   ids.StreamId
	Table    ids.TableId
	Index    ids.IndexId
	Expected ids.Offset
	Actual   ids.Offset
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrStreamIDUniqueConstraint:
		return fmt.Sprintf("kernel: stream %s already exists", e.Stream)
	case ErrStreamNotFound:
		return fmt.Sprintf("kernel: stream %s not found", e.Stream)
	case ErrUnexpectedStreamOffset:
		return fmt.Sprintf("kernel: stream %s expected offset %s, got %s", e.Stream, e.Expected, e.Actual)
	case ErrTableIDUniqueConstraint:
		return fmt.Sprintf("kernel: table %s already exists", e.Table)
	case ErrTableNotFound:
		return fmt.Sprintf("kernel: table %s not found", e.Table)
	case ErrIndexIDUniqueConstraint:
		return fmt.Sprintf("kernel: index %s already exists", e.Index)
	case ErrEmptyEventBatch:
		return "kernel: append_batch called with empty event list"
	default:
		return "kernel: unknown error"
	}
}
