// Package effects implements §4.E: the imperative shell that executes
// the kernel's pure effect descriptions against storage, the
// projection store, and the query engine's index maintenance.
package effects

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite-sub000/internal/chainhash"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
	"github.com/kimberlitedb/kimberlite-sub000/internal/log"
	"github.com/kimberlitedb/kimberlite-sub000/internal/projection"
	"github.com/kimberlitedb/kimberlite-sub000/internal/storage"
)

// updateProjectionByteCap bounds how many bytes of stream events a
// single UpdateProjection effect reads per call. Per the resolved §9
// open question, exceeding it never truncates silently: it surfaces as
// a retryable EffectTruncated error so the caller re-issues the effect
// over a narrower range.
const updateProjectionByteCap = 10 * 1024 * 1024

// AuditSink receives a textual description of every AuditLogAppend
// effect. NopAuditSink discards them.
type AuditSink interface {
	Append(action string) error
}

type NopAuditSink struct{}

func (NopAuditSink) Append(string) error { return nil }

// EffectTruncated reports that an UpdateProjection effect's byte cap
// was reached before covering its full [From, To) range. No event of
// the range has been applied when it is returned; Got is the offset
// just past the last event the capped read returned.
type EffectTruncated struct {
	Table ids.TableId
	From  ids.Offset
	To    ids.Offset
	Got   ids.Offset
}

func (e *EffectTruncated) Error() string {
	return fmt.Sprintf("effects: update_projection for table %s truncated at offset %s (wanted up to %s)", e.Table, e.Got, e.To)
}

// Retryable reports whether err is a condition the caller may retry
// (§6.5, §7 consensus/protocol error taxonomy).
func Retryable(err error) bool {
	var t *EffectTruncated
	return errors.As(err, &t)
}

// Executor applies committed effects in order (§4.E).
type Executor struct {
	storage *storage.Storage
	proj    *projection.Store
	audit   AuditSink
	log     *log.Logger

	chainHeads map[ids.StreamId]chainhash.Hash
}

func NewExecutor(st *storage.Storage, proj *projection.Store, audit AuditSink, logger *log.Logger) *Executor {
	if audit == nil {
		audit = NopAuditSink{}
	}
	if logger == nil {
		logger = log.New("component", "effects")
	}
	return &Executor{
		storage:    st,
		proj:       proj,
		audit:      audit,
		log:        logger,
		chainHeads: make(map[ids.StreamId]chainhash.Hash),
	}
}

// Apply executes effects in order against state (the kernel state
// produced alongside them, used for schema lookups), fsyncing storage
// appends when fsync is requested (e.g. on checkpoint boundaries or
// per the caller's durability policy).
func (e *Executor) Apply(state *kernel.State, effects []kernel.Effect, fsync bool) error {
	for _, eff := range effects {
		if err := e.applyOne(state, eff, fsync); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) applyOne(state *kernel.State, eff kernel.Effect, fsync bool) error {
	switch ef := eff.(type) {
	case kernel.StreamMetadataWrite:
		return nil // recorded in kernel state only

	case kernel.StorageAppend:
		return e.applyStorageAppend(ef, fsync)

	case kernel.TableMetadataWrite:
		return nil // query engine schema is derived from kernel state on demand

	case kernel.TableMetadataDrop:
		return nil

	case kernel.IndexMetadataWrite:
		return e.populateIndex(state, ef)

	case kernel.UpdateProjection:
		return e.applyUpdateProjection(state, ef)

	case kernel.AuditLogAppend:
		return e.audit.Append(ef.Action)

	case kernel.WakeProjection:
		return nil // informational

	default:
		return fmt.Errorf("effects: unhandled effect variant %T", eff)
	}
}

func (e *Executor) applyStorageAppend(ef kernel.StorageAppend, fsync bool) error {
	prevHash, ok := e.chainHeads[ef.Stream]
	var prevHashPtr *chainhash.Hash
	if ok {
		prevHashPtr = &prevHash
	} else if h, found, err := e.storage.LastHash(ef.Stream); err != nil {
		return errors.Wrap(err, "effects: recover chain head")
	} else if found {
		prevHashPtr = &h
	}

	_, newHash, err := e.storage.AppendBatch(ef.Stream, ef.Events, ef.BaseOffset, prevHashPtr, fsync)
	if err != nil {
		return errors.Wrap(err, "effects: storage append")
	}
	e.chainHeads[ef.Stream] = newHash

	// Mirror raw events into the projection store under their offset
	// key, inside the table whose id is derived from the stream id
	// (§4.E). This provides a cheap audit-visible raw copy independent
	// of the typed row projection maintained by UpdateProjection.
	batch := projection.WriteBatch{Position: uint64(ef.BaseOffset) + uint64(len(ef.Events))}
	offset := ef.BaseOffset
	for _, payload := range ef.Events {
		key := rawEventKey(ef.Stream, offset)
		batch.Mutations = append(batch.Mutations, projection.Mutation{Key: key, Value: payload})
		offset = offset.Add(1)
	}
	if err := e.proj.Apply(batch); err != nil {
		return errors.Wrap(err, "effects: mirror events into projection")
	}
	return nil
}

// rawEventKey builds the `format!("{:016x}", offset)`-style mirror key
// described in §4.E, namespaced by stream so distinct streams never
// collide.
func rawEventKey(stream ids.StreamId, offset ids.Offset) []byte {
	prefix := fmt.Sprintf("raw/%016x/", uint64(stream))
	suffix := fmt.Sprintf("%016x", uint64(offset))
	return []byte(prefix + suffix)
}

func (e *Executor) applyUpdateProjection(state *kernel.State, ef kernel.UpdateProjection) error {
	def, ok := state.Tables[ef.Table]
	if !ok {
		return fmt.Errorf("effects: update_projection: table %s not found", ef.Table)
	}

	payloads, err := e.storage.ReadFrom(def.Stream, ef.From, updateProjectionByteCap)
	if err != nil {
		return errors.Wrap(err, "effects: read dml events")
	}
	got := ef.From.Add(uint64(len(payloads)))
	if got < ef.To {
		return &EffectTruncated{Table: ef.Table, From: ef.From, To: ef.To, Got: got}
	}

	offset := ef.From
	for _, payload := range payloads {
		kind, pk, values, err := kernel.DecodeDMLEvent(payload)
		if err != nil {
			return errors.Wrap(err, "effects: decode dml event")
		}
		if err := e.applyRowMutation(state, def, kind, pk, values, offset); err != nil {
			return err
		}
		offset = offset.Add(1)
	}
	return nil
}
