// Package vsr implements §4.G: a Viewstamped Replication replica —
// Normal/ViewChange/Recovering/StateTransfer states, the Prepare/
// PrepareOk/Commit protocol, view change, joint-consensus
// reconfiguration, and gap repair.
package vsr

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// LogEntry is one slot in a replica's in-memory operation log (§4.G
// "appends a LogEntry to its in-memory log").
type LogEntry struct {
	View     ids.ViewNumber
	Op       ids.OpNumber
	Command  []byte // kernel.EncodeCommand output
	Checksum [32]byte
}

// NewLogEntry builds an entry and computes its checksum, matching the
// record-checksum idiom in internal/chainhash (BLAKE3, already a
// teacher dependency) but keyed by (view, op, command) rather than a
// hash chain — log entries are addressed by position, not chained.
func NewLogEntry(view ids.ViewNumber, op ids.OpNumber, command []byte) LogEntry {
	e := LogEntry{View: view, Op: op, Command: command}
	e.Checksum = entryChecksum(view, op, command)
	return e
}

func entryChecksum(view ids.ViewNumber, op ids.OpNumber, command []byte) [32]byte {
	h := blake3.New(32, nil)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(view))
	binary.BigEndian.PutUint64(buf[8:16], uint64(op))
	_, _ = h.Write(buf[:])
	_, _ = h.Write(command)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify reports whether the entry's checksum matches its payload,
// rejecting the corrupt/forged entries §4.G requires backups to check
// before appending a Prepare to their log.
func (e LogEntry) Verify() bool {
	return e.Checksum == entryChecksum(e.View, e.Op, e.Command)
}

// ReconfigState carries joint-consensus membership (§4.G
// "Reconfiguration... joint state"). Joint is false once a
// reconfiguration has committed and collapsed to New.
type ReconfigState struct {
	Old   []ids.ReplicaId
	New   []ids.ReplicaId
	Joint bool
}

// messageKind tags the wire envelope every Message variant shares.
type messageKind uint8

const (
	msgPrepare messageKind = iota
	msgPrepareOk
	msgCommit
	msgHeartbeat
	msgStartViewChange
	msgDoViewChange
	msgStartView
	msgRepairRequest
	msgRepairResponse
	msgNack
	msgRecoveryRequest
	msgRecoveryResponse
)

// Message is the sum type of every wire message a replica sends or
// receives (§4.G).
type Message interface {
	isMessage()
	kind() messageKind
}

type Prepare struct {
	View         ids.ViewNumber
	Op           ids.OpNumber
	Entry        LogEntry
	CommitNumber ids.CommitNumber
	SentAtNanos  int64 // leader's send time as passed to Propose; not read on receipt
}

type PrepareOk struct {
	View       ids.ViewNumber
	Op         ids.OpNumber
	Replica    ids.ReplicaId
	WallClock  int64
}

type Commit struct {
	View         ids.ViewNumber
	CommitNumber ids.CommitNumber
}

type Heartbeat struct {
	View         ids.ViewNumber
	CommitNumber ids.CommitNumber
}

type StartViewChange struct {
	View    ids.ViewNumber
	Replica ids.ReplicaId
}

type DoViewChange struct {
	View            ids.ViewNumber
	Replica         ids.ReplicaId
	LastNormalView  ids.ViewNumber
	Op              ids.OpNumber
	CommitNumber    ids.CommitNumber
	LogTail         []LogEntry
	Reconfig        ReconfigState
}

type StartViewMsg struct {
	View         ids.ViewNumber
	Op           ids.OpNumber
	CommitNumber ids.CommitNumber
	LogTail      []LogEntry
	Reconfig     ReconfigState
}

type RepairRequest struct {
	Nonce   uint64
	StartOp ids.OpNumber
	EndOp   ids.OpNumber
	From    ids.ReplicaId
}

type RepairResponse struct {
	Nonce   uint64
	Entries []LogEntry
}

type Nack struct {
	Nonce      uint64
	Reason     string
	HighestSeen ids.OpNumber
}

// RecoveryRequest is broadcast by a replica that has just restarted
// (§4.G Recovering: its in-memory op log, view, and commit_number are
// all gone, even though the durable kernel state they describe
// survives on disk). The nonce ties every RecoveryResponse back to
// this particular recovery attempt.
type RecoveryRequest struct {
	Replica ids.ReplicaId
	Nonce   uint64
}

// RecoveryResponse answers a RecoveryRequest. Only the replica that is
// itself the leader of its own current view attaches LogTail: the
// recovering replica has no prior log of its own at all (unlike a
// view change, where every participant already holds its own copy of
// every previously-committed entry), so the leader must send its
// entire log from op 1 through Op, not merely the uncommitted suffix.
// A non-leader response is still useful for establishing which view is
// current and for quorum counting, but carries no log.
type RecoveryResponse struct {
	Replica      ids.ReplicaId
	Nonce        uint64
	View         ids.ViewNumber
	IsLeader     bool
	Op           ids.OpNumber
	CommitNumber ids.CommitNumber
	LogTail      []LogEntry
}

func (Prepare) isMessage()         {}
func (PrepareOk) isMessage()       {}
func (Commit) isMessage()          {}
func (Heartbeat) isMessage()       {}
func (StartViewChange) isMessage() {}
func (DoViewChange) isMessage()    {}
func (StartViewMsg) isMessage()    {}
func (RepairRequest) isMessage()   {}
func (RepairResponse) isMessage()  {}
func (Nack) isMessage()            {}
func (RecoveryRequest) isMessage()  {}
func (RecoveryResponse) isMessage() {}

func (Prepare) kind() messageKind         { return msgPrepare }
func (PrepareOk) kind() messageKind       { return msgPrepareOk }
func (Commit) kind() messageKind          { return msgCommit }
func (Heartbeat) kind() messageKind       { return msgHeartbeat }
func (StartViewChange) kind() messageKind { return msgStartViewChange }
func (DoViewChange) kind() messageKind    { return msgDoViewChange }
func (StartViewMsg) kind() messageKind    { return msgStartView }
func (RepairRequest) kind() messageKind   { return msgRepairRequest }
func (RepairResponse) kind() messageKind  { return msgRepairResponse }
func (Nack) kind() messageKind            { return msgNack }
func (RecoveryRequest) kind() messageKind  { return msgRecoveryRequest }
func (RecoveryResponse) kind() messageKind { return msgRecoveryResponse }
