package vsr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite-sub000/internal/effects"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
	"github.com/kimberlitedb/kimberlite-sub000/internal/log"
	"github.com/kimberlitedb/kimberlite-sub000/internal/metrics"
)

// stateTransferGapThreshold is how large an uncommitted op gap must
// grow, while stalled past CommitStallInterval, before a backup gives
// up on one-entry-at-a-time repair and escalates to state transfer
// (§4.G "large gap repair escalates to state transfer").
const stateTransferGapThreshold = 1000

// Status is a replica's top-level mode (§4.G).
type Status int

const (
	StatusNormal Status = iota
	StatusViewChange
	StatusRecovering
	StatusStateTransfer
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusViewChange:
		return "view-change"
	case StatusRecovering:
		return "recovering"
	case StatusStateTransfer:
		return "state-transfer"
	default:
		return "unknown"
	}
}

// maxStartViewTail bounds how large a StartView's log_tail may be
// before it is rejected as a DoS attempt (§4.G).
const maxStartViewTail = 10_000

// Replica is one node of the VSR cluster. It owns the in-memory
// operation log, view/commit state, and the kernel state + effect
// executor that newly committed entries are applied against (§5: the
// single kernel-state value behind a single readers-writer lock — here
// the replica's own mutex plays that role for op-log mutation, while
// State itself is swapped, never mutated in place).
type Replica struct {
	mu sync.Mutex

	id          ids.ReplicaId
	clusterSize int
	peers       []ids.ReplicaId

	view           ids.ViewNumber
	status         Status
	opNumber       ids.OpNumber
	commitNumber   ids.CommitNumber
	lastNormalView ids.ViewNumber
	reconfig       ReconfigState

	opLog map[ids.OpNumber]LogEntry

	prepareSentAtNanos map[ids.OpNumber]int64
	votes              map[ids.OpNumber]map[ids.ReplicaId]bool

	startViewChangeVotes map[ids.ViewNumber]map[ids.ReplicaId]bool
	doViewChangeMsgs     map[ids.ViewNumber][]DoViewChange

	// highestKnownOp is the highest op number this replica has ever
	// observed from the leader, even if it has not yet filled the gap
	// up to it. Used to size an outstanding RepairRequest.
	highestKnownOp ids.OpNumber

	lastCommitAdvanceAt time.Time
	lastQuorumAt        time.Time
	viewChangeEnteredAt time.Time

	dedup *DedupTracker

	recovery *recoveryState

	state    *kernel.State
	executor *effects.Executor
	log      *log.Logger
}

func NewReplica(id ids.ReplicaId, peers []ids.ReplicaId, state *kernel.State, exec *effects.Executor, logger *log.Logger) *Replica {
	if logger == nil {
		logger = log.New("component", "vsr")
	}
	now := time.Now()
	return &Replica{
		id:                   id,
		clusterSize:          len(peers),
		peers:                peers,
		opLog:                make(map[ids.OpNumber]LogEntry),
		prepareSentAtNanos:   make(map[ids.OpNumber]int64),
		votes:                make(map[ids.OpNumber]map[ids.ReplicaId]bool),
		startViewChangeVotes: make(map[ids.ViewNumber]map[ids.ReplicaId]bool),
		doViewChangeMsgs:     make(map[ids.ViewNumber][]DoViewChange),
		dedup:                NewDedupTracker(),
		state:                state,
		executor:             exec,
		log:                  logger.New("replica", id),
		lastCommitAdvanceAt:  now,
		lastQuorumAt:         now,
	}
}

// quorum is f+1 for a cluster of size n = 2f+1 (§4.G).
func (r *Replica) quorum() int {
	f := (r.clusterSize - 1) / 2
	return f + 1
}

// quorumOf is f+1 for an arbitrary membership set of size n = 2f+1,
// used to size the per-half quorum during joint consensus.
func quorumOf(members []ids.ReplicaId) int {
	f := (len(members) - 1) / 2
	return f + 1
}

// hasQuorumLocked reports whether votes satisfies the quorum needed to
// act under the replica's current membership. While a reconfiguration
// is in joint consensus (§4.G "Reconfiguration... joint state"), a
// decision requires a quorum from BOTH the old and the new membership
// independently, not merely a quorum of the union — this is what makes
// it safe for old and new members to disagree about which set is
// authoritative during the transition.
func (r *Replica) hasQuorumLocked(votes map[ids.ReplicaId]bool) bool {
	if !r.reconfig.Joint {
		return len(votes) >= r.quorum()
	}
	return countMembers(votes, r.reconfig.Old) >= quorumOf(r.reconfig.Old) &&
		countMembers(votes, r.reconfig.New) >= quorumOf(r.reconfig.New)
}

func countMembers(votes map[ids.ReplicaId]bool, members []ids.ReplicaId) int {
	n := 0
	for _, m := range members {
		if votes[m] {
			n++
		}
	}
	return n
}

func (r *Replica) leaderFor(view ids.ViewNumber) ids.ReplicaId {
	return ids.ReplicaId(uint64(view) % uint64(r.clusterSize))
}

// LeaderFor exposes leaderFor for the server loop, which needs to
// address a DoViewChange to the prospective new leader.
func (r *Replica) LeaderFor(view ids.ViewNumber) ids.ReplicaId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderFor(view)
}

func (r *Replica) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderFor(r.view) == r.id
}

// ID returns this replica's own id, for building messages (e.g.
// RepairRequest.From) from outside the package.
func (r *Replica) ID() ids.ReplicaId {
	return r.id
}

func (r *Replica) View() ids.ViewNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// EntryAt returns the log entry at op, if this replica has it. Used by
// the background scrub tour (§4.J) to re-verify checksums independent
// of normal-operation traffic.
func (r *Replica) EntryAt(op ids.OpNumber) (LogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.opLog[op]
	return e, ok
}

// HeadOp returns the highest op_number this replica has logged.
func (r *Replica) HeadOp() ids.OpNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opNumber
}

// --- Normal operation ---

// Propose is called on the leader to admit a new client command: it
// assigns the next op_number, appends to its own log, and returns the
// Prepare to broadcast (§4.G step 1).
func (r *Replica) Propose(cmd kernel.Command, nowNanos int64) (Prepare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusNormal || r.leaderFor(r.view) != r.id {
		return Prepare{}, fmt.Errorf("vsr: replica %d is not the leader of view %d", r.id, r.view)
	}

	payload, err := kernel.EncodeCommand(cmd)
	if err != nil {
		return Prepare{}, errors.Wrap(err, "vsr: encode command")
	}
	r.opNumber++
	entry := NewLogEntry(r.view, r.opNumber, payload)
	r.opLog[r.opNumber] = entry
	r.prepareSentAtNanos[r.opNumber] = nowNanos
	r.votes[r.opNumber] = map[ids.ReplicaId]bool{r.id: true} // leader counts itself (§4.G step 3)

	return Prepare{
		View:         r.view,
		Op:           r.opNumber,
		Entry:        entry,
		CommitNumber: r.commitNumber,
		SentAtNanos:  nowNanos,
	}, nil
}

// OnPrepare handles an incoming Prepare on a backup (§4.G step 2).
// A non-nil RepairRequest return means the caller should send it to
// the leader to close a detected gap; a non-nil StartViewChange return
// means the caller observed a higher view and should broadcast it.
func (r *Replica) OnPrepare(from ids.ReplicaId, p Prepare) (*PrepareOk, *StartViewChange, *RepairRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dup, err := r.dedup.SeenOrRecord(msgPrepare, from, p.View, p.Op); err != nil {
		return nil, nil, nil, err
	} else if dup {
		return nil, nil, nil, nil
	}

	if p.View > r.view {
		svc := r.beginViewChangeLocked(p.View)
		return nil, &svc, nil, nil
	}
	if p.View < r.view {
		return nil, nil, nil, nil // stale leader, ignored (§4.G "higher-op prepare from a lower view is ignored" generalizes to stale view too)
	}

	if p.Op > r.highestKnownOp {
		r.highestKnownOp = p.Op
	}

	expected := r.opNumber + 1
	if p.Op > expected {
		return nil, nil, &RepairRequest{StartOp: expected, EndOp: p.Op - 1, From: r.id}, nil
	}
	if p.Op < expected {
		return nil, nil, nil, nil // already have it
	}
	if !p.Entry.Verify() {
		return nil, nil, nil, fmt.Errorf("vsr: prepare op %d failed checksum verification", p.Op)
	}

	r.opLog[p.Op] = p.Entry
	r.opNumber = p.Op
	if p.CommitNumber > r.commitNumber {
		if err := r.applyCommittedLocked(p.CommitNumber); err != nil {
			return nil, nil, nil, err
		}
	}

	return &PrepareOk{View: r.view, Op: p.Op, Replica: r.id}, nil, nil, nil
}

// OnPrepareOk handles a vote on the leader, advancing commit_number
// and applying newly committed entries once quorum is reached (§4.G
// step 3).
func (r *Replica) OnPrepareOk(from ids.ReplicaId, ok PrepareOk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok.View != r.view {
		return false, nil
	}
	votes, exists := r.votes[ok.Op]
	if !exists {
		votes = make(map[ids.ReplicaId]bool)
		r.votes[ok.Op] = votes
	}
	votes[from] = true

	if !r.hasQuorumLocked(votes) {
		return false, nil
	}
	r.lastQuorumAt = time.Now()
	if ok.Op <= ids.OpNumber(r.commitNumber) {
		return false, nil
	}
	if err := r.applyCommittedLocked(ids.CommitNumber(ok.Op)); err != nil {
		return false, err
	}
	return true, nil
}

// OnCommit / OnHeartbeat apply any newly committed entries a backup
// learns about out-of-band from a direct quorum of PrepareOks (§4.G
// step 4).
func (r *Replica) OnCommit(c Commit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.View != r.view || c.CommitNumber <= r.commitNumber {
		return nil
	}
	return r.applyCommittedLocked(c.CommitNumber)
}

func (r *Replica) OnHeartbeat(h Heartbeat) error {
	return r.OnCommit(Commit{View: h.View, CommitNumber: h.CommitNumber})
}

// applyCommittedLocked runs the kernel over every op in
// (commitNumber, upTo] in order, executing each op's effects, then
// advances commitNumber. Entries missing from opLog stop the advance
// short — the caller is expected to have repaired the gap first.
func (r *Replica) applyCommittedLocked(upTo ids.CommitNumber) error {
	for op := r.commitNumber + 1; op <= ids.CommitNumber(upTo); op++ {
		entry, ok := r.opLog[ids.OpNumber(op)]
		if !ok {
			break
		}
		cmd, err := kernel.DecodeCommand(entry.Command)
		if err != nil {
			return errors.Wrap(err, "vsr: decode committed command")
		}
		next, eff, err := kernel.ApplyCommitted(r.state, cmd)
		if err != nil {
			var kerr *kernel.Error
			if errors.As(err, &kerr) {
				r.log.Warn("committed command rejected by kernel", "op", op, "err", kerr)
				r.commitNumber = op
				delete(r.prepareSentAtNanos, ids.OpNumber(op))
				delete(r.votes, ids.OpNumber(op))
				r.lastCommitAdvanceAt = time.Now()
				continue
			}
			return err
		}
		r.state = next
		if err := r.executor.Apply(r.state, eff, false); err != nil {
			return errors.Wrap(err, "vsr: apply effects")
		}
		r.commitNumber = op
		delete(r.prepareSentAtNanos, ids.OpNumber(op))
		delete(r.votes, ids.OpNumber(op))
		r.lastCommitAdvanceAt = time.Now()
	}
	metrics.VSRCommitNumber.Set(float64(r.commitNumber))
	return nil
}

// commitNumberSnapshot returns the current commit number, for
// building outgoing Heartbeat/Commit messages from the server loop.
func (r *Replica) commitNumberSnapshot() ids.CommitNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitNumber
}

// pendingPreparesSnapshot returns every Prepare sent at least minAge
// ago that has not yet been superseded by commit, for the leader's
// prepare-retry timeout (§4.G "prepare timeout": guard against a
// dropped Prepare or PrepareOk without waiting for the much slower
// view-change timeout).
func (r *Replica) pendingPreparesSnapshot(minAge time.Duration) []Prepare {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UnixNano()
	var out []Prepare
	for op, sentAt := range r.prepareSentAtNanos {
		if time.Duration(now-sentAt) < minAge {
			continue
		}
		entry, ok := r.opLog[op]
		if !ok {
			continue
		}
		out = append(out, Prepare{View: r.view, Op: op, Entry: entry, CommitNumber: r.commitNumber, SentAtNanos: sentAt})
	}
	return out
}

// pendingRepairSnapshot reports the RepairRequest this replica should
// (re-)send, and the leader it should send it to, if it knows of a gap
// between its own log and the highest op it has observed (§4.G "repair
// sync timeout": re-request a gap in case the original RepairRequest
// was dropped).
func (r *Replica) pendingRepairSnapshot() (RepairRequest, ids.ReplicaId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.highestKnownOp <= r.opNumber {
		return RepairRequest{}, 0, false
	}
	return RepairRequest{StartOp: r.opNumber + 1, EndOp: r.highestKnownOp, From: r.id}, r.leaderFor(r.view), true
}

// pendingRecoveryRequest returns the RecoveryRequest to re-broadcast
// while this replica is still Recovering, in case an earlier request
// or its responses were dropped (§4.G "Recovering").
func (r *Replica) pendingRecoveryRequest() (RecoveryRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRecovering || r.recovery == nil {
		return RecoveryRequest{}, false
	}
	return RecoveryRequest{Replica: r.id, Nonce: r.recovery.nonce}, true
}

// hasRecentQuorum reports whether this replica has had its Prepares
// acknowledged by quorum within window, used by the primary-abdicate
// timeout to detect a leader that can no longer make progress.
func (r *Replica) hasRecentQuorum(window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastQuorumAt) < window
}

// checkCommitStall escalates to StatusStateTransfer when the commit
// number has been stuck behind the op number, by at least
// stateTransferGapThreshold entries, for longer than
// CommitStallInterval — the point at which requesting one entry at a
// time via RepairRequest/RepairResponse is no longer practical (§4.G
// "large gap repair escalates to state transfer").
func (r *Replica) checkCommitStall() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusNormal {
		return nil
	}
	gap := int64(r.opNumber) - int64(r.commitNumber)
	if gap < stateTransferGapThreshold {
		return nil
	}
	if time.Since(r.lastCommitAdvanceAt) < CommitStallInterval {
		return nil
	}
	r.status = StatusStateTransfer
	r.log.Warn("commit stalled behind op number past threshold, escalating to state transfer", "gap", gap)
	return nil
}

// --- View change ---

// TriggerViewChange begins a view change to the next view after a
// heartbeat timeout, an observed higher view, or quorum loss detected
// by the leader (§4.G "View change").
func (r *Replica) TriggerViewChange() StartViewChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beginViewChangeLocked(r.view + 1)
}

func (r *Replica) beginViewChangeLocked(newView ids.ViewNumber) StartViewChange {
	if r.status == StatusNormal {
		r.lastNormalView = r.view
	}
	r.view = newView
	r.status = StatusViewChange
	r.viewChangeEnteredAt = time.Now()
	if _, ok := r.startViewChangeVotes[newView]; !ok {
		r.startViewChangeVotes[newView] = make(map[ids.ReplicaId]bool)
	}
	r.startViewChangeVotes[newView][r.id] = true
	metrics.VSRViewChanges.Inc()
	metrics.VSRCurrentView.Set(float64(r.view))
	return StartViewChange{View: newView, Replica: r.id}
}

// startViewChangeWindowExpired reports whether this replica has been
// stuck in StatusViewChange for longer than window without reaching
// StatusNormal, meaning its own StartViewChange round never collected
// quorum (e.g. because the cluster hasn't yet converged on the same
// target view) and it should retry with the next view (§4.G
// "start-view-change-window timeout").
func (r *Replica) startViewChangeWindowExpired(window time.Duration) (ids.ViewNumber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusViewChange {
		return 0, false
	}
	if time.Since(r.viewChangeEnteredAt) < window {
		return 0, false
	}
	return r.view, true
}

// OnStartViewChange counts votes for a view change; once quorum is
// reached it returns the DoViewChange this replica should send to the
// view's designated leader (§4.G step 2).
func (r *Replica) OnStartViewChange(svc StartViewChange) (*DoViewChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc.View > r.view {
		r.beginViewChangeLocked(svc.View)
	} else if svc.View < r.view {
		return nil, nil
	}

	votes, ok := r.startViewChangeVotes[svc.View]
	if !ok {
		votes = make(map[ids.ReplicaId]bool)
		r.startViewChangeVotes[svc.View] = votes
	}
	votes[svc.Replica] = true
	if !r.hasQuorumLocked(votes) {
		return nil, nil
	}

	tail := r.uncommittedTailLocked()
	return &DoViewChange{
		View:           svc.View,
		Replica:        r.id,
		LastNormalView: r.lastNormalView,
		Op:             r.opNumber,
		CommitNumber:   r.commitNumber,
		LogTail:        tail,
		Reconfig:       r.reconfig,
	}, nil
}

// fullLogLocked returns every entry this replica holds from op 1
// through op_number, inclusive. Unlike uncommittedTailLocked (used by
// view change, where the receiving replica already has its own copy of
// every previously-committed entry from normal operation), a
// recovering replica has nothing at all and must reconstruct its
// entire log, committed prefix included, from the leader's answer.
func (r *Replica) fullLogLocked() []LogEntry {
	log := make([]LogEntry, 0, int(r.opNumber))
	for op := ids.OpNumber(1); op <= r.opNumber; op++ {
		if e, ok := r.opLog[op]; ok {
			log = append(log, e)
		}
	}
	return log
}

func (r *Replica) uncommittedTailLocked() []LogEntry {
	tail := make([]LogEntry, 0, int(r.opNumber-ids.OpNumber(r.commitNumber)))
	for op := ids.OpNumber(r.commitNumber) + 1; op <= r.opNumber; op++ {
		if e, ok := r.opLog[op]; ok {
			tail = append(tail, e)
		}
	}
	return tail
}

// OnDoViewChange is called on the prospective new leader. Once quorum
// DoViewChange messages for view arrive, it selects the most
// up-to-date one, merges its log_tail, and returns the StartView to
// broadcast (§4.G step 3).
func (r *Replica) OnDoViewChange(dvc DoViewChange) (*StartViewMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dvc.View < r.view {
		return nil, nil
	}
	if dvc.View > r.view {
		r.beginViewChangeLocked(dvc.View)
	}
	if len(dvc.LogTail) != int(uint64(dvc.Op)-uint64(dvc.CommitNumber)) {
		return nil, fmt.Errorf("vsr: do_view_change from replica %d has mismatched log_tail length (byzantine)", dvc.Replica)
	}

	r.doViewChangeMsgs[dvc.View] = append(r.doViewChangeMsgs[dvc.View], dvc)
	msgs := r.doViewChangeMsgs[dvc.View]
	seen := make(map[ids.ReplicaId]bool, len(msgs))
	for _, m := range msgs {
		seen[m.Replica] = true
	}
	if !r.hasQuorumLocked(seen) {
		return nil, nil
	}
	if r.leaderFor(dvc.View) != r.id {
		return nil, nil
	}

	best := selectBestDoViewChange(msgs)
	for _, e := range best.LogTail {
		r.opLog[e.Op] = e
	}
	r.opNumber = best.Op
	r.reconfig = best.Reconfig
	r.status = StatusNormal
	r.lastNormalView = r.view

	target := best.CommitNumber
	if ids.OpNumber(target) > r.opNumber {
		target = ids.CommitNumber(r.opNumber)
	}
	if err := r.applyCommittedLocked(target); err != nil {
		return nil, err
	}

	return &StartViewMsg{
		View:         r.view,
		Op:           r.opNumber,
		CommitNumber: r.commitNumber,
		LogTail:      r.uncommittedTailLocked(),
		Reconfig:     r.reconfig,
	}, nil
}

// selectBestDoViewChange picks the message with the highest
// (last_normal_view, op_number), deterministically tie-broken by the
// checksum of its last log entry, then by replica id (§4.G step 3).
func selectBestDoViewChange(msgs []DoViewChange) DoViewChange {
	sorted := append([]DoViewChange{}, msgs...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.LastNormalView != b.LastNormalView {
			return a.LastNormalView > b.LastNormalView
		}
		if a.Op != b.Op {
			return a.Op > b.Op
		}
		ac, bc := lastEntryChecksum(a), lastEntryChecksum(b)
		if ac != bc {
			return string(ac[:]) > string(bc[:])
		}
		return a.Replica < b.Replica
	})
	return sorted[0]
}

func lastEntryChecksum(dvc DoViewChange) [32]byte {
	if len(dvc.LogTail) == 0 {
		return [32]byte{}
	}
	return dvc.LogTail[len(dvc.LogTail)-1].Checksum
}

// OnStartView is called on a backup receiving the new leader's
// StartView (§4.G step 4): validates the tail, merges the log, caps
// commit_number at the actual op_number, and enters Normal.
func (r *Replica) OnStartView(sv StartViewMsg) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sv.View < r.view {
		return fmt.Errorf("vsr: start_view claims view %d below own view %d (byzantine)", sv.View, r.view)
	}
	if len(sv.LogTail) > maxStartViewTail {
		return fmt.Errorf("vsr: start_view log_tail of %d entries exceeds cap (dos)", len(sv.LogTail))
	}
	if len(sv.LogTail) != int(uint64(sv.Op)-uint64(sv.CommitNumber)) {
		return fmt.Errorf("vsr: start_view log_tail length mismatch")
	}

	for _, e := range sv.LogTail {
		r.opLog[e.Op] = e
	}
	r.view = sv.View
	r.opNumber = sv.Op
	r.reconfig = sv.Reconfig
	r.status = StatusNormal
	r.lastNormalView = r.view

	target := sv.CommitNumber
	if ids.OpNumber(target) > r.opNumber {
		target = ids.CommitNumber(r.opNumber)
	}
	return r.applyCommittedLocked(target)
}

// --- Repair ---

// OnRepairRequest answers a peer's gap-repair request with whatever
// contiguous run of entries this replica actually holds, or a Nack if
// it holds none of the requested range (§4.G "Repair and state
// transfer").
func (r *Replica) OnRepairRequest(req RepairRequest) (*RepairResponse, *Nack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []LogEntry
	for op := req.StartOp; op <= req.EndOp; op++ {
		e, ok := r.opLog[op]
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, &Nack{Nonce: req.Nonce, Reason: "no entries in range", HighestSeen: r.opNumber}
	}
	return &RepairResponse{Nonce: req.Nonce, Entries: entries}, nil
}

// OnRepairResponse merges repaired entries into the log and applies
// any newly committed prefix they complete. A replica that had
// escalated to StatusStateTransfer returns to StatusNormal once its
// log catches up to the highest op it has observed.
func (r *Replica) OnRepairResponse(resp RepairResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range resp.Entries {
		if !e.Verify() {
			return fmt.Errorf("vsr: repair response entry op %d failed checksum verification", e.Op)
		}
		r.opLog[e.Op] = e
		if e.Op > r.opNumber {
			r.opNumber = e.Op
		}
	}
	if r.status == StatusStateTransfer && r.opNumber >= r.highestKnownOp {
		r.status = StatusNormal
		r.lastCommitAdvanceAt = time.Now()
	}
	return nil
}

// --- Recovery ---

// recoveryState tracks one in-flight recovery attempt: the nonce that
// ties responses to this specific attempt, and every response received
// so far, keyed by the responding replica so a duplicate or retried
// response never double-counts toward quorum.
type recoveryState struct {
	nonce     uint64
	responses map[ids.ReplicaId]RecoveryResponse
}

// BeginRecovery is called once, right after a process restart, before
// the replica's Server starts its timeout loops: the in-memory op log,
// view, and commit_number from before the crash are gone, so the
// replica cannot safely rejoin Normal operation (or even vote in a
// view change) until it has recovered that state from a quorum of
// peers (§4.G "Recovering"). The nonce is seeded from wall-clock time.
func (r *Replica) BeginRecovery() RecoveryRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	nonce := uint64(time.Now().UnixNano())
	r.status = StatusRecovering
	r.recovery = &recoveryState{nonce: nonce, responses: make(map[ids.ReplicaId]RecoveryResponse)}
	return RecoveryRequest{Replica: r.id, Nonce: nonce}
}

// OnRecoveryRequest answers a peer's RecoveryRequest with this
// replica's own view, op_number, and commit_number. Only the leader of
// its own current view also attaches its entire log (fullLogLocked),
// since a recovering replica has no prior log of its own to merge a
// suffix onto; a replica that is itself recovering cannot answer at
// all.
func (r *Replica) OnRecoveryRequest(req RecoveryRequest) *RecoveryResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusRecovering {
		return nil
	}
	resp := &RecoveryResponse{
		Replica:      r.id,
		Nonce:        req.Nonce,
		View:         r.view,
		Op:           r.opNumber,
		CommitNumber: r.commitNumber,
	}
	if r.status == StatusNormal && r.leaderFor(r.view) == r.id {
		resp.IsLeader = true
		resp.LogTail = r.fullLogLocked()
	}
	return resp
}

// OnRecoveryResponse records one peer's answer to this replica's own
// in-flight recovery attempt. Once quorum responses for the attempt's
// nonce have arrived, including one from the leader of the highest
// view any response named, the replica adopts that leader's view,
// op_number, commit_number, and log tail wholesale (mirroring
// OnStartView's merge) and returns to Normal. A response for a nonce
// that does not match the current attempt (a stale retry, or this
// replica is not currently recovering at all) is ignored.
func (r *Replica) OnRecoveryResponse(resp RecoveryResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRecovering || r.recovery == nil || resp.Nonce != r.recovery.nonce {
		return nil
	}
	r.recovery.responses[resp.Replica] = resp

	if len(r.recovery.responses) < r.quorum() {
		return nil
	}

	var highestView ids.ViewNumber
	seenView := false
	for _, rr := range r.recovery.responses {
		if !seenView || rr.View > highestView {
			highestView = rr.View
			seenView = true
		}
	}

	leader, ok := r.recovery.responses[r.leaderFor(highestView)]
	if !ok || !leader.IsLeader {
		// Quorum has been reached but not yet one of them is the
		// leader of the highest view seen; wait for more responses.
		return nil
	}
	if len(leader.LogTail) != int(leader.Op) {
		return fmt.Errorf("vsr: recovery response from replica %d has mismatched log_tail length (byzantine)", leader.Replica)
	}

	for _, e := range leader.LogTail {
		r.opLog[e.Op] = e
	}
	r.view = highestView
	r.opNumber = leader.Op
	r.status = StatusNormal
	r.lastNormalView = r.view
	r.lastQuorumAt = time.Now()
	r.recovery = nil

	target := leader.CommitNumber
	if ids.OpNumber(target) > r.opNumber {
		target = ids.CommitNumber(r.opNumber)
	}
	return r.applyCommittedLocked(target)
}
