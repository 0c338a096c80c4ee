package vsr

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/log"
)

// Timeout intervals (§4.G "Timeouts"). Each is driven by its own
// ticker in Server.Run rather than a single shared scheduler, so one
// stalled handler cannot delay an unrelated timeout.
const (
	HeartbeatInterval          = 200 * time.Millisecond
	ViewChangeInterval         = 1 * time.Second
	PrepareRetryInterval       = 500 * time.Millisecond
	PingInterval               = 1 * time.Second
	PrimaryAbdicateInterval    = 5 * time.Second
	RepairSyncInterval         = 1 * time.Second
	CommitStallInterval        = 2 * time.Second
	CommitMessageInterval      = 200 * time.Millisecond
	StartViewChangeWindowTimer = 1500 * time.Millisecond
	ClockSyncInterval          = 3 * time.Second
	ScrubInterval              = 100 * time.Millisecond
	RecoveryRetryInterval      = 1 * time.Second
)

// Peer is the subset of the wire layer the server needs to reach one
// other replica: a long-lived connection this replica dials or
// accepts, wrapped so Server never deals with net.Conn directly.
type Peer interface {
	Send(m Message) error
}

// Clock is the subset of *clock.Clock the server needs for the ping
// and clock-sync timeouts, kept as an interface so Server can be
// driven by a fake clock in tests (mirrors scrub.LogSource's
// narrow-interface-for-testability discipline).
type Clock interface {
	Synchronize() (bool, error)
}

// Scrubber is the subset of *scrub.Tour the server needs for the
// scrub timeout. scrub.Tour.Tick's ([]CorruptEntry, error) result
// can't be named here directly without an import cycle (scrub already
// imports vsr for vsr.LogEntry), so callers wrap it, e.g.:
//
//	func(ctx context.Context) error { _, err := tour.Tick(ctx); return err }
type Scrubber interface {
	Tick(ctx context.Context) error
}

// Server drives a Replica's timeouts, turning the pure per-message
// handlers in replica.go into a running process: it is the thing
// cmd/kimberlite actually starts, analogous to how erigon's Stage
// loop drives pure stage functions on a schedule.
type Server struct {
	replica *Replica
	peers   map[ids.ReplicaId]Peer
	clock   Clock
	scrub   Scrubber
	log     *log.Logger

	mu              sync.Mutex
	lastHeartbeatAt time.Time
}

// NewServer builds a Server for replica, able to reach peers by id.
// clock and scrub may be nil if clock synchronization or background
// scrubbing is not wanted (e.g. in a single-node test harness).
func NewServer(replica *Replica, peers map[ids.ReplicaId]Peer, clk Clock, scrub Scrubber, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New("component", "vsr-server")
	}
	return &Server{
		replica:         replica,
		peers:           peers,
		clock:           clk,
		scrub:           scrub,
		log:             logger,
		lastHeartbeatAt: time.Now(),
	}
}

// broadcast sends m to every known peer, logging (not failing) any
// individual send error, since one unreachable peer must never stop
// progress toward the rest of the cluster.
func (s *Server) broadcast(m Message) {
	for id, p := range s.peers {
		if err := p.Send(m); err != nil {
			s.log.Warn("broadcast send failed", "peer", id, "err", err)
		}
	}
}

func (s *Server) send(id ids.ReplicaId, m Message) {
	p, ok := s.peers[id]
	if !ok {
		return
	}
	if err := p.Send(m); err != nil {
		s.log.Warn("send failed", "peer", id, "err", err)
	}
}

// HandleMessage dispatches one inbound message from a peer to the
// matching Replica handler and sends on whatever reply it produces.
// It is the bridge between the transport layer (Transport.Recv over an
// accepted connection) and the pure handlers in replica.go; any
// message at all counts as evidence the sender is alive, so it always
// resets the view-change deadline.
func (s *Server) HandleMessage(from ids.ReplicaId, m Message) {
	s.mu.Lock()
	s.lastHeartbeatAt = time.Now()
	s.mu.Unlock()

	switch v := m.(type) {
	case Prepare:
		ok, svc, req, err := s.replica.OnPrepare(from, v)
		if err != nil {
			s.log.Warn("on_prepare failed", "err", err)
			return
		}
		if svc != nil {
			s.broadcast(*svc)
		}
		if req != nil {
			s.send(from, *req)
		}
		if ok != nil {
			s.send(from, *ok)
		}
	case PrepareOk:
		if _, err := s.replica.OnPrepareOk(from, v); err != nil {
			s.log.Warn("on_prepare_ok failed", "err", err)
		}
	case Commit:
		if err := s.replica.OnCommit(v); err != nil {
			s.log.Warn("on_commit failed", "err", err)
		}
	case Heartbeat:
		if err := s.replica.OnHeartbeat(v); err != nil {
			s.log.Warn("on_heartbeat failed", "err", err)
		}
	case StartViewChange:
		dvc, err := s.replica.OnStartViewChange(v)
		if err != nil {
			s.log.Warn("on_start_view_change failed", "err", err)
			return
		}
		if dvc != nil {
			s.send(s.replica.LeaderFor(dvc.View), *dvc)
		}
	case DoViewChange:
		sv, err := s.replica.OnDoViewChange(v)
		if err != nil {
			s.log.Warn("on_do_view_change failed", "err", err)
			return
		}
		if sv != nil {
			s.broadcast(*sv)
		}
	case StartViewMsg:
		if err := s.replica.OnStartView(v); err != nil {
			s.log.Warn("on_start_view failed", "err", err)
		}
	case RepairRequest:
		resp, nack := s.replica.OnRepairRequest(v)
		if resp != nil {
			s.send(from, *resp)
		} else if nack != nil {
			s.send(from, *nack)
		}
	case RepairResponse:
		if err := s.replica.OnRepairResponse(v); err != nil {
			s.log.Warn("on_repair_response failed", "err", err)
		}
	case Nack:
		s.log.Debug("repair nacked", "from", from, "reason", v.Reason, "highest_seen", v.HighestSeen)
	case RecoveryRequest:
		if resp := s.replica.OnRecoveryRequest(v); resp != nil {
			s.send(from, *resp)
		}
	case RecoveryResponse:
		if err := s.replica.OnRecoveryResponse(v); err != nil {
			s.log.Warn("on_recovery_response failed", "err", err)
		}
	}
}

// Run starts every timeout loop and blocks until ctx is cancelled or
// one loop returns a non-nil error. Each timeout is an independent
// goroutine under a shared errgroup, the same supervised-fan-out shape
// the pack uses for independent periodic workers.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(gctx, HeartbeatInterval, s.onHeartbeatTimeout) })
	g.Go(func() error { return s.loop(gctx, ViewChangeInterval, s.onViewChangeTimeout) })
	g.Go(func() error { return s.loop(gctx, PrepareRetryInterval, s.onPrepareRetryTimeout) })
	g.Go(func() error { return s.loop(gctx, CommitMessageInterval, s.onCommitMessageTimeout) })
	g.Go(func() error { return s.loop(gctx, RepairSyncInterval, s.onRepairSyncTimeout) })
	g.Go(func() error { return s.loop(gctx, CommitStallInterval, s.onCommitStallTimeout) })
	g.Go(func() error { return s.loop(gctx, StartViewChangeWindowTimer, s.onStartViewChangeWindowTimeout) })
	g.Go(func() error { return s.loop(gctx, RecoveryRetryInterval, s.onRecoveryRetryTimeout) })
	if s.replica.IsLeader() {
		g.Go(func() error { return s.loop(gctx, PrimaryAbdicateInterval, s.onPrimaryAbdicateTimeout) })
	}
	if s.clock != nil {
		g.Go(func() error { return s.loop(gctx, PingInterval, s.onPingTimeout) })
		g.Go(func() error { return s.loop(gctx, ClockSyncInterval, s.onClockSyncTimeout) })
	}
	if s.scrub != nil {
		g.Go(func() error { return s.loop(gctx, ScrubInterval, s.onScrubTimeout) })
	}

	return g.Wait()
}

// loop ticks every interval until ctx is done, calling fn on each
// tick. A handler error is logged, not propagated: a single failed
// tick (e.g. a transient send error surfaced as an error) must not
// tear down every other timeout.
func (s *Server) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil {
				s.log.Warn("timeout handler error", "err", err)
			}
		}
	}
}

// onHeartbeatTimeout: the leader broadcasts a Heartbeat carrying its
// commit_number, letting backups advance without waiting on a
// PrepareOk quorum round (§4.G step 4).
func (s *Server) onHeartbeatTimeout(ctx context.Context) error {
	if !s.replica.IsLeader() {
		return nil
	}
	s.broadcast(Heartbeat{View: s.replica.View(), CommitNumber: s.replica.commitNumberSnapshot()})
	return nil
}

// onViewChangeTimeout: a backup that has not heard from the leader
// (no Prepare/Commit/Heartbeat) within the interval suspects it has
// failed and starts a view change.
func (s *Server) onViewChangeTimeout(ctx context.Context) error {
	if s.replica.IsLeader() {
		return nil
	}
	s.mu.Lock()
	stale := time.Since(s.lastHeartbeatAt) > ViewChangeInterval
	s.mu.Unlock()
	if !stale {
		return nil
	}
	svc := s.replica.TriggerViewChange()
	s.broadcast(svc)
	return nil
}

// onPrepareRetryTimeout: the leader re-sends any Prepare that has not
// yet collected quorum PrepareOks, guarding against a dropped message
// rather than waiting on the slower view-change timeout.
func (s *Server) onPrepareRetryTimeout(ctx context.Context) error {
	if !s.replica.IsLeader() {
		return nil
	}
	for _, p := range s.replica.pendingPreparesSnapshot(PrepareRetryInterval) {
		s.broadcast(p)
	}
	return nil
}

// onCommitMessageTimeout: the leader broadcasts a lightweight Commit
// message between heartbeats, shortening the time a backup waits to
// learn about a newly committed op under light load.
func (s *Server) onCommitMessageTimeout(ctx context.Context) error {
	if !s.replica.IsLeader() {
		return nil
	}
	s.broadcast(Commit{View: s.replica.View(), CommitNumber: s.replica.commitNumberSnapshot()})
	return nil
}

// onRepairSyncTimeout: any replica with a known gap in its log
// re-requests the missing range, in case an earlier RepairRequest was
// dropped.
func (s *Server) onRepairSyncTimeout(ctx context.Context) error {
	req, target, ok := s.replica.pendingRepairSnapshot()
	if !ok {
		return nil
	}
	s.send(target, req)
	return nil
}

// onCommitStallTimeout: a replica in StatusNormal, leader or backup,
// whose commit_number has trailed its op_number by at least
// stateTransferGapThreshold for longer than CommitStallInterval
// escalates to state transfer (§4.G "large gap repair escalates to
// state transfer").
func (s *Server) onCommitStallTimeout(ctx context.Context) error {
	return s.replica.checkCommitStall()
}

// onStartViewChangeWindowTimeout: a replica stuck in StatusViewChange
// past the window retries with the next view, in case its own
// StartViewChange round stalled without reaching quorum (§4.G
// "start-view-change-window timeout").
func (s *Server) onStartViewChangeWindowTimeout(ctx context.Context) error {
	if _, expired := s.replica.startViewChangeWindowExpired(StartViewChangeWindowTimer); !expired {
		return nil
	}
	svc := s.replica.TriggerViewChange()
	s.broadcast(svc)
	return nil
}

// onPrimaryAbdicateTimeout: a leader that cannot reach quorum for an
// extended period steps down voluntarily rather than continuing to
// accept writes it cannot commit, starting a view change itself.
func (s *Server) onPrimaryAbdicateTimeout(ctx context.Context) error {
	if !s.replica.IsLeader() {
		return nil
	}
	if s.replica.hasRecentQuorum(PrimaryAbdicateInterval) {
		return nil
	}
	svc := s.replica.TriggerViewChange()
	s.broadcast(svc)
	return nil
}

// onPingTimeout broadcasts a lightweight Heartbeat carrying the current
// view and commit number to every peer. It takes no clock sample:
// nothing in this package calls Clock.LearnSample.
func (s *Server) onPingTimeout(ctx context.Context) error {
	s.broadcast(Heartbeat{View: s.replica.View(), CommitNumber: s.replica.commitNumberSnapshot()})
	return nil
}

// onClockSyncTimeout attempts to install a new synchronized epoch from
// whatever samples have accumulated (§4.H).
func (s *Server) onClockSyncTimeout(ctx context.Context) error {
	_, err := s.clock.Synchronize()
	return err
}

// onScrubTimeout runs one tick of the background scrub tour (§4.J).
func (s *Server) onScrubTimeout(ctx context.Context) error {
	return s.scrub.Tick(ctx)
}

// onRecoveryRetryTimeout re-broadcasts this replica's RecoveryRequest
// while it is still Recovering, in case the original request or enough
// of its responses were dropped to stall the attempt (§4.G
// "Recovering"). A no-op once the replica has left Recovering.
func (s *Server) onRecoveryRetryTimeout(ctx context.Context) error {
	req, pending := s.replica.pendingRecoveryRequest()
	if !pending {
		return nil
	}
	s.broadcast(req)
	return nil
}
