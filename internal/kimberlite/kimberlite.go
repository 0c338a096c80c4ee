// Package kimberlite wires together storage, projection, kernel,
// effects, VSR, clock, session, and scrub into one running replica
// process (§5: the single kernel-state value behind a single
// readers-writer lock, here assembled from its component parts rather
// than reimplemented).
package kimberlite

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite-sub000/internal/clock"
	"github.com/kimberlitedb/kimberlite-sub000/internal/config"
	"github.com/kimberlitedb/kimberlite-sub000/internal/effects"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kernel"
	"github.com/kimberlitedb/kimberlite-sub000/internal/log"
	"github.com/kimberlitedb/kimberlite-sub000/internal/projection"
	"github.com/kimberlitedb/kimberlite-sub000/internal/scrub"
	"github.com/kimberlitedb/kimberlite-sub000/internal/session"
	"github.com/kimberlitedb/kimberlite-sub000/internal/storage"
	"github.com/kimberlitedb/kimberlite-sub000/internal/vsr"
)

// Node is one running Kimberlite process: the durable layers (storage,
// projection), the pure kernel state threaded through VSR, and the
// ancillary subsystems (clock, session cache, scrub) that ride on top
// of it.
type Node struct {
	cfg config.Config
	log *log.Logger

	Storage  *storage.Storage
	Proj     *projection.Store
	Executor *effects.Executor
	Replica  *vsr.Replica
	Clock    *clock.Clock
	Sessions *session.Cache
	Scrub    *scrub.Tour
}

// scrubRepairer bridges scrub.Tour's Repairer interface to a replica's
// own repair path: a corrupt local entry is repaired exactly like a
// missing one, by requesting it from a peer.
type scrubRepairer struct {
	replica *vsr.Replica
	peers   map[ids.ReplicaId]vsr.Peer
}

func (r *scrubRepairer) RequestRepair(ctx context.Context, op ids.OpNumber) error {
	leader := r.replica.LeaderFor(r.replica.View())
	p, ok := r.peers[leader]
	if !ok {
		return errors.Errorf("kimberlite: no known peer for leader %d to request repair", leader)
	}
	return p.Send(vsr.RepairRequest{StartOp: op, EndOp: op, From: r.replica.ID()})
}

// Open assembles every durable and in-memory subsystem for one
// replica process, acquiring the single-writer lock on cfg.DataDir
// (§5) as the very first step.
func Open(cfg config.Config, peers map[ids.ReplicaId]vsr.Peer, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.New("component", "kimberlite")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := storage.New(cfg.DataDir, uint64(cfg.MaxSegmentSize.Bytes()), logger.New("component", "storage"))
	if err != nil {
		return nil, errors.Wrap(err, "kimberlite: open storage")
	}

	proj, err := projection.Open(filepath.Join(cfg.DataDir, "projection.db"), int(cfg.ProjectionCacheCapacity.Bytes()))
	if err != nil {
		_ = st.Close()
		return nil, errors.Wrap(err, "kimberlite: open projection store")
	}

	state := kernel.NewState()
	exec := effects.NewExecutor(st, proj, effects.NopAuditSink{}, logger.New("component", "effects"))

	replica := vsr.NewReplica(cfg.Self(), cfg.PeerIDs(), state, exec, logger.New("component", "vsr"))

	clk := clock.New(cfg.Self(), len(cfg.Peers))

	sessions := session.NewCache(cfg.SessionCacheCapacity)

	tour := scrub.NewTour(replica, &scrubRepairer{replica: replica, peers: peers})

	return &Node{
		cfg:      cfg,
		log:      logger,
		Storage:  st,
		Proj:     proj,
		Executor: exec,
		Replica:  replica,
		Clock:    clk,
		Sessions: sessions,
		Scrub:    tour,
	}, nil
}

// Server builds the timeout-driven VSR server loop for this node,
// ready for Run(ctx) (§4.G's 11 named timeouts).
func (n *Node) Server(peers map[ids.ReplicaId]vsr.Peer) *vsr.Server {
	scrubAdapter := scrubberFunc(func(ctx context.Context) error {
		_, err := n.Scrub.Tick(ctx)
		return err
	})
	return vsr.NewServer(n.Replica, peers, n.Clock, scrubAdapter, n.log.New("component", "vsr-server"))
}

// scrubberFunc adapts a plain function to vsr.Scrubber.
type scrubberFunc func(ctx context.Context) error

func (f scrubberFunc) Tick(ctx context.Context) error { return f(ctx) }

// Close releases every resource the node holds, most importantly the
// single-writer data directory lock (§5).
func (n *Node) Close() error {
	var firstErr error
	if err := n.Proj.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.Storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
