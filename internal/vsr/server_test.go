package vsr

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

var errTestClockSync = errors.New("clock sync failed")

// fakePeer records every message sent to it instead of touching the
// network, the same narrow-interface-for-testability approach used by
// scrub.Repairer's test double.
type fakePeer struct {
	mu   sync.Mutex
	sent []Message
}

func (p *fakePeer) Send(m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	return nil
}

func (p *fakePeer) last() Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeClock struct {
	synced bool
	err    error
}

func (c *fakeClock) Synchronize() (bool, error) { return c.synced, c.err }

type fakeScrubber struct {
	ticks int
	err   error
}

func (s *fakeScrubber) Tick(ctx context.Context) error {
	s.ticks++
	return s.err
}

func TestHandleMessagePrepareRepliesPrepareOk(t *testing.T) {
	leader, backup, _ := threeReplicas(t)
	peer := &fakePeer{}
	server := NewServer(backup, map[ids.ReplicaId]Peer{leader.ID(): peer}, nil, nil, nil)

	prep, err := leader.Propose(createStreamCmd(1), 1)
	require.NoError(t, err)

	server.HandleMessage(leader.ID(), prep)
	require.Equal(t, 1, peer.count())
	ok, isOk := peer.last().(PrepareOk)
	require.True(t, isOk)
	require.Equal(t, prep.Op, ok.Op)
}

func TestHandleMessagePrepareOkAppliesCommit(t *testing.T) {
	leader, b1, b2 := threeReplicas(t)
	server := NewServer(leader, map[ids.ReplicaId]Peer{b1.ID(): &fakePeer{}, b2.ID(): &fakePeer{}}, nil, nil, nil)

	prep, err := leader.Propose(createStreamCmd(1), 1)
	require.NoError(t, err)
	ok, _, _, err := b1.OnPrepare(leader.ID(), prep)
	require.NoError(t, err)

	server.HandleMessage(b1.ID(), *ok)
	require.Equal(t, ids.CommitNumber(1), leader.commitNumberSnapshot())
}

func TestHandleMessageRepairRequestSendsResponseOrNack(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	_, err := leader.Propose(createStreamCmd(1), 1)
	require.NoError(t, err)

	peer := &fakePeer{}
	server := NewServer(leader, map[ids.ReplicaId]Peer{1: peer}, nil, nil, nil)

	server.HandleMessage(1, RepairRequest{StartOp: 1, EndOp: 1, From: 1})
	require.Equal(t, 1, peer.count())
	_, isResp := peer.last().(RepairResponse)
	require.True(t, isResp)

	server.HandleMessage(1, RepairRequest{StartOp: 50, EndOp: 50, From: 1})
	require.Equal(t, 2, peer.count())
	_, isNack := peer.last().(Nack)
	require.True(t, isNack)
}

func TestHandleMessageRecoveryRequestRepliesWithLeaderLogTail(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	_, err := leader.Propose(createStreamCmd(1), 1)
	require.NoError(t, err)

	peer := &fakePeer{}
	server := NewServer(leader, map[ids.ReplicaId]Peer{1: peer}, nil, nil, nil)

	server.HandleMessage(1, RecoveryRequest{Replica: 1, Nonce: 5})
	require.Equal(t, 1, peer.count())
	resp, isResp := peer.last().(RecoveryResponse)
	require.True(t, isResp)
	require.True(t, resp.IsLeader)
	require.Len(t, resp.LogTail, 1)
}

func TestOnRecoveryRetryTimeoutOnlyBroadcastsWhileRecovering(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	peer := &fakePeer{}
	server := NewServer(leader, map[ids.ReplicaId]Peer{1: peer}, nil, nil, nil)

	require.NoError(t, server.onRecoveryRetryTimeout(context.Background()))
	require.Equal(t, 0, peer.count(), "a replica that never called BeginRecovery has nothing to retry")

	leader.BeginRecovery()
	require.NoError(t, server.onRecoveryRetryTimeout(context.Background()))
	require.Equal(t, 1, peer.count())
	_, isReq := peer.last().(RecoveryRequest)
	require.True(t, isReq)
}

func TestHandleMessageStartViewChangeForwardsDoViewChangeToLeader(t *testing.T) {
	_, b1, b2 := threeReplicas(t)
	peerForLeader := &fakePeer{}
	// view 1's leader is replica 1 (b1 itself).
	server := NewServer(b2, map[ids.ReplicaId]Peer{1: peerForLeader}, nil, nil, nil)

	svc := b1.TriggerViewChange()
	server.HandleMessage(b1.ID(), svc)

	require.Equal(t, 1, peerForLeader.count())
	_, isDvc := peerForLeader.last().(DoViewChange)
	require.True(t, isDvc)
}

func TestOnHeartbeatTimeoutOnlyBroadcastsWhenLeader(t *testing.T) {
	leader, backup, _ := threeReplicas(t)

	leaderPeer := &fakePeer{}
	leaderServer := NewServer(leader, map[ids.ReplicaId]Peer{1: leaderPeer}, nil, nil, nil)
	require.NoError(t, leaderServer.onHeartbeatTimeout(context.Background()))
	require.Equal(t, 1, leaderPeer.count())

	backupPeer := &fakePeer{}
	backupServer := NewServer(backup, map[ids.ReplicaId]Peer{0: backupPeer}, nil, nil, nil)
	require.NoError(t, backupServer.onHeartbeatTimeout(context.Background()))
	require.Equal(t, 0, backupPeer.count(), "a non-leader never broadcasts heartbeats")
}

func TestOnCommitStallTimeoutDelegatesToReplica(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	server := NewServer(leader, nil, nil, nil, nil)

	leader.opNumber = stateTransferGapThreshold + 1
	leader.lastCommitAdvanceAt = leader.lastCommitAdvanceAt.Add(-2 * CommitStallInterval)

	require.NoError(t, server.onCommitStallTimeout(context.Background()))
	require.Equal(t, StatusStateTransfer, leader.Status())
}

func TestOnPrimaryAbdicateTimeoutStepsDownWithoutRecentQuorum(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	peer := &fakePeer{}
	server := NewServer(leader, map[ids.ReplicaId]Peer{1: peer}, nil, nil, nil)

	leader.lastQuorumAt = leader.lastQuorumAt.Add(-2 * PrimaryAbdicateInterval)

	require.NoError(t, server.onPrimaryAbdicateTimeout(context.Background()))
	require.Equal(t, StatusViewChange, leader.Status())
	require.Equal(t, 1, peer.count())
}

func TestOnClockSyncTimeoutPropagatesClockError(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	clk := &fakeClock{err: errTestClockSync}
	server := NewServer(leader, nil, clk, nil, nil)

	err := server.onClockSyncTimeout(context.Background())
	require.ErrorIs(t, err, errTestClockSync)
}

func TestOnScrubTimeoutTicksScrubber(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	scrub := &fakeScrubber{}
	server := NewServer(leader, nil, nil, scrub, nil)

	require.NoError(t, server.onScrubTimeout(context.Background()))
	require.Equal(t, 1, scrub.ticks)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	leader, _, _ := threeReplicas(t)
	server := NewServer(leader, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	cancel()
	err := <-done
	require.NoError(t, err)
}
