package vsr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/metrics"
)

// MaxInflightPerReplica caps concurrent outstanding RepairRequests to
// any one peer (§4.G).
const MaxInflightPerReplica = 2

// foregroundIOPSShare reserves the bulk of the I/O budget for
// foreground (client-facing) traffic, leaving the rest for repair and
// background scrub (§4.J "IOPS cap reserves 90% for foreground").
const foregroundIOPSShare = 0.9

// peerStat tracks a peer's exponentially-weighted mean repair
// latency, used to prefer the fastest responder for the next request.
type peerStat struct {
	sem     *semaphore.Weighted
	ewmaMs  float64
	samples int
}

// RepairBudget gates and scores outstanding repair requests across
// peers (§4.G "caps in-flight repair requests at
// MAX_INFLIGHT_PER_REPLICA per peer, selects the fastest peer by EWMA
// of completion latency, and releases the slot on completion").
type RepairBudget struct {
	mu    sync.Mutex
	peers map[ids.ReplicaId]*peerStat

	limiter *rate.Limiter
}

// NewRepairBudget builds a budget with an overall I/O rate of
// iopsCap, split per foregroundIOPSShare between foreground and
// repair/scrub traffic (§4.J).
func NewRepairBudget(iopsCap float64) *RepairBudget {
	repairShare := iopsCap * (1 - foregroundIOPSShare)
	if repairShare <= 0 {
		repairShare = 1
	}
	return &RepairBudget{
		peers:   make(map[ids.ReplicaId]*peerStat),
		limiter: rate.NewLimiter(rate.Limit(repairShare), int(repairShare)+1),
	}
}

func (b *RepairBudget) peerFor(id ids.ReplicaId) *peerStat {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		p = &peerStat{sem: semaphore.NewWeighted(MaxInflightPerReplica)}
		b.peers[id] = p
	}
	return p
}

// FastestPeer returns the candidate with the lowest observed EWMA
// latency, preferring never-sampled peers (optimistic first try).
func (b *RepairBudget) FastestPeer(candidates []ids.ReplicaId) ids.ReplicaId {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := candidates[0]
	bestMs := -1.0
	for _, c := range candidates {
		p, ok := b.peers[c]
		if !ok || p.samples == 0 {
			return c
		}
		if bestMs < 0 || p.ewmaMs < bestMs {
			best, bestMs = c, p.ewmaMs
		}
	}
	return best
}

// Acquire blocks until a repair slot against peer is available and the
// rate limiter admits one more request, returning a release function.
func (b *RepairBudget) Acquire(ctx context.Context, peer ids.ReplicaId) (func(), error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	p := b.peerFor(peer)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.VSRRepairRequests.WithLabelValues(fmt.Sprint(peer)).Inc()
	start := time.Now()
	return func() {
		elapsed := float64(time.Since(start).Milliseconds())
		b.mu.Lock()
		if p.samples == 0 {
			p.ewmaMs = elapsed
		} else {
			const alpha = 0.2
			p.ewmaMs = alpha*elapsed + (1-alpha)*p.ewmaMs
		}
		p.samples++
		b.mu.Unlock()
		p.sem.Release(1)
	}, nil
}
