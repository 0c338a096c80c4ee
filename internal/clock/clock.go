package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/metrics"
)

// Tolerances and window bounds for clock synchronization (§4.H).
const (
	ClockOffsetToleranceMs = 500
	ClockSyncWindowMinMs   = 3_000
	ClockSyncWindowMaxMs   = 10_000
	ClockEpochMaxMs        = 30_000

	nsPerMs = int64(time.Millisecond)
)

// ErrorKind enumerates the clock's error taxonomy.
type ErrorKind int

const (
	ErrSelfSample ErrorKind = iota
	ErrNonMonotonicPing
	ErrStalePing
	ErrNoQuorumAgreement
	ErrToleranceExceeded
)

// Error is the clock package's single result-type error, matching the
// kernel's small-number-of-result-types convention.
type Error struct {
	Kind                     ErrorKind
	M0, M2                   int64
	SourcesTrue, SourcesFalse int
	QuorumNeeded             int
	WidthNs, ToleranceNs     int64
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrSelfSample:
		return "clock: cannot learn sample from self"
	case ErrNonMonotonicPing:
		return fmt.Sprintf("clock: non-monotonic ping: m0=%d > m2=%d", e.M0, e.M2)
	case ErrStalePing:
		return "clock: stale ping (before current window)"
	case ErrNoQuorumAgreement:
		return fmt.Sprintf("clock: no quorum agreement: %d true, %d false, need %d",
			e.SourcesTrue, e.SourcesFalse, e.QuorumNeeded)
	case ErrToleranceExceeded:
		return fmt.Sprintf("clock: tolerance exceeded: width=%dns > tolerance=%dns", e.WidthNs, e.ToleranceNs)
	default:
		return "clock: unknown error"
	}
}

// sample is a clock offset measurement from one remote replica,
// carrying the network delay estimate used to weight it.
type sample struct {
	clockOffsetNs int64
	oneWayDelayNs int64
}

// epoch tracks samples collected over one synchronization window; a
// replica keeps two — the installed epoch used for reads, and the
// window epoch currently collecting new samples (§4.H).
type epoch struct {
	sources         map[ids.ReplicaId]sample
	samplesReceived int
	monotonicStart  int64
	realtimeStart   int64
	synchronized    *Interval
	hasNewSamples   bool
}

func newEpoch(monotonicStart, realtimeStart int64, self ids.ReplicaId) *epoch {
	return &epoch{
		sources:         map[ids.ReplicaId]sample{self: {}},
		samplesReceived: 1,
		monotonicStart:  monotonicStart,
		realtimeStart:   realtimeStart,
	}
}

func (e *epoch) elapsed(monotonicNow int64) int64 {
	return monotonicNow - e.monotonicStart
}

func (e *epoch) sourcesSampled() int {
	return len(e.sources)
}

func (e *epoch) reset(monotonicNow, realtimeNow int64, self ids.ReplicaId) {
	e.sources = map[ids.ReplicaId]sample{self: {}}
	e.samplesReceived = 1
	e.monotonicStart = monotonicNow
	e.realtimeStart = realtimeNow
	e.synchronized = nil
	e.hasNewSamples = false
}

// Clock is a cluster-wide synchronized clock (§4.H): only the primary
// assigns timestamps, and only once a quorum of replicas agree on an
// offset interval narrow enough to trust.
type Clock struct {
	mu sync.Mutex

	replica     ids.ReplicaId
	quorum      int
	clusterSize int

	epoch  *epoch
	window *epoch

	synchronizationDisabled bool
	lastTimestamp           int64

	monotonicNow func() int64
	realtimeNow  func() int64
}

// New builds a clock for a cluster of clusterSize replicas, this
// process identified as replica. A single-node cluster bypasses
// synchronization entirely and reports system time directly.
func New(replica ids.ReplicaId, clusterSize int) *Clock {
	if clusterSize <= 0 {
		panic("clock: cluster size must be positive")
	}
	if int(replica) >= clusterSize {
		panic("clock: replica id exceeds cluster size")
	}

	c := &Clock{
		replica:                 replica,
		quorum:                  (clusterSize-1)/2 + 1,
		clusterSize:             clusterSize,
		synchronizationDisabled: clusterSize == 1,
		monotonicNow:            monotonicNanos,
		realtimeNow:             realtimeNanos,
	}
	mNow, rNow := c.monotonicNow(), c.realtimeNow()
	c.epoch = newEpoch(mNow, rNow, replica)
	c.window = newEpoch(mNow, rNow, replica)
	c.lastTimestamp = rNow
	return c
}

var processStart = time.Now()

func monotonicNanos() int64 {
	return int64(time.Since(processStart))
}

func realtimeNanos() int64 {
	return time.Now().UnixNano()
}

// LearnSample records a clock offset measurement from a remote
// replica, derived from a ping/pong exchange: m0 is our monotonic send
// time, t1 the remote's wall-clock reply time, m2 our monotonic
// receive time (§4.H "Clock Offset Calculation").
func (c *Clock) LearnSample(replica ids.ReplicaId, m0 int64, t1 int64, m2 int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if replica == c.replica {
		return &Error{Kind: ErrSelfSample}
	}
	if c.synchronizationDisabled {
		return nil
	}
	if m0 > m2 {
		return &Error{Kind: ErrNonMonotonicPing, M0: m0, M2: m2}
	}
	if m0 < c.window.monotonicStart {
		return &Error{Kind: ErrStalePing}
	}

	roundTripTime := m2 - m0
	oneWayDelay := roundTripTime / 2

	elapsedAtM2 := m2 - c.window.monotonicStart
	ourTimeAtT1 := c.window.realtimeStart + oneWayDelay + elapsedAtM2
	clockOffset := t1 - ourTimeAtT1

	s := sample{clockOffsetNs: clockOffset, oneWayDelayNs: oneWayDelay}

	existing, ok := c.window.sources[replica]
	if !ok || s.oneWayDelayNs < existing.oneWayDelayNs {
		c.window.sources[replica] = s
	}
	c.window.samplesReceived++
	c.window.hasNewSamples = true
	return nil
}

// Synchronize attempts to install a new synchronized epoch from the
// window's accumulated samples (§4.H). It should be called
// periodically on the clock-sync timeout. It returns true if a new
// epoch was installed, false if there is not yet enough data to try,
// and a non-nil error if an attempt was made and failed quorum or
// tolerance.
func (c *Clock) Synchronize() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synchronizationDisabled {
		return false, nil
	}
	if !c.window.hasNewSamples {
		metrics.ClockSynchronizeAttempts.WithLabelValues("not_ready").Inc()
		return false, nil
	}

	monotonicNow := c.monotonicNow()
	elapsed := c.window.elapsed(monotonicNow)
	if elapsed < ClockSyncWindowMinMs*nsPerMs {
		metrics.ClockSynchronizeAttempts.WithLabelValues("not_ready").Inc()
		return false, nil
	}

	sourcesSampled := c.window.sourcesSampled()
	if sourcesSampled < c.quorum {
		metrics.ClockSynchronizeAttempts.WithLabelValues("not_ready").Inc()
		return false, nil
	}

	tuples := make([]Tuple, 0, sourcesSampled*2)
	for replicaID, s := range c.window.sources {
		errorMargin := s.oneWayDelayNs + ClockOffsetToleranceMs*nsPerMs
		tuples = append(tuples,
			lowerTuple(replicaID, s.clockOffsetNs-errorMargin),
			upperTuple(replicaID, s.clockOffsetNs+errorMargin),
		)
	}

	interval := smallestInterval(tuples, sourcesSampled)

	if !interval.HasQuorum(c.quorum) {
		metrics.ClockSynchronizeAttempts.WithLabelValues("no_quorum").Inc()
		return false, &Error{
			Kind:         ErrNoQuorumAgreement,
			SourcesTrue:  interval.SourcesTrue,
			SourcesFalse: interval.SourcesFalse,
			QuorumNeeded: c.quorum,
		}
	}

	toleranceNs := int64(ClockOffsetToleranceMs * nsPerMs)
	if interval.Width() > toleranceNs {
		metrics.ClockSynchronizeAttempts.WithLabelValues("tolerance_exceeded").Inc()
		return false, &Error{Kind: ErrToleranceExceeded, WidthNs: interval.Width(), ToleranceNs: toleranceNs}
	}

	c.window.synchronized = &interval
	c.epoch, c.window = c.window, c.epoch

	realtimeNow := c.realtimeNow()
	c.window.reset(monotonicNow, realtimeNow, c.replica)
	metrics.ClockSynchronizeAttempts.WithLabelValues("installed").Inc()
	return true, nil
}

// RealtimeSynchronized returns a synchronized timestamp, or false if
// the clock is not yet synchronized (§4.H). Only the primary should
// call this; backups never assign timestamps. The result is always
// monotonic relative to every previous call.
func (c *Clock) RealtimeSynchronized() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synchronizationDisabled {
		ts := c.realtimeNow()
		if ts < c.lastTimestamp {
			ts = c.lastTimestamp
		}
		c.lastTimestamp = ts
		return ts, true
	}

	if c.epoch.synchronized == nil {
		return 0, false
	}
	interval := *c.epoch.synchronized

	monotonicNow := c.monotonicNow()
	epochAge := c.epoch.elapsed(monotonicNow)
	if epochAge > ClockEpochMaxMs*nsPerMs {
		return 0, false
	}

	realtimeNow := c.realtimeNow()
	lowerBound := c.epoch.realtimeStart + epochAge + interval.Low
	upperBound := c.epoch.realtimeStart + epochAge + interval.High

	clamped := realtimeNow
	if clamped < lowerBound {
		clamped = lowerBound
	}
	if clamped > upperBound {
		clamped = upperBound
	}

	timestamp := clamped
	if timestamp < c.lastTimestamp {
		timestamp = c.lastTimestamp
	}
	c.lastTimestamp = timestamp
	return timestamp, true
}

// IsSynchronized reports whether the installed epoch is present and
// still fresh enough to serve RealtimeSynchronized.
func (c *Clock) IsSynchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synchronizationDisabled {
		return true
	}
	if c.epoch.synchronized == nil {
		return false
	}
	epochAge := c.epoch.elapsed(c.monotonicNow())
	return epochAge <= ClockEpochMaxMs*nsPerMs
}

// SynchronizedInterval returns the installed epoch's agreed offset
// interval, for diagnostics.
func (c *Clock) SynchronizedInterval() (Interval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.synchronized == nil {
		return Interval{}, false
	}
	return *c.epoch.synchronized, true
}

// WindowSamples returns the number of distinct replicas sampled in the
// current collecting window.
func (c *Clock) WindowSamples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.sourcesSampled()
}

// Quorum returns the number of replicas required to agree for
// synchronization to succeed.
func (c *Clock) Quorum() int {
	return c.quorum
}
