package clock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

func TestSingleNodeAlwaysSynchronized(t *testing.T) {
	c := New(ids.ReplicaId(0), 1)
	require.True(t, c.synchronizationDisabled)
	require.True(t, c.IsSynchronized())

	ts1, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	ts2, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	require.GreaterOrEqual(t, ts2, ts1)
}

func TestThreeNodeRequiresSynchronization(t *testing.T) {
	c := New(ids.ReplicaId(0), 3)
	require.False(t, c.synchronizationDisabled)
	require.Equal(t, 2, c.Quorum())
	require.False(t, c.IsSynchronized())

	_, ok := c.RealtimeSynchronized()
	require.False(t, ok)
}

func TestLearnSampleRejectsSelf(t *testing.T) {
	c := New(ids.ReplicaId(0), 3)
	err := c.LearnSample(ids.ReplicaId(0), 0, 0, 0)
	require.Error(t, err)
	var clockErr *Error
	require.ErrorAs(t, err, &clockErr)
	require.Equal(t, ErrSelfSample, clockErr.Kind)
}

func TestLearnSampleRejectsNonMonotonicPing(t *testing.T) {
	c := New(ids.ReplicaId(0), 3)
	err := c.LearnSample(ids.ReplicaId(1), 100, 0, 50)
	require.Error(t, err)
	var clockErr *Error
	require.ErrorAs(t, err, &clockErr)
	require.Equal(t, ErrNonMonotonicPing, clockErr.Kind)
}

func TestLearnSampleRejectsStalePing(t *testing.T) {
	c := New(ids.ReplicaId(0), 3)
	c.window.monotonicStart = 1_000
	err := c.LearnSample(ids.ReplicaId(1), 500, 0, 600)
	require.Error(t, err)
	var clockErr *Error
	require.ErrorAs(t, err, &clockErr)
	require.Equal(t, ErrStalePing, clockErr.Kind)
}

func TestSynchronizeWaitsForMinWindow(t *testing.T) {
	c := New(ids.ReplicaId(0), 3)
	mono := int64(0)
	c.monotonicNow = func() int64 { return mono }
	c.realtimeNow = func() int64 { return 0 }
	c.window.monotonicStart = 0
	c.window.realtimeStart = 0

	require.NoError(t, c.LearnSample(ids.ReplicaId(1), 0, 0, 2_000_000))
	require.NoError(t, c.LearnSample(ids.ReplicaId(2), 0, 0, 2_000_000))

	mono = 1_000 * nsPerMs // below CLOCK_SYNC_WINDOW_MIN_MS
	installed, err := c.Synchronize()
	require.NoError(t, err)
	require.False(t, installed)
}

func TestSynchronizeInstallsEpochOnAgreement(t *testing.T) {
	c := New(ids.ReplicaId(0), 3)
	mono := int64(0)
	c.monotonicNow = func() int64 { return mono }
	c.realtimeNow = func() int64 { return 0 }
	c.window.monotonicStart = 0
	c.window.realtimeStart = 0

	// Our own sample is always offset 0 with zero delay, giving us an
	// interval of exactly [-tolerance, +tolerance]. A zero-delay peer
	// offset by 750ms (within the sum of the two margins) narrows the
	// overlap to 250ms, under the 500ms tolerance.
	require.NoError(t, c.LearnSample(ids.ReplicaId(1), 0, 750_000_000, 0))

	mono = ClockSyncWindowMinMs * nsPerMs
	installed, err := c.Synchronize()
	require.NoError(t, err)
	require.True(t, installed)
	require.True(t, c.IsSynchronized())

	ts, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	require.GreaterOrEqual(t, ts, int64(0))
}

func TestRealtimeSynchronizedMonotonic(t *testing.T) {
	c := New(ids.ReplicaId(0), 1)
	first, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	c.lastTimestamp = first + 1_000_000
	second, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	require.GreaterOrEqual(t, second, first)
}

func TestSmallestIntervalAgreesOnOverlap(t *testing.T) {
	tuples := []Tuple{
		lowerTuple(ids.ReplicaId(0), -100),
		upperTuple(ids.ReplicaId(0), 100),
		lowerTuple(ids.ReplicaId(1), -50),
		upperTuple(ids.ReplicaId(1), 150),
		lowerTuple(ids.ReplicaId(2), 400),
		upperTuple(ids.ReplicaId(2), 600),
	}
	iv := smallestInterval(tuples, 3)
	require.Equal(t, 2, iv.SourcesTrue)
	require.Equal(t, 1, iv.SourcesFalse)
	require.True(t, iv.HasQuorum(2))
	require.False(t, iv.HasQuorum(3))
}
