// Package clock implements §4.H: a synchronized clock built on
// Marzullo's algorithm for combining offset samples from peer
// replicas into a single agreed interval, tolerant of a minority of
// unreliable sources.
package clock

import (
	"sort"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// boundKind tags whether a Tuple endpoint opens or closes a source's
// offset interval.
type boundKind uint8

const (
	boundLower boundKind = iota
	boundUpper
)

// Tuple is one endpoint of a source's offset interval: a replica's
// sampled clock offset is bounded by [offset-errorMargin,
// offset+errorMargin], and each bound becomes one Tuple (the classic
// Marzullo input encoding, one pair of tuples per source).
type Tuple struct {
	Source ids.ReplicaId
	Offset int64
	Bound  boundKind
}

func lowerTuple(source ids.ReplicaId, offset int64) Tuple {
	return Tuple{Source: source, Offset: offset, Bound: boundLower}
}

func upperTuple(source ids.ReplicaId, offset int64) Tuple {
	return Tuple{Source: source, Offset: offset, Bound: boundUpper}
}

// Interval is the tightest offset range agreed upon by the largest
// number of sources, found by smallestInterval.
type Interval struct {
	Low, High int64

	// SourcesTrue is the number of sources whose interval contains
	// [Low, High]; SourcesFalse is every other sampled source.
	SourcesTrue, SourcesFalse int
}

// Width is the interval's size; callers reject synchronization when
// this exceeds the configured tolerance (§4.H).
func (iv Interval) Width() int64 {
	return iv.High - iv.Low
}

// HasQuorum reports whether at least q sources agree on iv.
func (iv Interval) HasQuorum(q int) bool {
	return iv.SourcesTrue >= q
}

// smallestInterval runs Marzullo's algorithm: sweep every source's
// lower/upper bound in offset order, tracking the number of
// currently-open intervals, and return the point (and the run of
// points) where that count is maximized. totalSources is the number
// of distinct sources contributing tuples, used to report how many
// disagreed with the winning interval.
func smallestInterval(tuples []Tuple, totalSources int) Interval {
	sorted := make([]Tuple, len(tuples))
	copy(sorted, tuples)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Offset != sorted[j].Offset {
			return sorted[i].Offset < sorted[j].Offset
		}
		// Lower bounds sort before Upper bounds at an equal offset so
		// that two sources whose intervals merely touch still count
		// as overlapping at that point.
		return sorted[i].Bound == boundLower && sorted[j].Bound == boundUpper
	})

	best := 0
	count := 0
	bestIdx := 0
	for i, t := range sorted {
		if t.Bound == boundLower {
			count++
		} else {
			count--
		}
		if count > best {
			best = count
			bestIdx = i
		}
	}

	low := sorted[bestIdx].Offset
	high := low
	if bestIdx+1 < len(sorted) {
		high = sorted[bestIdx+1].Offset
	}
	return Interval{Low: low, High: high, SourcesTrue: best, SourcesFalse: totalSources - best}
}
