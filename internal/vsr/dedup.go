package vsr

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// dedupKey identifies one (message-type, from, view) stream within
// which op_numbers must be unique (§4.G "replicas maintain a dedup
// tracker keyed by (message-type, from, view, op); duplicates are
// silently dropped").
type dedupKey struct {
	kind messageKind
	from ids.ReplicaId
	view ids.ViewNumber
}

// DedupTracker records which op_numbers have already been seen per
// (kind, from, view), using a compact bitmap per stream rather than a
// set of full tuples — the natural fit once view is pulled out as part
// of the map key, since op_numbers only grow within a view.
type DedupTracker struct {
	mu      sync.Mutex
	streams map[dedupKey]*roaring.Bitmap
}

func NewDedupTracker() *DedupTracker {
	return &DedupTracker{streams: make(map[dedupKey]*roaring.Bitmap)}
}

// SeenOrRecord reports whether (kind, from, view, op) was already
// recorded; if not, it records it and returns false.
func (d *DedupTracker) SeenOrRecord(kind messageKind, from ids.ReplicaId, view ids.ViewNumber, op ids.OpNumber) (bool, error) {
	if uint64(op) > uint64(^uint32(0)) {
		return false, fmt.Errorf("vsr: op_number %d exceeds dedup tracker range", op)
	}
	key := dedupKey{kind: kind, from: from, view: view}

	d.mu.Lock()
	defer d.mu.Unlock()
	bm, ok := d.streams[key]
	if !ok {
		bm = roaring.New()
		d.streams[key] = bm
	}
	if bm.Contains(uint32(op)) {
		return true, nil
	}
	bm.Add(uint32(op))
	return false, nil
}

// ForgetView discards dedup state for views strictly older than view,
// bounding memory as the cluster advances (a view's bitmap is only
// useful while that view can still produce duplicate retransmits).
func (d *DedupTracker) ForgetView(view ids.ViewNumber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.streams {
		if key.view < view {
			delete(d.streams, key)
		}
	}
}
