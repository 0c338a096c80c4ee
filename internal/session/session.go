// Package session implements §4.I: the client session cache that maps
// (client_id, request_number) to a cached reply for committed
// requests, so a retried request is answered from cache rather than
// re-executed.
package session

import (
	"sync"

	"github.com/google/btree"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/metrics"
)

// committedEntry is one client's last committed request: its number,
// the reply to replay on retry, and the commit timestamp used to
// order sessions for eviction.
type committedEntry struct {
	client          ids.ClientId
	requestNumber   ids.RequestNumber
	reply           []byte
	commitTimestamp int64
}

// Less implements btree.Item, ordering entries by commit timestamp and
// breaking ties by client id so the ordering is total and
// deterministic across replicas (§4.I "evict the session with the
// oldest commit timestamp, deterministic across replicas").
func (e *committedEntry) Less(than btree.Item) bool {
	other := than.(*committedEntry)
	if e.commitTimestamp != other.commitTimestamp {
		return e.commitTimestamp < other.commitTimestamp
	}
	return lessClientId(e.client, other.client)
}

func lessClientId(a, b ids.ClientId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Cache is the client session cache (§4.I). Committed entries are
// cached by client id and ordered by commit timestamp for eviction;
// uncommitted (prepared but not yet committed) request numbers live in
// a separate map that a view change discards wholesale, since an
// uncommitted request may never actually commit under the new view.
type Cache struct {
	mu sync.Mutex

	maxSessions int

	committed      map[ids.ClientId]*committedEntry
	committedByAge *btree.BTree

	uncommitted map[ids.ClientId]ids.RequestNumber
}

// NewCache builds a session cache that evicts down to maxSessions
// committed entries.
func NewCache(maxSessions int) *Cache {
	return &Cache{
		maxSessions:    maxSessions,
		committed:      make(map[ids.ClientId]*committedEntry),
		committedByAge: btree.New(16),
		uncommitted:    make(map[ids.ClientId]ids.RequestNumber),
	}
}

// Prepare records that (client, requestNumber) has been assigned a log
// slot but not yet committed.
func (c *Cache) Prepare(client ids.ClientId, requestNumber ids.RequestNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uncommitted[client] = requestNumber
}

// Lookup reports the cached reply for (client, requestNumber), if any.
// Only the committed map is consulted: an uncommitted request must
// never shadow or satisfy a duplicate check, since it may be discarded
// by a view change before it ever commits (§4.I).
func (c *Cache) Lookup(client ids.ClientId, requestNumber ids.RequestNumber) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.committed[client]
	if !ok || entry.requestNumber != requestNumber {
		return nil, false
	}
	return entry.reply, true
}

// Commit moves (client, requestNumber) from uncommitted into the
// committed cache with the given reply and commit timestamp, evicting
// the oldest committed session if this pushes the cache over its
// configured size.
func (c *Cache) Commit(client ids.ClientId, requestNumber ids.RequestNumber, reply []byte, commitTimestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.uncommitted, client)

	if old, ok := c.committed[client]; ok {
		c.committedByAge.Delete(old)
	}

	entry := &committedEntry{client: client, requestNumber: requestNumber, reply: reply, commitTimestamp: commitTimestamp}
	c.committed[client] = entry
	c.committedByAge.ReplaceOrInsert(entry)

	for len(c.committed) > c.maxSessions {
		oldest := c.committedByAge.Min()
		if oldest == nil {
			break
		}
		e := oldest.(*committedEntry)
		c.committedByAge.Delete(e)
		delete(c.committed, e.client)
	}
	metrics.SessionCacheSize.Set(float64(len(c.committed)))
}

// DiscardUncommitted clears every uncommitted request, matching §4.I
// "a view change discards the uncommitted map entirely while
// preserving committed".
func (c *Cache) DiscardUncommitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uncommitted = make(map[ids.ClientId]ids.RequestNumber)
}

// IsPrepared reports whether (client, requestNumber) is the client's
// currently outstanding prepared-but-uncommitted request.
func (c *Cache) IsPrepared(client ids.ClientId, requestNumber ids.RequestNumber) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rn, ok := c.uncommitted[client]
	return ok && rn == requestNumber
}

// Len returns the number of committed sessions currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}
