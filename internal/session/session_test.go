package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

func TestCommitThenLookupHitsCache(t *testing.T) {
	c := NewCache(8)
	client := ids.NewClientId()

	c.Prepare(client, 1)
	require.True(t, c.IsPrepared(client, 1))

	c.Commit(client, 1, []byte("reply-1"), 100)
	require.False(t, c.IsPrepared(client, 1), "commit clears the uncommitted entry")

	reply, ok := c.Lookup(client, 1)
	require.True(t, ok)
	require.Equal(t, []byte("reply-1"), reply)

	_, ok = c.Lookup(client, 2)
	require.False(t, ok, "a different request number is not a cache hit")
}

func TestUncommittedNeverSatisfiesLookup(t *testing.T) {
	c := NewCache(8)
	client := ids.NewClientId()
	c.Prepare(client, 1)

	_, ok := c.Lookup(client, 1)
	require.False(t, ok, "an uncommitted request must never shadow a duplicate check")
}

func TestViewChangeDiscardsUncommittedOnly(t *testing.T) {
	c := NewCache(8)
	a, b := ids.NewClientId(), ids.NewClientId()

	c.Commit(a, 1, []byte("a-reply"), 10)
	c.Prepare(b, 1)

	c.DiscardUncommitted()

	require.False(t, c.IsPrepared(b, 1))
	reply, ok := c.Lookup(a, 1)
	require.True(t, ok)
	require.Equal(t, []byte("a-reply"), reply)
}

func TestEvictsOldestCommitTimestampDeterministically(t *testing.T) {
	c := NewCache(2)
	clients := make([]ids.ClientId, 3)
	for i := range clients {
		clients[i] = ids.NewClientId()
	}

	c.Commit(clients[0], 1, []byte("oldest"), 100)
	c.Commit(clients[1], 1, []byte("middle"), 200)
	require.Equal(t, 2, c.Len())

	c.Commit(clients[2], 1, []byte("newest"), 300)
	require.Equal(t, 2, c.Len(), "committing past capacity evicts exactly one session")

	_, ok := c.Lookup(clients[0], 1)
	require.False(t, ok, "the oldest commit timestamp is evicted first")

	_, ok = c.Lookup(clients[1], 1)
	require.True(t, ok)
	_, ok = c.Lookup(clients[2], 1)
	require.True(t, ok)
}

func TestRecommitUpdatesOrdering(t *testing.T) {
	c := NewCache(1)
	a, b := ids.NewClientId(), ids.NewClientId()

	c.Commit(a, 1, []byte("a-1"), 10)
	c.Commit(a, 2, []byte("a-2"), 50) // re-commit under a newer request/timestamp
	require.Equal(t, 1, c.Len())

	reply, ok := c.Lookup(a, 2)
	require.True(t, ok)
	require.Equal(t, []byte("a-2"), reply)

	c.Commit(b, 1, []byte("b-1"), 20)
	// b's timestamp (20) is older than a's updated timestamp (50), so
	// b is evicted instead of a even though a committed first.
	_, ok = c.Lookup(a, 2)
	require.True(t, ok)
	_, ok = c.Lookup(b, 1)
	require.False(t, ok)
}
