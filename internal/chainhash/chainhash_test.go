package chainhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeIsDeterministic(t *testing.T) {
	prev := Compute(0, nil, 1, []byte("genesis"))
	a := Compute(1, &prev, 1, []byte("payload"))
	b := Compute(1, &prev, 1, []byte("payload"))
	require.Equal(t, a, b)
}

func TestComputeDiffersOnEachInput(t *testing.T) {
	prev := Compute(0, nil, 1, []byte("genesis"))
	base := Compute(1, &prev, 1, []byte("payload"))

	require.NotEqual(t, base, Compute(2, &prev, 1, []byte("payload")), "offset must be mixed in")
	require.NotEqual(t, base, Compute(1, nil, 1, []byte("payload")), "prev_hash must be mixed in")
	require.NotEqual(t, base, Compute(1, &prev, 2, []byte("payload")), "kind must be mixed in")
	require.NotEqual(t, base, Compute(1, &prev, 1, []byte("other")), "payload must be mixed in")
}

func TestIsZero(t *testing.T) {
	var h Hash
	require.True(t, h.IsZero())

	h = Compute(0, nil, 1, []byte("x"))
	require.False(t, h.IsZero())
}

func TestFromBytesRoundTripsBytes(t *testing.T) {
	h := Compute(1, nil, 1, []byte("x"))
	got := FromBytes(h.Bytes())
	require.Equal(t, h, got)
}

func TestFromBytesPanicsOnWrongLength(t *testing.T) {
	require.Panics(t, func() { FromBytes([]byte{1, 2, 3}) })
}
