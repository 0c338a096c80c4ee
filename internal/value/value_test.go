package value

import (
	"bytes"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		NewBigInt(0),
		NewBigInt(-1),
		NewBigInt(math.MinInt64),
		NewBigInt(math.MaxInt64),
		NewReal(0),
		NewReal(-3.5),
		NewText(""),
		NewText("hello\x00world"),
		NewBytes([]byte{0x00, 0xFF, 0x00}),
		NewBoolean(true),
		NewBoolean(false),
		NewDate(19000),
		NewTime(123456789),
		NewTimestamp(1_700_000_000_000_000_000),
		NewUUID([16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}),
		NewJSON(`{"a":1}`),
	}

	for _, v := range cases {
		got, n, err := Decode(Encode(v))
		require.NoError(t, err)
		require.Equal(t, len(Encode(v)), n)
		require.True(t, v.Equal(got), "kind %v: %+v != %+v", v.Kind, v, got)
	}
}

// Decimal's scale is not recovered by Decode (§6.3's encoding only needs
// to preserve numeric order, not the original display scale), so it
// round-trips the unscaled magnitude only.
func TestEncodeDecodeDecimalPreservesUnscaledOnly(t *testing.T) {
	v := NewDecimal(big.NewInt(-12345), 2)
	got, _, err := Decode(Encode(v))
	require.NoError(t, err)
	require.Equal(t, KindDecimal, got.Kind)
	require.Equal(t, 0, v.DecimalUnscaled.Cmp(got.DecimalUnscaled))
}

func TestNullSortsBelowEveryTag(t *testing.T) {
	others := []Value{
		NewBigInt(math.MinInt64), NewReal(math.Inf(-1)), NewText(""),
		NewBytes(nil), NewBoolean(false), NewDate(math.MinInt32 + 1),
	}
	for _, v := range others {
		require.True(t, bytes.Compare(Encode(Null()), Encode(v)) < 0)
	}
}

func TestEncodeTupleIsConcatenationOfPerValueEncodings(t *testing.T) {
	vs := []Value{NewBigInt(7), NewText("x")}
	require.Equal(t, append(Encode(vs[0]), Encode(vs[1])...), EncodeTuple(vs))
}

func TestDecodeTupleRecoversEachValueAndTotalLength(t *testing.T) {
	vs := []Value{NewBigInt(1), NewText("ab"), NewBoolean(true)}
	enc := EncodeTuple(vs)

	got, n, err := DecodeTuple(enc, len(vs))
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	for i := range vs {
		require.True(t, vs[i].Equal(got[i]))
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, _, err := Decode(nil)
	require.Error(t, err)

	_, _, err = Decode([]byte{0x01, 1, 2, 3})
	require.Error(t, err)

	_, _, err = Decode([]byte{0xFE})
	require.Error(t, err)
}

func TestSuccessorIsStrictlyGreaterAndShortestExtension(t *testing.T) {
	require.Equal(t, []byte{0x01, 0x01}, Successor([]byte{0x01, 0x00}))
	require.Equal(t, []byte{0x02}, Successor([]byte{0x01, 0xFF}))
	require.Equal(t, []byte{0xFF, 0x00}, Successor([]byte{0xFF}))
}

// TestEncodeOrderPreservingForBigInt exercises §8 invariant 11 (primary-
// key encoding is order-preserving) for BIGINT columns: for any two
// int64s, their byte-lexicographic encoding order matches numeric order.
func TestEncodeOrderPreservingForBigInt(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.Int64Range(math.MinInt64, math.MaxInt64).Draw(rt, "a")
		b := rapid.Int64Range(math.MinInt64, math.MaxInt64).Draw(rt, "b")

		cmp := bytes.Compare(Encode(NewBigInt(a)), Encode(NewBigInt(b)))
		switch {
		case a < b:
			require.Negative(rt, cmp)
		case a > b:
			require.Positive(rt, cmp)
		default:
			require.Zero(rt, cmp)
		}
	})
}

// TestEncodeOrderPreservingForText exercises the same law for TEXT,
// whose encoding goes through escapeTerminate rather than a fixed-width
// transform.
func TestEncodeOrderPreservingForText(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.String().Draw(rt, "a")
		b := rapid.String().Draw(rt, "b")

		cmp := bytes.Compare(Encode(NewText(a)), Encode(NewText(b)))
		want := bytes.Compare([]byte(a), []byte(b))
		switch {
		case want < 0:
			require.Negative(rt, cmp)
		case want > 0:
			require.Positive(rt, cmp)
		default:
			require.Zero(rt, cmp)
		}
	})
}

// TestEscapeTerminateRoundTripsArbitraryBytes exercises the round-trip
// law for the shared byte-string transform underlying TEXT/BYTES/JSON,
// across inputs that may themselves contain the 0x00 escape byte.
func TestEscapeTerminateRoundTripsArbitraryBytes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.SliceOf(rapid.Byte()).Draw(rt, "in")

		enc := escapeTerminate(in)
		out, n, err := unescapeTerminate(enc)
		require.NoError(rt, err)
		require.Equal(rt, len(enc), n)
		require.Equal(rt, in, out)
	})
}

// TestEncodeDecodeRoundTripsArbitraryBigInt exercises the round-trip law
// for every int64, not just the hand-picked boundary cases above.
func TestEncodeDecodeRoundTripsArbitraryBigInt(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Int64Range(math.MinInt64, math.MaxInt64).Draw(rt, "n")

		got, _, err := Decode(Encode(NewBigInt(n)))
		require.NoError(rt, err)
		require.Equal(rt, n, got.Int)
	})
}
