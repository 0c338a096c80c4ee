// Package value implements Kimberlite's typed SQL value (§6.4) and its
// order-preserving binary encoding (§6.3), grounded on the total-
// ordering comparison semantics of value.rs (NaN < -Inf < values < Inf)
// so REAL and DECIMAL columns can live in the same ordered store as
// everything else.
package value

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
)

// Kind discriminates a Value's SQL type.
type Kind uint8

const (
	KindNull Kind = iota
	KindTinyInt
	KindSmallInt
	KindInteger
	KindBigInt
	KindReal
	KindDecimal
	KindText
	KindBytes
	KindBoolean
	KindDate
	KindTime
	KindTimestamp
	KindUUID
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindTinyInt:
		return "TINYINT"
	case KindSmallInt:
		return "SMALLINT"
	case KindInteger:
		return "INTEGER"
	case KindBigInt:
		return "BIGINT"
	case KindReal:
		return "REAL"
	case KindDecimal:
		return "DECIMAL"
	case KindText:
		return "TEXT"
	case KindBytes:
		return "BYTES"
	case KindBoolean:
		return "BOOLEAN"
	case KindDate:
		return "DATE"
	case KindTime:
		return "TIME"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindUUID:
		return "UUID"
	case KindJSON:
		return "JSON"
	default:
		return "UNKNOWN"
	}
}

// Value is a typed SQL value. Only the fields relevant to Kind are
// meaningful; the zero Value is Null.
type Value struct {
	Kind           Kind
	Int            int64    // TinyInt..BigInt, Date, Time, Timestamp
	Real           float64  // Real
	DecimalUnscaled *big.Int // Decimal
	DecimalScale    uint8
	Text            string // Text, JSON (canonical text form)
	Bytes           []byte // Bytes, UUID (16 bytes)
	Bool            bool
}

func Null() Value                       { return Value{Kind: KindNull} }
func NewTinyInt(v int8) Value            { return Value{Kind: KindTinyInt, Int: int64(v)} }
func NewSmallInt(v int16) Value          { return Value{Kind: KindSmallInt, Int: int64(v)} }
func NewInteger(v int32) Value           { return Value{Kind: KindInteger, Int: int64(v)} }
func NewBigInt(v int64) Value            { return Value{Kind: KindBigInt, Int: v} }
func NewReal(v float64) Value            { return Value{Kind: KindReal, Real: v} }
func NewDecimal(unscaled *big.Int, scale uint8) Value {
	return Value{Kind: KindDecimal, DecimalUnscaled: unscaled, DecimalScale: scale}
}
func NewText(v string) Value    { return Value{Kind: KindText, Text: v} }
func NewBytes(v []byte) Value   { return Value{Kind: KindBytes, Bytes: v} }
func NewBoolean(v bool) Value   { return Value{Kind: KindBoolean, Bool: v} }
func NewDate(daysSinceEpoch int32) Value      { return Value{Kind: KindDate, Int: int64(daysSinceEpoch)} }
func NewTime(nsSinceMidnight int64) Value     { return Value{Kind: KindTime, Int: nsSinceMidnight} }
func NewTimestamp(nsSinceEpoch int64) Value   { return Value{Kind: KindTimestamp, Int: nsSinceEpoch} }
func NewUUID(b [16]byte) Value                { return Value{Kind: KindUUID, Bytes: b[:]} }
func NewJSON(canonical string) Value          { return Value{Kind: KindJSON, Text: canonical} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal compares two values of the same Kind. Real uses bit-pattern
// equality so that NaN == NaN, matching total-order semantics.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindTinyInt, KindSmallInt, KindInteger, KindBigInt, KindDate, KindTime, KindTimestamp:
		return v.Int == o.Int
	case KindReal:
		return math.Float64bits(v.Real) == math.Float64bits(o.Real)
	case KindDecimal:
		return v.DecimalScale == o.DecimalScale && v.DecimalUnscaled.Cmp(o.DecimalUnscaled) == 0
	case KindText, KindJSON:
		return v.Text == o.Text
	case KindBytes, KindUUID:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindBoolean:
		return v.Bool == o.Bool
	default:
		return false
	}
}

// Encode renders v as a self-describing, order-preserving byte string:
// a one-byte type tag followed by a type-specific payload (§6.3). NULL
// encodes to a single byte strictly less than every non-null tag.
func Encode(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{0x00}
	case KindTinyInt, KindSmallInt, KindInteger, KindBigInt:
		return append([]byte{0x01}, encodeSignedInt(v.Int, 8)...)
	case KindReal:
		return append([]byte{0x02}, encodeFloat(v.Real)...)
	case KindDecimal:
		return append([]byte{0x03}, encodeBigInt(v.DecimalUnscaled, 16)...)
	case KindText:
		return append([]byte{0x04}, escapeTerminate([]byte(v.Text))...)
	case KindBytes:
		return append([]byte{0x05}, escapeTerminate(v.Bytes)...)
	case KindBoolean:
		b := byte(0x00)
		if v.Bool {
			b = 0x01
		}
		return []byte{0x06, b}
	case KindDate:
		return append([]byte{0x07}, encodeSignedInt(v.Int, 4)...)
	case KindTime:
		return append([]byte{0x08}, encodeSignedInt(v.Int, 8)...)
	case KindTimestamp:
		return append([]byte{0x09}, encodeSignedInt(v.Int, 8)...)
	case KindUUID:
		out := make([]byte, 17)
		out[0] = 0x0A
		copy(out[1:], v.Bytes)
		return out
	case KindJSON:
		return append([]byte{0x0B}, escapeTerminate([]byte(v.Text))...)
	default:
		panic(fmt.Sprintf("value: encode: unknown kind %v", v.Kind))
	}
}

// EncodeTuple concatenates each value's encoding; because every
// per-value encoding is order-preserving and prefix-free, the
// concatenation's byte-lexicographic order equals the tuple's
// lexicographic order over typed values (§6.3).
func EncodeTuple(vs []Value) []byte {
	var buf bytes.Buffer
	for _, v := range vs {
		buf.Write(Encode(v))
	}
	return buf.Bytes()
}

// Decode parses one self-delimited value starting at data[0], returning
// the value and the number of bytes consumed so callers can decode a
// tuple of unknown per-column widths (e.g. recovering a primary-key
// suffix from a composite index key).
func Decode(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("value: decode: empty input")
	}
	tag := data[0]
	rest := data[1:]
	switch tag {
	case 0x00:
		return Null(), 1, nil
	case 0x01:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated integer")
		}
		return NewBigInt(decodeSignedInt(rest[:8])), 9, nil
	case 0x02:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated real")
		}
		return NewReal(decodeFloat(rest[:8])), 9, nil
	case 0x03:
		if len(rest) < 16 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated decimal")
		}
		return Value{Kind: KindDecimal, DecimalUnscaled: decodeBigInt(rest[:16], 16)}, 17, nil
	case 0x04, 0x05, 0x0B:
		s, n, err := unescapeTerminate(rest)
		if err != nil {
			return Value{}, 0, err
		}
		switch tag {
		case 0x04:
			return NewText(string(s)), 1 + n, nil
		case 0x05:
			return NewBytes(s), 1 + n, nil
		default:
			return NewJSON(string(s)), 1 + n, nil
		}
	case 0x06:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated boolean")
		}
		return NewBoolean(rest[0] == 0x01), 2, nil
	case 0x07:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated date")
		}
		return NewDate(int32(decodeSignedInt4(rest[:4]))), 5, nil
	case 0x08:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated time")
		}
		return NewTime(decodeSignedInt(rest[:8])), 9, nil
	case 0x09:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated timestamp")
		}
		return NewTimestamp(decodeSignedInt(rest[:8])), 9, nil
	case 0x0A:
		if len(rest) < 16 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated uuid")
		}
		var b [16]byte
		copy(b[:], rest[:16])
		return NewUUID(b), 17, nil
	default:
		return Value{}, 0, fmt.Errorf("value: decode: unknown tag %#x", tag)
	}
}

// DecodeTuple decodes n consecutive self-delimited values from data,
// returning the values and the total bytes consumed.
func DecodeTuple(data []byte, n int) ([]Value, int, error) {
	out := make([]Value, 0, n)
	total := 0
	for i := 0; i < n; i++ {
		v, consumed, err := Decode(data[total:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		total += consumed
	}
	return out, total, nil
}

// Successor returns the shortest byte string strictly greater than k,
// used to turn an inclusive upper bound into an exclusive one (§6.3).
func Successor(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return append(out, 0x00)
}

// encodeSignedInt renders a two's-complement value as width big-endian
// bytes with the sign bit flipped, so unsigned byte comparison matches
// signed numeric comparison.
func encodeSignedInt(v int64, width int) []byte {
	buf := make([]byte, width)
	uv := uint64(v)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(uv)
		uv >>= 8
	}
	buf[0] ^= 0x80
	return buf
}

// encodeFloat applies the standard total-order float transform (flip
// the sign bit of non-negatives, flip every bit of negatives), with NaN
// forced to the all-zero pattern so it sorts below -Inf, matching the
// required NaN < -Inf < values < +Inf order.
func encodeFloat(f float64) []byte {
	buf := make([]byte, 8)
	if math.IsNaN(f) {
		return buf // all zero: below everything
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	for i := 7; i >= 0; i-- {
		buf[i] = byte(bits)
		bits >>= 8
	}
	return buf
}

func encodeBigInt(v *big.Int, width int) []byte {
	if v == nil {
		v = big.NewInt(0)
	}
	buf := make([]byte, width)
	// Two's complement of v in `width` bytes.
	mod := new(big.Int).Lsh(big.NewInt(1), uint(width*8))
	tv := new(big.Int).Mod(v, mod)
	tv.FillBytes(buf)
	buf[0] ^= 0x80
	return buf
}

func decodeSignedInt(buf []byte) int64 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	tmp[0] ^= 0x80
	var uv uint64
	for _, b := range tmp {
		uv = uv<<8 | uint64(b)
	}
	return int64(uv)
}

func decodeSignedInt4(buf []byte) int32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	tmp[0] ^= 0x80
	var uv uint32
	for _, b := range tmp {
		uv = uv<<8 | uint32(b)
	}
	return int32(uv)
}

func decodeFloat(buf []byte) float64 {
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return math.NaN()
	}
	var bits uint64
	for _, b := range buf {
		bits = bits<<8 | uint64(b)
	}
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func decodeBigInt(buf []byte, width int) *big.Int {
	tmp := make([]byte, width)
	copy(tmp, buf)
	tmp[0] ^= 0x80
	v := new(big.Int).SetBytes(tmp)
	if tmp[0]&0x80 != 0 {
		// Negative: subtract 2^(width*8).
		mod := new(big.Int).Lsh(big.NewInt(1), uint(width*8))
		v.Sub(v, mod)
	}
	return v
}

// unescapeTerminate reverses escapeTerminate, returning the original
// bytes and the number of encoded bytes consumed (including the
// terminator).
func unescapeTerminate(data []byte) ([]byte, int, error) {
	var out bytes.Buffer
	i := 0
	for i < len(data) {
		if data[i] == 0x00 {
			if i+1 >= len(data) {
				return nil, 0, fmt.Errorf("value: decode: truncated escape sequence")
			}
			switch data[i+1] {
			case 0xFF:
				out.WriteByte(0x00)
				i += 2
			case 0x00:
				return out.Bytes(), i + 2, nil
			default:
				return nil, 0, fmt.Errorf("value: decode: invalid escape byte %#x", data[i+1])
			}
		} else {
			out.WriteByte(data[i])
			i++
		}
	}
	return nil, 0, fmt.Errorf("value: decode: missing terminator")
}

// escapeTerminate encodes an arbitrary byte string so that no encoding
// is a byte-prefix of another: every 0x00 byte is escaped to 0x00 0xFF,
// and the string is terminated with 0x00 0x00.
func escapeTerminate(s []byte) []byte {
	var buf bytes.Buffer
	for _, b := range s {
		if b == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
	return buf.Bytes()
}
