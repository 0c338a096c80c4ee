package value

import (
	"bytes"
	"math/big"

	"github.com/ugorji/go/codec"
)

// wireValue is a msgpack-friendly flattening of Value: codec cannot
// marshal the big.Int field directly, so Decimal values carry their
// unscaled magnitude as a byte string plus a separate sign.
type wireValue struct {
	Kind            uint8
	Int             int64
	Real            float64
	DecimalUnscaled []byte
	DecimalSign     int8
	DecimalScale    uint8
	Text            string
	Bytes           []byte
	Bool            bool
}

func toWire(v Value) wireValue {
	w := wireValue{Kind: uint8(v.Kind), Int: v.Int, Real: v.Real, Text: v.Text, Bytes: v.Bytes, Bool: v.Bool, DecimalScale: v.DecimalScale}
	if v.Kind == KindDecimal && v.DecimalUnscaled != nil {
		w.DecimalSign = int8(v.DecimalUnscaled.Sign())
		w.DecimalUnscaled = v.DecimalUnscaled.Bytes()
	}
	return w
}

func fromWire(w wireValue) Value {
	v := Value{Kind: Kind(w.Kind), Int: w.Int, Real: w.Real, Text: w.Text, Bytes: w.Bytes, Bool: w.Bool, DecimalScale: w.DecimalScale}
	if v.Kind == KindDecimal {
		u := new(big.Int).SetBytes(w.DecimalUnscaled)
		if w.DecimalSign < 0 {
			u.Neg(u)
		}
		v.DecimalUnscaled = u
	}
	return v
}

var mpHandle codec.MsgpackHandle

// EncodeMap msgpack-encodes a column-name -> Value map, the wire
// representation used both for DML log events and for projection-
// store row values.
func EncodeMap(m map[string]Value) []byte {
	wire := make(map[string]wireValue, len(m))
	for k, v := range m {
		wire[k] = toWire(v)
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mpHandle)
	_ = enc.Encode(wire)
	return buf.Bytes()
}

// DecodeMap parses a payload produced by EncodeMap.
func DecodeMap(payload []byte) (map[string]Value, error) {
	var wire map[string]wireValue
	dec := codec.NewDecoderBytes(payload, &mpHandle)
	if err := dec.Decode(&wire); err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(wire))
	for k, w := range wire {
		out[k] = fromWire(w)
	}
	return out, nil
}
