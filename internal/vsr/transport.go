package vsr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// Transport is a hand-rolled length-prefixed TCP framing over a
// msgpack codec (§9 DOMAIN STACK: gRPC/protobuf are dropped because
// wiring generated stubs would require running protoc; this is a real
// wire protocol, just without code generation).
type Transport struct {
	mh codec.MsgpackHandle
}

func NewTransport() *Transport {
	return &Transport{}
}

// envelope carries one tagged Message variant. Only the field
// matching Kind is populated; this mirrors the flattened-wire-struct
// idiom used for kernel commands and DML events.
type envelope struct {
	Kind            messageKind
	Prepare         *Prepare
	PrepareOk       *PrepareOk
	Commit          *Commit
	Heartbeat       *Heartbeat
	StartViewChange *StartViewChange
	DoViewChange    *DoViewChange
	StartView       *StartViewMsg
	RepairRequest   *RepairRequest
	RepairResponse  *RepairResponse
	Nack            *Nack
	RecoveryRequest  *RecoveryRequest
	RecoveryResponse *RecoveryResponse
}

func toEnvelope(m Message) (envelope, error) {
	e := envelope{Kind: m.kind()}
	switch v := m.(type) {
	case Prepare:
		e.Prepare = &v
	case PrepareOk:
		e.PrepareOk = &v
	case Commit:
		e.Commit = &v
	case Heartbeat:
		e.Heartbeat = &v
	case StartViewChange:
		e.StartViewChange = &v
	case DoViewChange:
		e.DoViewChange = &v
	case StartViewMsg:
		e.StartView = &v
	case RepairRequest:
		e.RepairRequest = &v
	case RepairResponse:
		e.RepairResponse = &v
	case Nack:
		e.Nack = &v
	case RecoveryRequest:
		e.RecoveryRequest = &v
	case RecoveryResponse:
		e.RecoveryResponse = &v
	default:
		return envelope{}, fmt.Errorf("vsr: unknown message type %T", m)
	}
	return e, nil
}

func fromEnvelope(e envelope) (Message, error) {
	switch e.Kind {
	case msgPrepare:
		return *e.Prepare, nil
	case msgPrepareOk:
		return *e.PrepareOk, nil
	case msgCommit:
		return *e.Commit, nil
	case msgHeartbeat:
		return *e.Heartbeat, nil
	case msgStartViewChange:
		return *e.StartViewChange, nil
	case msgDoViewChange:
		return *e.DoViewChange, nil
	case msgStartView:
		return *e.StartView, nil
	case msgRepairRequest:
		return *e.RepairRequest, nil
	case msgRepairResponse:
		return *e.RepairResponse, nil
	case msgNack:
		return *e.Nack, nil
	case msgRecoveryRequest:
		return *e.RecoveryRequest, nil
	case msgRecoveryResponse:
		return *e.RecoveryResponse, nil
	default:
		return nil, fmt.Errorf("vsr: unknown message kind %d", e.Kind)
	}
}

// maxFrameBytes bounds a single message frame, rejecting a forged or
// corrupt length prefix instead of attempting an unbounded allocation.
const maxFrameBytes = 64 * 1024 * 1024

// Send writes one length-prefixed, msgpack-encoded message frame.
func (t *Transport) Send(w io.Writer, m Message) error {
	env, err := toEnvelope(m)
	if err != nil {
		return err
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &t.mh)
	if err := enc.Encode(env); err != nil {
		return errors.Wrap(err, "vsr: encode message")
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "vsr: write frame length")
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "vsr: write frame body")
	}
	return nil
}

// Recv reads one length-prefixed, msgpack-encoded message frame.
func (t *Transport) Recv(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("vsr: frame of %d bytes exceeds cap", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "vsr: read frame body")
	}
	var env envelope
	dec := codec.NewDecoderBytes(buf, &t.mh)
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Wrap(err, "vsr: decode message")
	}
	return fromEnvelope(env)
}

// Dial opens a connection to a peer replica's transport address.
func Dial(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// Listen starts accepting peer connections on addr.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
