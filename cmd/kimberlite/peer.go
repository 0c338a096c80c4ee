package main

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/vsr"
)

// dialedPeer is a vsr.Peer that lazily dials addr on first use and
// re-dials after any send failure, so a peer that is briefly down at
// startup or between messages doesn't need a supervising reconnect
// loop of its own. Every new connection opens with a 4-byte
// big-endian ReplicaId handshake identifying the dialer, since several
// of vsr.Message's variants (Prepare, Commit, Heartbeat, StartViewMsg,
// RepairResponse, Nack) carry no sender id of their own — the accept
// side needs this to know which replica a given connection is.
type dialedPeer struct {
	addr string
	self ids.ReplicaId

	mu        sync.Mutex
	conn      net.Conn
	transport *vsr.Transport
}

func newDialedPeer(addr string, self ids.ReplicaId) *dialedPeer {
	return &dialedPeer{addr: addr, self: self, transport: vsr.NewTransport()}
}

func (p *dialedPeer) dialLocked() (net.Conn, error) {
	conn, err := vsr.Dial(p.addr)
	if err != nil {
		return nil, err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(p.self))
	if _, err := conn.Write(hdr[:]); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (p *dialedPeer) Send(m vsr.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := p.dialLocked()
		if err != nil {
			return err
		}
		p.conn = conn
	}

	if err := p.transport.Send(p.conn, m); err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// acceptHandshake reads the 4-byte ReplicaId header a dialedPeer
// writes on connect, identifying which cluster member this accepted
// connection belongs to.
func acceptHandshake(conn net.Conn) (ids.ReplicaId, error) {
	var hdr [4]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		return 0, err
	}
	return ids.ReplicaId(binary.BigEndian.Uint32(hdr[:])), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
