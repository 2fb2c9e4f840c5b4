package transport

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/peer"
)

var log = logging.DefaultLogger.WithTag("transport")

// Maximum datagram we expect on any path. Packets larger than the path MTU
// are fragmented or dropped; 1500 is a safe ceiling for the payloads this
// stack produces.
const maxDatagramSize = 1500

// UDPTransport is the default Transport, backed by a single UDP socket.
type UDPTransport struct {
	conn   *net.UDPConn
	local  peer.Endpoint
	closed atomic.Bool

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64
	recvErrors      atomic.Uint64
}

// ListenUDP opens a UDP transport bound to the given endpoint. A zero port
// selects an ephemeral port.
func ListenUDP(local peer.Endpoint) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", peer.UDPAddr(local))
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	t := &UDPTransport{
		conn:  conn,
		local: peer.EndpointFromAddr(conn.LocalAddr()),
	}
	log.Info("Listening on %s", t.local)
	return t, nil
}

// WrapUDPConn adopts an already-open socket, e.g. one shared with an ICE
// base.
func WrapUDPConn(conn *net.UDPConn) *UDPTransport {
	return &UDPTransport{
		conn:  conn,
		local: peer.EndpointFromAddr(conn.LocalAddr()),
	}
}

func (t *UDPTransport) SendTo(b []byte, ep peer.Endpoint) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	n, err := t.conn.WriteToUDPAddrPort(b, ep)
	if err != nil {
		t.sendErrors.Add(1)
		return n, errors.Wrapf(err, "send to %s", ep)
	}
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(n))
	return n, nil
}

func (t *UDPTransport) RecvFrom(buf []byte) (int, peer.Endpoint, error) {
	n, addr, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if t.closed.Load() {
			return 0, peer.Endpoint{}, ErrClosed
		}
		t.recvErrors.Add(1)
		return 0, peer.Endpoint{}, errors.Wrap(err, "recv")
	}
	t.packetsReceived.Add(1)
	t.bytesReceived.Add(uint64(n))
	return n, addr, nil
}

func (t *UDPTransport) LocalEndpoint() peer.Endpoint {
	return t.local
}

// Conn exposes the underlying socket for layers that need packet-conn
// semantics (the ICE base, the hole puncher).
func (t *UDPTransport) Conn() *net.UDPConn {
	return t.conn
}

func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// Stats returns a snapshot of the socket counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		SendErrors:      t.sendErrors.Load(),
		RecvErrors:      t.recvErrors.Load(),
	}
}
