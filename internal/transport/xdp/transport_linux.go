//go:build linux

package xdp

import (
	"net/netip"
	"sync"

	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/transport"
)

// Transport adapts the AF_XDP socket to the datagram contract of the
// transport package: SendTo builds the full Ethernet/IPv4/UDP frame, and
// RecvFrom strips it. Frames that are not UDP to our port go straight back
// to the fill ring; an XDP program steering only our flow to this queue
// keeps that rare.
type Transport struct {
	sock  *Socket
	local peer.Endpoint

	srcMAC [6]byte
	dstMAC [6]byte // next hop (gateway or peer on the same L2)

	mu      sync.Mutex
	pending []pendingPacket
	closed  bool
}

type pendingPacket struct {
	payload []byte
	from    peer.Endpoint
}

// NewTransport binds an AF_XDP socket and wraps it in the datagram
// contract. The local endpoint's IP must be the interface address; dstMAC
// is the L2 next hop.
func NewTransport(cfg Config, local peer.Endpoint, srcMAC, dstMAC [6]byte) (*Transport, error) {
	sock, err := NewSocket(cfg)
	if err != nil {
		return nil, err
	}
	return &Transport{
		sock:   sock,
		local:  local,
		srcMAC: srcMAC,
		dstMAC: dstMAC,
	}, nil
}

func (t *Transport) SendTo(b []byte, ep peer.Endpoint) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, transport.ErrClosed
	}
	t.mu.Unlock()

	t.sock.CollectCompletions()

	addr, ok := t.sock.UMEM().AllocFrame()
	if !ok {
		return 0, ErrRingFull
	}
	frame := t.sock.UMEM().Frame(addr, t.sock.UMEM().FrameSize())
	n, err := encapUDP(frame, t.srcMAC, t.dstMAC, t.local, ep, b)
	if err != nil {
		t.sock.UMEM().FreeFrame(addr)
		return 0, err
	}
	if _, err := t.sock.TxBatch([]Desc{{Addr: addr, Len: uint32(n)}}); err != nil {
		t.sock.UMEM().FreeFrame(addr)
		return 0, err
	}
	return len(b), nil
}

func (t *Transport) RecvFrom(buf []byte) (int, peer.Endpoint, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return 0, peer.Endpoint{}, transport.ErrClosed
		}
		if len(t.pending) > 0 {
			p := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return copy(buf, p.payload), p.from, nil
		}
		t.mu.Unlock()

		descs := t.sock.RxBatch(64)
		if len(descs) == 0 {
			continue // busy poll; the fast path trades CPU for latency
		}
		for _, d := range descs {
			frame := t.sock.UMEM().Frame(d.Addr, d.Len)
			payload, from, to, ok := decapUDP(frame)
			if ok && to.Port() == t.local.Port() {
				cp := append([]byte(nil), payload...)
				t.mu.Lock()
				t.pending = append(t.pending, pendingPacket{cp, from})
				t.mu.Unlock()
			}
			t.sock.ReleaseFrame(d.Addr)
		}
	}
}

func (t *Transport) LocalEndpoint() peer.Endpoint {
	return t.local
}

// Stats exposes the underlying socket counters.
func (t *Transport) Stats() Stats {
	return t.sock.Stats()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.sock.Close()
}

var _ interface {
	SendTo([]byte, netip.AddrPort) (int, error)
	RecvFrom([]byte) (int, netip.AddrPort, error)
	LocalEndpoint() netip.AddrPort
	Close() error
} = (*Transport)(nil)
