package discovery

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/mux"
	"github.com/doublegate/wraith/internal/peer"
)

// A UDPListener demultiplexes one UDP socket into per-remote-address
// connections: inbound session handshakes (direct or hole-punched) each get
// a net.Conn, hole-punch markers are absorbed, and subsequent datagrams are
// routed to the connection they belong to.
type UDPListener struct {
	conn *net.UDPConn

	mu     sync.Mutex
	conns  map[peer.Endpoint]*listenerConn
	closed bool

	accept chan *listenerConn
	done   chan struct{}
}

const listenerQueueDepth = 128

func ListenSession(local peer.Endpoint) (*UDPListener, error) {
	conn, err := net.ListenUDP("udp", peer.UDPAddr(local))
	if err != nil {
		return nil, errors.Wrap(err, "session listener")
	}
	l := &UDPListener{
		conn:   conn,
		conns:  make(map[peer.Endpoint]*listenerConn),
		accept: make(chan *listenerConn, 16),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Addr returns the listener's bound endpoint.
func (l *UDPListener) Addr() peer.Endpoint {
	return peer.EndpointFromAddr(l.conn.LocalAddr())
}

// Accept yields connections opened by remote peers.
func (l *UDPListener) Accept() <-chan *listenerConn {
	return l.accept
}

// Dial returns a connection to a remote endpoint over the shared socket.
// The local port stays the listener's port, so the remote peer's replies
// route back here.
func (l *UDPListener) Dial(remote peer.Endpoint) (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, net.ErrClosed
	}
	if c, ok := l.conns[remote]; ok {
		return c, nil
	}
	c := newListenerConn(l, remote)
	l.conns[remote] = c
	return c, nil
}

func (l *UDPListener) readLoop() {
	defer close(l.done)
	buf := make([]byte, 65535)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := buf[:n]
		if mux.MatchPunch(data) {
			// Markers only open NAT bindings.
			continue
		}

		from := peer.EndpointFromAddr(raddr)
		l.mu.Lock()
		c, known := l.conns[from]
		if !known && !l.closed {
			c = newListenerConn(l, from)
			l.conns[from] = c
		}
		l.mu.Unlock()
		if c == nil {
			continue
		}

		payload := make([]byte, n)
		copy(payload, data)
		c.deliver(payload)

		if !known {
			select {
			case l.accept <- c:
			default:
				log.Warn("Dropping inbound connection from %s: acceptor not keeping up", from)
			}
		}
	}
}

func (l *UDPListener) drop(remote peer.Endpoint) {
	l.mu.Lock()
	delete(l.conns, remote)
	l.mu.Unlock()
}

func (l *UDPListener) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]*listenerConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	err := l.conn.Close()
	<-l.done
	return err
}

// listenerConn is one remote peer's view of the shared socket.
type listenerConn struct {
	listener *UDPListener
	remote   peer.Endpoint

	in        chan []byte
	dead      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

func newListenerConn(l *UDPListener, remote peer.Endpoint) *listenerConn {
	return &listenerConn{
		listener: l,
		remote:   remote,
		in:       make(chan []byte, listenerQueueDepth),
		dead:     make(chan struct{}),
	}
}

func (c *listenerConn) deliver(payload []byte) {
	select {
	case c.in <- payload:
	case <-c.dead:
	default:
		log.Debug("Dropping datagram from %s: reader not keeping up", c.remote)
	}
}

func (c *listenerConn) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, errors.New("read timeout")
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case data := <-c.in:
		return copy(b, data), nil
	case <-c.dead:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, errors.New("read timeout")
	}
}

func (c *listenerConn) Write(b []byte) (int, error) {
	select {
	case <-c.dead:
		return 0, net.ErrClosed
	default:
	}
	return c.listener.conn.WriteToUDP(b, peer.UDPAddr(c.remote))
}

// WritePunch emits one hole-punch marker toward the remote.
func (c *listenerConn) WritePunch(seq uint16) error {
	marker := []byte{0xFF, 0xFE, byte(seq >> 8), byte(seq)}
	_, err := c.listener.conn.WriteToUDP(marker, peer.UDPAddr(c.remote))
	return err
}

func (c *listenerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.dead)
		c.listener.drop(c.remote)
	})
	return nil
}

func (c *listenerConn) LocalAddr() net.Addr  { return c.listener.conn.LocalAddr() }
func (c *listenerConn) RemoteAddr() net.Addr { return peer.UDPAddr(c.remote) }

func (c *listenerConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *listenerConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *listenerConn) SetWriteDeadline(t time.Time) error { return nil }
