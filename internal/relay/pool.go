package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/peer"
)

var (
	// ErrUnreachable means every configured relay is disconnected or failed.
	ErrUnreachable = errors.New("all relays unreachable")

	ErrPoolClosed = errors.New("relay pool closed")
)

// A Pool maintains at most one authenticated control connection per
// configured relay, demultiplexes inbound relayed datagrams into per-peer
// connections, and hands fresh inbound peers to the acceptor.
type Pool struct {
	id *identity.Identity

	deliveries chan Delivery
	incoming   chan *PeerConn

	mu      sync.Mutex
	clients []*Client
	conns   map[peer.ID]*PeerConn
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(id *identity.Identity, relays []Info) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		id:         id,
		deliveries: make(chan Delivery, 256),
		incoming:   make(chan *PeerConn, 16),
		conns:      make(map[peer.ID]*PeerConn),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, info := range relays {
		p.clients = append(p.clients, newClient(ctx, info, id, p.deliveries))
	}
	return p
}

// Start opens the relay control connections and begins demultiplexing.
func (p *Pool) Start() {
	for _, c := range p.clients {
		go c.run()
	}
	go p.demuxLoop()
}

// Accept yields connections initiated by remote peers through any relay.
func (p *Pool) Accept() <-chan *PeerConn {
	return p.incoming
}

// Connected reports whether at least one relay is usable.
func (p *Pool) Connected() bool {
	for _, c := range p.clients {
		if c.State() == StateConnected {
			return true
		}
	}
	return false
}

// ConnectedRelay returns the node ID of the first usable relay.
func (p *Pool) ConnectedRelay() (peer.ID, bool) {
	for _, c := range p.clients {
		if c.State() == StateConnected {
			return c.info.NodeID, true
		}
	}
	return peer.ID{}, false
}

// WaitConnected blocks until a relay connects or the context ends.
func (p *Pool) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Connected() {
			return nil
		}
		allFailed := len(p.clients) > 0
		for _, c := range p.clients {
			if c.State() != StateFailed {
				allFailed = false
			}
		}
		if allFailed {
			return ErrUnreachable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Send forwards payload to dst through the first connected relay.
func (p *Pool) Send(dst peer.ID, payload []byte) (peer.ID, error) {
	for _, c := range p.clients {
		if c.State() != StateConnected {
			continue
		}
		if err := c.Send(dst, payload); err == nil {
			return c.info.NodeID, nil
		}
	}
	return peer.ID{}, ErrUnreachable
}

// Dial returns a datagram connection to remote over the relay fabric,
// creating it if needed.
func (p *Pool) Dial(remote peer.ID) (*PeerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if pc, ok := p.conns[remote]; ok {
		return pc, nil
	}
	pc := newPeerConn(p, remote)
	p.conns[remote] = pc
	return pc, nil
}

func (p *Pool) demuxLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case d := <-p.deliveries:
			p.mu.Lock()
			pc, known := p.conns[d.From]
			if !known && !p.closed {
				pc = newPeerConn(p, d.From)
				p.conns[d.From] = pc
			}
			p.mu.Unlock()
			if pc == nil {
				continue
			}
			pc.deliver(d.Payload)
			if !known {
				select {
				case p.incoming <- pc:
				default:
					log.Warn("Dropping inbound relay peer %s: acceptor not keeping up", d.From.Short())
				}
			}
		}
	}
}

func (p *Pool) dropConn(remote peer.ID) {
	p.mu.Lock()
	delete(p.conns, remote)
	p.mu.Unlock()
}

// Shutdown drains and closes every relay connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*PeerConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()

	for _, pc := range conns {
		pc.Close()
	}
	for _, c := range p.clients {
		c.close()
	}
	p.cancel()
	<-p.done
}

// ---------------------------------------------------------------------------

// A PeerConn is a datagram-oriented net.Conn carrying opaque payloads to one
// remote peer through the relay fabric. The session layer runs its handshake
// and ciphertext over it unchanged.
type PeerConn struct {
	pool   *Pool
	remote peer.ID

	in        chan []byte
	closeOnce sync.Once
	dead      chan struct{}

	readDeadline time.Time
	mu           sync.Mutex
}

func newPeerConn(p *Pool, remote peer.ID) *PeerConn {
	return &PeerConn{
		pool:   p,
		remote: remote,
		in:     make(chan []byte, 64),
		dead:   make(chan struct{}),
	}
}

// RemotePeer returns the peer this connection is bound to.
func (pc *PeerConn) RemotePeer() peer.ID {
	return pc.remote
}

func (pc *PeerConn) deliver(payload []byte) {
	select {
	case pc.in <- payload:
	case <-pc.dead:
	default:
		log.Debug("Dropping relayed datagram from %s: reader not keeping up", pc.remote.Short())
	}
}

func (pc *PeerConn) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	pc.mu.Lock()
	if !pc.readDeadline.IsZero() {
		d := time.Until(pc.readDeadline)
		pc.mu.Unlock()
		if d <= 0 {
			return 0, errors.New("read timeout")
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	} else {
		pc.mu.Unlock()
	}

	select {
	case data := <-pc.in:
		return copy(b, data), nil
	case <-pc.dead:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, errors.New("read timeout")
	}
}

func (pc *PeerConn) Write(b []byte) (int, error) {
	select {
	case <-pc.dead:
		return 0, net.ErrClosed
	default:
	}
	if _, err := pc.pool.Send(pc.remote, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (pc *PeerConn) Close() error {
	pc.closeOnce.Do(func() {
		close(pc.dead)
		pc.pool.dropConn(pc.remote)
	})
	return nil
}

func (pc *PeerConn) LocalAddr() net.Addr  { return relayAddr{pc.pool.id.PeerID()} }
func (pc *PeerConn) RemoteAddr() net.Addr { return relayAddr{pc.remote} }

func (pc *PeerConn) SetDeadline(t time.Time) error {
	return pc.SetReadDeadline(t)
}

func (pc *PeerConn) SetReadDeadline(t time.Time) error {
	pc.mu.Lock()
	pc.readDeadline = t
	pc.mu.Unlock()
	return nil
}

func (pc *PeerConn) SetWriteDeadline(t time.Time) error { return nil }

type relayAddr struct {
	id peer.ID
}

func (a relayAddr) Network() string { return "relay" }
func (a relayAddr) String() string  { return "relay:" + a.id.Short() }
