// Package wraith is the peer connectivity core: given two endpoints known
// only by public-key identifiers, it produces an authenticated, encrypted,
// ordered byte stream between them across NATs, firewalls, and relay-only
// paths, and layers file transfer and real-time calls on top.
package wraith

import (
	"context"
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/config"
	"github.com/doublegate/wraith/internal/discovery"
	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/media"
	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/relay"
	"github.com/doublegate/wraith/internal/session"
	"github.com/doublegate/wraith/internal/transfer"
)

var log = logging.DefaultLogger.WithTag("wraith")

// PeerID re-exports the peer identifier for callers.
type PeerID = peer.ID

// ParsePeerID parses the hex form.
func ParsePeerID(s string) (PeerID, error) {
	return peer.ParseID(s)
}

// A Peer is one connected remote: the secure session plus the transfer
// engine and call manager wired onto its streams.
type Peer struct {
	Conn      *discovery.PeerConnection
	Transfers *transfer.Engine
	Calls     *media.Manager
}

// A Client is one node of the network.
type Client struct {
	cfg config.Config
	id  *identity.Identity

	disc *discovery.Manager

	// Codecs supplies the media bindings; zero value disables calls.
	Codecs media.CodecSuite

	mu    sync.Mutex
	peers map[peer.ID]*Peer

	// InboundPeers announces remote-initiated connections after wiring.
	InboundPeers chan *Peer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a client from configuration and an unlocked identity.
func New(cfg config.Config, id *identity.Identity) (*Client, error) {
	dhtListen, err := netip.ParseAddrPort(cfg.Network.DHTListen)
	if err != nil {
		return nil, errors.Wrap(err, "dht_listen")
	}
	sessionListen, err := netip.ParseAddrPort(cfg.Network.SessionListen)
	if err != nil {
		return nil, errors.Wrap(err, "session_listen")
	}

	var bootstrap []peer.Endpoint
	for _, b := range cfg.Network.Bootstrap {
		ep, err := netip.ParseAddrPort(b)
		if err != nil {
			return nil, errors.Wrapf(err, "bootstrap %q", b)
		}
		bootstrap = append(bootstrap, ep)
	}
	var relays []relay.Info
	for _, r := range cfg.Network.Relays {
		nodeID, err := peer.ParseID(r.NodeID)
		if err != nil {
			return nil, errors.Wrapf(err, "relay %q", r.URL)
		}
		relays = append(relays, relay.Info{URL: r.URL, NodeID: nodeID})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg: cfg,
		id:  id,
		disc: discovery.NewManager(discovery.Config{
			Identity:       id,
			DHTListen:      dhtListen,
			SessionListen:  sessionListen,
			BootstrapNodes: bootstrap,
			StunServers:    cfg.Network.StunServers,
			TurnServers:    cfg.Network.TurnServers,
			TurnUsername:   cfg.Network.TurnUsername,
			TurnPassword:   cfg.Network.TurnPassword,
			Relays:         relays,
			EnableIPv6:     cfg.Network.EnableIPv6,
		}),
		peers:        make(map[peer.ID]*Peer),
		InboundPeers: make(chan *Peer, 16),
		ctx:          ctx,
		cancel:       cancel,
	}
	return c, nil
}

// PeerID returns the local identity's identifier.
func (c *Client) PeerID() PeerID {
	return c.id.PeerID()
}

// Discovery exposes the discovery manager (NAT type, presence, registry).
func (c *Client) Discovery() *discovery.Manager {
	return c.disc
}

// Start brings up discovery and begins accepting inbound peers.
func (c *Client) Start(ctx context.Context) error {
	if err := c.disc.Start(ctx); err != nil {
		return err
	}
	if len(c.cfg.Network.Bootstrap) > 0 {
		if err := c.disc.PublishPresence(ctx); err != nil {
			log.Warn("Initial presence publish failed: %v", err)
		}
	}
	if c.cfg.Session.IdleTimeout > 0 {
		c.disc.Registry().SetIdleTimeout(c.cfg.Session.IdleTimeout)
	}

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Close tears everything down.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peers = make(map[peer.ID]*Peer)
	c.mu.Unlock()
	for _, p := range peers {
		c.unwirePeer(p)
	}
	c.disc.Shutdown()
	c.wg.Wait()
}

// Dial connects to a peer (reusing an existing connection) and returns the
// wired Peer.
func (c *Client) Dial(ctx context.Context, target PeerID) (*Peer, error) {
	c.mu.Lock()
	if p, ok := c.peers[target]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	pc, err := c.disc.ConnectToPeer(ctx, target)
	if err != nil {
		return nil, err
	}
	return c.wirePeer(pc), nil
}

// SendFile transfers a file to a peer, connecting first if needed. Blocks
// until the receiver verifies the digest.
func (c *Client) SendFile(ctx context.Context, target PeerID, path string) (transfer.ID, error) {
	p, err := c.Dial(ctx, target)
	if err != nil {
		return transfer.ID{}, err
	}
	return p.Transfers.SendFileChunked(ctx, path, c.cfg.Transfer.ChunkSize)
}

// StartCall places a call to a peer, connecting first if needed.
func (c *Client) StartCall(ctx context.Context, target PeerID, audio media.AudioConfig, video *media.VideoConfig) (*media.Call, error) {
	p, err := c.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return p.Calls.StartCall(ctx, audio, video)
}

// ---------------------------------------------------------------------------

func (c *Client) acceptLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case pc := <-c.disc.Inbound:
			p := c.wirePeer(pc)
			select {
			case c.InboundPeers <- p:
			default:
			}
		}
	}
}

// wirePeer attaches the transfer engine and call manager to a connection's
// streams, deduplicating against an existing wiring for the same peer.
func (c *Client) wirePeer(pc *discovery.PeerConnection) *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[pc.PeerID]; ok && p.Conn.Session == pc.Session {
		return p
	}

	p := &Peer{
		Conn:      pc,
		Transfers: transfer.NewEngine(&transferChannel{pc.Session}, c.cfg.Transfer.DownloadDir),
		Calls:     media.NewManager(pc.PeerID, &callChannel{pc.Session}, c.Codecs),
	}
	p.Transfers.Start()
	p.Calls.Start()
	c.peers[pc.PeerID] = p

	// Unwire when the session dies.
	go func() {
		<-pc.Session.Done()
		c.mu.Lock()
		if cur, ok := c.peers[pc.PeerID]; ok && cur == p {
			delete(c.peers, pc.PeerID)
		}
		c.mu.Unlock()
		c.unwirePeer(p)
	}()
	return p
}

func (c *Client) unwirePeer(p *Peer) {
	p.Calls.Close()
	p.Transfers.Close()
	p.Conn.Session.Close()
}

// ---------------------------------------------------------------------------
// Stream adapters

// transferChannel binds a session's transfer stream to the engine.
type transferChannel struct {
	s *session.Session
}

func (tc *transferChannel) Send(payload []byte) error {
	return tc.s.Send(session.StreamTransfer, payload)
}

func (tc *transferChannel) Recv(ctx context.Context) ([]byte, error) {
	return tc.s.Recv(ctx, session.StreamTransfer)
}

// callChannel binds a session's control and media streams to the call
// manager.
type callChannel struct {
	s *session.Session
}

func (cc *callChannel) SendControl(payload []byte) error {
	return cc.s.Send(session.StreamControl, payload)
}

func (cc *callChannel) SendMedia(payload []byte) error {
	return cc.s.Send(session.StreamMedia, payload)
}

func (cc *callChannel) RecvControl(ctx context.Context) ([]byte, error) {
	return cc.s.Recv(ctx, session.StreamControl)
}

func (cc *callChannel) RecvMedia(ctx context.Context) ([]byte, error) {
	return cc.s.Recv(ctx, session.StreamMedia)
}
