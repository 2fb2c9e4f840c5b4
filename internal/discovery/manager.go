package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/wraith/internal/dht"
	"github.com/doublegate/wraith/internal/ice"
	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/nat"
	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/relay"
	"github.com/doublegate/wraith/internal/session"
	"github.com/doublegate/wraith/internal/transport"
)

// ConnectionType records how a peer connection was established.
type ConnectionType int

const (
	Direct ConnectionType = iota
	HolePunched
	Relayed
)

func (t ConnectionType) String() string {
	switch t {
	case Direct:
		return "Direct"
	case HolePunched:
		return "HolePunched"
	case Relayed:
		return "Relayed"
	default:
		return "?"
	}
}

// A PeerConnection is the result of ConnectToPeer: an established secure
// session plus how it was reached.
type PeerConnection struct {
	PeerID  peer.ID
	Addr    peer.Endpoint
	Type    ConnectionType
	RelayID peer.ID // set when Type == Relayed
	Session *session.Session
}

func (pc *PeerConnection) String() string {
	if pc.Type == Relayed {
		return fmt.Sprintf("%s via relay %s", pc.PeerID.Short(), pc.RelayID.Short())
	}
	return fmt.Sprintf("%s %s %s", pc.PeerID.Short(), pc.Type, pc.Addr)
}

// Errors surfaced by the manager.
var (
	ErrNatTraversal = errors.New("NAT traversal failed")
	ErrPeerUnknown  = errors.New("peer has no discoverable presence")
	ErrNotRunning   = errors.New("discovery manager not running")
)

// Config for the manager.
type Config struct {
	Identity *identity.Identity

	// DHTListen and SessionListen are the two UDP sockets: overlay RPC and
	// the session/data plane.
	DHTListen     peer.Endpoint
	SessionListen peer.Endpoint

	BootstrapNodes []peer.Endpoint
	StunServers    []string

	// TurnServers (with optional credentials) yield relay ICE candidates.
	TurnServers  []string
	TurnUsername string
	TurnPassword string

	Relays     []relay.Info
	EnableIPv6 bool
}

// State of the manager.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// The Manager owns discovery and connection establishment: DHT bootstrap,
// NAT probing, relay registration, presence publication, and the
// direct / hole-punch / relay path selection of ConnectToPeer.
type Manager struct {
	cfg Config
	id  *identity.Identity

	dhtTransport *transport.UDPTransport
	dhtNode      *dht.Node
	listener     *UDPListener
	pool         *relay.Pool
	registry     *session.Registry

	mu             sync.Mutex
	state          State
	natType        nat.Type
	publicEndpoint peer.Endpoint

	// Inbound announces sessions initiated by remote peers.
	Inbound chan *PeerConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		id:       cfg.Identity,
		registry: session.NewRegistry(cfg.Identity.PeerID()),
		Inbound:  make(chan *PeerConnection, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry exposes the session registry to the layers above.
func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// DHTEndpoint returns the overlay RPC listen address (useful when bound to
// an ephemeral port).
func (m *Manager) DHTEndpoint() peer.Endpoint {
	return m.dhtTransport.LocalEndpoint()
}

// Bootstrap joins additional seeds after startup.
func (m *Manager) Bootstrap(ctx context.Context, seeds ...peer.Endpoint) error {
	return m.dhtNode.Bootstrap(ctx, seeds)
}

// NatType returns the probed NAT classification.
func (m *Manager) NatType() nat.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.natType
}

// SetNatType overrides the probed classification (tests, static config).
func (m *Manager) SetNatType(t nat.Type) {
	m.mu.Lock()
	m.natType = t
	m.mu.Unlock()
}

// Start bootstraps the DHT, probes the NAT (failure is non-fatal), opens
// relay control connections, and begins serving inbound sessions.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return errors.New("already started")
	}
	m.state = StateStarting
	m.mu.Unlock()

	var err error
	m.dhtTransport, err = transport.ListenUDP(m.cfg.DHTListen)
	if err != nil {
		return err
	}
	m.dhtNode = dht.NewNode(m.id.PeerID(), m.dhtTransport)
	m.dhtNode.Start()

	m.listener, err = ListenSession(m.cfg.SessionListen)
	if err != nil {
		m.dhtTransport.Close()
		m.dhtNode.Close()
		return err
	}

	if err := m.dhtNode.Bootstrap(ctx, m.cfg.BootstrapNodes); err != nil {
		log.Warn("DHT bootstrap incomplete: %v", err)
	}

	// NAT probing never blocks startup semantics: Unknown is degraded mode.
	m.natType = nat.TypeUnknown
	if len(m.cfg.StunServers) > 0 {
		prober := nat.NewProber(m.cfg.StunServers)
		typ, public, err := prober.Probe(ctx)
		if err != nil {
			log.Warn("NAT probe failed, operating degraded: %v", err)
		} else {
			m.mu.Lock()
			m.natType = typ
			m.publicEndpoint = public
			m.mu.Unlock()
			log.Info("NAT type: %s, public endpoint %s", typ, public)
		}
	}

	m.pool = relay.NewPool(m.id, m.cfg.Relays)
	m.pool.Start()

	m.wg.Add(3)
	go m.acceptDirectLoop()
	go m.acceptRelayLoop()
	go m.presenceLoop()

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()
	return nil
}

// Shutdown drains and closes the relays, stops DHT maintenance, and tears
// down every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.mu.Unlock()

	m.cancel()
	m.listener.Close()
	m.pool.Shutdown()
	m.registry.Close()
	m.dhtTransport.Close()
	m.dhtNode.Close()
	m.wg.Wait()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Presence

func (m *Manager) presence() *Presence {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := []peer.Endpoint{m.listener.Addr()}
	if m.publicEndpoint.IsValid() {
		endpoints = append(endpoints, m.publicEndpoint)
	}
	var relays []peer.ID
	if m.pool != nil {
		if id, ok := m.pool.ConnectedRelay(); ok {
			relays = append(relays, id)
		}
	}
	return &Presence{
		NatType:   m.natType,
		Endpoints: endpoints,
		Relays:    relays,
	}
}

// PublishPresence stores our record in the DHT.
func (m *Manager) PublishPresence(ctx context.Context) error {
	return m.dhtNode.Store(ctx, PresenceKey(m.id.PeerID()), m.presence().Marshal(), presenceTTL)
}

func (m *Manager) presenceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(presenceTTL / 2)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		if err := m.PublishPresence(ctx); err != nil && m.ctx.Err() == nil {
			log.Debug("Presence publish failed: %v", err)
		}
		cancel()
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lookupPresence fetches and decodes a peer's record.
func (m *Manager) lookupPresence(ctx context.Context, id peer.ID) (*Presence, error) {
	blob, err := m.dhtNode.Get(ctx, PresenceKey(id))
	if err != nil {
		return nil, errors.Wrapf(ErrPeerUnknown, "%s: %v", id.Short(), err)
	}
	return UnmarshalPresence(blob)
}

// ---------------------------------------------------------------------------
// Connect

// ConnectToPeer resolves the peer, selects a path from the NAT type matrix,
// and returns an established connection. Cancelling ctx aborts every
// in-flight child operation.
func (m *Manager) ConnectToPeer(ctx context.Context, target peer.ID) (*PeerConnection, error) {
	m.mu.Lock()
	running := m.state == StateRunning
	localNat := m.natType
	m.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	// An established session short-circuits.
	if s, err := m.registry.Lookup(target); err == nil {
		return &PeerConnection{
			PeerID:  target,
			Addr:    peer.EndpointFromAddr(s.RemoteAddr()),
			Type:    Direct,
			Session: s,
		}, nil
	}

	presence, err := m.lookupPresence(ctx, target)
	if err != nil {
		return nil, err
	}
	remoteNat := presence.NatType

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Path selection matrix.
	switch {
	case localNat == nat.TypeNone || localNat == nat.TypeFullCone ||
		remoteNat == nat.TypeNone || remoteNat == nat.TypeFullCone:
		if pc, err := m.tryDirect(ctx, target, presence.Endpoints); err == nil {
			return pc, nil
		} else {
			log.Debug("Direct to %s failed: %v", target.Short(), err)
		}

	case localNat == nat.TypeSymmetric && remoteNat == nat.TypeSymmetric:
		// Hole punching cannot work; go straight to the relay.
		return m.tryRelay(ctx, target)

	default:
		if pc, err := m.tryHolePunch(ctx, target, presence); err == nil {
			return pc, nil
		} else {
			log.Debug("Hole punch to %s failed: %v", target.Short(), err)
		}
	}

	pc, err := m.tryRelay(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(ErrNatTraversal, "%s: %v", target.Short(), err)
	}
	return pc, nil
}

// tryDirect attempts the session handshake to each known endpoint in order.
func (m *Manager) tryDirect(ctx context.Context, target peer.ID, endpoints []peer.Endpoint) (*PeerConnection, error) {
	var lastErr error
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := m.listener.Dial(ep)
		if err != nil {
			lastErr = err
			continue
		}
		hsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s, err := session.Handshake(hsCtx, conn, m.id, target, true)
		cancel()
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		s = m.registry.Add(s)
		return &PeerConnection{PeerID: target, Addr: ep, Type: Direct, Session: s}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints")
	}
	return nil, lastErr
}

// tryHolePunch gathers candidates, exchanges them through DHT signaling
// (falling back to the peer's published endpoints), then for each remote
// candidate in priority order: emit marker packets to open the NAT binding,
// settle briefly, and attempt the session handshake. Candidates are tried one
// at a time; the first handshake that completes wins.
func (m *Manager) tryHolePunch(ctx context.Context, target peer.ID, presence *Presence) (*PeerConnection, error) {
	agent := ice.NewAgent(ice.Config{
		Role:         ice.Controlling,
		StunServers:  m.cfg.StunServers,
		TurnServers:  m.cfg.TurnServers,
		TurnUsername: m.cfg.TurnUsername,
		TurnPassword: m.cfg.TurnPassword,
		EnableIPv6:   m.cfg.EnableIPv6,
	})
	defer agent.Close()

	locals, err := agent.GatherCandidates(ctx)
	if err != nil {
		return nil, err
	}

	// Publish our candidates for the peer, then poll for theirs.
	if blob, err := ice.MarshalCandidates(locals); err == nil {
		if err := m.dhtNode.PublishSignal(ctx, target, "ice", blob); err != nil {
			log.Debug("Candidate publish failed: %v", err)
		}
	}

	var remotes []ice.Candidate
	if blob, err := m.dhtNode.PollSignal(ctx, target, "ice"); err == nil {
		if cands, err := ice.UnmarshalCandidates(blob); err == nil {
			remotes = cands
		}
	}
	if len(remotes) == 0 {
		// Signaling yielded nothing: fall back to discovery-derived
		// endpoints as synthetic host candidates.
		for _, ep := range presence.Endpoints {
			remotes = append(remotes, ice.Candidate{
				Type:      ice.Host,
				Address:   ep,
				Priority:  0x7FFFFFFF,
				Component: 1,
			})
		}
	}
	if len(remotes) == 0 {
		return nil, errors.New("no remote candidates")
	}

	// Highest-priority remote candidates first.
	sortCandidates(remotes)

	g, gctx := errgroup.WithContext(ctx)
	type winner struct {
		s  *session.Session
		ep peer.Endpoint
	}
	won := make(chan winner, 1)

	g.Go(func() error {
		var lastErr error
		for _, remote := range remotes {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			conn, err := m.listener.Dial(remote.Address)
			if err != nil {
				lastErr = err
				continue
			}
			// Marker burst with spacing, then settle.
			for seq := uint16(0); seq < 3; seq++ {
				conn.(*listenerConn).WritePunch(seq)
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(50 * time.Millisecond):
			}

			hsCtx, cancel := context.WithTimeout(gctx, 5*time.Second)
			s, err := session.Handshake(hsCtx, conn, m.id, target, true)
			cancel()
			if err != nil {
				conn.Close()
				lastErr = err
				continue
			}
			won <- winner{s, remote.Address}
			return nil
		}
		if lastErr == nil {
			lastErr = errors.New("no viable pair")
		}
		return lastErr
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	w := <-won
	s := m.registry.Add(w.s)
	return &PeerConnection{PeerID: target, Addr: w.ep, Type: HolePunched, Session: s}, nil
}

// tryRelay runs the handshake through the relay fabric, identifying the
// peer by its ID regardless of the observed relay address.
func (m *Manager) tryRelay(ctx context.Context, target peer.ID) (*PeerConnection, error) {
	if err := m.pool.WaitConnected(ctx); err != nil {
		return nil, errors.Wrap(relay.ErrUnreachable, err.Error())
	}
	conn, err := m.pool.Dial(target)
	if err != nil {
		return nil, err
	}
	s, err := session.Handshake(ctx, conn, m.id, target, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	relayID, _ := m.pool.ConnectedRelay()
	s = m.registry.Add(s)
	return &PeerConnection{PeerID: target, Type: Relayed, RelayID: relayID, Session: s}, nil
}

// ---------------------------------------------------------------------------
// Inbound

func (m *Manager) acceptDirectLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case conn := <-m.listener.Accept():
			go m.serveInbound(conn, peer.EndpointFromAddr(conn.RemoteAddr()), Direct, peer.ID{})
		}
	}
}

func (m *Manager) acceptRelayLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case conn := <-m.pool.Accept():
			relayID, _ := m.pool.ConnectedRelay()
			go m.serveInbound(conn, peer.Endpoint{}, Relayed, relayID)
		}
	}
}

func (m *Manager) serveInbound(conn net.Conn, addr peer.Endpoint, typ ConnectionType, relayID peer.ID) {
	ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	defer cancel()

	s, err := session.Handshake(ctx, conn, m.id, peer.ID{}, false)
	if err != nil {
		log.Debug("Inbound handshake failed: %v", err)
		conn.Close()
		return
	}
	s = m.registry.Add(s)

	pc := &PeerConnection{
		PeerID:  s.PeerID(),
		Addr:    addr,
		Type:    typ,
		RelayID: relayID,
		Session: s,
	}
	select {
	case m.Inbound <- pc:
	case <-m.ctx.Done():
	}
}

// sortCandidates orders remote candidates by descending priority.
func sortCandidates(cands []ice.Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].Priority > cands[j].Priority
	})
}
