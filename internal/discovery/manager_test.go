package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/nat"
	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/relay"
	"github.com/doublegate/wraith/internal/session"
)

func loopback() peer.Endpoint {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)
}

func newTestManager(t *testing.T, relays []relay.Info, seeds []peer.Endpoint) *Manager {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(Config{
		Identity:       id,
		DHTListen:      loopback(),
		SessionListen:  loopback(),
		BootstrapNodes: seeds,
		Relays:         relays,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestPresenceRoundTrip(t *testing.T) {
	var relayID peer.ID
	relayID[0] = 9
	p := &Presence{
		NatType: nat.TypePortRestricted,
		Endpoints: []peer.Endpoint{
			netip.MustParseAddrPort("192.0.2.1:4000"),
			netip.MustParseAddrPort("[2001:db8::1]:4001"),
		},
		Relays: []peer.ID{relayID},
	}
	decoded, err := UnmarshalPresence(p.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.NatType != p.NatType || len(decoded.Endpoints) != 2 || len(decoded.Relays) != 1 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Endpoints[0] != p.Endpoints[0] || decoded.Endpoints[1] != p.Endpoints[1] {
		t.Errorf("endpoints = %v", decoded.Endpoints)
	}
	if decoded.Relays[0] != relayID {
		t.Errorf("relays = %v", decoded.Relays)
	}

	if _, err := UnmarshalPresence([]byte{0x02, 0, 0}); err == nil {
		t.Error("wrong version decoded")
	}
	if _, err := UnmarshalPresence(nil); err == nil {
		t.Error("empty record decoded")
	}
}

func TestDirectConnect(t *testing.T) {
	a := newTestManager(t, nil, nil)
	b := newTestManager(t, nil, []peer.Endpoint{a.DHTEndpoint()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Join a's overlay and publish records in both directions.
	if err := a.dhtNode.Bootstrap(ctx, []peer.Endpoint{b.DHTEndpoint()}); err != nil {
		t.Fatal(err)
	}
	a.SetNatType(nat.TypeNone)
	b.SetNatType(nat.TypeNone)
	if err := a.PublishPresence(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishPresence(ctx); err != nil {
		t.Fatal(err)
	}

	pc, err := a.ConnectToPeer(ctx, b.id.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if pc.Type != Direct {
		t.Errorf("connection type = %s, want Direct", pc.Type)
	}
	if pc.PeerID != b.id.PeerID() {
		t.Errorf("connected to %s", pc.PeerID.Short())
	}

	// b sees the inbound session.
	select {
	case inbound := <-b.Inbound:
		if inbound.PeerID != a.id.PeerID() {
			t.Errorf("inbound from %s", inbound.PeerID.Short())
		}
		// Bytes flow both ways over the established sessions.
		if err := pc.Session.Send(session.StreamControl, []byte("hello")); err != nil {
			t.Fatal(err)
		}
		got, err := inbound.Session.Recv(ctx, session.StreamControl)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello" {
			t.Errorf("got %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no inbound connection on b")
	}

	// A second connect reuses the registry entry.
	pc2, err := a.ConnectToPeer(ctx, b.id.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if pc2.Session != pc.Session {
		t.Error("second connect did not reuse the session")
	}
}

func TestHolePunchFallbackToPresenceEndpoints(t *testing.T) {
	a := newTestManager(t, nil, nil)
	b := newTestManager(t, nil, []peer.Endpoint{a.DHTEndpoint()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.dhtNode.Bootstrap(ctx, []peer.Endpoint{b.DHTEndpoint()})
	// Restricted cones on both sides force the hole-punch path.
	a.SetNatType(nat.TypePortRestricted)
	b.SetNatType(nat.TypePortRestricted)
	if err := a.PublishPresence(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishPresence(ctx); err != nil {
		t.Fatal(err)
	}

	pc, err := a.ConnectToPeer(ctx, b.id.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if pc.Type != HolePunched {
		t.Errorf("connection type = %s, want HolePunched", pc.Type)
	}
}

// ---------------------------------------------------------------------------
// Relay scenario

type testRelayServer struct {
	nodeID peer.ID
	server *httptest.Server

	mu    sync.Mutex
	peers map[peer.ID]*websocket.Conn
}

func newTestRelayServer(t *testing.T) *testRelayServer {
	t.Helper()
	tr := &testRelayServer{peers: make(map[peer.ID]*websocket.Conn)}
	tr.nodeID[0] = 0x5E
	upgrader := websocket.Upgrader{}
	tr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr.serve(conn)
	}))
	t.Cleanup(tr.server.Close)
	return tr
}

func (tr *testRelayServer) info() relay.Info {
	return relay.Info{URL: "ws" + strings.TrimPrefix(tr.server.URL, "http"), NodeID: tr.nodeID}
}

func (tr *testRelayServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	nonce := make([]byte, 32)
	rand.Read(nonce)
	conn.WriteMessage(websocket.BinaryMessage, relay.EncodeChallenge(nonce))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	peerID, pubKey, sig, err := relay.DecodeRegister(data)
	if err != nil {
		return
	}
	ok := ed25519.Verify(pubKey, nonce, sig) && peer.IDFromPublicKey(pubKey) == peerID
	conn.WriteMessage(websocket.BinaryMessage, relay.EncodeRegistered(ok))
	if !ok {
		return
	}

	tr.mu.Lock()
	tr.peers[peerID] = conn
	tr.mu.Unlock()
	defer func() {
		tr.mu.Lock()
		delete(tr.peers, peerID)
		tr.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		dst, payload, kind, err := relay.DecodeForward(data)
		if err != nil || kind != relay.FrameForward {
			continue
		}
		tr.mu.Lock()
		dstConn := tr.peers[dst]
		if dstConn != nil {
			dstConn.WriteMessage(websocket.BinaryMessage, relay.EncodeDeliver(peerID, payload))
		}
		tr.mu.Unlock()
	}
}

func TestSymmetricSymmetricRelayFallback(t *testing.T) {
	tr := newTestRelayServer(t)

	a := newTestManager(t, []relay.Info{tr.info()}, nil)
	b := newTestManager(t, []relay.Info{tr.info()}, []peer.Endpoint{a.DHTEndpoint()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.dhtNode.Bootstrap(ctx, []peer.Endpoint{b.DHTEndpoint()})
	a.SetNatType(nat.TypeSymmetric)
	b.SetNatType(nat.TypeSymmetric)
	if err := a.PublishPresence(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishPresence(ctx); err != nil {
		t.Fatal(err)
	}

	pc, err := a.ConnectToPeer(ctx, b.id.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if pc.Type != Relayed {
		t.Fatalf("connection type = %s, want Relayed", pc.Type)
	}
	if pc.RelayID != tr.nodeID {
		t.Errorf("relay id = %s", pc.RelayID.Short())
	}

	select {
	case inbound := <-b.Inbound:
		if inbound.Type != Relayed || inbound.PeerID != a.id.PeerID() {
			t.Errorf("inbound = %+v", inbound)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no inbound relayed connection on b")
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	a := newTestManager(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ghost peer.ID
	ghost[0] = 0x47
	if _, err := a.ConnectToPeer(ctx, ghost); err == nil {
		t.Error("connected to a peer with no presence")
	}
}
