package relay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/peer"
)

// testRelay is a minimal in-process relay server: challenge/response
// registration, then Forward → Deliver switching between registered peers.
type testRelay struct {
	nodeID peer.ID
	server *httptest.Server

	mu    sync.Mutex
	peers map[peer.ID]*websocket.Conn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	tr := &testRelay{peers: make(map[peer.ID]*websocket.Conn)}
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

func (tr *testRelay) url() string {
	return "ws" + strings.TrimPrefix(tr.server.URL, "http")
}

func (tr *testRelay) serve(conn *websocket.Conn) {
	defer conn.Close()

	nonce := make([]byte, challengeSize)
	rand.Read(nonce)
	conn.WriteMessage(websocket.BinaryMessage, (&frame{kind: frameChallenge, nonce: nonce}).encode())

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	reg, err := decodeFrame(data)
	if err != nil || reg.kind != frameRegister {
		return
	}
	ok := ed25519.Verify(ed25519.PublicKey(reg.pubKey), nonce, reg.sig) &&
		peer.IDFromPublicKey(reg.pubKey) == reg.peerID
	conn.WriteMessage(websocket.BinaryMessage, (&frame{kind: frameRegistered, ok: ok}).encode())
	if !ok {
		return
	}

	tr.mu.Lock()
	tr.peers[reg.peerID] = conn
	tr.mu.Unlock()
	defer func() {
		tr.mu.Lock()
		delete(tr.peers, reg.peerID)
		tr.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		if f.kind != frameForward {
			continue
		}
		tr.mu.Lock()
		dst := tr.peers[f.peerID]
		tr.mu.Unlock()
		if dst == nil {
			continue
		}
		deliver := &frame{kind: frameDeliver, peerID: reg.peerID, payload: f.payload}
		tr.mu.Lock()
		dst.WriteMessage(websocket.BinaryMessage, deliver.encode())
		tr.mu.Unlock()
	}
}

func newTestPool(t *testing.T, tr *testRelay) (*Pool, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p := NewPool(id, []Info{{URL: tr.url(), NodeID: tr.nodeID}})
	p.Start()
	t.Cleanup(p.Shutdown)
	return p, id
}

func TestFrameRoundTrip(t *testing.T) {
	var pid peer.ID
	pid[0] = 7
	frames := []*frame{
		{kind: frameChallenge, nonce: bytes.Repeat([]byte{9}, challengeSize)},
		{kind: frameRegister, peerID: pid, pubKey: make([]byte, 32), sig: make([]byte, 64)},
		{kind: frameRegistered, ok: true},
		{kind: frameKeepalive},
		{kind: frameForward, peerID: pid, payload: []byte("data")},
		{kind: frameDeliver, peerID: pid, payload: []byte("gram")},
	}
	for _, f := range frames {
		got, err := decodeFrame(f.encode())
		if err != nil {
			t.Fatalf("kind %#x: %v", byte(f.kind), err)
		}
		if got.kind != f.kind || got.peerID != f.peerID || got.ok != f.ok {
			t.Errorf("kind %#x: mismatch %+v", byte(f.kind), got)
		}
		if !bytes.Equal(got.payload, f.payload) || !bytes.Equal(got.nonce, f.nonce) {
			t.Errorf("kind %#x: payload mismatch", byte(f.kind))
		}
	}

	if _, err := decodeFrame([]byte{0x7f}); err == nil {
		t.Error("unknown frame kind decoded")
	}
	if _, err := decodeFrame(nil); err == nil {
		t.Error("empty frame decoded")
	}
}

func TestRegisterAndForward(t *testing.T) {
	tr := newTestRelay(t)
	poolA, idA := newTestPool(t, tr)
	poolB, idB := newTestPool(t, tr)

	deadline := time.After(5 * time.Second)
	for !poolA.Connected() || !poolB.Connected() {
		select {
		case <-deadline:
			t.Fatal("pools did not connect")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// A dials B through the relay and writes a datagram.
	connAB, err := poolA.Dial(idB.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := connAB.Write([]byte("ping over relay")); err != nil {
		t.Fatal(err)
	}

	// B sees an inbound peer connection carrying the datagram.
	select {
	case pc := <-poolB.Accept():
		if pc.RemotePeer() != idA.PeerID() {
			t.Errorf("inbound from %s, want %s", pc.RemotePeer().Short(), idA.PeerID().Short())
		}
		buf := make([]byte, 64)
		pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := pc.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "ping over relay" {
			t.Errorf("got %q", buf[:n])
		}

		// And can answer on the same conn.
		if _, err := pc.Write([]byte("pong")); err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound relay connection")
	}

	buf := make([]byte, 64)
	connAB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := connAB.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("reply = %q", buf[:n])
	}
}

func TestSendWithoutRelays(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p := NewPool(id, nil)
	p.Start()
	defer p.Shutdown()

	var dst peer.ID
	if _, err := p.Send(dst, []byte("x")); err != ErrUnreachable {
		t.Errorf("Send with no relays = %v, want ErrUnreachable", err)
	}
}
