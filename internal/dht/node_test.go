package dht

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestNode(t *testing.T, id byte) *Node {
	t.Helper()
	tr, err := transport.ListenUDP(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0))
	if err != nil {
		t.Fatal(err)
	}
	n := NewNode(testID(id), tr)
	n.Start()
	t.Cleanup(func() {
		tr.Close()
		n.Close()
	})
	return n
}

func TestPingAndTableRefresh(t *testing.T) {
	a := newTestNode(t, 1)
	b := newTestNode(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := a.pingEndpoint(ctx, b.tr.LocalEndpoint())
	if err != nil {
		t.Fatal(err)
	}
	if got != testID(2) {
		t.Errorf("ping answered by %s", got.Short())
	}

	// Both sides learned each other from the exchange.
	if _, ok := a.table.Lookup(testID(2)); !ok {
		t.Error("a did not learn b")
	}
	if _, ok := b.table.Lookup(testID(1)); !ok {
		t.Error("b did not learn a")
	}
	if rec, _ := a.table.Lookup(testID(2)); rec.RTTEstimate <= 0 {
		t.Error("RTT estimate not recorded")
	}
}

func TestStoreGetAcrossNodes(t *testing.T) {
	a := newTestNode(t, 1)
	b := newTestNode(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Bootstrap(ctx, []peer.Endpoint{b.tr.LocalEndpoint()}); err != nil {
		t.Fatal(err)
	}

	key := [32]byte{0xAA}
	if err := a.Store(ctx, key, []byte("payload"), 30*time.Second); err != nil {
		t.Fatal(err)
	}

	// b received the fan-out copy and can answer a fresh lookup.
	v, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, []byte("payload")) {
		t.Errorf("Get = %q", v)
	}
}

func TestGetMissing(t *testing.T) {
	a := newTestNode(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.Get(ctx, [32]byte{0xEE}); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestSignalingExchange(t *testing.T) {
	a := newTestNode(t, 1)
	b := newTestNode(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Bootstrap(ctx, []peer.Endpoint{b.tr.LocalEndpoint()}); err != nil {
		t.Fatal(err)
	}
	if err := b.Bootstrap(ctx, []peer.Endpoint{a.tr.LocalEndpoint()}); err != nil {
		t.Fatal(err)
	}

	blob := []byte{0x01, 0x02, 0x03}
	if err := a.PublishSignal(ctx, testID(2), "ice", blob); err != nil {
		t.Fatal(err)
	}

	got, err := b.PollSignal(ctx, testID(1), "ice")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("PollSignal = %x", got)
	}

	// Key derivation is direction-sensitive.
	if SignalingKey(testID(1), testID(2), "ice") == SignalingKey(testID(2), testID(1), "ice") {
		t.Error("signaling keys must differ per direction")
	}
}
