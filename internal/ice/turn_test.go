package ice

import (
	"context"
	"crypto/md5"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/doublegate/wraith/internal/stun"
)

// fakeTurnServer answers Allocate requests, optionally demanding long-term
// credentials first.
func fakeTurnServer(t *testing.T, requireAuth bool, relayed *net.UDPAddr) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	const realm = "turn.test"
	nonce := []byte("fresh-nonce")
	key := md5.Sum([]byte("wraith:" + realm + ":hunter2"))

	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			msg, err := stun.Parse(buf[:n])
			if err != nil || msg == nil {
				continue
			}
			if msg.Class != stun.ClassRequest || msg.Method != stun.MethodAllocate {
				continue
			}

			if requireAuth && msg.Username() == "" {
				challenge := stun.New(stun.ClassErrorResponse, stun.MethodAllocate, msg.TransactionID)
				challenge.AddErrorCode(stun.ErrorUnauthorized, "Unauthorized")
				challenge.AddRealm(realm)
				challenge.AddNonce(nonce)
				conn.WriteTo(challenge.Bytes(), raddr)
				continue
			}
			if requireAuth && !msg.VerifyMessageIntegrityKey(key[:]) {
				denied := stun.New(stun.ClassErrorResponse, stun.MethodAllocate, msg.TransactionID)
				denied.AddErrorCode(stun.ErrorUnauthorized, "Unauthorized")
				conn.WriteTo(denied.Bytes(), raddr)
				continue
			}

			resp := stun.New(stun.ClassSuccessResponse, stun.MethodAllocate, msg.TransactionID)
			resp.SetXorMappedAddress(raddr)
			addRelayedAddress(resp, relayed)
			conn.WriteTo(resp.Bytes(), raddr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

// addRelayedAddress reuses the XOR encoding for the relayed address
// attribute by re-tagging a freshly encoded XOR-MAPPED-ADDRESS.
func addRelayedAddress(msg *stun.Message, addr *net.UDPAddr) {
	probe := stun.New(msg.Class, msg.Method, msg.TransactionID)
	probe.SetXorMappedAddress(addr)
	for _, attr := range probe.Attributes {
		if attr.Type == stun.AttrXorMappedAddress {
			msg.AddAttribute(stun.AttrXorRelayedAddress, attr.Value)
		}
	}
}

func turnTestBase(t *testing.T) *Base {
	t.Helper()
	base, err := createBase(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(base.close)
	go base.readLoop(nil, make(chan []byte, 1))
	return base
}

func TestAllocateRelayOpenServer(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 44), Port: 50000}
	server := fakeTurnServer(t, false, want)
	base := turnTestBase(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relayed, err := allocateRelay(ctx, base, server.String(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if relayed.Addr().Unmap() != netip.MustParseAddr("198.51.100.44") || relayed.Port() != 50000 {
		t.Errorf("relayed = %s, want %s", relayed, want)
	}
}

func TestAllocateRelayLongTermAuth(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 45), Port: 50001}
	server := fakeTurnServer(t, true, want)
	base := turnTestBase(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relayed, err := allocateRelay(ctx, base, server.String(), "wraith", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if relayed.Port() != uint16(want.Port) {
		t.Errorf("relayed = %s, want %s", relayed, want)
	}

	// Without credentials, the 401 challenge is terminal.
	if _, err := allocateRelay(ctx, base, server.String(), "", ""); err == nil {
		t.Error("allocation without credentials succeeded against auth server")
	}
}

func TestGatherIncludesRelayCandidates(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 46), Port: 50002}
	server := fakeTurnServer(t, false, want)

	a := NewAgent(Config{Role: Controlling, TurnServers: []string{server.String()}})
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cands, err := a.GatherCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var relay *Candidate
	for i := range cands {
		if cands[i].Type == Relay {
			relay = &cands[i]
		}
	}
	if relay == nil {
		t.Fatalf("no relay candidate gathered: %v", cands)
	}
	if relay.Address.Port() != uint16(want.Port) {
		t.Errorf("relay candidate at %s, want port %d", relay.Address, want.Port)
	}
	if !relay.Related.IsValid() {
		t.Error("relay candidate missing related (base) address")
	}
	if relay.Priority>>24 != 0 {
		t.Errorf("relay type preference = %d, want 0", relay.Priority>>24)
	}
}
