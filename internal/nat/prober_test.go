package nat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/doublegate/wraith/internal/stun"
)

// fakeStunServer answers Binding Requests, reporting either the true origin
// or a fixed override (to simulate NATs).
func fakeStunServer(t *testing.T, override *net.UDPAddr) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			msg, err := stun.Parse(buf[:n])
			if err != nil || msg == nil || msg.Class != stun.ClassRequest {
				continue
			}
			reported := raddr
			if override != nil {
				reported = override
			}
			resp := stun.NewBindingResponse(msg.TransactionID, reported, "")
			conn.WriteTo(resp.Bytes(), raddr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestQuery(t *testing.T) {
	server := fakeStunServer(t, nil)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	mapped, err := Query(ctx, conn, server.String())
	if err != nil {
		t.Fatal(err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	if int(mapped.Port()) != local.Port {
		t.Errorf("mapped port %d != local port %d", mapped.Port(), local.Port)
	}
}

func TestProbeNone(t *testing.T) {
	// Loopback sockets see their own address reflected: NAT type None.
	s1 := fakeStunServer(t, nil)
	s2 := fakeStunServer(t, nil)

	p := NewProber([]string{s1.String(), s2.String()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, public, err := p.Probe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeNone {
		t.Errorf("Probe = %s, want None", typ)
	}
	if !public.IsValid() {
		t.Error("no public endpoint reported")
	}
}

func TestProbeSymmetric(t *testing.T) {
	// Servers observing different mapped ports imply a symmetric NAT.
	s1 := fakeStunServer(t, &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 1111})
	s2 := fakeStunServer(t, &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 2222})

	p := NewProber([]string{s1.String(), s2.String()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, _, err := p.Probe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeSymmetric {
		t.Errorf("Probe = %s, want Symmetric", typ)
	}
}

func TestProbeConsistentMapping(t *testing.T) {
	fixed := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 4242}
	s1 := fakeStunServer(t, fixed)
	s2 := fakeStunServer(t, fixed)

	p := NewProber([]string{s1.String(), s2.String()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, public, err := p.Probe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypePortRestricted {
		t.Errorf("Probe = %s, want PortRestricted", typ)
	}
	if public.Port() != 4242 {
		t.Errorf("public endpoint = %s", public)
	}
}

func TestProbeUnreachableServers(t *testing.T) {
	// Nothing listening: classification degrades to Unknown without error.
	p := NewProber([]string{"127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, _, err := p.Probe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeUnknown {
		t.Errorf("Probe = %s, want Unknown", typ)
	}
}
