package nat

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/stun"
)

const (
	probeTimeout  = 3 * time.Second
	probeAttempts = 2
)

var ErrNoStunResponse = errors.New("no STUN server responded")

// A Prober issues Binding Requests to a set of STUN servers and classifies
// the local NAT from the mapped addresses it observes.
type Prober struct {
	servers []string
}

func NewProber(servers []string) *Prober {
	return &Prober{servers: servers}
}

// Probe classifies the local NAT. It never returns an error for mere
// classification ambiguity; TypeUnknown with a nil error means "operate
// degraded". An error is returned only when probing could not run at all.
func (p *Prober) Probe(ctx context.Context) (Type, peer.Endpoint, error) {
	if len(p.servers) == 0 {
		return TypeUnknown, peer.Endpoint{}, errors.New("no STUN servers configured")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return TypeUnknown, peer.Endpoint{}, errors.Wrap(err, "probe socket")
	}
	defer conn.Close()

	local := peer.EndpointFromAddr(conn.LocalAddr())

	var mapped []peer.Endpoint
	for _, server := range p.servers {
		ep, err := Query(ctx, conn, server)
		if err != nil {
			log.Debug("STUN probe to %s failed: %v", server, err)
			continue
		}
		mapped = append(mapped, ep)
		if len(mapped) >= 2 {
			break
		}
	}

	if len(mapped) == 0 {
		return TypeUnknown, peer.Endpoint{}, nil
	}

	public := mapped[0]

	// Same address as the socket: no translation at all.
	if samePublicAddress(public, local, conn) {
		return TypeNone, public, nil
	}

	// Different mappings toward different servers: symmetric NAT.
	for _, m := range mapped[1:] {
		if m != public {
			return TypeSymmetric, public, nil
		}
	}

	if len(mapped) < 2 {
		// A single observation cannot separate cone variants.
		log.Debug("Only one STUN server reachable; cone variant undetermined")
		return TypePortRestricted, public, nil
	}

	// Consistent mapping across servers: a cone NAT. Without cooperative
	// CHANGE-REQUEST servers the filtering behavior cannot be measured, so
	// report the most restrictive cone; hole punching treats all cones the
	// same way.
	return TypePortRestricted, public, nil
}

// Query sends a Binding Request to the server from conn, up to probeAttempts
// times when no response arrives, and returns the XOR-MAPPED-ADDRESS (or
// MAPPED-ADDRESS) from the response.
func Query(ctx context.Context, conn *net.UDPConn, server string) (peer.Endpoint, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return peer.Endpoint{}, errors.Wrapf(err, "resolve %s", server)
	}

	var lastErr error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return peer.Endpoint{}, err
		}

		req := stun.NewBindingRequest("")
		if _, err := conn.WriteTo(req.Bytes(), raddr); err != nil {
			lastErr = err
			continue
		}

		deadline := time.Now().Add(probeTimeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		conn.SetReadDeadline(deadline)

		buf := make([]byte, 1500)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				lastErr = errors.Wrap(err, "read")
				break
			}
			msg, err := stun.Parse(buf[:n])
			if err != nil || msg == nil {
				continue // not STUN, keep waiting
			}
			if msg.TransactionID != req.TransactionID {
				continue
			}
			if msg.Class != stun.ClassSuccessResponse {
				return peer.Endpoint{}, errors.Errorf("STUN error from %s: %s", server, msg)
			}
			addr := msg.MappedAddress()
			if addr == nil {
				return peer.Endpoint{}, errors.Errorf("no mapped address from %s", server)
			}
			return addr.AddrPort(), nil
		}
	}
	if lastErr == nil {
		lastErr = ErrNoStunResponse
	}
	return peer.Endpoint{}, lastErr
}

// samePublicAddress reports whether the mapped address equals one of the
// socket's local addresses (i.e. the host is directly on a public IP).
func samePublicAddress(mapped, local peer.Endpoint, conn *net.UDPConn) bool {
	if mapped.Port() != local.Port() {
		return false
	}
	if mapped.Addr() == local.Addr().Unmap() {
		return true
	}
	// The socket may be bound to the wildcard; compare against every local
	// interface address.
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range ifaceAddrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipnet.IP); ok && ip.Unmap() == mapped.Addr() {
				return true
			}
		}
	}
	return false
}
