package ice

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/mux"
	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/stun"
)

const (
	// Packets larger than the path MTU are fragmented or dropped; 1500 is a
	// safe read-buffer ceiling.
	maxPacketSize = 1500

	// Timeout for querying a STUN server during gathering.
	stunQueryTimeout = 5 * time.Second
)

// [RFC8445] defines a base as "the transport address that an ICE agent sends
// from for a particular candidate": one UDP socket per local address.
type Base struct {
	conn    *net.UDPConn
	address peer.Endpoint

	// Response handlers for STUN transactions sent from this base, keyed by
	// transaction ID.
	handlers transactionHandlers

	closeOnce sync.Once
}

type stunHandler func(msg *stun.Message, raddr *net.UDPAddr, base *Base)

// establishBases opens one base per usable local unicast address.
func establishBases(enableIPv6 bool) (bases []*Base, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if ip.To4() == nil && !enableIPv6 {
				continue
			}
			if ip.IsLinkLocalUnicast() {
				continue
			}
			base, err := createBase(ip)
			if err != nil {
				log.Debug("Failed to create base for %s: %v", ip, err)
				continue
			}
			bases = append(bases, base)
		}
	}
	if len(bases) == 0 {
		// No routable interface (or all filtered): fall back to loopback so
		// in-host connections still work.
		base, err := createBase(net.IPv4(127, 0, 0, 1))
		if err != nil {
			return nil, err
		}
		bases = append(bases, base)
	}
	return bases, nil
}

func createBase(ip net.IP) (*Base, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, err
	}
	base := &Base{
		conn:    conn,
		address: peer.EndpointFromAddr(conn.LocalAddr()),
	}
	log.Debug("Base listening on %s", base.address)
	return base, nil
}

// sendStun writes a STUN message to raddr. If a handler is supplied it will
// be invoked with the response matching the transaction ID.
func (base *Base) sendStun(msg *stun.Message, raddr *net.UDPAddr, responseHandler stunHandler) error {
	_, err := base.conn.WriteToUDP(msg.Bytes(), raddr)
	if err == nil && responseHandler != nil {
		base.handlers.put(msg.TransactionID, responseHandler)
	}
	return err
}

// forgetTransaction drops a registered response handler.
func (base *Base) forgetTransaction(transactionID string) {
	base.handlers.remove(transactionID)
}

// queryStunServer asks a STUN server for this base's server-reflexive
// address.
func (base *Base) queryStunServer(ctx context.Context, server string) (mapped peer.Endpoint, err error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return mapped, errors.Wrapf(err, "resolve %s", server)
	}

	req := stun.NewBindingRequest("")
	errCh := make(chan error, 1)
	err = base.sendStun(req, raddr, func(resp *stun.Message, _ *net.UDPAddr, _ *Base) {
		if resp.Class == stun.ClassSuccessResponse {
			if addr := resp.MappedAddress(); addr != nil {
				mapped = addr.AddrPort()
				errCh <- nil
				return
			}
		}
		errCh <- errors.Errorf("STUN query failed: %s", resp)
	})
	if err != nil {
		return mapped, err
	}
	defer base.forgetTransaction(req.TransactionID)

	select {
	case err = <-errCh:
		return mapped, err
	case <-ctx.Done():
		return mapped, ctx.Err()
	case <-time.After(stunQueryTimeout):
		return mapped, errors.New("STUN query timeout")
	}
}

// readLoop reads packets until the socket closes. STUN messages go to their
// transaction handler (or the default handler for unmatched transactions,
// i.e. inbound requests); everything else lands on dataIn.
func (base *Base) readLoop(defaultHandler stunHandler, dataIn chan<- []byte) {
	buf := make([]byte, maxPacketSize)
	var dropOnce sync.Once
	for {
		n, raddr, err := base.conn.ReadFromUDP(buf)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Temporary() && !neterr.Timeout() {
				continue
			}
			log.Debug("Base %s read loop done: %v", base.address, err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if mux.MatchSTUN(data) {
			msg, err := stun.Parse(data)
			if err != nil {
				log.Debug("Bad STUN packet from %s: %v", raddr, err)
				continue
			}
			if msg == nil {
				continue
			}
			handler := base.handlers.get(msg.TransactionID, defaultHandler)
			if handler != nil {
				handler(msg, raddr, base)
			}
			continue
		}
		if mux.MatchPunch(data) {
			// Hole-punch markers only open NAT bindings.
			continue
		}

		select {
		case dataIn <- data:
		default:
			dropOnce.Do(func() {
				log.Warn("Dropping data packet on %s: reader not keeping up", base.address)
			})
		}
	}
}

// LocalAddr returns the bound socket address.
func (base *Base) LocalAddr() net.Addr {
	return base.conn.LocalAddr()
}

// Conn exposes the socket, e.g. for the data connection after selection.
func (base *Base) Conn() *net.UDPConn {
	return base.conn
}

func (base *Base) close() {
	base.closeOnce.Do(func() { base.conn.Close() })
}

// transactionHandlers maps STUN transaction ID → response handler. Each
// handler fires at most once.
type transactionHandlers struct {
	sync.Mutex
	m map[string]stunHandler
}

func (t *transactionHandlers) get(transactionID string, def stunHandler) stunHandler {
	t.lockAndInitialize()
	handler, found := t.m[transactionID]
	if found {
		delete(t.m, transactionID)
	} else {
		handler = def
	}
	t.Unlock()
	return handler
}

func (t *transactionHandlers) put(transactionID string, handler stunHandler) {
	t.lockAndInitialize()
	t.m[transactionID] = handler
	t.Unlock()
}

func (t *transactionHandlers) remove(transactionID string) {
	t.lockAndInitialize()
	delete(t.m, transactionID)
	t.Unlock()
}

func (t *transactionHandlers) lockAndInitialize() {
	t.Lock()
	if t.m == nil {
		t.m = make(map[string]stunHandler)
	}
}
