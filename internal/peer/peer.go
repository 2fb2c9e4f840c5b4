// Package peer defines the identifiers shared by every layer of the stack:
// the 32-byte peer/node identifier derived from a long-lived signing key, and
// the UDP endpoint type used for all wire addressing.
package peer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/crypto/blake2s"
)

// IDSize is the length of a peer identifier in bytes.
const IDSize = 32

// An ID identifies a peer (and, for DHT purposes, a node) by the BLAKE2s-256
// digest of its Ed25519 signing public key.
type ID [IDSize]byte

// IDFromPublicKey derives the peer ID for a signing public key.
func IDFromPublicKey(pub ed25519.PublicKey) ID {
	return ID(blake2s.Sum256(pub))
}

// ParseID parses a 64-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid peer id %q: %v", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid peer id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log messages.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the ID is all zero bytes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Less imposes the total order used to collapse duplicate session
// establishments: the side with the smaller ID wins the initiator role.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// An Endpoint is an IP address plus UDP port.
type Endpoint = netip.AddrPort

// EndpointFromAddr converts a net.Addr (as returned by the net package) to an
// Endpoint. Returns the zero Endpoint for non-UDP addresses.
func EndpointFromAddr(addr net.Addr) Endpoint {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort()
	case *net.TCPAddr:
		return netip.AddrPortFrom(addrFromIP(a.IP), uint16(a.Port))
	default:
		ap, _ := netip.ParseAddrPort(addr.String())
		return ap
	}
}

// UDPAddr converts an Endpoint back to the net package's address type.
func UDPAddr(ep Endpoint) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ep)
}

func addrFromIP(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}
