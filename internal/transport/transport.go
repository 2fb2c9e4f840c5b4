// Package transport provides datagram send/receive beneath the DHT, ICE and
// session layers. The default back-end is non-blocking UDP; on Linux an
// AF_XDP kernel-bypass back-end (see the xdp subpackage) implements the same
// contract.
package transport

import (
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/peer"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// A Transport sends and receives datagrams. Implementations must be safe for
// concurrent use by multiple goroutines.
type Transport interface {
	// SendTo transmits a single datagram to the given endpoint and returns
	// the number of bytes sent.
	SendTo(b []byte, ep peer.Endpoint) (int, error)

	// RecvFrom blocks until a datagram arrives, copies it into buf, and
	// returns its length and origin.
	RecvFrom(buf []byte) (int, peer.Endpoint, error)

	// LocalEndpoint returns the bound local address.
	LocalEndpoint() peer.Endpoint

	// Close releases the underlying socket. Blocked RecvFrom calls return
	// ErrClosed.
	Close() error
}

// Stats is a point-in-time snapshot of a transport's counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendErrors      uint64
	RecvErrors      uint64
}
