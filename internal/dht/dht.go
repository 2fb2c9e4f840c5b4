// Package dht implements the Kademlia-style overlay used for peer and
// address lookup, and doubles as the signaling substrate for ICE candidate
// exchange.
package dht

import (
	"math/bits"

	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/peer"
)

var log = logging.DefaultLogger.WithTag("dht")

const (
	// K is the bucket capacity and the size of the closest-node set.
	K = 20

	// alpha is the lookup parallelism per round.
	alpha = 3

	// numBuckets is one bucket per possible XOR-distance bit length.
	numBuckets = 256
)

// Distance is the XOR metric between two IDs.
func Distance(a, b peer.ID) (d [32]byte) {
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return
}

// bucketIndex returns the routing-table bucket for a remote ID: the
// bit length of the XOR distance minus one. Equal IDs yield -1 and are
// never stored.
func bucketIndex(self, other peer.ID) int {
	d := Distance(self, other)
	for i, b := range d {
		if b != 0 {
			return (31-i)*8 + bits.Len8(b) - 1
		}
	}
	return -1
}

// closer reports whether a is strictly closer to target than b.
func closer(target, a, b peer.ID) bool {
	da, db := Distance(target, a), Distance(target, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}
