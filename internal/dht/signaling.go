package dht

import (
	"context"
	"time"

	"golang.org/x/crypto/blake2s"

	"github.com/doublegate/wraith/internal/peer"
)

// The DHT doubles as the signaling substrate for ICE: both sides derive the
// same key for a (from, to, purpose) tuple and exchange serialized candidate
// blobs through Store/Get with a short TTL.

const (
	// SignalingTTL bounds how long published candidates stay visible.
	SignalingTTL = 60 * time.Second

	// signalingPollInterval paces Get retries while waiting for the peer.
	signalingPollInterval = 250 * time.Millisecond

	// SignalingPollTimeout bounds one trickle wait; the caller falls back
	// to discovery-derived endpoints when it elapses.
	SignalingPollTimeout = 5 * time.Second
)

// SignalingKey derives the deterministic key for candidates flowing from
// `from` to `to`: BLAKE2s-256 over from ∥ to ∥ purpose.
func SignalingKey(from, to peer.ID, purpose string) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write(from[:])
	h.Write(to[:])
	h.Write([]byte(purpose))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// PublishSignal stores a signaling blob under the (from → to) key.
func (n *Node) PublishSignal(ctx context.Context, to peer.ID, purpose string, blob []byte) error {
	key := SignalingKey(n.self, to, purpose)
	return n.Store(ctx, key, blob, SignalingTTL)
}

// PollSignal waits for the peer's signaling blob (the from → us direction),
// polling until the blob appears or the deadline passes.
func (n *Node) PollSignal(ctx context.Context, from peer.ID, purpose string) ([]byte, error) {
	key := SignalingKey(from, n.self, purpose)

	ctx, cancel := context.WithTimeout(ctx, SignalingPollTimeout)
	defer cancel()

	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()
	for {
		if blob, err := n.Get(ctx, key); err == nil {
			return blob, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
