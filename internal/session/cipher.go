package session

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// rekeyThreshold forces a deterministic key ratchet long before the 64-bit
// nonce could wrap. Both directions ratchet independently at the same
// message count, so no coordination round-trip is needed.
const rekeyThreshold = uint64(1) << 48

var ErrNonceExhausted = errors.New("cipher nonce exhausted")

// A cipherState is one direction of an established session: a symmetric key
// plus a monotonically increasing nonce. The receive side additionally
// tracks a sliding replay window, since datagrams reorder.
type cipherState struct {
	mu    sync.Mutex
	key   [32]byte
	nonce uint64 // next nonce (send) / highest seen + 1 (recv)

	// Replay window over the 64 nonces below `nonce` (receive side).
	window uint64

	// Messages encrypted/decrypted under the current key generation.
	generation uint64
}

func newCipherState(key [32]byte) *cipherState {
	return &cipherState{key: key}
}

// ratchet derives the next key generation.
func (cs *cipherState) ratchet() {
	next, _ := hkdf2(cs.key[:], []byte("rekey"))
	cs.key = next
	cs.nonce = 0
	cs.window = 0
	cs.generation++
}

// seal encrypts plaintext with the next nonce. The additional data depends
// on the nonce (it is part of the frame header), so it is built via makeAD
// once the nonce is reserved.
func (cs *cipherState) seal(plaintext []byte, makeAD func(nonce, generation uint64) []byte) (uint64, uint64, []byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.nonce >= rekeyThreshold {
		cs.ratchet()
	}
	aead, err := chacha20poly1305.New(cs.key[:])
	if err != nil {
		return 0, 0, nil, err
	}
	n := cs.nonce
	cs.nonce++

	nonce := make([]byte, chacha20poly1305.NonceSize)
	putNonce(nonce, n)
	return n, cs.generation, aead.Seal(nil, nonce, plaintext, makeAD(n, cs.generation)), nil
}

// open decrypts a message with an explicit nonce, enforcing the replay
// window. Authentication failure or replay returns an error; the session
// layer treats it as fatal.
func (cs *cipherState) open(n, generation uint64, ciphertext, additional []byte) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for cs.generation < generation {
		cs.ratchet()
	}
	if cs.generation != generation {
		return nil, errors.New("stale key generation")
	}

	// Replay check against the sliding window.
	switch {
	case n >= cs.nonce:
		// New highest nonce; accepted below.
	case cs.nonce-n > 64:
		return nil, errors.New("nonce too old")
	default:
		if cs.window&(1<<(cs.nonce-n-1)) != 0 {
			return nil, errors.New("replayed nonce")
		}
	}

	aead, err := chacha20poly1305.New(cs.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	putNonce(nonce, n)
	pt, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, err
	}

	// Advance the window only after successful authentication.
	if n >= cs.nonce {
		shift := n - cs.nonce + 1
		if shift >= 64 {
			cs.window = 1
		} else {
			cs.window = cs.window<<shift | 1
		}
		cs.nonce = n + 1
	} else {
		cs.window |= 1 << (cs.nonce - n - 1)
	}
	return pt, nil
}
