// Package identity manages the long-lived Ed25519 signing identity: the key
// the peer ID is derived from, the proof-of-possession used by relay
// registration, and the static Curve25519 key the Noise handshake binds to
// it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"

	"github.com/doublegate/wraith/internal/peer"
)

// An Identity is the in-memory key material for one peer.
type Identity struct {
	signing ed25519.PrivateKey

	// Static Curve25519 keypair for the Noise handshake, derived
	// deterministically from the signing seed so that one 32-byte seed
	// restores the whole identity.
	noisePriv [32]byte
	noisePub  [32]byte
}

// Generate creates a fresh identity from the system entropy source.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate identity")
	}
	return FromSeed(priv.Seed())
}

// FromSeed reconstructs the identity from a 32-byte signing seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("bad seed length %d", len(seed))
	}
	id := &Identity{signing: ed25519.NewKeyFromSeed(seed)}

	h, _ := blake2s.New256([]byte("wraith-noise-static"))
	h.Write(seed)
	copy(id.noisePriv[:], h.Sum(nil))

	pub, err := curve25519.X25519(id.noisePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive noise static")
	}
	copy(id.noisePub[:], pub)
	return id, nil
}

// PeerID returns the identifier derived from the signing public key.
func (id *Identity) PeerID() peer.ID {
	return peer.IDFromPublicKey(id.PublicKey())
}

// PublicKey returns the Ed25519 verification key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.signing.Public().(ed25519.PublicKey)
}

// Seed returns the 32-byte signing seed (the secret that the key file
// protects).
func (id *Identity) Seed() []byte {
	return id.signing.Seed()
}

// Sign signs msg with the identity key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signing, msg)
}

// Verify checks a signature against an arbitrary public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

// NoiseStatic returns the static Curve25519 keypair bound to this identity.
func (id *Identity) NoiseStatic() (priv, pub [32]byte) {
	return id.noisePriv, id.noisePub
}

// BindStatic produces the binding that travels in the Noise handshake
// payload: the signing public key plus a signature over the Noise static
// public key. The remote side verifies the signature and checks that the
// signing key hashes to the expected peer ID.
func (id *Identity) BindStatic() []byte {
	out := make([]byte, 0, ed25519.PublicKeySize+ed25519.SignatureSize)
	out = append(out, id.PublicKey()...)
	out = append(out, id.Sign(id.noisePub[:])...)
	return out
}

// VerifyBinding checks a BindStatic payload against the observed Noise
// static key, returning the bound peer ID.
func VerifyBinding(binding []byte, noiseStatic [32]byte) (peer.ID, error) {
	if len(binding) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return peer.ID{}, errors.Errorf("bad binding length %d", len(binding))
	}
	pub := ed25519.PublicKey(binding[:ed25519.PublicKeySize])
	sig := binding[ed25519.PublicKeySize:]
	if !ed25519.Verify(pub, noiseStatic[:], sig) {
		return peer.ID{}, errors.New("static key binding signature invalid")
	}
	return peer.IDFromPublicKey(pub), nil
}
