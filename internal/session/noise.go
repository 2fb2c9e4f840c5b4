// Package session provides the per-peer secure channel: a Noise XX mutual
// handshake bound to the peer's signing identity, two directional cipher
// states, and a stream-multiplexed datagram framing for control, transfer,
// and media traffic.
package session

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/peer"
)

var log = logging.DefaultLogger.WithTag("session")

// Noise_XX_25519_ChaChaPoly_BLAKE2s:
//
//	→ e
//	← e, ee, s, es
//	→ s, se
//
// Message 2 and message 3 payloads carry the identity binding (Ed25519
// public key plus a signature over the Noise static key), so each side can
// check the remote static key against the expected peer ID.
const protocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"

var ErrHandshakeFailed = errors.New("handshake failed")

// symmetricState is the h/ck pair of the Noise specification.
type symmetricState struct {
	h      [32]byte // handshake transcript hash
	ck     [32]byte // chaining key
	k      [32]byte // current handshake encryption key
	hasKey bool
	n      uint64
}

func newSymmetricState() *symmetricState {
	s := new(symmetricState)
	if len(protocolName) <= 32 {
		copy(s.h[:], protocolName)
	} else {
		s.h = blake2s.Sum256([]byte(protocolName))
	}
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(s.h[:])
	h.Write(data)
	copy(s.h[:], h.Sum(nil))
}

// mixKey runs the HKDF step over the chaining key.
func (s *symmetricState) mixKey(input []byte) {
	out1, out2 := hkdf2(s.ck[:], input)
	s.ck = out1
	s.k = out2
	s.hasKey = true
	s.n = 0
}

// hkdf2 is HKDF with BLAKE2s producing two outputs, per the Noise spec.
func hkdf2(chainingKey, input []byte) (out1, out2 [32]byte) {
	prk := hmacBlake2s(chainingKey, input)
	t1 := hmacBlake2s(prk[:], []byte{0x01})
	t2Input := append(append([]byte(nil), t1[:]...), 0x02)
	t2 := hmacBlake2s(prk[:], t2Input)
	return t1, t2
}

func hmacBlake2s(key, data []byte) [32]byte {
	// HMAC construction over BLAKE2s, block size 64.
	const blockSize = 64
	k := make([]byte, blockSize)
	if len(key) > blockSize {
		sum := blake2s.Sum256(key)
		copy(k, sum[:])
	} else {
		copy(k, key)
	}
	ipad := make([]byte, blockSize)
	opad := make([]byte, blockSize)
	for i := 0; i < blockSize; i++ {
		ipad[i] = k[i] ^ 0x36
		opad[i] = k[i] ^ 0x5c
	}
	inner, _ := blake2s.New256(nil)
	inner.Write(ipad)
	inner.Write(data)
	innerSum := inner.Sum(nil)

	outer, _ := blake2s.New256(nil)
	outer.Write(opad)
	outer.Write(innerSum)
	var out [32]byte
	copy(out[:], outer.Sum(nil))
	return out
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	putNonce(nonce, s.n)
	s.n++
	ct := aead.Seal(nil, nonce, plaintext, s.h[:])
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	putNonce(nonce, s.n)
	pt, err := aead.Open(nil, nonce, ciphertext, s.h[:])
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, "handshake payload authentication")
	}
	s.n++
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport cipher states. The initiator sends with
// the first key; the responder sends with the second.
func (s *symmetricState) split() (sendInitiator, sendResponder [32]byte) {
	return hkdf2(s.ck[:], nil)
}

// handshakeState drives the XX message pattern for one side.
type handshakeState struct {
	ss *symmetricState

	id *identity.Identity

	ePriv [32]byte // ephemeral
	ePub  [32]byte
	sPriv [32]byte // static (from identity)
	sPub  [32]byte

	rePub [32]byte // remote ephemeral
	rsPub [32]byte // remote static

	initiator bool
}

func newHandshakeState(id *identity.Identity, initiator bool) (*handshakeState, error) {
	hs := &handshakeState{
		ss:        newSymmetricState(),
		id:        id,
		initiator: initiator,
	}
	hs.sPriv, hs.sPub = id.NoiseStatic()

	if _, err := rand.Read(hs.ePriv[:]); err != nil {
		return nil, err
	}
	ePub, err := curve25519.X25519(hs.ePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(hs.ePub[:], ePub)

	// Empty prologue.
	hs.ss.mixHash(nil)
	return hs, nil
}

func (hs *handshakeState) dh(priv, pub [32]byte) error {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return errors.Wrap(ErrHandshakeFailed, "DH")
	}
	hs.ss.mixKey(shared)
	return nil
}

// writeMessage1: → e
func (hs *handshakeState) writeMessage1() []byte {
	hs.ss.mixHash(hs.ePub[:])
	return hs.ePub[:]
}

// readMessage1 consumes → e.
func (hs *handshakeState) readMessage1(msg []byte) error {
	if len(msg) != 32 {
		return errors.Wrap(ErrHandshakeFailed, "message 1 length")
	}
	copy(hs.rePub[:], msg)
	hs.ss.mixHash(hs.rePub[:])
	return nil
}

// writeMessage2: ← e, ee, s, es  + identity payload
func (hs *handshakeState) writeMessage2() ([]byte, error) {
	out := make([]byte, 0, 32+48+128)
	hs.ss.mixHash(hs.ePub[:])
	out = append(out, hs.ePub[:]...)

	if err := hs.dh(hs.ePriv, hs.rePub); err != nil { // ee
		return nil, err
	}

	encS, err := hs.ss.encryptAndHash(hs.sPub[:]) // s
	if err != nil {
		return nil, err
	}
	out = append(out, encS...)

	if err := hs.dh(hs.sPriv, hs.rePub); err != nil { // es (responder: s with re)
		return nil, err
	}

	payload, err := hs.ss.encryptAndHash(hs.id.BindStatic())
	if err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

// readMessage2 consumes ← e, ee, s, es and returns the responder's verified
// peer ID.
func (hs *handshakeState) readMessage2(msg []byte) (peer.ID, error) {
	if len(msg) < 32+32+16 {
		return peer.ID{}, errors.Wrap(ErrHandshakeFailed, "message 2 length")
	}
	copy(hs.rePub[:], msg[:32])
	hs.ss.mixHash(hs.rePub[:])
	msg = msg[32:]

	if err := hs.dh(hs.ePriv, hs.rePub); err != nil { // ee
		return peer.ID{}, err
	}

	encS := msg[:32+16]
	msg = msg[32+16:]
	sPub, err := hs.ss.decryptAndHash(encS)
	if err != nil {
		return peer.ID{}, err
	}
	copy(hs.rsPub[:], sPub)

	if err := hs.dh(hs.ePriv, hs.rsPub); err != nil { // es (initiator: e with rs)
		return peer.ID{}, err
	}

	payload, err := hs.ss.decryptAndHash(msg)
	if err != nil {
		return peer.ID{}, err
	}
	return identity.VerifyBinding(payload, hs.rsPub)
}

// writeMessage3: → s, se  + identity payload
func (hs *handshakeState) writeMessage3() ([]byte, error) {
	encS, err := hs.ss.encryptAndHash(hs.sPub[:]) // s
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), encS...)

	if err := hs.dh(hs.sPriv, hs.rePub); err != nil { // se (initiator: s with re)
		return nil, err
	}

	payload, err := hs.ss.encryptAndHash(hs.id.BindStatic())
	if err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

// readMessage3 consumes → s, se and returns the initiator's verified peer ID.
func (hs *handshakeState) readMessage3(msg []byte) (peer.ID, error) {
	if len(msg) < 32+16 {
		return peer.ID{}, errors.Wrap(ErrHandshakeFailed, "message 3 length")
	}
	encS := msg[:32+16]
	msg = msg[32+16:]
	sPub, err := hs.ss.decryptAndHash(encS)
	if err != nil {
		return peer.ID{}, err
	}
	copy(hs.rsPub[:], sPub)

	if err := hs.dh(hs.ePriv, hs.rsPub); err != nil { // se (responder: e with rs)
		return peer.ID{}, err
	}

	payload, err := hs.ss.decryptAndHash(msg)
	if err != nil {
		return peer.ID{}, err
	}
	return identity.VerifyBinding(payload, hs.rsPub)
}

func putNonce(dst []byte, n uint64) {
	// 96-bit nonce: 4 zero bytes then the counter, little-endian.
	for i := 0; i < 8; i++ {
		dst[4+i] = byte(n >> (8 * i))
	}
}
