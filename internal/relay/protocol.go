// Package relay maintains the pool of relay control connections used for
// rendezvous and for the last-resort data path when NAT traversal fails.
//
// Each relay connection is a websocket carrying binary frames:
//
//	kind      u8
//	payload   kind-specific
//
// Registration is challenge/response: the server opens with a nonce, the
// client answers with its peer ID, signing public key, and an Ed25519
// signature over the nonce. After registration, Forward frames carry opaque
// datagrams addressed by destination peer ID; the server turns them into
// Deliver frames tagged with the source peer ID.
package relay

import (
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/packet"
	"github.com/doublegate/wraith/internal/peer"
)

var log = logging.DefaultLogger.WithTag("relay")

type frameKind byte

const (
	frameChallenge  frameKind = 0x01 // server → client: nonce (32)
	frameRegister   frameKind = 0x02 // client → server: peer id, pubkey, signature
	frameRegistered frameKind = 0x03 // server → client: ok (1)
	frameKeepalive  frameKind = 0x04 // either direction
	frameForward    frameKind = 0x05 // client → server: dst id, payload
	frameDeliver    frameKind = 0x06 // server → client: src id, payload
)

const challengeSize = 32

var ErrMalformedFrame = errors.New("malformed relay frame")

type frame struct {
	kind frameKind

	nonce   []byte  // frameChallenge
	peerID  peer.ID // frameRegister / frameForward (dst) / frameDeliver (src)
	pubKey  []byte  // frameRegister
	sig     []byte  // frameRegister
	ok      bool    // frameRegistered
	payload []byte  // frameForward / frameDeliver
}

func (f *frame) encode() []byte {
	w := packet.NewWriterSize(1 + challengeSize + peer.IDSize +
		ed25519.PublicKeySize + ed25519.SignatureSize + len(f.payload) + 4)
	w.WriteByte(byte(f.kind))
	switch f.kind {
	case frameChallenge:
		w.WriteSlice(f.nonce)
	case frameRegister:
		w.WriteSlice(f.peerID[:])
		w.WriteSlice(f.pubKey)
		w.WriteSlice(f.sig)
	case frameRegistered:
		if f.ok {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	case frameKeepalive:
	case frameForward, frameDeliver:
		w.WriteSlice(f.peerID[:])
		w.WriteSlice(f.payload)
	}
	return w.Bytes()
}

// Server-side codec helpers. The production relay daemon lives elsewhere;
// these keep its framing in one place and serve in-process test relays.

// FrameForward is the kind reported by DecodeForward for client → server
// forwarding frames.
const FrameForward = byte(frameForward)

// EncodeChallenge builds the server's opening challenge frame.
func EncodeChallenge(nonce []byte) []byte {
	return (&frame{kind: frameChallenge, nonce: nonce}).encode()
}

// EncodeRegistered builds the server's registration verdict.
func EncodeRegistered(ok bool) []byte {
	return (&frame{kind: frameRegistered, ok: ok}).encode()
}

// EncodeDeliver builds a server → client delivery frame.
func EncodeDeliver(src peer.ID, payload []byte) []byte {
	return (&frame{kind: frameDeliver, peerID: src, payload: payload}).encode()
}

// DecodeRegister parses a client registration frame.
func DecodeRegister(data []byte) (peer.ID, ed25519.PublicKey, []byte, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return peer.ID{}, nil, nil, err
	}
	if f.kind != frameRegister {
		return peer.ID{}, nil, nil, errors.Wrap(ErrMalformedFrame, "not a register frame")
	}
	return f.peerID, ed25519.PublicKey(f.pubKey), f.sig, nil
}

// DecodeForward parses a client frame, returning the destination and
// payload for forwarding frames (kind distinguishes keepalives).
func DecodeForward(data []byte) (peer.ID, []byte, byte, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return peer.ID{}, nil, 0, err
	}
	return f.peerID, f.payload, byte(f.kind), nil
}

func decodeFrame(data []byte) (*frame, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(1); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	f := &frame{kind: frameKind(r.ReadByte())}

	switch f.kind {
	case frameChallenge:
		if err := r.CheckRemaining(challengeSize); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.nonce = append([]byte(nil), r.ReadSlice(challengeSize)...)
	case frameRegister:
		if err := r.CheckRemaining(peer.IDSize + ed25519.PublicKeySize + ed25519.SignatureSize); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		copy(f.peerID[:], r.ReadSlice(peer.IDSize))
		f.pubKey = append([]byte(nil), r.ReadSlice(ed25519.PublicKeySize)...)
		f.sig = append([]byte(nil), r.ReadSlice(ed25519.SignatureSize)...)
	case frameRegistered:
		if err := r.CheckRemaining(1); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.ok = r.ReadByte() != 0
	case frameKeepalive:
	case frameForward, frameDeliver:
		if err := r.CheckRemaining(peer.IDSize); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		copy(f.peerID[:], r.ReadSlice(peer.IDSize))
		f.payload = append([]byte(nil), r.ReadRemaining()...)
	default:
		return nil, errors.Wrapf(ErrMalformedFrame, "unknown kind %#x", byte(f.kind))
	}
	return f, nil
}
