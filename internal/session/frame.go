package session

import (
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/packet"
)

// Per-datagram framing. Every session datagram starts with:
//
//	version    u8 = 0x57
//	kind       u8
//	session id 32 bytes (zero during the handshake)
//
// Data frames continue with:
//
//	stream     u8 (control / transfer / media)
//	generation u32 BE (key ratchet generation)
//	nonce      u64 BE
//	ciphertext AEAD over the payload, additional data = header
//
// Close frames carry the same trailer with an empty payload, so teardown is
// authenticated too.

// WireVersion is the first byte of every session datagram.
const WireVersion = 0x57

type frameKind byte

const (
	frameHandshake1 frameKind = 0x01
	frameHandshake2 frameKind = 0x02
	frameHandshake3 frameKind = 0x03
	frameData       frameKind = 0x04
	frameClose      frameKind = 0x05
)

// Stream tags multiplexed over one session.
type Stream byte

const (
	StreamControl  Stream = 0
	StreamTransfer Stream = 1
	StreamMedia    Stream = 2
)

func (s Stream) String() string {
	switch s {
	case StreamControl:
		return "control"
	case StreamTransfer:
		return "transfer"
	case StreamMedia:
		return "media"
	default:
		return "?"
	}
}

const headerSize = 1 + 1 + 32
const dataHeaderSize = headerSize + 1 + 4 + 8

var ErrMalformedFrame = errors.New("malformed session frame")

type wireFrame struct {
	kind      frameKind
	sessionID [32]byte

	stream     Stream
	generation uint64
	nonce      uint64
	body       []byte // handshake message or ciphertext
}

func (f *wireFrame) encode() []byte {
	size := headerSize + len(f.body)
	if f.kind == frameData || f.kind == frameClose {
		size = dataHeaderSize + len(f.body)
	}
	w := packet.NewWriterSize(size)
	w.WriteByte(WireVersion)
	w.WriteByte(byte(f.kind))
	w.WriteSlice(f.sessionID[:])
	if f.kind == frameData || f.kind == frameClose {
		w.WriteByte(byte(f.stream))
		w.WriteUint32(uint32(f.generation))
		w.WriteUint64(f.nonce)
	}
	w.WriteSlice(f.body)
	return w.Bytes()
}

// header returns the authenticated-data prefix of an encoded frame.
func (f *wireFrame) header() []byte {
	full := f.encode()
	if f.kind == frameData || f.kind == frameClose {
		return full[:dataHeaderSize]
	}
	return full[:headerSize]
}

func decodeWireFrame(data []byte) (*wireFrame, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(headerSize); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if v := r.ReadByte(); v != WireVersion {
		return nil, errors.Wrapf(ErrMalformedFrame, "version %#x", v)
	}
	f := &wireFrame{kind: frameKind(r.ReadByte())}
	copy(f.sessionID[:], r.ReadSlice(32))

	switch f.kind {
	case frameHandshake1, frameHandshake2, frameHandshake3:
	case frameData, frameClose:
		if err := r.CheckRemaining(1 + 4 + 8); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.stream = Stream(r.ReadByte())
		f.generation = uint64(r.ReadUint32())
		f.nonce = r.ReadUint64()
	default:
		return nil, errors.Wrapf(ErrMalformedFrame, "kind %#x", byte(f.kind))
	}
	f.body = append([]byte(nil), r.ReadRemaining()...)
	return f, nil
}
