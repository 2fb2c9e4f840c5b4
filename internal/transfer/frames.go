// Package transfer implements chunked, resumable file transfer on top of a
// session's transfer stream: a bounded in-flight window, per-chunk
// acknowledgements, digest-verified completion, and resume after reconnect.
package transfer

import (
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/packet"
)

var log = logging.DefaultLogger.WithTag("transfer")

// ID is the 32-byte content-bound transfer handle.
type ID [32]byte

// Frame kinds on the transfer stream.
type frameKind byte

const (
	frameOpen    frameKind = 0x01 // sender → receiver
	frameOpenAck frameKind = 0x02 // receiver → sender: resume offset + prefix digest
	frameChunk   frameKind = 0x03
	frameAck     frameKind = 0x04
	frameDone    frameKind = 0x05 // receiver → sender: digest verdict
	frameFail    frameKind = 0x06 // either direction
)

var ErrMalformedFrame = errors.New("malformed transfer frame")

type frame struct {
	kind frameKind
	id   ID

	// frameOpen
	totalBytes uint64
	chunkSize  uint32
	digest     [32]byte
	name       string

	// frameOpenAck
	bytesDone    uint64
	prefixDigest [32]byte

	// frameChunk / frameAck. Chunks larger than a datagram travel as
	// several segments of the same index at increasing offsets.
	index  uint64
	offset uint32
	data   []byte

	// frameDone
	ok bool

	// frameFail
	reason string
}

func (f *frame) encode() []byte {
	w := packet.NewWriterSize(1 + 32 + 8 + 4 + 32 + 2 + len(f.name) + 8 + 32 + 8 + len(f.data) + 2 + len(f.reason) + 1)
	w.WriteByte(byte(f.kind))
	w.WriteSlice(f.id[:])
	switch f.kind {
	case frameOpen:
		w.WriteUint64(f.totalBytes)
		w.WriteUint32(f.chunkSize)
		w.WriteSlice(f.digest[:])
		w.WriteUint16(uint16(len(f.name)))
		w.WriteString(f.name)
	case frameOpenAck:
		w.WriteUint64(f.bytesDone)
		w.WriteSlice(f.prefixDigest[:])
	case frameChunk:
		w.WriteUint64(f.index)
		w.WriteUint32(f.offset)
		w.WriteSlice(f.data)
	case frameAck:
		w.WriteUint64(f.index)
	case frameDone:
		if f.ok {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	case frameFail:
		w.WriteUint16(uint16(len(f.reason)))
		w.WriteString(f.reason)
	}
	return w.Bytes()
}

func decodeFrame(data []byte) (*frame, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(1 + 32); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	f := &frame{kind: frameKind(r.ReadByte())}
	copy(f.id[:], r.ReadSlice(32))

	switch f.kind {
	case frameOpen:
		if err := r.CheckRemaining(8 + 4 + 32 + 2); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.totalBytes = r.ReadUint64()
		f.chunkSize = r.ReadUint32()
		copy(f.digest[:], r.ReadSlice(32))
		nameLen := int(r.ReadUint16())
		if r.Remaining() < nameLen {
			return nil, errors.Wrap(ErrMalformedFrame, "name length")
		}
		f.name = string(r.ReadSlice(nameLen))
	case frameOpenAck:
		if err := r.CheckRemaining(8 + 32); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.bytesDone = r.ReadUint64()
		copy(f.prefixDigest[:], r.ReadSlice(32))
	case frameChunk:
		if err := r.CheckRemaining(8 + 4); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.index = r.ReadUint64()
		f.offset = r.ReadUint32()
		f.data = append([]byte(nil), r.ReadRemaining()...)
	case frameAck:
		if err := r.CheckRemaining(8); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.index = r.ReadUint64()
	case frameDone:
		if err := r.CheckRemaining(1); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.ok = r.ReadByte() != 0
	case frameFail:
		if err := r.CheckRemaining(2); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		reasonLen := int(r.ReadUint16())
		if r.Remaining() < reasonLen {
			return nil, errors.Wrap(ErrMalformedFrame, "reason length")
		}
		f.reason = string(r.ReadSlice(reasonLen))
	default:
		return nil, errors.Wrapf(ErrMalformedFrame, "kind %#x", byte(f.kind))
	}
	return f, nil
}
