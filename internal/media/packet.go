package media

import (
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/packet"
)

// A Packet is one encoded media frame on the wire. Sequence numbers are
// monotonic per direction per call; gaps imply loss.
type Packet struct {
	CallID      [32]byte
	Sequence    uint32
	TimestampUS uint64
	IsKeyframe  bool
	CodecTag    uint8
	Payload     []byte
}

var ErrMalformedPacket = errors.New("malformed media packet")

const packetHeaderSize = 32 + 4 + 8 + 1 + 1

// Marshal serializes the packet for the session's media stream.
func (p *Packet) Marshal() []byte {
	w := packet.NewWriterSize(packetHeaderSize + len(p.Payload))
	w.WriteSlice(p.CallID[:])
	w.WriteUint32(p.Sequence)
	w.WriteUint64(p.TimestampUS)
	if p.IsKeyframe {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteByte(p.CodecTag)
	w.WriteSlice(p.Payload)
	return w.Bytes()
}

// UnmarshalPacket parses a media-stream datagram.
func UnmarshalPacket(data []byte) (*Packet, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(packetHeaderSize); err != nil {
		return nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}
	p := new(Packet)
	copy(p.CallID[:], r.ReadSlice(32))
	p.Sequence = r.ReadUint32()
	p.TimestampUS = r.ReadUint64()
	p.IsKeyframe = r.ReadByte() != 0
	p.CodecTag = r.ReadByte()
	p.Payload = append([]byte(nil), r.ReadRemaining()...)
	return p, nil
}
