package ice

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/packet"
)

// Binary candidate-list serialization for DHT signaling:
//
//	version    0x01
//	count      u8
//	per candidate:
//	  type        u8 (0 host, 1 srflx, 2 relay; prflx never signals)
//	  priority    u32 BE
//	  family      u8 (4 or 6)
//	  ip          4 or 16 bytes
//	  port        u16 BE
//	  foundation  length u8 + bytes

const signalVersion = 0x01

// MarshalCandidates serializes a candidate set for DHT signaling.
// Peer-reflexive candidates are skipped: they exist only as a by-product of
// checks and are never signaled.
func MarshalCandidates(cands []Candidate) ([]byte, error) {
	size := 2
	count := 0
	for _, c := range cands {
		if c.Type == PeerReflexive {
			continue
		}
		size += 1 + 4 + 1 + 16 + 2 + 1 + len(c.Foundation)
		count++
	}
	if count > 255 {
		return nil, errors.Wrap(ErrInvalidCandidate, "too many candidates")
	}

	w := packet.NewWriterSize(size)
	w.WriteByte(signalVersion)
	w.WriteByte(byte(count))
	for _, c := range cands {
		var typ byte
		switch c.Type {
		case Host:
			typ = 0
		case ServerReflexive:
			typ = 1
		case Relay:
			typ = 2
		default:
			continue
		}
		w.WriteByte(typ)
		w.WriteUint32(c.Priority)
		addr := c.Address.Addr().Unmap()
		if addr.Is4() {
			b := addr.As4()
			w.WriteByte(4)
			w.WriteSlice(b[:])
		} else {
			b := addr.As16()
			w.WriteByte(6)
			w.WriteSlice(b[:])
		}
		w.WriteUint16(c.Address.Port())
		if len(c.Foundation) > 255 {
			return nil, errors.Wrap(ErrInvalidCandidate, "foundation too long")
		}
		w.WriteByte(byte(len(c.Foundation)))
		w.WriteString(c.Foundation)
	}
	return w.Bytes(), nil
}

// UnmarshalCandidates parses a signaling blob back into candidates.
func UnmarshalCandidates(data []byte) ([]Candidate, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(2); err != nil {
		return nil, errors.Wrap(ErrInvalidCandidate, err.Error())
	}
	if v := r.ReadByte(); v != signalVersion {
		return nil, errors.Wrapf(ErrInvalidCandidate, "version %#x", v)
	}
	count := int(r.ReadByte())

	cands := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		if err := r.CheckRemaining(1 + 4 + 1); err != nil {
			return nil, errors.Wrap(ErrInvalidCandidate, err.Error())
		}
		var c Candidate
		switch typ := r.ReadByte(); typ {
		case 0:
			c.Type = Host
		case 1:
			c.Type = ServerReflexive
		case 2:
			c.Type = Relay
		default:
			return nil, errors.Wrapf(ErrInvalidCandidate, "type byte %d", typ)
		}
		c.Priority = r.ReadUint32()
		c.Component = defaultComponent

		var addr netip.Addr
		switch family := r.ReadByte(); family {
		case 4:
			if err := r.CheckRemaining(4 + 2 + 1); err != nil {
				return nil, errors.Wrap(ErrInvalidCandidate, err.Error())
			}
			addr = netip.AddrFrom4([4]byte(r.ReadSlice(4)))
		case 6:
			if err := r.CheckRemaining(16 + 2 + 1); err != nil {
				return nil, errors.Wrap(ErrInvalidCandidate, err.Error())
			}
			addr = netip.AddrFrom16([16]byte(r.ReadSlice(16)))
		default:
			return nil, errors.Wrapf(ErrInvalidCandidate, "family byte %d", family)
		}
		c.Address = netip.AddrPortFrom(addr, r.ReadUint16())

		flen := int(r.ReadByte())
		if err := r.CheckRemaining(flen); err != nil {
			return nil, errors.Wrap(ErrInvalidCandidate, err.Error())
		}
		c.Foundation = string(r.ReadSlice(flen))
		cands = append(cands, c)
	}
	if r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrInvalidCandidate, "%d trailing bytes", r.Remaining())
	}
	return cands, nil
}
