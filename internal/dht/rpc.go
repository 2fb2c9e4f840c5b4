package dht

import (
	"crypto/rand"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/packet"
	"github.com/doublegate/wraith/internal/peer"
)

// DHT RPC wire format. Every message is length-prefixed on the wire:
//
//	length   u16      (bytes after this field)
//	request  16 bytes
//	kind     u8
//	sender   32 bytes (peer ID, on every message)
//	payload  kind-specific
//
// Node records serialize as: id (32) | family (4 or 6) | ip (4 or 16) |
// port (u16 BE).

type msgKind uint8

const (
	kindPing msgKind = iota + 1
	kindPong
	kindFindNode
	kindFindNodeResp
	kindStore
	kindStoreResp
	kindGet
	kindGetResp
)

const requestIDSize = 16

// maxValueSize bounds stored values; candidate blobs and peer records are
// far smaller.
const maxValueSize = 8192

var ErrMalformedMessage = errors.New("malformed DHT message")

type requestID [requestIDSize]byte

func newRequestID() (id requestID) {
	rand.Read(id[:])
	return
}

type message struct {
	request requestID
	kind    msgKind

	// Sender identity, present on every message.
	sender peer.ID

	// kindFindNode / kindGet / kindStore
	target peer.ID
	key    [32]byte

	// kindFindNodeResp
	nodes []NodeRecord

	// kindStore / kindGetResp
	value []byte
	ttl   uint32 // seconds

	// kindStoreResp / kindGetResp
	ok bool
}

func (m *message) encode() []byte {
	w := packet.NewWriterSize(4 + requestIDSize + 1 + 64 + len(m.value) + len(m.nodes)*52 + 16)
	w.WriteUint16(0) // patched below
	w.WriteSlice(m.request[:])
	w.WriteByte(byte(m.kind))
	w.WriteSlice(m.sender[:])

	switch m.kind {
	case kindPing, kindPong, kindStoreResp:
		if m.kind == kindStoreResp {
			w.WriteByte(boolByte(m.ok))
		}
	case kindFindNode:
		w.WriteSlice(m.target[:])
	case kindFindNodeResp:
		w.WriteByte(byte(len(m.nodes)))
		for _, n := range m.nodes {
			writeNodeRecord(w, n)
		}
	case kindStore:
		w.WriteSlice(m.key[:])
		w.WriteUint32(m.ttl)
		w.WriteUint16(uint16(len(m.value)))
		w.WriteSlice(m.value)
	case kindGet:
		w.WriteSlice(m.key[:])
	case kindGetResp:
		w.WriteByte(boolByte(m.ok))
		w.WriteUint16(uint16(len(m.value)))
		w.WriteSlice(m.value)
	}

	b := w.Bytes()
	b[0] = byte((len(b) - 2) >> 8)
	b[1] = byte(len(b) - 2)
	return b
}

func decodeMessage(data []byte) (*message, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(2 + requestIDSize + 1 + peer.IDSize); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	length := int(r.ReadUint16())
	if length != r.Remaining() {
		return nil, errors.Wrapf(ErrMalformedMessage, "length %d, have %d", length, r.Remaining())
	}

	m := new(message)
	copy(m.request[:], r.ReadSlice(requestIDSize))
	m.kind = msgKind(r.ReadByte())
	copy(m.sender[:], r.ReadSlice(peer.IDSize))

	switch m.kind {
	case kindPing, kindPong:
	case kindStoreResp:
		if err := r.CheckRemaining(1); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.ok = r.ReadByte() != 0
	case kindFindNode:
		if err := r.CheckRemaining(peer.IDSize); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		copy(m.target[:], r.ReadSlice(peer.IDSize))
	case kindFindNodeResp:
		if err := r.CheckRemaining(1); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		count := int(r.ReadByte())
		for i := 0; i < count; i++ {
			n, err := readNodeRecord(r)
			if err != nil {
				return nil, err
			}
			m.nodes = append(m.nodes, n)
		}
	case kindStore:
		if err := r.CheckRemaining(32 + 4 + 2); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		copy(m.key[:], r.ReadSlice(32))
		m.ttl = r.ReadUint32()
		vlen := int(r.ReadUint16())
		if vlen > maxValueSize || r.Remaining() < vlen {
			return nil, errors.Wrapf(ErrMalformedMessage, "value length %d", vlen)
		}
		m.value = append([]byte(nil), r.ReadSlice(vlen)...)
	case kindGet:
		if err := r.CheckRemaining(32); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		copy(m.key[:], r.ReadSlice(32))
	case kindGetResp:
		if err := r.CheckRemaining(1 + 2); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.ok = r.ReadByte() != 0
		vlen := int(r.ReadUint16())
		if vlen > maxValueSize || r.Remaining() < vlen {
			return nil, errors.Wrapf(ErrMalformedMessage, "value length %d", vlen)
		}
		m.value = append([]byte(nil), r.ReadSlice(vlen)...)
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown kind %d", m.kind)
	}
	return m, nil
}

func writeNodeRecord(w *packet.Writer, n NodeRecord) {
	w.WriteSlice(n.NodeID[:])
	addr := n.Endpoint.Addr().Unmap()
	if addr.Is4() {
		b := addr.As4()
		w.WriteByte(4)
		w.WriteSlice(b[:])
	} else {
		b := addr.As16()
		w.WriteByte(6)
		w.WriteSlice(b[:])
	}
	w.WriteUint16(n.Endpoint.Port())
}

func readNodeRecord(r *packet.Reader) (NodeRecord, error) {
	var n NodeRecord
	if err := r.CheckRemaining(peer.IDSize + 1); err != nil {
		return n, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	copy(n.NodeID[:], r.ReadSlice(peer.IDSize))

	var addr netip.Addr
	switch family := r.ReadByte(); family {
	case 4:
		if err := r.CheckRemaining(4 + 2); err != nil {
			return n, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		addr = netip.AddrFrom4([4]byte(r.ReadSlice(4)))
	case 6:
		if err := r.CheckRemaining(16 + 2); err != nil {
			return n, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		addr = netip.AddrFrom16([16]byte(r.ReadSlice(16)))
	default:
		return n, errors.Wrapf(ErrMalformedMessage, "address family %d", family)
	}
	n.Endpoint = netip.AddrPortFrom(addr, r.ReadUint16())
	return n, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
