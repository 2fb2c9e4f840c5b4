// Package discovery composes the DHT, NAT prober, ICE gathering, and relay
// pool into a single connect-to-peer operation with path selection and
// fallback.
package discovery

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"

	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/nat"
	"github.com/doublegate/wraith/internal/packet"
	"github.com/doublegate/wraith/internal/peer"
)

var log = logging.DefaultLogger.WithTag("discovery")

// A Presence is the record a peer publishes to the DHT: how to reach it.
type Presence struct {
	NatType   nat.Type
	Endpoints []peer.Endpoint // session listener addresses (host + reflexive)
	Relays    []peer.ID       // relays the peer is registered with
}

// presenceTTL bounds how long a stale record survives; records republish at
// half the TTL.
const presenceTTL = 10 * time.Minute

var ErrMalformedPresence = errors.New("malformed presence record")

// PresenceKey is the DHT key a peer's record lives under.
func PresenceKey(id peer.ID) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte("wraith-presence"))
	h.Write(id[:])
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

const presenceVersion = 0x01

func (p *Presence) Marshal() []byte {
	w := packet.NewWriterSize(2 + 1 + len(p.Endpoints)*19 + 1 + len(p.Relays)*32 + 1)
	w.WriteByte(presenceVersion)
	w.WriteByte(byte(p.NatType))
	w.WriteByte(byte(len(p.Endpoints)))
	for _, ep := range p.Endpoints {
		addr := ep.Addr().Unmap()
		if addr.Is4() {
			b := addr.As4()
			w.WriteByte(4)
			w.WriteSlice(b[:])
		} else {
			b := addr.As16()
			w.WriteByte(6)
			w.WriteSlice(b[:])
		}
		w.WriteUint16(ep.Port())
	}
	w.WriteByte(byte(len(p.Relays)))
	for _, r := range p.Relays {
		w.WriteSlice(r[:])
	}
	return w.Bytes()
}

func UnmarshalPresence(data []byte) (*Presence, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(3); err != nil {
		return nil, errors.Wrap(ErrMalformedPresence, err.Error())
	}
	if v := r.ReadByte(); v != presenceVersion {
		return nil, errors.Wrapf(ErrMalformedPresence, "version %#x", v)
	}
	p := &Presence{NatType: nat.Type(r.ReadByte())}

	nEndpoints := int(r.ReadByte())
	for i := 0; i < nEndpoints; i++ {
		if err := r.CheckRemaining(1); err != nil {
			return nil, errors.Wrap(ErrMalformedPresence, err.Error())
		}
		var addr netip.Addr
		switch family := r.ReadByte(); family {
		case 4:
			if err := r.CheckRemaining(4 + 2); err != nil {
				return nil, errors.Wrap(ErrMalformedPresence, err.Error())
			}
			addr = netip.AddrFrom4([4]byte(r.ReadSlice(4)))
		case 6:
			if err := r.CheckRemaining(16 + 2); err != nil {
				return nil, errors.Wrap(ErrMalformedPresence, err.Error())
			}
			addr = netip.AddrFrom16([16]byte(r.ReadSlice(16)))
		default:
			return nil, errors.Wrapf(ErrMalformedPresence, "family %d", family)
		}
		p.Endpoints = append(p.Endpoints, netip.AddrPortFrom(addr, r.ReadUint16()))
	}

	if err := r.CheckRemaining(1); err != nil {
		return nil, errors.Wrap(ErrMalformedPresence, err.Error())
	}
	nRelays := int(r.ReadByte())
	for i := 0; i < nRelays; i++ {
		if err := r.CheckRemaining(32); err != nil {
			return nil, errors.Wrap(ErrMalformedPresence, err.Error())
		}
		var id peer.ID
		copy(id[:], r.ReadSlice(32))
		p.Relays = append(p.Relays, id)
	}
	return p, nil
}
