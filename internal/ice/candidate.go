package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"

	"github.com/doublegate/wraith/internal/peer"
)

// CandidateType classifies how a candidate was learned.
type CandidateType int

const (
	Host CandidateType = iota
	ServerReflexive
	PeerReflexive
	Relay
)

func (t CandidateType) String() string {
	switch t {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case PeerReflexive:
		return "prflx"
	case Relay:
		return "relay"
	default:
		return "?"
	}
}

// [RFC8445 §5.1.2.2] type preference values.
func (t CandidateType) preference() uint32 {
	switch t {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	default:
		return 0
	}
}

// A Candidate is one possible transport address for the data stream, local
// or remote.
type Candidate struct {
	Type       CandidateType
	Address    peer.Endpoint
	Priority   uint32
	Foundation string
	Component  uint8

	// Related address: the base for reflexive candidates, the mapped
	// address for relay candidates. Zero when unset.
	Related peer.Endpoint

	// base is the local socket this candidate sends from; nil for remote
	// candidates.
	base *Base
}

const defaultComponent = 1

// [RFC8445 §5.1.2] priority = 2^24·typePref + 2^8·localPref + (256 − component)
func computePriority(t CandidateType, localPref uint32, component uint8) uint32 {
	return t.preference()<<24 + localPref<<8 + (256 - uint32(component))
}

// [RFC8445 §5.1.1.3] The foundation groups candidates sharing a type, base
// address, transport, and STUN/TURN server: a stable hash shortened to eight
// base32 characters.
func computeFoundation(t CandidateType, baseAddr peer.Endpoint, server string) string {
	fingerprint := fmt.Sprintf("%s/udp/%s", t, baseAddr.Addr())
	if server != "" {
		fingerprint += "/" + server
	}
	hash := fnv.New64a()
	hash.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(hash.Sum(nil))[0:8]
}

func makeHostCandidate(base *Base, localPref uint32) Candidate {
	return Candidate{
		Type:       Host,
		Address:    base.address,
		Priority:   computePriority(Host, localPref, defaultComponent),
		Foundation: computeFoundation(Host, base.address, ""),
		Component:  defaultComponent,
		base:       base,
	}
}

func makeServerReflexiveCandidate(base *Base, mapped peer.Endpoint, localPref uint32, server string) Candidate {
	return Candidate{
		Type:       ServerReflexive,
		Address:    mapped,
		Priority:   computePriority(ServerReflexive, localPref, defaultComponent),
		Foundation: computeFoundation(ServerReflexive, base.address, server),
		Component:  defaultComponent,
		Related:    base.address,
		base:       base,
	}
}

func makePeerReflexiveCandidate(base *Base, addr peer.Endpoint, priority uint32) Candidate {
	return Candidate{
		Type:       PeerReflexive,
		Address:    addr,
		Priority:   priority,
		Foundation: computeFoundation(PeerReflexive, addr, ""),
		Component:  defaultComponent,
		base:       base,
	}
}

func makeRelayCandidate(base *Base, relayed peer.Endpoint, localPref uint32, server string) Candidate {
	return Candidate{
		Type:       Relay,
		Address:    relayed,
		Priority:   computePriority(Relay, localPref, defaultComponent),
		Foundation: computeFoundation(Relay, base.address, server),
		Component:  defaultComponent,
		Related:    base.address,
		base:       base,
	}
}

// peerPriority is the PRIORITY attribute value for checks from this
// candidate: its priority as if it were peer-reflexive.
func (c *Candidate) peerPriority() uint32 {
	localPref := (c.Priority >> 8) & 0xffff
	return computePriority(PeerReflexive, localPref, c.Component)
}

func (c Candidate) String() string {
	return c.sdpString()
}
