package ice

import (
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func mkCandidate(t CandidateType, addr string, priority uint32) Candidate {
	return Candidate{
		Type:       t,
		Address:    netip.MustParseAddrPort(addr),
		Priority:   priority,
		Foundation: computeFoundation(t, netip.MustParseAddrPort(addr), ""),
		Component:  1,
	}
}

func TestComputePriority(t *testing.T) {
	// 2^24·typePref + 2^8·localPref + (256 − component)
	assert.Equal(t, uint32(126<<24+65535<<8+255), computePriority(Host, 65535, 1))
	assert.Equal(t, uint32(100<<24+65535<<8+255), computePriority(ServerReflexive, 65535, 1))
	assert.Equal(t, uint32(110<<24+65535<<8+255), computePriority(PeerReflexive, 65535, 1))
	assert.Equal(t, uint32(0<<24+65535<<8+255), computePriority(Relay, 65535, 1))

	// Host always outranks srflx which outranks relay.
	assert.Greater(t, computePriority(Host, 0, 1), computePriority(ServerReflexive, 65535, 1))
	assert.Greater(t, computePriority(ServerReflexive, 0, 1), computePriority(Relay, 65535, 1))
}

func TestFoundationStability(t *testing.T) {
	a1 := netip.MustParseAddrPort("10.0.0.1:1000")
	a2 := netip.MustParseAddrPort("10.0.0.1:2000") // same IP, different port
	b := netip.MustParseAddrPort("10.0.0.2:1000")

	// Foundation depends on (type, base IP, server), not the port.
	assert.Equal(t, computeFoundation(Host, a1, ""), computeFoundation(Host, a2, ""))
	assert.NotEqual(t, computeFoundation(Host, a1, ""), computeFoundation(Host, b, ""))
	assert.NotEqual(t, computeFoundation(Host, a1, ""), computeFoundation(ServerReflexive, a1, ""))
	assert.NotEqual(t,
		computeFoundation(ServerReflexive, a1, "stun1.example.net:3478"),
		computeFoundation(ServerReflexive, a1, "stun2.example.net:3478"))
	assert.Len(t, computeFoundation(Host, a1, ""), 8)
}

func TestCandidateSDPRoundTrip(t *testing.T) {
	cands := []Candidate{
		mkCandidate(Host, "192.0.2.5:40000", 2130706431),
		mkCandidate(ServerReflexive, "203.0.113.9:51000", 1694498815),
		mkCandidate(Relay, "198.51.100.3:3478", 16777215),
		mkCandidate(Host, "[2001:db8::7]:9000", 2130706175),
	}
	cands[1].Related = netip.MustParseAddrPort("10.1.2.3:40000")

	for _, c := range cands {
		parsed, err := ParseCandidateSDP(c.sdpString())
		if err != nil {
			t.Fatalf("%s: %v", c.sdpString(), err)
		}
		assert.Equal(t, c.Type, parsed.Type)
		assert.Equal(t, c.Address, parsed.Address)
		assert.Equal(t, c.Priority, parsed.Priority)
		assert.Equal(t, c.Foundation, parsed.Foundation)
		assert.Equal(t, c.Component, parsed.Component)
		assert.Equal(t, c.Related, parsed.Related)
	}
}

func TestParseCandidateSDPMalformed(t *testing.T) {
	inputs := []string{
		"",
		"candidate:",
		"notacandidate:abc 1 udp 1 1.2.3.4 5 typ host",
		"candidate:abc 1 udp 1 1.2.3.4 5 host",           // missing typ
		"candidate:abc 1 tcp 1 1.2.3.4 5 typ host",       // transport
		"candidate:abc 0 udp 1 1.2.3.4 5 typ host",       // component range
		"candidate:abc 1 udp 1 1.2.3.4 5 typ bogus",      // type
		"candidate:abc 1 udp 1 bad-ip 5 typ host",        // address
		"candidate:abc 1 udp 1 1.2.3.4 5 typ host raddr", // unmatched attr
	}
	for _, in := range inputs {
		if _, err := ParseCandidateSDP(in); !errors.Is(err, ErrInvalidCandidate) {
			t.Errorf("ParseCandidateSDP(%q) = %v, want ErrInvalidCandidate", in, err)
		}
	}
}

func TestBinaryCandidateRoundTrip(t *testing.T) {
	cands := []Candidate{
		mkCandidate(Host, "192.0.2.5:40000", 2130706431),
		mkCandidate(ServerReflexive, "203.0.113.9:51000", 1694498815),
		mkCandidate(Relay, "[2001:db8::9]:3478", 16777215),
	}

	blob, err := MarshalCandidates(cands)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, byte(signalVersion), blob[0])
	assert.Equal(t, byte(3), blob[1])

	parsed, err := UnmarshalCandidates(blob)
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, parsed, 3) {
		for i := range cands {
			assert.Equal(t, cands[i].Type, parsed[i].Type)
			assert.Equal(t, cands[i].Address, parsed[i].Address)
			assert.Equal(t, cands[i].Priority, parsed[i].Priority)
			assert.Equal(t, cands[i].Foundation, parsed[i].Foundation)
		}
	}
}

func TestBinaryCandidateSkipsPeerReflexive(t *testing.T) {
	cands := []Candidate{
		mkCandidate(Host, "192.0.2.5:40000", 100),
		mkCandidate(PeerReflexive, "203.0.113.9:51000", 200),
	}
	blob, err := MarshalCandidates(cands)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := UnmarshalCandidates(blob)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, parsed, 1)
	assert.Equal(t, Host, parsed[0].Type)
}

func TestBinaryCandidateMalformed(t *testing.T) {
	valid, _ := MarshalCandidates([]Candidate{mkCandidate(Host, "192.0.2.5:40000", 100)})

	inputs := [][]byte{
		nil,
		{0x02, 0x00},         // wrong version
		{0x01, 0x01},         // count promises more data
		valid[:len(valid)-1], // truncated
		append(append([]byte(nil), valid...), 0xFF), // trailing bytes
	}
	for i, in := range inputs {
		if _, err := UnmarshalCandidates(in); !errors.Is(err, ErrInvalidCandidate) {
			t.Errorf("input %d: err = %v, want ErrInvalidCandidate", i, err)
		}
	}
}
