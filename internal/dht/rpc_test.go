package dht

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	sender := testID(7)
	v4 := netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), 9000)
	v6 := netip.AddrPortFrom(netip.MustParseAddr("2001:db8::2"), 9001)

	msgs := []*message{
		{kind: kindPing, sender: sender},
		{kind: kindPong, sender: sender},
		{kind: kindFindNode, sender: sender, target: testID(9)},
		{kind: kindFindNodeResp, sender: sender, nodes: []NodeRecord{
			{NodeID: testID(1), Endpoint: v4},
			{NodeID: testID(2), Endpoint: v6},
		}},
		{kind: kindStore, sender: sender, key: [32]byte{1, 2, 3}, ttl: 60, value: []byte("hello")},
		{kind: kindStoreResp, sender: sender, ok: true},
		{kind: kindGet, sender: sender, key: [32]byte{4, 5, 6}},
		{kind: kindGetResp, sender: sender, ok: true, value: []byte("world")},
		{kind: kindGetResp, sender: sender, ok: false},
	}

	for _, m := range msgs {
		m.request = newRequestID()
		decoded, err := decodeMessage(m.encode())
		if err != nil {
			t.Fatalf("kind %d: %v", m.kind, err)
		}
		if decoded.kind != m.kind || decoded.request != m.request || decoded.sender != m.sender {
			t.Errorf("kind %d: header mismatch: %+v", m.kind, decoded)
		}
		if decoded.target != m.target || decoded.key != m.key || decoded.ttl != m.ttl || decoded.ok != m.ok {
			t.Errorf("kind %d: field mismatch: %+v", m.kind, decoded)
		}
		if !bytes.Equal(decoded.value, m.value) {
			t.Errorf("kind %d: value mismatch: %q != %q", m.kind, decoded.value, m.value)
		}
		if len(decoded.nodes) != len(m.nodes) {
			t.Fatalf("kind %d: node count %d != %d", m.kind, len(decoded.nodes), len(m.nodes))
		}
		for i := range m.nodes {
			if decoded.nodes[i].NodeID != m.nodes[i].NodeID || decoded.nodes[i].Endpoint != m.nodes[i].Endpoint {
				t.Errorf("kind %d: node %d mismatch: %+v", m.kind, i, decoded.nodes[i])
			}
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := (&message{kind: kindStore, sender: testID(1), request: newRequestID(),
		key: [32]byte{1}, ttl: 30, value: []byte("x")}).encode()

	inputs := [][]byte{
		nil,
		{0, 1, 2},
		valid[:len(valid)-1],                     // truncated
		append([]byte{0xff, 0xff}, valid[2:]...), // lying length
	}
	// Unknown kind.
	bad := append([]byte(nil), valid...)
	bad[2+requestIDSize] = 0x7f
	inputs = append(inputs, bad)

	for i, in := range inputs {
		if m, err := decodeMessage(in); err == nil {
			t.Errorf("input %d: decoded %+v from malformed bytes", i, m)
		}
	}
}
