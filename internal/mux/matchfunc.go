// Package mux classifies packets sharing one datagram socket during
// connection establishment: STUN checks, hole-punch markers, and encrypted
// session frames are told apart by their leading bytes.
package mux

import "encoding/binary"

// A MatchFunc decides whether a packet belongs to an endpoint, by inspecting
// its leading bytes.
type MatchFunc func([]byte) bool

// MatchAll accepts every packet. Use as the lowest-priority catch-all.
func MatchAll(b []byte) bool {
	return true
}

// MatchRange matches packets whose first byte lies in [lower, upper].
func MatchRange(lower, upper byte) MatchFunc {
	return func(b []byte) bool {
		return len(b) > 0 && b[0] >= lower && b[0] <= upper
	}
}

// MatchSTUN matches STUN messages per RFC 7983 demultiplexing: first byte in
// [0, 3] and the magic cookie in place.
func MatchSTUN(b []byte) bool {
	return len(b) >= 8 && b[0] <= 3 && binary.BigEndian.Uint32(b[4:8]) == 0x2112A442
}

// MatchPunch matches hole-punch marker packets (0xFF 0xFE seq ...), which
// exist only to open NAT bindings and never reach the session layer.
func MatchPunch(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xFF && b[1] == 0xFE
}

// MatchSessionFrame matches encrypted session datagrams, which start with
// the session wire version byte.
func MatchSessionFrame(version byte) MatchFunc {
	return func(b []byte) bool {
		return len(b) >= 1 && b[0] == version
	}
}
