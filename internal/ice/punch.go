package ice

import (
	"context"
	"encoding/binary"
	"time"
)

// Hole-punch marker packets create NAT bindings before the session handshake
// is attempted. The marker is recognizable but carries no privilege:
//
//	0xFF 0xFE seq(u16 BE)
//
// The session layer and the base read loop both discard it on receipt.

const (
	punchPacketsPerPair = 3
	punchSpacing        = 20 * time.Millisecond
	punchSettle         = 50 * time.Millisecond
)

func punchMarker(seq uint16) []byte {
	b := make([]byte, 4)
	b[0] = 0xFF
	b[1] = 0xFE
	binary.BigEndian.PutUint16(b[2:], seq)
	return b
}

// PunchAll emits a burst of marker packets for every current pair, from the
// pair's local base to its remote candidate, then allows a brief settle.
func (a *Agent) PunchAll(ctx context.Context) error {
	a.cl.mu.Lock()
	pairs := append([]*CandidatePair(nil), a.cl.pairs...)
	a.cl.mu.Unlock()

	for seq := uint16(0); seq < punchPacketsPerPair; seq++ {
		for _, p := range pairs {
			if p.local.base == nil {
				continue
			}
			if _, err := p.local.base.conn.WriteTo(punchMarker(seq), a.cl.remoteAddrOf(p)); err != nil {
				log.Debug("Punch to %s: %v", p.remote.Address, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(punchSpacing):
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(punchSettle):
	}
	return nil
}
