package xdp

import "sync/atomic"

// counters tracks the back-end statistics as atomics; Stats() snapshots them.
type counters struct {
	rxPackets     atomic.Uint64
	txPackets     atomic.Uint64
	rxBytes       atomic.Uint64
	txBytes       atomic.Uint64
	rxRingFull    atomic.Uint64
	txRingFull    atomic.Uint64
	fillRingEmpty atomic.Uint64
	invalidDescs  atomic.Uint64
	completions   atomic.Uint64
	wakeups       atomic.Uint64
}

// Stats is a point-in-time snapshot of the AF_XDP back-end counters.
type Stats struct {
	RxPackets     uint64
	TxPackets     uint64
	RxBytes       uint64
	TxBytes       uint64
	RxRingFull    uint64
	TxRingFull    uint64
	FillRingEmpty uint64
	InvalidDescs  uint64
	Completions   uint64
	Wakeups       uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RxPackets:     c.rxPackets.Load(),
		TxPackets:     c.txPackets.Load(),
		RxBytes:       c.rxBytes.Load(),
		TxBytes:       c.txBytes.Load(),
		RxRingFull:    c.rxRingFull.Load(),
		TxRingFull:    c.txRingFull.Load(),
		FillRingEmpty: c.fillRingEmpty.Load(),
		InvalidDescs:  c.invalidDescs.Load(),
		Completions:   c.completions.Load(),
		Wakeups:       c.wakeups.Load(),
	}
}
