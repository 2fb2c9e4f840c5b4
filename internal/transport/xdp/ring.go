package xdp

import (
	"sync/atomic"
	"unsafe"
)

// A ring is one side of the shared-memory protocol with the kernel. The
// producer and consumer indices live in memory mapped from the kernel and
// are published with acquire/release ordering; entries are either 8-byte
// addresses (fill, completion) or 16-byte descriptors (RX, TX).
//
// Indices grow monotonically and wrap naturally in uint32; slot lookup masks
// with size-1. At every quiescent point,
//
//	availableForProduction + availableForConsumption == size.
type ring struct {
	producer *uint32
	consumer *uint32
	flags    *uint32

	// Base of the entry array.
	desc unsafe.Pointer

	size uint32
	mask uint32

	// Local shadow of the opposite index, refreshed only when the cached
	// view is exhausted, to avoid hammering the shared cache line.
	cachedProd uint32
	cachedCons uint32
}

const (
	addrEntrySize = 8  // fill/completion entries
	descEntrySize = 16 // rx/tx entries
)

// newRing wires a ring over raw pointers into a shared mapping.
func newRing(producer, consumer, flags *uint32, desc unsafe.Pointer, size uint32) *ring {
	return &ring{
		producer: producer,
		consumer: consumer,
		flags:    flags,
		desc:     desc,
		size:     size,
		mask:     size - 1,
	}
}

// newHeapRing builds a ring over process-local memory. Used by tests and by
// the UMEM free bookkeeping; the protocol is identical.
func newHeapRing(size uint32, entrySize int) *ring {
	backing := make([]byte, int(size)*entrySize)
	state := new([3]uint32)
	return newRing(&state[0], &state[1], &state[2], unsafe.Pointer(&backing[0]), size)
}

func (r *ring) loadProducer() uint32 { return atomic.LoadUint32(r.producer) }
func (r *ring) loadConsumer() uint32 { return atomic.LoadUint32(r.consumer) }

// availableForProduction returns how many entries the producer may reserve.
func (r *ring) availableForProduction() uint32 {
	return r.size - (r.loadProducer() - r.loadConsumer())
}

// availableForConsumption returns how many entries the consumer may peek.
func (r *ring) availableForConsumption() uint32 {
	return r.loadProducer() - r.loadConsumer()
}

// prodReserve reserves up to n slots and returns the starting index and the
// count actually reserved (0 if the ring is full). The caller fills the slots
// and then calls prodSubmit with the same count.
func (r *ring) prodReserve(n uint32) (idx uint32, reserved uint32) {
	prod := *r.producer // producer index is written only by us

	free := r.size - (prod - r.cachedCons)
	if free < n {
		r.cachedCons = r.loadConsumer()
		free = r.size - (prod - r.cachedCons)
	}
	if free == 0 {
		return 0, 0
	}
	if n > free {
		n = free
	}
	return prod, n
}

// prodSubmit publishes n filled slots to the consumer side.
func (r *ring) prodSubmit(n uint32) {
	atomic.StoreUint32(r.producer, *r.producer+n)
}

// consPeek returns the starting index and count (up to n) of entries ready
// for consumption. The caller reads the entries and then calls consRelease
// with the same count.
func (r *ring) consPeek(n uint32) (idx uint32, available uint32) {
	cons := *r.consumer // consumer index is written only by us

	avail := r.cachedProd - cons
	if avail < n {
		r.cachedProd = r.loadProducer()
		avail = r.cachedProd - cons
	}
	if avail == 0 {
		return 0, 0
	}
	if n > avail {
		n = avail
	}
	return cons, n
}

// consRelease returns n consumed slots to the producer side.
func (r *ring) consRelease(n uint32) {
	atomic.StoreUint32(r.consumer, *r.consumer+n)
}

// needWakeup reports whether the kernel asked to be woken after production.
func (r *ring) needWakeup() bool {
	if r.flags == nil {
		return true
	}
	return atomic.LoadUint32(r.flags)&xdpRingNeedWakeup != 0
}

const xdpRingNeedWakeup = 1 << 0

// Address entry accessors (fill and completion rings).

func (r *ring) addrAt(idx uint32) *uint64 {
	off := uintptr(idx&r.mask) * addrEntrySize
	return (*uint64)(unsafe.Pointer(uintptr(r.desc) + off))
}

func (r *ring) writeAddr(idx uint32, addr uint64) {
	*r.addrAt(idx) = addr
}

func (r *ring) readAddr(idx uint32) uint64 {
	return *r.addrAt(idx)
}

// Descriptor entry accessors (RX and TX rings).

func (r *ring) descAt(idx uint32) *Desc {
	off := uintptr(idx&r.mask) * descEntrySize
	return (*Desc)(unsafe.Pointer(uintptr(r.desc) + off))
}

func (r *ring) writeDesc(idx uint32, d Desc) {
	*r.descAt(idx) = d
}

func (r *ring) readDesc(idx uint32) Desc {
	return *r.descAt(idx)
}
