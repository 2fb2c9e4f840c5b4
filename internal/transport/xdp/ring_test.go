package xdp

import (
	"testing"
)

func TestRingProductionConsumptionInvariant(t *testing.T) {
	r := newHeapRing(8, addrEntrySize)

	check := func() {
		sum := r.availableForProduction() + r.availableForConsumption()
		if sum != 8 {
			t.Fatalf("production %d + consumption %d != 8",
				r.availableForProduction(), r.availableForConsumption())
		}
	}
	check()

	// Produce 5, consume 3, produce 6 (wraps), consume the rest.
	idx, n := r.prodReserve(5)
	if n != 5 {
		t.Fatalf("prodReserve(5) = %d", n)
	}
	for i := uint32(0); i < n; i++ {
		r.writeAddr(idx+i, uint64(i)*2048)
	}
	r.prodSubmit(n)
	check()

	cidx, cn := r.consPeek(3)
	if cn != 3 {
		t.Fatalf("consPeek(3) = %d", cn)
	}
	for i := uint32(0); i < cn; i++ {
		if got := r.readAddr(cidx + i); got != uint64(i)*2048 {
			t.Errorf("entry %d: got %#x", i, got)
		}
	}
	r.consRelease(cn)
	check()

	if _, n := r.prodReserve(7); n != 6 {
		t.Errorf("prodReserve(7) on ring with 6 free = %d", n)
	}
	idx, n = r.prodReserve(6)
	r.prodSubmit(n)
	check()

	if avail := r.availableForConsumption(); avail != 8 {
		t.Errorf("availableForConsumption = %d, want 8 (full)", avail)
	}
	if _, n := r.prodReserve(1); n != 0 {
		t.Errorf("reserve on full ring = %d, want 0", n)
	}

	cidx, cn = r.consPeek(8)
	r.consRelease(cn)
	check()
	if r.availableForProduction() != 8 {
		t.Errorf("empty ring should have full production capacity")
	}
}

func TestRingIndexWraparound(t *testing.T) {
	r := newHeapRing(4, addrEntrySize)

	// Drive the indices through many cycles; slot addressing must stay
	// within the 4 entries and the invariant must hold.
	for cycle := 0; cycle < 1000; cycle++ {
		idx, n := r.prodReserve(4)
		if n != 4 {
			t.Fatalf("cycle %d: reserve = %d", cycle, n)
		}
		for i := uint32(0); i < n; i++ {
			r.writeAddr(idx+i, uint64(cycle))
		}
		r.prodSubmit(n)

		cidx, cn := r.consPeek(4)
		if cn != 4 {
			t.Fatalf("cycle %d: peek = %d", cycle, cn)
		}
		for i := uint32(0); i < cn; i++ {
			if got := r.readAddr(cidx + i); got != uint64(cycle) {
				t.Fatalf("cycle %d: entry %d = %d", cycle, i, got)
			}
		}
		r.consRelease(cn)
	}
}

func TestDescRing(t *testing.T) {
	r := newHeapRing(4, descEntrySize)

	idx, n := r.prodReserve(2)
	if n != 2 {
		t.Fatalf("prodReserve(2) = %d", n)
	}
	r.writeDesc(idx, Desc{Addr: 4096, Len: 1400})
	r.writeDesc(idx+1, Desc{Addr: 8192, Len: 60})
	r.prodSubmit(2)

	cidx, cn := r.consPeek(2)
	if cn != 2 {
		t.Fatalf("consPeek(2) = %d", cn)
	}
	if d := r.readDesc(cidx); d.Addr != 4096 || d.Len != 1400 {
		t.Errorf("desc 0: %+v", d)
	}
	if d := r.readDesc(cidx + 1); d.Addr != 8192 || d.Len != 60 {
		t.Errorf("desc 1: %+v", d)
	}
	r.consRelease(2)
}
