package dht

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/doublegate/wraith/internal/peer"
)

func testID(b byte) peer.ID {
	var id peer.ID
	id[0] = b
	return id
}

func testEndpoint(port uint16) peer.Endpoint {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func TestBucketIndex(t *testing.T) {
	var self peer.ID

	// Distance 1 (last bit) → bucket 0.
	var one peer.ID
	one[31] = 1
	if i := bucketIndex(self, one); i != 0 {
		t.Errorf("bucketIndex(1) = %d, want 0", i)
	}

	// Top bit set → bucket 255.
	var top peer.ID
	top[0] = 0x80
	if i := bucketIndex(self, top); i != 255 {
		t.Errorf("bucketIndex(msb) = %d, want 255", i)
	}

	// Equal IDs are never bucketed.
	if i := bucketIndex(self, self); i != -1 {
		t.Errorf("bucketIndex(self) = %d, want -1", i)
	}
}

func TestTableUpdateOrdering(t *testing.T) {
	table := NewTable(peer.ID{})

	a, b := testID(0x80), testID(0x81)
	table.Update(a, testEndpoint(1), 0)
	table.Update(b, testEndpoint(2), 0)

	// Both land in bucket 255; a is least recently seen.
	lrs := table.LeastRecentlySeen()
	if len(lrs) != 1 || lrs[0].NodeID != a {
		t.Fatalf("LeastRecentlySeen = %v", lrs)
	}

	// Refreshing a moves it to most-recently-seen.
	table.Update(a, testEndpoint(1), 10*time.Millisecond)
	lrs = table.LeastRecentlySeen()
	if lrs[0].NodeID != b {
		t.Fatalf("after refresh, LRS = %s, want %s", lrs[0].NodeID.Short(), b.Short())
	}

	if rec, ok := table.Lookup(a); !ok || rec.RTTEstimate != 10*time.Millisecond {
		t.Errorf("Lookup(a) = %+v, %v", rec, ok)
	}
}

func TestTableFullBucket(t *testing.T) {
	table := NewTable(peer.ID{})

	// Fill bucket 255 (every ID with the top bit set; these differ only in
	// the last byte).
	var first peer.ID
	for i := 0; i < K; i++ {
		var id peer.ID
		id[0] = 0x80
		id[31] = byte(i)
		if i == 0 {
			first = id
		}
		if stale := table.Update(id, testEndpoint(uint16(i)), 0); stale != nil {
			t.Fatalf("unexpected ping-first before bucket is full")
		}
	}

	// One more: the table must hand back the least-recently-seen occupant
	// instead of inserting.
	var extra peer.ID
	extra[0] = 0x80
	extra[31] = 0xff
	stale := table.Update(extra, testEndpoint(99), 0)
	if stale == nil || stale.NodeID != first {
		t.Fatalf("Update on full bucket: stale = %v, want %s", stale, first.Short())
	}
	if _, ok := table.Lookup(extra); ok {
		t.Error("newcomer inserted into full bucket")
	}

	// After eviction there is room.
	table.Evict(first)
	if stale := table.Update(extra, testEndpoint(99), 0); stale != nil {
		t.Errorf("Update after evict still returned %v", stale)
	}
	if _, ok := table.Lookup(extra); !ok {
		t.Error("newcomer missing after eviction made room")
	}
}

func TestClosestOrdering(t *testing.T) {
	self := peer.ID{}
	table := NewTable(self)
	for i := 1; i <= 8; i++ {
		var id peer.ID
		id[31] = byte(i)
		table.Update(id, testEndpoint(uint16(i)), 0)
	}

	var target peer.ID
	target[31] = 3
	closest := table.Closest(target, 3)
	if len(closest) != 3 {
		t.Fatalf("Closest returned %d nodes", len(closest))
	}
	if closest[0].NodeID[31] != 3 {
		t.Errorf("closest node is %d, want 3", closest[0].NodeID[31])
	}
	// XOR distances from 3: 3^2=1, 3^1=2, so the next two are 2 then 1.
	got := fmt.Sprintf("%d,%d", closest[1].NodeID[31], closest[2].NodeID[31])
	if got != "2,1" {
		t.Errorf("next closest = %s, want 2,1", got)
	}
}
