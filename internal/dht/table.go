package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/doublegate/wraith/internal/peer"
)

// A NodeRecord is one known remote node.
type NodeRecord struct {
	NodeID      peer.ID
	Endpoint    peer.Endpoint
	LastSeen    time.Time
	RTTEstimate time.Duration
}

// Table is the Kademlia routing table: 256 buckets indexed by the bit length
// of the XOR distance to the local ID, each holding up to K entries in
// least-recently-seen order (index 0 is the least recently seen).
type Table struct {
	self peer.ID

	mu      sync.RWMutex
	buckets [numBuckets][]*NodeRecord
}

func NewTable(self peer.ID) *Table {
	return &Table{self: self}
}

// Update refreshes the record for a node we just heard from. Returns the
// least-recently-seen occupant when the bucket is full and the node is new;
// the caller should ping it and Evict on timeout.
func (t *Table) Update(id peer.ID, ep peer.Endpoint, rtt time.Duration) (pingFirst *NodeRecord) {
	i := bucketIndex(t.self, id)
	if i < 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[i]
	for j, rec := range bucket {
		if rec.NodeID == id {
			rec.Endpoint = ep
			rec.LastSeen = time.Now()
			if rtt > 0 {
				rec.RTTEstimate = rtt
			}
			// Move to most-recently-seen position.
			t.buckets[i] = append(append(bucket[:j], bucket[j+1:]...), rec)
			return nil
		}
	}

	if len(bucket) < K {
		t.buckets[i] = append(bucket, &NodeRecord{
			NodeID:      id,
			Endpoint:    ep,
			LastSeen:    time.Now(),
			RTTEstimate: rtt,
		})
		return nil
	}

	// Bucket full: prefer the existing, long-lived entry. Hand back the
	// least-recently-seen occupant for a liveness probe.
	lrs := *bucket[0]
	return &lrs
}

// Evict removes a node, e.g. after a failed liveness probe.
func (t *Table) Evict(id peer.ID) {
	i := bucketIndex(t.self, id)
	if i < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[i]
	for j, rec := range bucket {
		if rec.NodeID == id {
			t.buckets[i] = append(bucket[:j], bucket[j+1:]...)
			return
		}
	}
}

// Closest returns up to n known nodes closest to target by XOR distance.
func (t *Table) Closest(target peer.ID, n int) []NodeRecord {
	t.mu.RLock()
	all := make([]NodeRecord, 0, 64)
	for i := range t.buckets {
		for _, rec := range t.buckets[i] {
			all = append(all, *rec)
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool {
		return closer(target, all[a].NodeID, all[b].NodeID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Lookup returns the record for a specific node, if known.
func (t *Table) Lookup(id peer.ID) (NodeRecord, bool) {
	i := bucketIndex(t.self, id)
	if i < 0 {
		return NodeRecord{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.buckets[i] {
		if rec.NodeID == id {
			return *rec, true
		}
	}
	return NodeRecord{}, false
}

// LeastRecentlySeen returns the least-recently-seen entry of each non-empty
// bucket, for periodic liveness probing.
func (t *Table) LeastRecentlySeen() []NodeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeRecord, 0, numBuckets)
	for i := range t.buckets {
		if len(t.buckets[i]) > 0 {
			out = append(out, *t.buckets[i][0])
		}
	}
	return out
}

// Size returns the total number of table entries.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i])
	}
	return n
}
