package dht

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/transport"
)

const (
	// Per-RPC timeout and bounded retry count.
	rpcTimeout = 2 * time.Second
	rpcRetries = 2

	// Interval between bucket liveness probes and store sweeps.
	maintenanceInterval = 60 * time.Second

	maxDatagramSize = 9000
)

var (
	ErrNotFound   = errors.New("value not found")
	ErrNoPeers    = errors.New("no reachable DHT peers")
	ErrNodeClosed = errors.New("DHT node closed")
)

// A Node participates in the overlay: it answers RPCs, maintains the routing
// table, and runs iterative lookups.
type Node struct {
	self  peer.ID
	tr    transport.Transport
	table *Table
	store *valueStore

	mu      sync.Mutex
	pending map[requestID]chan *message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNode(self peer.ID, tr transport.Transport) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		self:    self,
		tr:      tr,
		table:   NewTable(self),
		store:   newValueStore(),
		pending: make(map[requestID]chan *message),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the receive loop and the maintenance task.
func (n *Node) Start() {
	go n.readLoop()
	go n.maintenanceLoop()
}

// Bootstrap seeds the routing table by pinging the seed endpoints and then
// looking up our own ID to populate nearby buckets.
func (n *Node) Bootstrap(ctx context.Context, seeds []peer.Endpoint) error {
	reached := 0
	for _, seed := range seeds {
		if _, err := n.pingEndpoint(ctx, seed); err != nil {
			log.Debug("Bootstrap seed %s unreachable: %v", seed, err)
			continue
		}
		reached++
	}
	if reached == 0 && len(seeds) > 0 {
		return ErrNoPeers
	}
	n.IterativeFindNode(ctx, n.self)
	return nil
}

func (n *Node) Close() {
	n.cancel()
	<-n.done
}

// Table exposes the routing table for read access by the discovery manager.
func (n *Node) Table() *Table {
	return n.table
}

// ---------------------------------------------------------------------------
// Receive path

func (n *Node) readLoop() {
	defer close(n.done)
	buf := make([]byte, maxDatagramSize)
	for {
		nr, from, err := n.tr.RecvFrom(buf)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			log.Debug("Read error: %v", err)
			continue
		}
		msg, err := decodeMessage(buf[:nr])
		if err != nil {
			log.Debug("Dropping malformed datagram from %s: %v", from, err)
			continue
		}

		// Any received message refreshes the sender's bucket slot.
		if stale := n.table.Update(msg.sender, from, 0); stale != nil {
			go n.probeStale(*stale, msg.sender, from)
		}

		switch msg.kind {
		case kindPong, kindFindNodeResp, kindStoreResp, kindGetResp:
			n.deliverResponse(msg)
		default:
			n.handleRequest(msg, from)
		}
	}
}

// probeStale pings the least-recently-seen occupant of a full bucket. If it
// answers, the newcomer is dropped (long-lived nodes are preferred); on
// timeout it is evicted and the newcomer takes its slot.
func (n *Node) probeStale(stale NodeRecord, newcomer peer.ID, newcomerEP peer.Endpoint) {
	ctx, cancel := context.WithTimeout(n.ctx, rpcTimeout)
	defer cancel()
	if _, err := n.pingEndpoint(ctx, stale.Endpoint); err != nil {
		n.table.Evict(stale.NodeID)
		n.table.Update(newcomer, newcomerEP, 0)
	}
}

func (n *Node) deliverResponse(msg *message) {
	n.mu.Lock()
	ch, ok := n.pending[msg.request]
	if ok {
		delete(n.pending, msg.request)
	}
	n.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (n *Node) handleRequest(msg *message, from peer.Endpoint) {
	resp := &message{request: msg.request, sender: n.self}
	switch msg.kind {
	case kindPing:
		resp.kind = kindPong
	case kindFindNode:
		resp.kind = kindFindNodeResp
		resp.nodes = n.table.Closest(msg.target, K)
	case kindStore:
		resp.kind = kindStoreResp
		ttl := time.Duration(msg.ttl) * time.Second
		if ttl > 0 {
			n.store.put(msg.key, msg.value, ttl)
			resp.ok = true
		}
	case kindGet:
		resp.kind = kindGetResp
		resp.value, resp.ok = n.store.get(msg.key)
	default:
		return
	}
	if _, err := n.tr.SendTo(resp.encode(), from); err != nil {
		log.Debug("Failed to answer %d from %s: %v", msg.kind, from, err)
	}
}

// ---------------------------------------------------------------------------
// RPC send path

// call sends a request and waits for the matching response, retrying up to
// rpcRetries times.
func (n *Node) call(ctx context.Context, ep peer.Endpoint, req *message) (*message, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= rpcRetries; attempt++ {
		req.request = newRequestID()
		ch := make(chan *message, 1)
		n.mu.Lock()
		n.pending[req.request] = ch
		n.mu.Unlock()

		start := time.Now()
		_, err := n.tr.SendTo(req.encode(), ep)
		if err != nil {
			n.unregister(req.request)
			lastErr = err
			continue
		}

		timer := time.NewTimer(rpcTimeout)
		select {
		case resp := <-ch:
			timer.Stop()
			rtt := time.Since(start)
			n.table.Update(resp.sender, ep, rtt)
			return resp, rtt, nil
		case <-timer.C:
			n.unregister(req.request)
			lastErr = errors.Errorf("rpc timeout to %s", ep)
		case <-ctx.Done():
			timer.Stop()
			n.unregister(req.request)
			return nil, 0, ctx.Err()
		case <-n.ctx.Done():
			timer.Stop()
			n.unregister(req.request)
			return nil, 0, ErrNodeClosed
		}
	}
	return nil, 0, lastErr
}

func (n *Node) unregister(id requestID) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

func (n *Node) pingEndpoint(ctx context.Context, ep peer.Endpoint) (peer.ID, error) {
	resp, _, err := n.call(ctx, ep, &message{kind: kindPing, sender: n.self})
	if err != nil {
		return peer.ID{}, err
	}
	return resp.sender, nil
}

func (n *Node) findNode(ctx context.Context, ep peer.Endpoint, target peer.ID) ([]NodeRecord, error) {
	resp, _, err := n.call(ctx, ep, &message{kind: kindFindNode, sender: n.self, target: target})
	if err != nil {
		return nil, err
	}
	return resp.nodes, nil
}

// ---------------------------------------------------------------------------
// Iterative operations

// IterativeFindNode returns up to K live nodes closest to target, probing
// alpha nodes per round and terminating when a round makes no progress.
func (n *Node) IterativeFindNode(ctx context.Context, target peer.ID) []NodeRecord {
	shortlist := n.table.Closest(target, K)
	queried := map[peer.ID]bool{n.self: true}

	for {
		// Pick the alpha closest unqueried candidates.
		var round []NodeRecord
		for _, rec := range shortlist {
			if !queried[rec.NodeID] {
				round = append(round, rec)
				if len(round) == alpha {
					break
				}
			}
		}
		if len(round) == 0 {
			return shortlist
		}

		type result struct {
			from  peer.ID
			nodes []NodeRecord
			err   error
		}
		results := make(chan result, len(round))
		for _, rec := range round {
			queried[rec.NodeID] = true
			go func(rec NodeRecord) {
				nodes, err := n.findNode(ctx, rec.Endpoint, target)
				results <- result{rec.NodeID, nodes, err}
			}(rec)
		}

		progress := false
		for range round {
			res := <-results
			if res.err != nil {
				// Remove unreachable node from the shortlist.
				shortlist = removeNode(shortlist, res.from)
				continue
			}
			for _, cand := range res.nodes {
				if cand.NodeID == n.self || containsNode(shortlist, cand.NodeID) {
					continue
				}
				shortlist = append(shortlist, cand)
				progress = true
			}
		}
		if ctx.Err() != nil {
			return sortClosest(shortlist, target)
		}

		shortlist = sortClosest(shortlist, target)
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		if !progress {
			return shortlist
		}
	}
}

// Store inserts the value locally and fans out to the K closest live nodes.
func (n *Node) Store(ctx context.Context, key [32]byte, value []byte, ttl time.Duration) error {
	if len(value) > maxValueSize {
		return errors.Errorf("value too large: %d bytes", len(value))
	}
	n.store.put(key, value, ttl)

	targets := n.IterativeFindNode(ctx, peer.ID(key))
	if len(targets) == 0 {
		return nil // single-node overlay; the local store suffices
	}

	req := &message{
		kind:   kindStore,
		sender: n.self,
		key:    key,
		value:  value,
		ttl:    uint32(ttl / time.Second),
	}
	var wg sync.WaitGroup
	for _, rec := range targets {
		wg.Add(1)
		go func(ep peer.Endpoint) {
			defer wg.Done()
			if _, _, err := n.call(ctx, ep, req); err != nil {
				log.Debug("STORE to %s failed: %v", ep, err)
			}
		}(rec.Endpoint)
	}
	wg.Wait()
	return ctx.Err()
}

// Get returns the value for key from the local store or, failing that, by
// iterative lookup: once IterativeFindNode settles, the nodes it returned are
// asked in order of distance and the first that holds the value answers.
// Nodes contacted only in earlier lookup rounds are not asked for the value.
func (n *Node) Get(ctx context.Context, key [32]byte) ([]byte, error) {
	if v, ok := n.store.get(key); ok {
		return v, nil
	}

	candidates := n.IterativeFindNode(ctx, peer.ID(key))
	req := &message{kind: kindGet, sender: n.self, key: key}
	for _, rec := range candidates {
		resp, _, err := n.call(ctx, rec.Endpoint, req)
		if err != nil {
			continue
		}
		if resp.ok {
			return resp.value, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// ---------------------------------------------------------------------------
// Maintenance

func (n *Node) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if evicted := n.store.sweep(); evicted > 0 {
				log.Debug("Swept %d expired values", evicted)
			}
			for _, rec := range n.table.LeastRecentlySeen() {
				rec := rec
				go func() {
					ctx, cancel := context.WithTimeout(n.ctx, rpcTimeout)
					defer cancel()
					if _, err := n.pingEndpoint(ctx, rec.Endpoint); err != nil {
						log.Debug("Evicting unresponsive node %s", rec.NodeID.Short())
						n.table.Evict(rec.NodeID)
					}
				}()
			}
		}
	}
}

func sortClosest(nodes []NodeRecord, target peer.ID) []NodeRecord {
	out := append([]NodeRecord(nil), nodes...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && closer(target, out[j].NodeID, out[j-1].NodeID); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func removeNode(nodes []NodeRecord, id peer.ID) []NodeRecord {
	for i, rec := range nodes {
		if rec.NodeID == id {
			return append(nodes[:i], nodes[i+1:]...)
		}
	}
	return nodes
}

func containsNode(nodes []NodeRecord, id peer.ID) bool {
	for _, rec := range nodes {
		if rec.NodeID == id {
			return true
		}
	}
	return false
}
