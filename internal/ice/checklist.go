package ice

import (
	"net"
	"sort"
	"sync"

	"github.com/doublegate/wraith/internal/peer"
)

// The Checklist owns candidate pairing, ordering, foundation-gated
// unfreezing, and the triggered-check queue.
type checklist struct {
	mu sync.Mutex

	role Role

	nextPairID int
	pairs      []*CandidatePair

	triggeredQueue []*CandidatePair

	// Pairs that passed a connectivity check.
	valid []*CandidatePair

	// Selected (nominated and succeeded) pair.
	selected *CandidatePair

	// Round-robin cursor over Waiting pairs.
	nextToCheck int
}

// addPairs pairs new local candidates against known remotes (or vice versa),
// then re-sorts, prunes, and unfreezes one pair per new foundation group.
func (cl *checklist) addPairs(locals, remotes []Candidate) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for _, local := range locals {
		for _, remote := range remotes {
			if !canBePaired(local, remote) {
				continue
			}
			p := newCandidatePair(cl.nextPairID, local, remote)
			cl.nextPairID++
			log.Debug("Adding %s", p)
			cl.pairs = append(cl.pairs, p)
		}
	}

	cl.pairs = sortAndPrune(cl.pairs, cl.role)
	cl.unfreezeLocked()
}

// Only candidates of the same component and address family pair up.
func canBePaired(local, remote Candidate) bool {
	return local.Component == remote.Component &&
		local.Address.Addr().Is4() == remote.Address.Addr().Is4()
}

// [RFC8445 §6.1.2.3-4] Sort by pair priority, then prune redundant pairs
// (same remote candidate and same local base as a higher-priority pair).
// Pairs with checks in flight are preserved.
func sortAndPrune(pairs []*CandidatePair, role Role) []*CandidatePair {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].priority(role) > pairs[j].priority(role)
	})

	for i := 0; i < len(pairs); i++ {
		p := pairs[i]
		switch p.state {
		case InProgress, Succeeded, Failed:
			continue
		}
		for j := 0; j < i; j++ {
			if isRedundant(p, pairs[j]) {
				log.Debug("Pruning %s in favor of %s", p.id, pairs[j].id)
				pairs = append(pairs[:i], pairs[i+1:]...)
				i--
				break
			}
		}
	}
	return pairs
}

func isRedundant(p1, p2 *CandidatePair) bool {
	return p1.remote.Address == p2.remote.Address &&
		p1.local.base != nil && p2.local.base != nil &&
		p1.local.base.address == p2.local.base.address
}

// [RFC8445 §6.1.2.6] Initially move only the highest-priority pair of each
// foundation group out of Frozen; the rest wait until that foundation's
// first check resolves.
func (cl *checklist) unfreezeLocked() {
	activeFoundations := map[string]bool{}
	for _, p := range cl.pairs {
		if p.state != Frozen {
			activeFoundations[p.foundation] = true
		}
	}
	for _, p := range cl.pairs {
		if p.state == Frozen && !activeFoundations[p.foundation] {
			p.state = Waiting
			activeFoundations[p.foundation] = true
		}
	}
}

// onFoundationResolved unfreezes the remaining pairs of a foundation after
// its first check concluded.
func (cl *checklist) onFoundationResolved(foundation string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, p := range cl.pairs {
		if p.state == Frozen && p.foundation == foundation {
			p.state = Waiting
		}
	}
}

// nextPair returns the next pair to check: triggered checks first, then
// Waiting pairs in priority order.
func (cl *checklist) nextPair() *CandidatePair {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for len(cl.triggeredQueue) > 0 {
		p := cl.triggeredQueue[0]
		cl.triggeredQueue = cl.triggeredQueue[1:]
		if p.state == Waiting || p.state == Frozen {
			return p
		}
	}

	n := len(cl.pairs)
	for i := 0; i < n; i++ {
		k := (cl.nextToCheck + i) % n
		p := cl.pairs[k]
		if p.state == Waiting {
			cl.nextToCheck = (k + 1) % n
			return p
		}
	}
	return nil
}

// triggerCheck queues a check in response to an inbound request.
func (cl *checklist) triggerCheck(p *CandidatePair) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if p.state == Frozen || p.state == Waiting || p.state == Failed {
		if p.state == Failed {
			// An inbound check proves the path may work after all.
			p.state = Waiting
			p.attempts = 0
		}
		cl.triggeredQueue = append(cl.triggeredQueue, p)
	}
}

// findPair locates the pair matching a base and remote address.
func (cl *checklist) findPair(base *Base, raddr peer.Endpoint) *CandidatePair {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, p := range cl.pairs {
		if p.local.base == base && p.remote.Address == raddr {
			return p
		}
	}
	return nil
}

// addSucceeded records a validated pair.
func (cl *checklist) addSucceeded(p *CandidatePair) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, v := range cl.valid {
		if v == p {
			return
		}
	}
	cl.valid = append(cl.valid, p)
}

// selectNominated promotes the highest-priority valid nominated pair to
// selected, returning it (nil if none).
func (cl *checklist) selectNominated() *CandidatePair {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var best *CandidatePair
	for _, p := range cl.valid {
		if !p.nominated || p.state != Succeeded {
			continue
		}
		if best == nil || p.priority(cl.role) > best.priority(cl.role) {
			best = p
		}
	}
	cl.selected = best
	return best
}

// bestValid returns the highest-priority succeeded pair, nominated or not.
func (cl *checklist) bestValid() *CandidatePair {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var best *CandidatePair
	for _, p := range cl.valid {
		if p.state != Succeeded {
			continue
		}
		if best == nil || p.priority(cl.role) > best.priority(cl.role) {
			best = p
		}
	}
	return best
}

// allResolved reports whether every pair reached a terminal state.
func (cl *checklist) allResolved() (done, anySucceeded bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.pairs) == 0 {
		return false, false
	}
	done = true
	for _, p := range cl.pairs {
		switch p.state {
		case Succeeded:
			anySucceeded = true
		case Failed:
		default:
			done = false
		}
	}
	return done, anySucceeded
}

// invalidate marks every pair using the given local base as failed (network
// change). Returns true if the selected pair was lost.
func (cl *checklist) invalidate(base *Base) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	lostSelected := false
	for _, p := range cl.pairs {
		if p.local.base != base {
			continue
		}
		if cl.selected == p {
			lostSelected = true
			cl.selected = nil
		}
		p.state = Failed
		p.nominated = false
	}
	valid := cl.valid[:0]
	for _, p := range cl.valid {
		if p.state == Succeeded {
			valid = append(valid, p)
		}
	}
	cl.valid = valid
	return lostSelected
}

// setRole updates the role after conflict resolution and re-sorts.
func (cl *checklist) setRole(role Role) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.role = role
	cl.pairs = sortAndPrune(cl.pairs, role)
}

func (cl *checklist) remoteAddrOf(p *CandidatePair) *net.UDPAddr {
	return peer.UDPAddr(p.remote.Address)
}
