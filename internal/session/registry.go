package session

import (
	"sync"
	"time"

	"github.com/doublegate/wraith/internal/peer"
)

// defaultIdleTimeout closes sessions with no traffic in either direction.
const defaultIdleTimeout = 5 * time.Minute

// The Registry holds at most one established session per remote peer and
// enforces the idle timeout.
type Registry struct {
	local peer.ID

	mu       sync.RWMutex
	sessions map[peer.ID]*Session

	idleTimeout time.Duration
	stopSweeper chan struct{}
	sweeperDone chan struct{}
}

func NewRegistry(local peer.ID) *Registry {
	r := &Registry{
		local:       local,
		sessions:    make(map[peer.ID]*Session),
		idleTimeout: defaultIdleTimeout,
		stopSweeper: make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
	go r.sweep()
	return r
}

// SetIdleTimeout overrides the idle threshold (0 disables).
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.mu.Lock()
	r.idleTimeout = d
	r.mu.Unlock()
}

// Add registers a session, collapsing duplicate concurrent establishments
// deterministically: when two sessions to the same peer exist, both sides
// keep the one initiated by the peer with the smaller ID. Returns the
// surviving session; the loser is closed.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	existing, ok := r.sessions[s.peerID]
	if !ok {
		s.onClose = r.remove
		r.sessions[s.peerID] = s
		r.mu.Unlock()
		return s
	}

	keepNew := r.keepInCollapse(s, existing)
	var winner, loser *Session
	if keepNew {
		winner, loser = s, existing
		loser.onClose = nil
		winner.onClose = r.remove
		r.sessions[s.peerID] = winner
	} else {
		winner, loser = existing, s
	}
	r.mu.Unlock()

	log.Info("Collapsing duplicate session with %s: keeping %x", s.peerID.Short(), winner.id[:4])
	loser.Close()
	return winner
}

// keepInCollapse decides whether the new session survives: the session
// whose initiator has the smaller peer ID wins; ties (same direction twice)
// keep the newest.
func (r *Registry) keepInCollapse(newer, older *Session) bool {
	smallerIsLocal := r.local.Less(newer.peerID)
	newerInitiatorIsSmaller := newer.initiatedLocally == smallerIsLocal
	olderInitiatorIsSmaller := older.initiatedLocally == smallerIsLocal
	if newerInitiatorIsSmaller == olderInitiatorIsSmaller {
		return true
	}
	return newerInitiatorIsSmaller
}

// Lookup returns the established session for a peer.
func (r *Registry) Lookup(id peer.ID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.peerID] == s {
		delete(r.sessions, s.peerID)
	}
	r.mu.Unlock()
}

func (r *Registry) sweep() {
	defer close(r.sweeperDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweeper:
			return
		case <-ticker.C:
			r.mu.RLock()
			timeout := r.idleTimeout
			idle := make([]*Session, 0)
			for _, s := range r.sessions {
				if timeout > 0 && time.Since(s.LastActivity()) > timeout {
					idle = append(idle, s)
				}
			}
			r.mu.RUnlock()
			for _, s := range idle {
				log.Info("Closing idle session with %s", s.peerID.Short())
				s.Close()
			}
		}
	}
}

// Close tears down every session and stops the sweeper.
func (r *Registry) Close() {
	close(r.stopSweeper)
	<-r.sweeperDone
	for _, s := range r.All() {
		s.Close()
	}
}
