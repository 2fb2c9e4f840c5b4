// Package ice implements RFC 8445 Interactive Connectivity Establishment for
// a single component over UDP: candidate gathering, pair prioritization,
// STUN connectivity checks, and nomination, for both the Controlling and
// Controlled roles.
package ice

import (
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

// Role of the agent. The controlling agent (the connection initiator) is
// solely responsible for nomination.
type Role int

const (
	Controlling Role = iota
	Controlled
)

func (r Role) String() string {
	if r == Controlling {
		return "controlling"
	}
	return "controlled"
}

// State of the agent.
type State int

const (
	StateNew State = iota
	StateGathering
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateGathering:
		return "Gathering"
	case StateChecking:
		return "Checking"
	case StateConnected:
		return "Connected"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	// Ta: pacing interval between ordinary connectivity checks.
	checkPacing = 50 * time.Millisecond

	// Per-check timeout before a retransmit attempt.
	checkTimeout = 500 * time.Millisecond

	// Retry budget per pair.
	maxCheckAttempts = 7

	// Overall ICE deadline; RFC 8863 requires at least 39.5 s.
	overallDeadline = 39500 * time.Millisecond

	// Candidate gathering deadline. Timeouts yield the partial set.
	gatherDeadline = 10 * time.Second

	// Keepalive interval on the selected pair.
	keepaliveInterval = 15 * time.Second
)

var (
	ErrTimeout          = errors.New("ICE timed out")
	ErrAllChecksFailed  = errors.New("all connectivity checks failed")
	ErrClosed           = errors.New("ICE agent closed")
	ErrInvalidCandidate = errors.New("invalid candidate")
	ErrNoCredentials    = errors.New("remote credentials not set")
)
