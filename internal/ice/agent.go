package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/stun"
)

// Config for one agent (one connection attempt).
type Config struct {
	Role        Role
	StunServers []string

	// TurnServers yield relay candidates via Allocate; TurnUsername and
	// TurnPassword are the long-term credentials, when the servers demand
	// them.
	TurnServers  []string
	TurnUsername string
	TurnPassword string

	EnableIPv6 bool

	// RegularNomination disables aggressive nomination: the controlling
	// agent must call Nominate explicitly. Default (false) is aggressive.
	RegularNomination bool
}

// An Agent performs one ICE session. Agents are single-use: a restart means
// constructing a fresh agent with fresh credentials.
type Agent struct {
	cfg        Config
	tieBreaker uint64

	local Credentials

	mu         sync.Mutex
	role       Role
	remote     Credentials
	haveRemote bool
	state      State
	stateCh    chan struct{} // replaced on every state change

	bases            []*Base
	localCandidates  []Candidate
	remoteCandidates []Candidate

	cl checklist

	// OnLocalCandidate, if set before GatherCandidates, receives each local
	// candidate as it is learned (trickle).
	OnLocalCandidate func(Candidate)

	dataIn chan []byte

	stats AgentStats

	ctx    context.Context
	cancel context.CancelFunc

	checksOnce sync.Once
}

// AgentStats is a snapshot of check activity.
type AgentStats struct {
	LocalCandidates  int
	RemoteCandidates int
	Pairs            int
	ChecksSent       int
	ChecksReceived   int
	State            State
	Role             Role
}

// NewAgent creates an agent with fresh credentials and a random tie-breaker.
func NewAgent(cfg Config) *Agent {
	var tb [8]byte
	rand.Read(tb[:])
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        cfg,
		role:       cfg.Role,
		tieBreaker: binary.BigEndian.Uint64(tb[:]),
		local:      NewCredentials(),
		state:      StateNew,
		stateCh:    make(chan struct{}),
		dataIn:     make(chan []byte, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
	a.cl.role = cfg.Role
	return a
}

// LocalCredentials returns the agent's ufrag/pwd for signaling.
func (a *Agent) LocalCredentials() Credentials {
	return a.local
}

// SetRemoteCredentials installs the peer's ufrag/pwd from signaling.
func (a *Agent) SetRemoteCredentials(c Credentials) error {
	if err := c.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.remote = c
	a.haveRemote = true
	a.mu.Unlock()
	return nil
}

// Role returns the current role (it may flip on role conflict).
func (a *Agent) Role() Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

// State returns the current agent state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if a.state == StateClosed || a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	close(a.stateCh)
	a.stateCh = make(chan struct{})
	a.mu.Unlock()
	log.Debug("Agent state: %s", s)
}

func (a *Agent) stateChanged() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateCh
}

// ---------------------------------------------------------------------------
// Gathering

// GatherCandidates opens the bases and collects host and server-reflexive
// candidates concurrently. STUN timeouts are non-fatal: the partial set is
// returned when the gathering deadline passes.
func (a *Agent) GatherCandidates(ctx context.Context) ([]Candidate, error) {
	a.setState(StateGathering)

	bases, err := establishBases(a.cfg.EnableIPv6)
	if err != nil {
		a.setState(StateFailed)
		return nil, err
	}
	a.mu.Lock()
	a.bases = bases
	a.mu.Unlock()

	for _, base := range bases {
		go base.readLoop(a.handleStun, a.dataIn)
	}

	ctx, cancel := context.WithTimeout(ctx, gatherDeadline)
	defer cancel()

	var g errgroup.Group
	// localPref differentiates candidates from different bases.
	for i, base := range bases {
		i, base := i, base
		g.Go(func() error {
			localPref := uint32(65535 - i)
			a.takeCandidate(makeHostCandidate(base, localPref))

			for _, server := range a.cfg.StunServers {
				mapped, err := base.queryStunServer(ctx, server)
				if err != nil {
					log.Debug("STUN gather from %s via %s: %v", base.address, server, err)
					continue
				}
				if mapped == base.address {
					continue // no NAT; srflx would duplicate host
				}
				a.takeCandidate(makeServerReflexiveCandidate(base, mapped, localPref, server))
				break
			}

			for _, server := range a.cfg.TurnServers {
				relayed, err := allocateRelay(ctx, base, server, a.cfg.TurnUsername, a.cfg.TurnPassword)
				if err != nil {
					log.Debug("TURN allocate from %s via %s: %v", base.address, server, err)
					continue
				}
				a.takeCandidate(makeRelayCandidate(base, relayed, localPref, server))
			}
			return nil
		})
	}
	g.Wait()

	a.setState(StateChecking)
	return a.LocalCandidates(), nil
}

func (a *Agent) takeCandidate(c Candidate) {
	a.mu.Lock()
	// Deduplicate against existing locals (srflx equal to another base's
	// host, STUN servers agreeing, etc).
	for _, existing := range a.localCandidates {
		if existing.Address == c.Address {
			a.mu.Unlock()
			return
		}
	}
	a.localCandidates = append(a.localCandidates, c)
	remotes := append([]Candidate(nil), a.remoteCandidates...)
	cb := a.OnLocalCandidate
	a.mu.Unlock()

	a.cl.addPairs([]Candidate{c}, remotes)
	if cb != nil {
		cb(c)
	}
}

// LocalCandidates returns the gathered local candidates.
func (a *Agent) LocalCandidates() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Candidate(nil), a.localCandidates...)
}

// AddRemoteCandidate feeds one remote candidate from signaling (trickle).
func (a *Agent) AddRemoteCandidate(c Candidate) error {
	if c.Component != defaultComponent {
		return errors.Wrapf(ErrInvalidCandidate, "component %d", c.Component)
	}
	a.mu.Lock()
	for _, existing := range a.remoteCandidates {
		if existing.Address == c.Address {
			a.mu.Unlock()
			return nil
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	locals := append([]Candidate(nil), a.localCandidates...)
	a.mu.Unlock()

	a.cl.addPairs(locals, []Candidate{c})
	return nil
}

// ---------------------------------------------------------------------------
// Checks

// StartChecks begins connectivity checking. Requires remote credentials.
func (a *Agent) StartChecks() error {
	a.mu.Lock()
	have := a.haveRemote
	a.mu.Unlock()
	if !have {
		return ErrNoCredentials
	}
	a.checksOnce.Do(func() {
		go a.checkLoop()
	})
	return nil
}

func (a *Agent) checkLoop() {
	ta := time.NewTicker(checkPacing)
	defer ta.Stop()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	deadline := time.NewTimer(overallDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return

		case <-deadline.C:
			if a.State() == StateCompleted {
				continue
			}
			if best := a.cl.bestValid(); best != nil {
				// Succeeded but never nominated (regular mode stall).
				a.setState(StateConnected)
				continue
			}
			log.Warn("ICE deadline elapsed with no valid pair")
			a.setState(StateFailed)
			return

		case <-ta.C:
			if a.State() == StateCompleted {
				continue
			}
			p := a.cl.nextPair()
			if p == nil {
				a.evaluate()
				continue
			}
			if err := a.sendCheck(p, false); err != nil {
				log.Debug("Check send failed for %s: %v", p.id, err)
			}

		case <-keepalive.C:
			// [RFC8445 §11] keepalive on the selected pair.
			a.cl.mu.Lock()
			p := a.cl.selected
			a.cl.mu.Unlock()
			if p != nil && p.local.base != nil {
				p.local.base.sendStun(stun.NewBindingIndication(), a.cl.remoteAddrOf(p), nil)
			}
		}
	}
}

// sendCheck issues one STUN Binding request for the pair. Nominating checks
// carry USE-CANDIDATE.
func (a *Agent) sendCheck(p *CandidatePair, nominating bool) error {
	a.mu.Lock()
	remote := a.remote
	role := a.role
	a.mu.Unlock()

	req := stun.NewBindingRequest("")
	req.AddUsername(checkUsername(remote, a.local))
	req.AddPriority(p.local.peerPriority())
	if role == Controlling {
		req.AddControlling(a.tieBreaker)
		if nominating || !a.cfg.RegularNomination {
			req.AddUseCandidate()
		}
	} else {
		req.AddControlled(a.tieBreaker)
	}
	req.AddMessageIntegrity(remote.Pwd)
	req.AddFingerprint()

	p.state = InProgress
	p.attempts++
	p.lastCheckTime = time.Now()
	a.bumpChecksSent()

	sentAt := time.Now()
	nominatedCheck := role == Controlling && (nominating || !a.cfg.RegularNomination)

	timeout := time.AfterFunc(checkTimeout, func() {
		a.onCheckTimeout(p, req.TransactionID)
	})

	err := p.local.base.sendStun(req, a.cl.remoteAddrOf(p), func(resp *stun.Message, raddr *net.UDPAddr, base *Base) {
		timeout.Stop()
		a.processResponse(p, resp, raddr, sentAt, nominatedCheck)
	})
	if err != nil {
		timeout.Stop()
		p.local.base.forgetTransaction(req.TransactionID)
		p.state = Failed
		a.cl.onFoundationResolved(p.foundation)
		return err
	}
	return nil
}

func (a *Agent) onCheckTimeout(p *CandidatePair, transactionID string) {
	if p.local.base != nil {
		p.local.base.forgetTransaction(transactionID)
	}
	if p.state != InProgress {
		return
	}
	if p.attempts >= maxCheckAttempts {
		log.Debug("%s failed after %d attempts", p.id, p.attempts)
		p.state = Failed
		a.cl.onFoundationResolved(p.foundation)
		a.evaluate()
		return
	}
	// Back to Waiting for the next pacing tick.
	p.state = Waiting
}

func (a *Agent) processResponse(p *CandidatePair, resp *stun.Message, raddr *net.UDPAddr, sentAt time.Time, nominatedCheck bool) {
	if p.state != InProgress {
		log.Debug("Late response for %s ignored", p.id)
		return
	}

	switch resp.Class {
	case stun.ClassSuccessResponse:
		a.mu.Lock()
		remotePwd := a.remote.Pwd
		a.mu.Unlock()
		if !resp.VerifyMessageIntegrity(remotePwd) {
			log.Warn("%s: response failed integrity check", p.id)
			return
		}
		// [RFC8445 §7.2.5.2.1] the response must come from the address the
		// check was sent to.
		if peer.EndpointFromAddr(raddr) != p.remote.Address {
			log.Debug("%s: response from unexpected address %s", p.id, raddr)
			return
		}
		p.state = Succeeded
		p.rtt = time.Since(sentAt)
		if nominatedCheck || p.nominateOnSuccess {
			p.nominated = true
		}
		a.cl.addSucceeded(p)
		a.cl.onFoundationResolved(p.foundation)
		log.Debug("%s succeeded, rtt=%s", p.id, p.rtt)
		a.evaluate()

	case stun.ClassErrorResponse:
		if resp.ErrorCode() == stun.ErrorRoleConflict {
			a.switchRole()
			p.state = Waiting
			a.cl.triggerCheck(p)
			return
		}
		p.state = Failed
		a.cl.onFoundationResolved(p.foundation)
		a.evaluate()
	}
}

// evaluate advances the agent state machine after a check resolves.
func (a *Agent) evaluate() {
	if selected := a.cl.selectNominated(); selected != nil {
		a.setState(StateCompleted)
		return
	}

	done, anySucceeded := a.cl.allResolved()
	switch {
	case anySucceeded:
		// Succeeded pairs but no nomination yet.
		if a.State() == StateChecking {
			a.setState(StateConnected)
		}
	case done:
		a.setState(StateFailed)
	}
}

func (a *Agent) switchRole() {
	a.mu.Lock()
	if a.role == Controlling {
		a.role = Controlled
	} else {
		a.role = Controlling
	}
	role := a.role
	a.mu.Unlock()
	log.Info("Role conflict: switching to %s", role)
	a.cl.setRole(role)
}

// ---------------------------------------------------------------------------
// Inbound checks

// handleStun is the default handler for STUN messages with no registered
// transaction: inbound requests and indications.
func (a *Agent) handleStun(msg *stun.Message, raddr *net.UDPAddr, base *Base) {
	if msg.Method != stun.MethodBinding {
		log.Debug("Unexpected STUN method %#x", msg.Method)
		return
	}
	switch msg.Class {
	case stun.ClassRequest:
		a.handleStunRequest(msg, raddr, base)
	case stun.ClassIndication:
		// Keepalive; nothing to do.
	default:
		log.Debug("Unexpected STUN response from %s: %s", raddr, msg)
	}
}

// [RFC8445 §7.3] Answer an inbound Binding request: verify credentials,
// resolve role conflicts, adopt peer-reflexive candidates, apply nomination,
// and queue a triggered check.
func (a *Agent) handleStunRequest(req *stun.Message, raddr *net.UDPAddr, base *Base) {
	a.mu.Lock()
	local := a.local
	role := a.role
	tieBreaker := a.tieBreaker
	a.mu.Unlock()

	// USERNAME must be "ourUfrag:theirUfrag".
	username := req.Username()
	if n := len(local.UFrag); len(username) <= n+1 || username[:n] != local.UFrag || username[n] != ':' {
		log.Debug("Check with wrong username %q from %s", username, raddr)
		return
	}
	if !req.VerifyMessageIntegrity(local.Pwd) {
		log.Warn("Check from %s failed integrity", raddr)
		return
	}
	a.bumpChecksReceived()

	// [RFC8445 §7.3.1.1] role conflict resolution by tie-breaker.
	if theirTB, ok := req.Controlling(); ok && role == Controlling {
		if tieBreaker >= theirTB {
			resp := stun.NewBindingError(req.TransactionID, stun.ErrorRoleConflict, "Role Conflict")
			base.sendStun(resp, raddr, nil)
			return
		}
		a.switchRole()
	} else if theirTB, ok := req.Controlled(); ok && role == Controlled {
		if tieBreaker >= theirTB {
			a.switchRole()
		} else {
			resp := stun.NewBindingError(req.TransactionID, stun.ErrorRoleConflict, "Role Conflict")
			base.sendStun(resp, raddr, nil)
			return
		}
	}

	from := peer.EndpointFromAddr(raddr)
	p := a.cl.findPair(base, from)
	if p == nil {
		p = a.adoptPeerReflexive(base, from, req.Priority())
	}

	// [RFC8445 §7.3.1.5] USE-CANDIDATE from the controlling agent. Only a
	// pair that has succeeded can become nominated; otherwise remember the
	// nomination for when its own check succeeds.
	if req.HasUseCandidate() && a.Role() == Controlled {
		if p.state == Succeeded {
			p.nominated = true
		} else {
			p.nominateOnSuccess = true
		}
	}

	resp := stun.NewBindingResponse(req.TransactionID, raddr, local.Pwd)
	if err := base.sendStun(resp, raddr, nil); err != nil {
		log.Debug("Failed to answer check from %s: %v", raddr, err)
	}

	a.cl.triggerCheck(p)
	a.evaluate()
}

// [RFC8445 §7.3.1.3-4] a check from an unknown address yields a remote
// peer-reflexive candidate paired with this base's host candidate.
func (a *Agent) adoptPeerReflexive(base *Base, from peer.Endpoint, priority uint32) *CandidatePair {
	remote := makePeerReflexiveCandidate(base, from, priority)
	remote.base = nil
	log.Debug("New peer-reflexive remote %s", remote.Address)

	a.mu.Lock()
	a.remoteCandidates = append(a.remoteCandidates, remote)
	var local *Candidate
	for i := range a.localCandidates {
		if a.localCandidates[i].base == base && a.localCandidates[i].Type == Host {
			local = &a.localCandidates[i]
			break
		}
	}
	a.mu.Unlock()

	if local == nil {
		hc := makeHostCandidate(base, 65535)
		a.takeCandidate(hc)
		local = &hc
	}

	a.cl.addPairs([]Candidate{*local}, []Candidate{remote})
	p := a.cl.findPair(base, from)
	if p == nil {
		// addPairs prunes only redundant pairs, never this fresh one.
		panic("pair missing after peer-reflexive adoption")
	}
	return p
}

// ---------------------------------------------------------------------------
// Nomination and results

// Nominate (regular mode, controlling only) sends a USE-CANDIDATE check on
// the best valid pair of the given foundation group.
func (a *Agent) Nominate(foundation string) error {
	if a.Role() != Controlling {
		return errors.New("only the controlling agent nominates")
	}
	a.cl.mu.Lock()
	var target *CandidatePair
	for _, p := range a.cl.valid {
		if p.state == Succeeded && (foundation == "" || p.foundation == foundation) {
			target = p
			break
		}
	}
	a.cl.mu.Unlock()
	if target == nil {
		return errors.Errorf("no succeeded pair for foundation %q", foundation)
	}
	return a.sendCheck(target, true)
}

// GetNominatedPair returns the selected pair, if any.
func (a *Agent) GetNominatedPair() *CandidatePair {
	a.cl.mu.Lock()
	defer a.cl.mu.Unlock()
	return a.cl.selected
}

// GetBestPair returns the highest-priority succeeded pair.
func (a *Agent) GetBestPair() *CandidatePair {
	return a.cl.bestValid()
}

// WaitForSelected blocks until the agent completes, fails, or ctx ends.
func (a *Agent) WaitForSelected(ctx context.Context) (*CandidatePair, error) {
	for {
		switch a.State() {
		case StateCompleted:
			return a.GetNominatedPair(), nil
		case StateFailed:
			return nil, ErrAllChecksFailed
		case StateClosed:
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ErrTimeout, ctx.Err().Error())
		case <-a.ctx.Done():
			return nil, ErrClosed
		case <-a.stateChanged():
		}
	}
}

// DataConn wraps the selected pair as a net.Conn for the session handshake.
func (a *Agent) DataConn() (net.Conn, error) {
	p := a.GetNominatedPair()
	if p == nil {
		p = a.GetBestPair()
	}
	if p == nil {
		return nil, ErrAllChecksFailed
	}
	return newChannelConn(p.local.base, a.dataIn, peer.UDPAddr(p.remote.Address)), nil
}

// InvalidateBase fails every pair on a base (network change). If the
// selected pair was lost, the agent drops back to Checking rather than
// reporting a completion it can no longer honor.
func (a *Agent) InvalidateBase(base *Base) {
	if a.cl.invalidate(base) {
		log.Warn("Selected pair invalidated; resuming checks")
		a.setState(StateChecking)
	}
	a.evaluate()
}

// Restart returns a fresh agent bound to the same configuration with new
// credentials; this agent is closed.
func (a *Agent) Restart() *Agent {
	cfg := a.cfg
	a.Close()
	return NewAgent(cfg)
}

// Stats snapshots check activity.
func (a *Agent) Stats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cl.mu.Lock()
	pairs := len(a.cl.pairs)
	a.cl.mu.Unlock()
	s := a.stats
	s.LocalCandidates = len(a.localCandidates)
	s.RemoteCandidates = len(a.remoteCandidates)
	s.Pairs = pairs
	s.State = a.state
	s.Role = a.role
	return s
}

func (a *Agent) bumpChecksSent() {
	a.mu.Lock()
	a.stats.ChecksSent++
	a.mu.Unlock()
}

func (a *Agent) bumpChecksReceived() {
	a.mu.Lock()
	a.stats.ChecksReceived++
	a.mu.Unlock()
}

// Close cancels checks and releases every socket.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateClosed
	close(a.stateCh)
	a.stateCh = make(chan struct{})
	bases := a.bases
	a.mu.Unlock()

	a.cancel()
	for _, base := range bases {
		base.close()
	}
}
