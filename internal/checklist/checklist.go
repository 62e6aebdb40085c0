// Package checklist implements the connectivity check engine: pair
// formation, the Frozen/Waiting/InProgress/Succeeded/Failed state machine,
// Ta-paced ordinary checks, the triggered-check FIFO, role-conflict
// resolution, nomination, and the per-component state machine, grounded on
// the teacher's self-contained pkg/ice/agent.go (ICE-19/RFC5245 path) and
// cross-checked against the vendored pion/ice v2 agent for the modern
// pacing/triggered-check idiom.
package checklist

import (
	"net"
	"sort"
	"sync"

	"github.com/pion/randutil"

	"github.com/pionlabs/icecore/candidate"
)

// ComponentState mirrors the per-component lifecycle named in spec §3/§4.3.
type ComponentState int

const (
	Disconnected ComponentState = iota
	Gathering
	Connecting
	Connected
	Ready
	ComponentFailed
)

func (s ComponentState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Gathering:
		return "gathering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case ComponentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NominationMode selects how the controlling side nominates a pair
// (spec §4.3).
type NominationMode int

const (
	Regular NominationMode = iota
	Aggressive
)

// Role is this side's ICE role, which may flip once on a conflict
// (RFC 5245 §7.2.1.1).
type Role int

const (
	Controlling Role = iota
	Controlled
)

// CheckList owns the pairs for one component and drives them through the
// state machine. It is not safe for concurrent use by multiple goroutines;
// callers serialize access the way the teacher's agent serializes all
// mutation through its run() task queue.
type CheckList struct {
	mu sync.Mutex

	Pairs       []*candidate.Pair
	triggered   []*candidate.Pair
	componentID int

	role           Role
	tiebreaker     uint64
	nomination     NominationMode
	state          ComponentState
	selectedPair   *candidate.Pair
	onStateChange  func(ComponentState)
	onSelectedPair func(*candidate.Pair)
}

// New constructs an empty check list for one component.
func New(componentID int, role Role, tiebreaker uint64, nomination NominationMode) *CheckList {
	return &CheckList{
		componentID: componentID,
		role:        role,
		tiebreaker:  tiebreaker,
		nomination:  nomination,
		state:       Disconnected,
	}
}

// OnStateChange registers the callback fired whenever the component state
// transitions.
func (cl *CheckList) OnStateChange(fn func(ComponentState)) { cl.onStateChange = fn }

// OnSelectedPair registers the callback fired whenever a new pair is
// selected (nominated), matching the facade's new-selected-pair event.
func (cl *CheckList) OnSelectedPair(fn func(*candidate.Pair)) { cl.onSelectedPair = fn }

func (cl *CheckList) setState(s ComponentState) {
	if cl.state == s {
		return
	}
	// Ready -> Connected is only legal in Aggressive mode on a
	// better-priority nominated pair (spec §4.3); all other backward
	// transitions are rejected defensively.
	if cl.state == Ready && s == Connected && cl.nomination != Aggressive {
		return
	}
	cl.state = s
	// Every caller holds cl.mu here; firing synchronously would let a
	// handler re-enter this check list (e.g. to read State()) and
	// deadlock against its own non-reentrant lock. Dispatch on a separate
	// goroutine instead, the same fire-and-forget idiom the facade uses
	// for its own On* handlers.
	if cl.onStateChange != nil {
		handler := cl.onStateChange
		go handler(s)
	}
}

// State returns the current component state.
func (cl *CheckList) State() ComponentState {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.state
}

// Tiebreaker returns this side's 64-bit role tiebreaker, sent in every
// check's ICE-CONTROLLING/ICE-CONTROLLED attribute.
func (cl *CheckList) Tiebreaker() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.tiebreaker
}

// Nomination returns the configured nomination mode (Regular/Aggressive).
func (cl *CheckList) Nomination() NominationMode {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.nomination
}

// Role returns this side's current ICE role.
func (cl *CheckList) Role() Role {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.role
}

// BuildPairs forms the Cartesian product of local × remote candidates
// restricted to this component, pruning incompatible transports/address
// families and replacing server-reflexive locals with their base, per
// spec §4.3 "Pair formation".
func (cl *CheckList) BuildPairs(locals, remotes []*candidate.Candidate) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	type key struct {
		localAddr, remoteAddr string
	}
	best := make(map[key]*candidate.Pair)

	for _, l := range locals {
		if l.ComponentID != cl.componentID {
			continue
		}
		effectiveLocal := l
		for _, r := range remotes {
			if r.ComponentID != cl.componentID {
				continue
			}
			if !compatibleTransport(effectiveLocal.Transport, r.Transport) {
				continue
			}
			if !sameFamily(effectiveLocal.Address, r.Address) {
				continue
			}

			localForPair := effectiveLocal
			if effectiveLocal.Kind == candidate.ServerReflexive {
				localForPair = baseAsCandidate(effectiveLocal)
			}

			g, d := controllingPriority(cl.role, localForPair, r)
			pair := candidate.NewPair(localForPair, r, g, d)

			k := key{localForPair.Address.String(), r.Address.String()}
			if existing, ok := best[k]; !ok || pair.Priority > existing.Priority {
				best[k] = pair
			}
		}
	}

	pairs := make([]*candidate.Pair, 0, len(best))
	for _, p := range best {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Priority > pairs[j].Priority })
	cl.Pairs = pairs

	cl.initializeFreezeState()
}

func baseAsCandidate(c *candidate.Candidate) *candidate.Candidate {
	clone := *c
	clone.Address = c.Base
	clone.Kind = candidate.Host
	return &clone
}

func compatibleTransport(a, b candidate.Transport) bool {
	if a == candidate.UDP || b == candidate.UDP {
		return a == b
	}
	// Any combination of TCP roles may pair (active<->passive, so<->so).
	return true
}

func sameFamily(a, b net.Addr) bool {
	a4 := isV4(a)
	b4 := isV4(b)
	return a4 == b4
}

func isV4(a net.Addr) bool {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP.To4() != nil
	case *net.TCPAddr:
		return v.IP.To4() != nil
	default:
		return true
	}
}

func controllingPriority(role Role, local, remote *candidate.Candidate) (g, d uint32) {
	if role == Controlling {
		return local.Priority, remote.Priority
	}
	return remote.Priority, local.Priority
}

// initializeFreezeState applies RFC 5245 §5.7.4: within each foundation
// group the highest-priority pair is Waiting, the rest Frozen; if no pair
// ends up Waiting, the highest-priority Frozen pair anywhere is unfrozen.
func (cl *CheckList) initializeFreezeState() {
	groups := make(map[string][]*candidate.Pair)
	for _, p := range cl.Pairs {
		p.State = candidate.Frozen
		groups[p.Foundation()] = append(groups[p.Foundation()], p)
	}

	anyWaiting := false
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].Priority > group[j].Priority })
		if len(group) > 0 {
			group[0].State = candidate.Waiting
			anyWaiting = true
		}
	}

	if !anyWaiting && len(cl.Pairs) > 0 {
		cl.Pairs[0].State = candidate.Waiting
	}
}

// NextOrdinaryCheck returns the highest-priority Waiting pair to send an
// ordinary check for, preferring the triggered-check FIFO first (spec
// §4.3 "Ordinary check pacing" / "Triggered checks").
func (cl *CheckList) NextOrdinaryCheck() *candidate.Pair {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if len(cl.triggered) > 0 {
		p := cl.triggered[0]
		cl.triggered = cl.triggered[1:]
		return p
	}

	var best *candidate.Pair
	for _, p := range cl.Pairs {
		if p.State == candidate.Waiting {
			if best == nil || p.Priority > best.Priority {
				best = p
			}
		}
	}
	return best
}

// MarkInProgress transitions a pair to InProgress and records the
// transaction id used for its check.
func (cl *CheckList) MarkInProgress(p *candidate.Pair, txnID [12]byte) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	p.State = candidate.InProgress
	p.TransactionID = txnID
	cl.setState(Connecting)
}

// OnSuccess handles a 200 OK: the pair succeeds, siblings sharing its
// foundation unfreeze, and (if we are controlling in Regular mode) the
// caller should separately call Nominate once ready.
func (cl *CheckList) OnSuccess(p *candidate.Pair) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	p.State = candidate.Succeeded
	cl.unfreezeSiblings(p.Foundation())

	if cl.nomination == Aggressive {
		cl.nominateLocked(p)
	}
}

func (cl *CheckList) unfreezeSiblings(foundation string) {
	for _, p := range cl.Pairs {
		if p.Foundation() == foundation && p.State == candidate.Frozen {
			p.State = candidate.Waiting
		}
	}
}

// OnFailure handles a transaction timeout, ICMP unreachable, or any
// non-487 error response.
func (cl *CheckList) OnFailure(p *candidate.Pair) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	p.State = candidate.Failed

	if cl.allTerminal() && cl.selectedPair == nil {
		cl.setState(ComponentFailed)
	}
}

// FailGathering forces ComponentFailed when candidate gathering itself
// errors out before any pair could be built (spec §4.2 "gathering
// failure").
func (cl *CheckList) FailGathering() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.setState(ComponentFailed)
}

func (cl *CheckList) allTerminal() bool {
	for _, p := range cl.Pairs {
		if p.State != candidate.Failed && p.State != candidate.Succeeded {
			return false
		}
	}
	return true
}

// RoleConflict handles a 487 response: if our tiebreaker loses we flip
// role, then requeue the pair as Waiting to retry with corrected
// attributes (spec §4.3).
func (cl *CheckList) RoleConflict(p *candidate.Pair, peerTiebreaker uint64) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.tiebreaker < peerTiebreaker {
		if cl.role == Controlling {
			cl.role = Controlled
		} else {
			cl.role = Controlling
		}
	}
	p.State = candidate.Waiting
}

// TriggeredCheck handles an incoming Binding request: finds or creates the
// pair for (local socket's candidate, source address), pushes it to the
// front of the triggered-check FIFO if Frozen/Waiting, and if useCandidate
// is set and we are Controlled, nominates it on success (the caller invokes
// Nominate once the 200 OK for this check is sent).
func (cl *CheckList) TriggeredCheck(p *candidate.Pair) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if p.State == candidate.Frozen || p.State == candidate.Waiting {
		p.State = candidate.Waiting
		cl.triggered = append(cl.triggered, p)
	}
}

// Nominate marks a pair nominated and, if this makes the component's first
// nomination, advances Connecting/Connected → state transitions per
// spec §4.3.
func (cl *CheckList) Nominate(p *candidate.Pair) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.nominateLocked(p)
}

func (cl *CheckList) nominateLocked(p *candidate.Pair) {
	wasNominated := cl.selectedPair != nil
	p.Nominated = true

	if cl.selectedPair == nil || p.Priority > cl.selectedPair.Priority {
		cl.selectedPair = p
		if cl.onSelectedPair != nil {
			handler := cl.onSelectedPair
			go handler(p)
		}
	}

	if !wasNominated {
		cl.setState(Connected)
	} else if cl.nomination == Aggressive {
		cl.setState(Connected)
	}
}

// BestSucceededPair returns the highest-priority Succeeded pair, used by
// the controlling side's Regular-mode nomination step.
func (cl *CheckList) BestSucceededPair() *candidate.Pair {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var best *candidate.Pair
	for _, p := range cl.Pairs {
		if p.State == candidate.Succeeded && !p.Nominated {
			if best == nil || p.Priority > best.Priority {
				best = p
			}
		}
	}
	return best
}

// SelectedPair returns the currently nominated pair used for data and
// keepalives, or nil if none yet.
func (cl *CheckList) SelectedPair() *candidate.Pair {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.selectedPair
}

// MarkReady transitions Connected -> Ready once every component of the
// parent stream has a nominated pair; the stream-level coordinator (the
// agent facade) calls this once it observes that condition across all of
// a stream's components.
func (cl *CheckList) MarkReady() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.setState(Ready)
}

// Reset discards all pair/check-list state for an ICE restart (spec §4.3
// "Addition — ICE restart"), returning the component to Disconnected.
func (cl *CheckList) Reset() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.Pairs = nil
	cl.triggered = nil
	cl.selectedPair = nil
	cl.state = Disconnected
	if cl.onStateChange != nil {
		cl.onStateChange(Disconnected)
	}
}

// NewTiebreaker generates a fresh 64-bit ICE-CONTROLLING/ICE-CONTROLLED
// tiebreaker value (RFC 5245 §5.2) using the shared math-random generator.
func NewTiebreaker() uint64 {
	gen := randutil.NewMathRandomGenerator()
	return uint64(gen.Uint32())<<32 | uint64(gen.Uint32())
}
