package icecore

import (
	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/internal/checklist"
)

// OnCandidateGatheringDone registers the callback fired once every
// component of a gathering call has finished (spec §4.5 "events").
func (a *Agent) OnCandidateGatheringDone(fn func(streamID int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCandidateGatheringDone = fn
}

// OnNewCandidate registers the callback fired as each local candidate is
// discovered during gathering.
func (a *Agent) OnNewCandidate(fn func(streamID, componentID int, c *candidate.Candidate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNewCandidate = fn
}

// OnComponentStateChange registers the callback fired on every component
// state-machine transition (spec §4.3).
func (a *Agent) OnComponentStateChange(fn func(streamID, componentID int, state checklist.ComponentState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onComponentStateChanged = fn
}

// OnNewSelectedPair registers the callback fired when a component
// nominates (selects) a candidate pair.
func (a *Agent) OnNewSelectedPair(fn func(streamID, componentID int, localFoundation, remoteFoundation string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNewSelectedPair = fn
}

// OnReliableTransportWritable registers the callback fired when a
// reliable (e.g. TCP) selected pair transitions from blocked to
// writable (SPEC_FULL.md §4.5 addition, mirrors the teacher's
// dataChannel bufferedAmountLowThreshold idiom).
func (a *Agent) OnReliableTransportWritable(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReliableTransportWritable = fn
}

// fireComponentStateChanged dispatches the registered state-change
// handler, if any. It is always called synchronously from a checklist
// callback that is itself already running on the agent's dispatch
// goroutine (via a.do), so it must not re-enter a.do — doing so would
// deadlock the single task-processing goroutine against itself. The
// user-supplied handler still runs on its own goroutine so a slow handler
// can never block the dispatch loop.
func (a *Agent) fireComponentStateChanged(streamID, componentID int, state checklist.ComponentState) {
	a.mu.Lock()
	handler := a.onComponentStateChanged
	a.mu.Unlock()
	if handler != nil {
		go handler(streamID, componentID, state)
	}
}

// fireNewSelectedPair dispatches the registered selected-pair handler, if
// any. Same re-entrancy rule as fireComponentStateChanged applies.
func (a *Agent) fireNewSelectedPair(streamID, componentID int, p *candidate.Pair) {
	a.mu.Lock()
	handler := a.onNewSelectedPair
	a.mu.Unlock()
	if handler == nil {
		return
	}
	localFoundation, remoteFoundation := "", ""
	if p != nil {
		localFoundation = p.Local.Foundation
		remoteFoundation = p.Remote.Foundation
	}
	go handler(streamID, componentID, localFoundation, remoteFoundation)
}
