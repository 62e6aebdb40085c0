package checklist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pionlabs/icecore/candidate"
)

func hostCandidate(ip string, port, component int) *candidate.Candidate {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	return candidate.New(candidate.Host, candidate.UDP, addr, addr, component, "", 65535)
}

func TestBuildPairsPrunesMismatchedComponent(t *testing.T) {
	cl := New(1, Controlling, 100, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1), hostCandidate("10.0.0.1", 1001, 2)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}

	cl.BuildPairs(local, remote)
	require.Len(t, cl.Pairs, 1)
	assert.Equal(t, 1, cl.Pairs[0].Local.ComponentID)
}

func TestBuildPairsPrunesAddressFamilyMismatch(t *testing.T) {
	cl := New(1, Controlling, 1, Regular)
	v4 := hostCandidate("10.0.0.1", 1000, 1)
	v6addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 2000}
	v6 := candidate.New(candidate.Host, candidate.UDP, v6addr, v6addr, 1, "", 65535)

	cl.BuildPairs([]*candidate.Candidate{v4}, []*candidate.Candidate{v6})
	assert.Len(t, cl.Pairs, 0)
}

func TestInitialFreezeStateOneWaitingPerFoundation(t *testing.T) {
	cl := New(1, Controlling, 1, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1), hostCandidate("10.0.0.2", 2001, 1)}

	cl.BuildPairs(local, remote)
	waiting := 0
	for _, p := range cl.Pairs {
		if p.State == candidate.Waiting {
			waiting++
		}
	}
	assert.GreaterOrEqual(t, waiting, 1)
}

func TestOnSuccessUnfreezesSiblingFoundation(t *testing.T) {
	cl := New(1, Controlling, 1, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1), hostCandidate("10.0.0.2", 2001, 1)}
	cl.BuildPairs(local, remote)

	first := cl.Pairs[0]
	first.State = candidate.InProgress
	cl.OnSuccess(first)

	for _, p := range cl.Pairs {
		assert.NotEqual(t, candidate.Frozen, p.State)
	}
}

func TestRoleConflictFlipsOnLosingTiebreaker(t *testing.T) {
	cl := New(1, Controlling, 100, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}
	cl.BuildPairs(local, remote)

	p := cl.Pairs[0]
	cl.RoleConflict(p, 500) // peer tiebreaker beats ours (100)
	assert.Equal(t, Controlled, cl.Role())
	assert.Equal(t, candidate.Waiting, p.State)
}

func TestRoleConflictKeepsRoleOnWinningTiebreaker(t *testing.T) {
	cl := New(1, Controlling, 900, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}
	cl.BuildPairs(local, remote)

	p := cl.Pairs[0]
	cl.RoleConflict(p, 5)
	assert.Equal(t, Controlling, cl.Role())
}

func TestNominateTransitionsToConnected(t *testing.T) {
	cl := New(1, Controlling, 1, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}
	cl.BuildPairs(local, remote)

	var gotState ComponentState
	cl.OnStateChange(func(s ComponentState) { gotState = s })

	p := cl.Pairs[0]
	cl.OnSuccess(p)
	cl.Nominate(p)

	assert.Equal(t, Connected, gotState)
	assert.Equal(t, p, cl.SelectedPair())
	assert.True(t, p.Nominated)
}

func TestAggressiveNominationOnFirstSuccess(t *testing.T) {
	cl := New(1, Controlling, 1, Aggressive)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}
	cl.BuildPairs(local, remote)

	p := cl.Pairs[0]
	cl.OnSuccess(p)

	assert.True(t, p.Nominated)
	assert.Equal(t, p, cl.SelectedPair())
}

func TestFailureTransitionsComponentFailedWhenExhausted(t *testing.T) {
	cl := New(1, Controlling, 1, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}
	cl.BuildPairs(local, remote)

	var gotState ComponentState
	cl.OnStateChange(func(s ComponentState) { gotState = s })

	cl.OnFailure(cl.Pairs[0])
	assert.Equal(t, ComponentFailed, gotState)
}

func TestResetReturnsToDisconnected(t *testing.T) {
	cl := New(1, Controlling, 1, Regular)
	local := []*candidate.Candidate{hostCandidate("10.0.0.1", 1000, 1)}
	remote := []*candidate.Candidate{hostCandidate("10.0.0.2", 2000, 1)}
	cl.BuildPairs(local, remote)
	cl.OnSuccess(cl.Pairs[0])
	cl.Nominate(cl.Pairs[0])

	cl.Reset()
	assert.Equal(t, Disconnected, cl.State())
	assert.Nil(t, cl.SelectedPair())
	assert.Empty(t, cl.Pairs)
}

func TestNewTiebreakerIsNonDeterministic(t *testing.T) {
	a := NewTiebreaker()
	b := NewTiebreaker()
	assert.NotEqual(t, a, b)
}
