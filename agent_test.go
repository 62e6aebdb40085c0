package icecore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/internal/checklist"
	"github.com/pionlabs/icecore/transport"
)

// waitFor polls cond every tick until it returns true or waitFor elapses,
// failing the test otherwise. The facade has no blocking "wait until Ready"
// call (GetStats is a point-in-time snapshot), so every end-to-end test
// below drives the state machine this way rather than sleeping a fixed
// amount.
func waitFor(t *testing.T, waitFor, tick time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(tick)
	}
	require.True(t, cond(), "condition did not become true within %s", waitFor)
}

// pairUp builds a two-host vnet topology and an Agent on each side, per the
// teacher's vnet_test.go createVNetPair pattern.
func pairUp(t *testing.T, cfgA, cfgB AgentConfig) (*Agent, *Agent) {
	t.Helper()
	_, netA, netB, err := transport.NewTestRouterPair("1.2.3.0/24", "1.2.3.1", "1.2.3.2")
	require.NoError(t, err)

	agentA, err := NewAgent(transport.NewVNet(netA), cfgA)
	require.NoError(t, err)
	agentB, err := NewAgent(transport.NewVNet(netB), cfgB)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = agentA.Close()
		_ = agentB.Close()
	})
	return agentA, agentB
}

// gatherAndExchange runs GatherCandidates on both one-component streams,
// then exchanges credentials and host candidates directly (this module has
// no signaling layer in scope, per spec.md's Non-goals).
func gatherAndExchange(t *testing.T, agentA, agentB *Agent, streamA, streamB int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agentA.GatherCandidates(ctx, streamA))
	require.NoError(t, agentB.GatherCandidates(ctx, streamB))

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		a, _ := agentA.GetLocalCandidates(streamA, 1)
		b, _ := agentB.GetLocalCandidates(streamB, 1)
		return len(a) > 0 && len(b) > 0
	})

	ufragA, passA, err := agentA.GetLocalCredentials(streamA)
	require.NoError(t, err)
	ufragB, passB, err := agentB.GetLocalCredentials(streamB)
	require.NoError(t, err)

	require.NoError(t, agentA.SetRemoteCredentials(streamA, ufragB, passB))
	require.NoError(t, agentB.SetRemoteCredentials(streamB, ufragA, passA))

	candsA, err := agentA.GetLocalCandidates(streamA, 1)
	require.NoError(t, err)
	candsB, err := agentB.GetLocalCandidates(streamB, 1)
	require.NoError(t, err)

	require.NoError(t, agentA.SetRemoteCandidates(streamA, 1, candsB))
	require.NoError(t, agentB.SetRemoteCandidates(streamB, 1, candsA))
}

// TestBasicLoopback covers spec.md S1: two agents on a simulated point-to-
// point link, one stream/one component each, no STUN. Both reach Ready with
// one nominated pair, and a Send on one is received byte-for-byte on the
// other.
func TestBasicLoopback(t *testing.T) {
	agentA, agentB := pairUp(t,
		AgentConfig{ControllingMode: true, TaInterval: 5 * time.Millisecond},
		AgentConfig{ControllingMode: false, TaInterval: 5 * time.Millisecond},
	)

	streamA, err := agentA.AddStream(1)
	require.NoError(t, err)
	streamB, err := agentB.AddStream(1)
	require.NoError(t, err)

	gatherAndExchange(t, agentA, agentB, streamA, streamB)

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		sa, _ := agentA.GetStats(streamA, 1)
		sb, _ := agentB.GetStats(streamB, 1)
		return sa.State == checklist.Ready && sb.State == checklist.Ready
	})

	statsA, err := agentA.GetStats(streamA, 1)
	require.NoError(t, err)
	statsB, err := agentB.GetStats(streamB, 1)
	require.NoError(t, err)
	require.NotNil(t, statsA.SelectedPair)
	require.NotNil(t, statsB.SelectedPair)

	recvCh := make(chan []byte, 1)
	require.NoError(t, agentB.AttachRecv(streamB, 1, func(b []byte) {
		recvCh <- append([]byte(nil), b...)
	}))

	payload := []byte("hello across the wire")
	require.NoError(t, agentA.Send(context.Background(), streamA, 1, payload))

	select {
	case got := <-recvCh:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("payload never arrived")
	}
}

// TestRoleConflict covers spec.md S2: both agents start Controlling. After
// the first check exchange, the agent with the smaller tiebreaker flips to
// Controlled, and both eventually reach Ready.
func TestRoleConflict(t *testing.T) {
	agentA, agentB := pairUp(t,
		AgentConfig{ControllingMode: true, TaInterval: 5 * time.Millisecond},
		AgentConfig{ControllingMode: true, TaInterval: 5 * time.Millisecond},
	)

	streamA, err := agentA.AddStream(1)
	require.NoError(t, err)
	streamB, err := agentB.AddStream(1)
	require.NoError(t, err)

	gatherAndExchange(t, agentA, agentB, streamA, streamB)

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		sa, _ := agentA.GetStats(streamA, 1)
		sb, _ := agentB.GetStats(streamB, 1)
		return sa.State == checklist.Ready && sb.State == checklist.Ready
	})

	statsA, err := agentA.GetStats(streamA, 1)
	require.NoError(t, err)
	statsB, err := agentB.GetStats(streamB, 1)
	require.NoError(t, err)

	// Exactly one side must have flipped: both cannot still be Controlling.
	assert.NotEqual(t, statsA.Role, statsB.Role)
}

// TestAggressiveVsRegular covers spec.md S3: one side Aggressive, one
// Regular. Both reach Ready; the Regular (controlling) side nominates
// explicitly via BestSucceededPair, and the Aggressive (controlled) side
// self-nominates on its first successful check.
func TestAggressiveVsRegular(t *testing.T) {
	agentA, agentB := pairUp(t,
		AgentConfig{ControllingMode: true, Nomination: checklist.Regular, TaInterval: 5 * time.Millisecond},
		AgentConfig{ControllingMode: false, Nomination: checklist.Aggressive, TaInterval: 5 * time.Millisecond},
	)

	streamA, err := agentA.AddStream(1)
	require.NoError(t, err)
	streamB, err := agentB.AddStream(1)
	require.NoError(t, err)

	gatherAndExchange(t, agentA, agentB, streamA, streamB)

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		sa, _ := agentA.GetStats(streamA, 1)
		sb, _ := agentB.GetStats(streamB, 1)
		return sa.State == checklist.Ready && sb.State == checklist.Ready
	})

	statsA, err := agentA.GetStats(streamA, 1)
	require.NoError(t, err)
	statsB, err := agentB.GetStats(streamB, 1)
	require.NoError(t, err)
	assert.NotNil(t, statsA.SelectedPair)
	assert.NotNil(t, statsB.SelectedPair)
	assert.True(t, statsA.SelectedPair.Nominated)
	assert.True(t, statsB.SelectedPair.Nominated)
}

// TestCheckFailsAgainstBlackhole covers spec.md S5's failure outcome (the
// retransmission schedule itself — 0, 500, 1000, 2000, 4000, 8000, 16000ms
// then ~39.5s timeout — is verified directly against internal/stun's
// Schedule/Deadline in internal/stun/transaction_test.go's
// TestDeadlineMatchesS5Scenario; reproducing the full 39.5s wait at the
// facade level would make this suite too slow to run routinely). Here a
// single agent is pointed at a synthetic remote candidate nobody is
// listening on, with a short retransmission budget, and the pair must go
// Failed.
func TestCheckFailsAgainstBlackhole(t *testing.T) {
	_, netA, _, err := transport.NewTestRouterPair("1.2.3.0/24", "1.2.3.1", "1.2.3.2")
	require.NoError(t, err)

	agentA, err := NewAgent(transport.NewVNet(netA), AgentConfig{
		ControllingMode:    true,
		TaInterval:         5 * time.Millisecond,
		InitialRTO:         10 * time.Millisecond,
		MaxBindingRequests: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agentA.Close() })

	streamA, err := agentA.AddStream(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agentA.GatherCandidates(ctx, streamA))
	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		cands, _ := agentA.GetLocalCandidates(streamA, 1)
		return len(cands) > 0
	})

	require.NoError(t, agentA.SetRemoteCredentials(streamA, "remu", "remotepasswordremotepassword"))

	blackhole := &net.UDPAddr{IP: net.ParseIP("1.2.3.2"), Port: 9999}
	remote := candidate.New(candidate.Host, candidate.UDP, blackhole, blackhole, 1, "", 65535)
	require.NoError(t, agentA.SetRemoteCandidates(streamA, 1, []*candidate.Candidate{remote}))

	waitFor(t, 3*time.Second, 10*time.Millisecond, func() bool {
		stats, _ := agentA.GetStats(streamA, 1)
		return stats.State == checklist.ComponentFailed
	})
}
