// Package icecore implements an ICE agent: candidate gathering over
// STUN/TURN, the connectivity-check state machine, and the per-component
// send/recv data path, exposed through a single Agent facade. The package
// and its subpackages are grounded on the teacher's self-contained
// pkg/ice/agent.go, reworked from a single monolithic type into the
// wire-codec (internal/stun), TURN client (internal/turn), candidate model
// (candidate), check engine (internal/checklist), gatherer (internal/gather),
// and data path (internal/datapath) packages this module is built from.
package icecore

import (
	"time"

	"github.com/pion/logging"

	"github.com/pionlabs/icecore/internal/checklist"
	"github.com/pionlabs/icecore/internal/gather"
)

// CompatibilityProfile selects the wire-level dialect of ICE this agent
// speaks, matching the "compatibility profile" field named in spec §3's
// Agent description.
type CompatibilityProfile int

const (
	CompatibilityRFC5245 CompatibilityProfile = iota
	CompatibilityDraft19
	CompatibilityGoogle
)

// AgentConfig is the ambient configuration surface for an Agent: every
// option named in spec §6 plus the additions SPEC_FULL.md layers on top
// (structured logging, proxy dialing, tunable retransmission).
type AgentConfig struct {
	// Compatibility selects the wire dialect (spec §6 "compatibility").
	// CompatibilityGoogle forces the Binding-request keepalive style
	// (conncheck.go's sendKeepalive) regardless of KeepaliveConncheck,
	// matching the legacy libjingle/draft-ietf-mmusic-ice-19 behavior this
	// profile exists to interoperate with.
	Compatibility CompatibilityProfile

	// ControllingMode is this agent's initial ICE role; it may flip once
	// on a role conflict (spec §6 "controlling-mode").
	ControllingMode bool

	// Nomination selects Regular vs Aggressive nomination (spec §6
	// "nomination-mode").
	Nomination checklist.NominationMode

	// STUNServers and TURNServers are the server endpoints the gatherer
	// uses (spec §6 "stun-server"/"stun-server-port" and TURN equivalents).
	STUNServers []gather.ServerURL
	TURNServers []gather.ServerURL

	// ProxyURL configures a SOCKS5 or HTTP CONNECT proxy the TURN client
	// dials through before running Allocate (spec §6 "proxy-*", realized
	// via golang.org/x/net/proxy at the transport layer).
	ProxyURL string

	// ICETCP enables TCP host-candidate gathering alongside UDP (spec §6
	// "ice-tcp").
	ICETCP bool

	// KeepaliveInterval is the period between selected-pair keepalives
	// (default 25s per spec §4.3).
	KeepaliveInterval time.Duration

	// KeepaliveConncheck sends a full consensus-freshness Binding request
	// on the selected pair instead of a Binding indication (spec §6
	// "keepalive-conncheck", §4.3 "Keepalive"). The Google compatibility
	// profile always behaves this way regardless of this flag.
	KeepaliveConncheck bool

	// TaInterval paces ordinary connectivity checks (spec §4.3, default
	// 20ms).
	TaInterval time.Duration

	// Reliable marks the transport reliable, switching STUN transactions
	// to the single-send/39.5s-timeout path instead of RTO doubling (spec
	// §6 "reliable", §4.6).
	Reliable bool

	// InitialRTO and MaxBindingRequests parameterize the retransmission
	// schedule (spec Design Notes: "expose both as agent options").
	InitialRTO        time.Duration
	MaxBindingRequests int

	// TURNNonceGracePeriod configures how long a stale TURN nonce is
	// tolerated before a fresh challenge is required (Design Notes:
	// nonce verification left underspecified upstream; made configurable
	// here). Zero disables the grace period.
	TURNNonceGracePeriod time.Duration

	// PortRange optionally restricts host-candidate binds; per-stream/
	// per-component overrides are set via Agent.SetPortRange.
	PortRange *gather.PortRange

	// LoggerFactory supplies the structured logger used throughout the
	// agent, mirroring the teacher's LoggerFactory wiring
	// (icegatherer.go, settingengine.go).
	LoggerFactory logging.LoggerFactory

	// Random is the shared RNG hook for transaction ids and credentials;
	// defaults to a crypto-random source when nil.
	Random func([]byte) error
}

// defaults fills in the zero-value fields of a user-supplied config with
// the spec's documented defaults.
func (c *AgentConfig) defaults() {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 25 * time.Second
	}
	if c.TaInterval == 0 {
		c.TaInterval = 20 * time.Millisecond
	}
	if c.InitialRTO == 0 {
		c.InitialRTO = 500 * time.Millisecond
	}
	if c.MaxBindingRequests == 0 {
		c.MaxBindingRequests = 7
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Random == nil {
		c.Random = defaultRandom
	}
}
