// Package candidate implements the ICE candidate model: the 7-tuple type,
// RFC 5245 §4.1.2.1 priority/foundation computation, and candidate pairs
// with their combined-priority formula, grounded on the teacher's
// pkg/ice/candidate.go and candidatepair.go.
package candidate

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Kind is the candidate type (RFC 5245 §4.1.1).
type Kind int

const (
	Host Kind = iota
	ServerReflexive
	PeerReflexive
	Relayed
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case PeerReflexive:
		return "prflx"
	case Relayed:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference returns the RFC 5245 §4.1.2.1 type preference used in the
// priority formula.
func (k Kind) typePreference() uint32 {
	switch k {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	case Relayed:
		return 0
	default:
		return 0
	}
}

// Transport is the candidate's transport protocol.
type Transport int

const (
	UDP Transport = iota
	TCPActive
	TCPPassive
	TCPSO
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCPActive:
		return "tcp-active"
	case TCPPassive:
		return "tcp-passive"
	case TCPSO:
		return "tcp-so"
	default:
		return "unknown"
	}
}

// Candidate is the 7-tuple { kind, transport, base, address, priority,
// foundation, component }.
type Candidate struct {
	ID          string
	Kind        Kind
	Transport   Transport
	Base        net.Addr
	Address     net.Addr
	Priority    uint32
	Foundation  string
	ComponentID int

	// RelatedServer identifies the STUN/TURN server a reflexive or relayed
	// candidate was learned from; it participates in foundation equality
	// (spec §3, "share type+base-IP+STUN/TURN server").
	RelatedServer string
}

// New constructs a Candidate, assigning a fresh ID and computing priority
// and foundation from the supplied fields.
func New(kind Kind, transport Transport, base, address net.Addr, componentID int, relatedServer string, localPref uint32) *Candidate {
	c := &Candidate{
		ID:            uuid.NewString(),
		Kind:          kind,
		Transport:     transport,
		Base:          base,
		Address:       address,
		ComponentID:   componentID,
		RelatedServer: relatedServer,
	}
	c.Foundation = computeFoundation(kind, baseIP(base), relatedServer)
	c.Priority = Priority(kind.typePreference(), localPref, componentID)
	return c
}

// Priority implements RFC 5245 §4.1.2.1:
// (type_pref<<24) | (local_pref<<8) | (256-component_id).
func Priority(typePref, localPref uint32, componentID int) uint32 {
	return (typePref << 24) | (localPref << 8) | uint32(256-componentID)
}

// computeFoundation groups candidates that share type, base IP, and
// STUN/TURN server: two candidates with the same foundation are believed
// to have the same connectivity characteristics, so only one needs an
// ordinary check before the others can unfreeze (spec §3).
func computeFoundation(kind Kind, baseIP, relatedServer string) string {
	return fmt.Sprintf("%s|%s|%s", kind, baseIP, relatedServer)
}

func baseIP(a net.Addr) string {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP.String()
	case *net.TCPAddr:
		return v.IP.String()
	default:
		if a == nil {
			return ""
		}
		return a.String()
	}
}

// Equal reports whether two candidates have identical (transport-address,
// component), the dedup key named in spec §3.
func (c *Candidate) Equal(other *Candidate) bool {
	if other == nil {
		return false
	}
	return c.ComponentID == other.ComponentID && sameAddr(c.Address, other.Address) && c.Transport == other.Transport
}

// sameAddr compares IP and port only; an IPv6 zone/scope-id is preserved
// for String()/send but ignored here per the agreed candidate-equality
// semantics (an address reachable from multiple scopes is still one
// candidate).
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	ipA, portA := ipPort(a)
	ipB, portB := ipPort(b)
	return ipA.Equal(ipB) && portA == portB
}

func ipPort(a net.Addr) (net.IP, int) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP, v.Port
	case *net.TCPAddr:
		return v.IP, v.Port
	default:
		return nil, 0
	}
}
