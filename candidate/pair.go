package candidate

// PairState is the connectivity-check state machine for a candidate pair
// (spec §3 CandidatePair, RFC 5245 §5.7.4).
type PairState int

const (
	Frozen PairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s PairState) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pair is a (local, remote) candidate pair with its derived priority,
// state, and nomination flag. Local.Component == Remote.Component and
// Local.Transport is compatible with Remote.Transport (spec §3).
type Pair struct {
	Local  *Candidate
	Remote *Candidate

	Priority uint64
	State    PairState

	Nominated bool

	// UseCandidateRequested records that a peer's inbound Binding request
	// carried USE-CANDIDATE for this pair; the controlled side nominates
	// the pair once its own triggered check against it succeeds (RFC 5245
	// §7.2.1.4).
	UseCandidateRequested bool

	// TransactionID identifies the in-flight STUN Binding request, if any
	// (state == InProgress).
	TransactionID [12]byte
}

// NewPair constructs a Pair and computes its combined priority.
func NewPair(local, remote *Candidate, controllingPriority, controlledPriority uint32) *Pair {
	return &Pair{
		Local:    local,
		Remote:   remote,
		Priority: PairPriority(controllingPriority, controlledPriority),
		State:    Frozen,
	}
}

// PairPriority implements RFC 5245 §5.7.2: G·2^32 + D·1 + min(G,D), where G
// is the controlling side's candidate priority and D is the controlled
// side's.
func PairPriority(g, d uint32) uint64 {
	min := g
	if d < g {
		min = d
	}
	return uint64(g)<<32 + uint64(d) + uint64(min)
}

// Foundation is the pair-level foundation used to group pairs for the
// Frozen/Waiting initial-state algorithm (RFC 5245 §5.7.4): the
// concatenation of the two candidates' foundations.
func (p *Pair) Foundation() string {
	return p.Local.Foundation + "/" + p.Remote.Foundation
}
