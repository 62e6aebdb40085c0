package icecore

import (
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/internal/checklist"
	"github.com/pionlabs/icecore/internal/datapath"
	"github.com/pionlabs/icecore/internal/gather"
	"github.com/pionlabs/icecore/internal/stun"
	"github.com/pionlabs/icecore/internal/timer"
	"github.com/pionlabs/icecore/internal/turn"
	"github.com/pionlabs/icecore/transport"
)

// ufragPasswordCharset is the character set used for ICE ufrag/password
// generation (RFC 5245 §15.4 requires ice-char: alphanumeric plus a
// handful of symbols; this module sticks to alphanumerics for simplicity).
const ufragPasswordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Stream is one "m=" line's worth of ICE state: a set of components, each
// with its own check list, sharing one local ufrag/password pair (spec §3
// "Stream").
type Stream struct {
	mu sync.Mutex

	id   int
	name string

	localUfrag    string
	localPassword string
	remoteUfrag   string
	remotePassword string

	components map[int]*Component

	agent *Agent
}

// Component is one component (e.g. RTP=1, RTCP=2) of a Stream: its
// gathered candidates, check list, selected pair, and data path.
type Component struct {
	mu sync.Mutex

	id        int
	stream    *Stream
	portRange *gather.PortRange

	localCandidates  []*candidate.Candidate
	remoteCandidates []*candidate.Candidate
	sockets          map[string]transport.Conn
	turnClients      map[string]*turn.Client
	pumped           map[string]bool

	checklist *checklist.CheckList
	queue     *datapath.ComponentQueue
	recvFunc  func([]byte)

	// pendingTxns correlates inbound STUN responses with the outstanding
	// ordinary/triggered check transaction waiting on them, keyed by
	// transaction id.
	pendingMu   sync.Mutex
	pendingTxns map[[stun.TransactionIDSize]byte]*stun.Transaction

	// checksStarted guards the Ta-pacing and keepalive loops so
	// GatherCandidates can be called more than once without double-starting
	// them.
	checksStarted bool
	taHandle      timer.Handle
	keepaliveHandle timer.Handle

	bytesSent uint64
	bytesRecv uint64

	log logging.LeveledLogger
}

func newStream(agent *Agent, id, componentCount int) (*Stream, error) {
	ufrag, err := randutil.GenerateCryptoRandomString(4, ufragPasswordCharset)
	if err != nil {
		return nil, err
	}
	password, err := randutil.GenerateCryptoRandomString(22, ufragPasswordCharset)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		id:            id,
		localUfrag:    ufrag,
		localPassword: password,
		components:    make(map[int]*Component),
		agent:         agent,
	}

	role := checklist.Controlled
	if agent.config.ControllingMode {
		role = checklist.Controlling
	}

	for i := 1; i <= componentCount; i++ {
		c := &Component{
			id:          i,
			stream:      s,
			sockets:     make(map[string]transport.Conn),
			turnClients: make(map[string]*turn.Client),
			pumped:      make(map[string]bool),
			checklist:   checklist.New(i, role, checklist.NewTiebreaker(), agent.config.Nomination),
			queue:       datapath.NewComponentQueue(),
			pendingTxns: make(map[[stun.TransactionIDSize]byte]*stun.Transaction),
			log:         agent.config.LoggerFactory.NewLogger("ice"),
		}
		c.wireCallbacks(agent)
		s.components[i] = c
	}

	return s, nil
}

func (c *Component) wireCallbacks(agent *Agent) {
	c.checklist.OnStateChange(func(state checklist.ComponentState) {
		agent.fireComponentStateChanged(c.stream.id, c.id, state)
		if state == checklist.Connected {
			agent.maybePromoteStreamReady(c.stream)
		}
	})
	c.checklist.OnSelectedPair(func(p *candidate.Pair) {
		agent.fireNewSelectedPair(c.stream.id, c.id, p)
	})
}

// regenerateCredentials produces a fresh ufrag/password pair for an ICE
// restart (spec §4.3 "Addition — ICE restart").
func (s *Stream) regenerateCredentials() error {
	ufrag, err := randutil.GenerateCryptoRandomString(4, ufragPasswordCharset)
	if err != nil {
		return err
	}
	password, err := randutil.GenerateCryptoRandomString(22, ufragPasswordCharset)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.localUfrag = ufrag
	s.localPassword = password
	s.mu.Unlock()
	return nil
}

func hostIPs(n transport.Net) []net.IP {
	ifaces, err := n.Interfaces()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}
