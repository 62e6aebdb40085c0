package icecore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/icerr"
	"github.com/pionlabs/icecore/internal/checklist"
	"github.com/pionlabs/icecore/internal/datapath"
	"github.com/pionlabs/icecore/internal/gather"
	"github.com/pionlabs/icecore/internal/timer"
	sdpcodec "github.com/pionlabs/icecore/sdp"
	"github.com/pionlabs/icecore/transport"
)

// Agent is the facade over one ICE session: it owns streams keyed by id, a
// socket factory, and (indirectly, one per component) a timer service and
// task queue. All mutating facade operations are serialized onto a single
// task-processing goroutine, the same cooperative single-threaded dispatch
// pattern as the teacher's old pkg/ice/agent.go run loop, so the check
// engine and gatherer never need their own locking against the facade.
type Agent struct {
	mu     sync.Mutex
	config AgentConfig
	net    transport.Net
	log    logging.LeveledLogger

	streams  map[int]*Stream
	nextID   int
	closed   bool

	tasks chan func()
	done  chan struct{}

	timerSvc *timer.Service

	onCandidateGatheringDone  func(streamID int)
	onNewCandidate            func(streamID, componentID int, c *candidate.Candidate)
	onComponentStateChanged   func(streamID, componentID int, state checklist.ComponentState)
	onNewSelectedPair         func(streamID, componentID int, localFoundation, remoteFoundation string)
	onReliableTransportWritable func()
}

// NewAgent constructs an Agent bound to n (the socket factory) with the
// given configuration. Passing a nil Net defaults to the real OS network.
func NewAgent(n transport.Net, cfg AgentConfig) (*Agent, error) {
	cfg.defaults()

	if n == nil {
		std, err := transport.NewStdNet()
		if err != nil {
			return nil, err
		}
		n = std
	}

	a := &Agent{
		config:  cfg,
		net:     n,
		log:     cfg.LoggerFactory.NewLogger("ice"),
		streams: make(map[int]*Stream),
		nextID:  1,
		tasks:   make(chan func(), 64),
		done:    make(chan struct{}),
	}
	a.timerSvc = timer.NewService(a.do)
	go a.run()
	return a, nil
}

// run is the single dispatch goroutine: every facade operation and every
// check-engine/gatherer callback is funneled through do() onto this
// goroutine, so agent state never needs its own mutex beyond what's needed
// to publish results back to callers.
func (a *Agent) run() {
	for {
		select {
		case fn := <-a.tasks:
			fn()
		case <-a.done:
			return
		}
	}
}

// do submits fn to the agent's task queue and blocks until it has run.
func (a *Agent) do(fn func()) {
	result := make(chan struct{})
	a.tasks <- func() {
		fn()
		close(result)
	}
	<-result
}

// AddStream creates a new stream with componentCount components and
// returns its id (spec §4.5 "add_stream").
func (a *Agent) AddStream(componentCount int) (int, error) {
	var id int
	var err error
	a.do(func() {
		if a.closed {
			err = icerr.ErrClosed
			return
		}
		id = a.nextID
		a.nextID++
		var s *Stream
		s, err = newStream(a, id, componentCount)
		if err != nil {
			return
		}
		a.streams[id] = s
	})
	return id, err
}

// SetStreamName stores a label for the stream (spec §4.5
// "set_stream_name").
func (a *Agent) SetStreamName(streamID int, name string) error {
	var err error
	a.do(func() {
		s, ok := a.streams[streamID]
		if !ok {
			err = icerr.ErrUnknownStream
			return
		}
		s.mu.Lock()
		s.name = name
		s.mu.Unlock()
	})
	return err
}

// GetLocalCredentials returns the stream's local (ufrag, password) (spec
// §4.5 "get_local_credentials").
func (a *Agent) GetLocalCredentials(streamID int) (ufrag, password string, err error) {
	a.do(func() {
		s, ok := a.streams[streamID]
		if !ok {
			err = icerr.ErrUnknownStream
			return
		}
		s.mu.Lock()
		ufrag, password = s.localUfrag, s.localPassword
		s.mu.Unlock()
	})
	return
}

// SetRemoteCredentials records the peer's ufrag/password, required before
// any connectivity check can be authenticated (spec §4.5
// "set_remote_credentials").
func (a *Agent) SetRemoteCredentials(streamID int, ufrag, password string) error {
	var err error
	a.do(func() {
		s, ok := a.streams[streamID]
		if !ok {
			err = icerr.ErrUnknownStream
			return
		}
		s.mu.Lock()
		s.remoteUfrag, s.remotePassword = ufrag, password
		s.mu.Unlock()
	})
	return err
}

// GetLocalCandidates returns the candidates gathered so far for one
// component (spec §4.5 "get_local_candidates").
func (a *Agent) GetLocalCandidates(streamID, componentID int) ([]*candidate.Candidate, error) {
	var out []*candidate.Candidate
	var err error
	a.do(func() {
		c, e := a.component(streamID, componentID)
		if e != nil {
			err = e
			return
		}
		c.mu.Lock()
		out = append([]*candidate.Candidate{}, c.localCandidates...)
		c.mu.Unlock()
	})
	return out, err
}

// SetPortRange constrains host-candidate binds on one component to
// [lo, hi] (spec §4.5 "set_port_range").
func (a *Agent) SetPortRange(streamID, componentID, lo, hi int) error {
	var err error
	a.do(func() {
		c, e := a.component(streamID, componentID)
		if e != nil {
			err = e
			return
		}
		if lo <= 0 || hi < lo {
			err = icerr.ErrPortRangeInvalid
			return
		}
		c.mu.Lock()
		c.portRange = &gather.PortRange{Lo: lo, Hi: hi}
		c.mu.Unlock()
	})
	return err
}

// GatherCandidates starts gathering on every component of a stream;
// idempotent per component (spec §4.5 "gather_candidates"). Gathering
// itself runs asynchronously; candidate-gathering-done fires once every
// component has finished.
func (a *Agent) GatherCandidates(ctx context.Context, streamID int) error {
	var components []*Component
	var err error
	a.do(func() {
		s, ok := a.streams[streamID]
		if !ok {
			err = icerr.ErrUnknownStream
			return
		}
		for _, c := range s.components {
			components = append(components, c)
		}
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c *Component) {
			defer wg.Done()
			a.gatherComponent(ctx, c)
		}(c)
	}

	go func() {
		wg.Wait()
		a.mu.Lock()
		handler := a.onCandidateGatheringDone
		a.mu.Unlock()
		if handler != nil {
			go handler(streamID)
		}
	}()

	return nil
}

func (a *Agent) gatherComponent(ctx context.Context, c *Component) {
	c.mu.Lock()
	portRange := c.portRange
	c.mu.Unlock()

	transports := []candidate.Transport{candidate.UDP}
	if a.config.ICETCP {
		transports = append(transports, candidate.TCPActive)
	}

	g := gather.New(gather.Config{
		ComponentID: c.id,
		Net:         a.net,
		LocalAddrs:  hostIPs(a.net),
		Transports:  transports,
		STUNServers: a.config.STUNServers,
		TURNServers: a.config.TURNServers,
		PortRange:   portRange,
		InitialRTO:  a.config.InitialRTO,
		MaxAttempts: a.config.MaxBindingRequests,
		Random:      a.config.Random,
		ProxyURL:    a.config.ProxyURL,
	})

	result, err := g.Gather(ctx)
	if err != nil {
		a.log.Warnf("gathering failed for component %d: %v", c.id, err)
		a.do(func() {
			c.checklist.FailGathering()
		})
		return
	}

	a.do(func() {
		c.mu.Lock()
		c.localCandidates = append(c.localCandidates, result.Candidates...)
		for id, conn := range result.Sockets {
			c.sockets[id] = conn
		}
		for id, client := range result.TURNClients {
			c.turnClients[id] = client
		}
		c.mu.Unlock()

		a.rebuildPairsLocked(c)
		a.startComponent(c)
	})

	a.mu.Lock()
	handler := a.onNewCandidate
	a.mu.Unlock()
	if handler != nil {
		for _, cand := range result.Candidates {
			go handler(c.stream.id, c.id, cand)
		}
	}
}

// SetRemoteCandidates appends remote candidates for a component and
// (re)builds the check list (spec §4.5 "set_remote_candidates").
func (a *Agent) SetRemoteCandidates(streamID, componentID int, candidates []*candidate.Candidate) error {
	var err error
	a.do(func() {
		c, e := a.component(streamID, componentID)
		if e != nil {
			err = e
			return
		}
		c.mu.Lock()
		c.remoteCandidates = append(c.remoteCandidates, candidates...)
		c.mu.Unlock()
		a.rebuildPairsLocked(c)
	})
	return err
}

// rebuildPairsLocked re-runs pair formation for a component; callers must
// already be running on the agent's task-dispatch goroutine.
func (a *Agent) rebuildPairsLocked(c *Component) {
	c.mu.Lock()
	locals := append([]*candidate.Candidate{}, c.localCandidates...)
	remotes := append([]*candidate.Candidate{}, c.remoteCandidates...)
	c.mu.Unlock()

	if len(remotes) == 0 {
		return
	}
	c.checklist.BuildPairs(locals, remotes)
}

// Send routes application bytes via the selected pair of a component
// (spec §4.5 "send" → Data Path). Fails with NotReady if no nominated
// pair exists yet.
func (a *Agent) Send(ctx context.Context, streamID, componentID int, payload []byte) error {
	c, err := a.component(streamID, componentID)
	if err != nil {
		return err
	}

	pair := c.checklist.SelectedPair()
	if pair == nil {
		return &icerr.NotReadyError{Err: icerr.ErrNoRemoteCreds}
	}

	c.mu.Lock()
	conn := c.sockets[pair.Local.ID]
	turnClient := c.turnClients[pair.Local.ID]
	c.mu.Unlock()

	sender := &datapath.SelectedPairSender{Pair: pair, Conn: conn, TURNClient: turnClient}
	if err := sender.Send(ctx, payload); err != nil {
		return err
	}
	atomic.AddUint64(&c.bytesSent, uint64(len(payload)))
	return nil
}

// AttachRecv registers the upper-layer sink for inbound application bytes
// on a component (spec §4.5 "attach_recv").
func (a *Agent) AttachRecv(streamID, componentID int, fn func([]byte)) error {
	var err error
	a.do(func() {
		c, e := a.component(streamID, componentID)
		if e != nil {
			err = e
			return
		}
		c.mu.Lock()
		c.recvFunc = fn
		c.mu.Unlock()
	})
	return err
}

// RemoveStream tears down a stream: every pair goes Failed and its
// resources are released (spec §4.5 "remove_stream").
func (a *Agent) RemoveStream(streamID int) error {
	var err error
	a.do(func() {
		s, ok := a.streams[streamID]
		if !ok {
			err = icerr.ErrUnknownStream
			return
		}
		for _, c := range s.components {
			a.stopComponent(c)
			c.checklist.Reset()
			c.mu.Lock()
			for _, conn := range c.sockets {
				_ = conn.Close()
			}
			_ = c.queue.Close()
			c.mu.Unlock()
		}
		delete(a.streams, streamID)
	})
	return err
}

// RestartStream generates fresh local ufrag/password, discards check-list
// and candidate-pair state, and returns every component to Disconnected,
// without discarding already-gathered local candidates (spec §4.3
// "Addition — ICE restart"). The Ta-pacing and keepalive loops started by
// startComponent are left running; with no pairs to check they simply
// no-op until SetRemoteCandidates rebuilds the check list.
func (a *Agent) RestartStream(streamID int) error {
	var err error
	a.do(func() {
		s, ok := a.streams[streamID]
		if !ok {
			err = icerr.ErrUnknownStream
			return
		}
		if e := s.regenerateCredentials(); e != nil {
			err = e
			return
		}
		for _, c := range s.components {
			c.checklist.Reset()
			c.mu.Lock()
			c.remoteCandidates = nil
			c.mu.Unlock()
		}
	})
	return err
}

// Close shuts down the agent: drains pending timers and closes every
// stream's sockets before returning (spec §5 "Cancellation & timeouts").
func (a *Agent) Close() error {
	var streamIDs []int
	a.do(func() {
		a.closed = true
		for id := range a.streams {
			streamIDs = append(streamIDs, id)
		}
	})
	for _, id := range streamIDs {
		_ = a.RemoveStream(id)
	}
	a.timerSvc.Close()
	close(a.done)
	return nil
}

func (a *Agent) component(streamID, componentID int) (*Component, error) {
	s, ok := a.streams[streamID]
	if !ok {
		return nil, icerr.ErrUnknownStream
	}
	c, ok := s.components[componentID]
	if !ok {
		return nil, icerr.ErrUnknownComponent
	}
	return c, nil
}

// maybePromoteStreamReady advances a stream's components from Connected to
// Ready once every component has a nominated pair (spec §4.3 "Component
// state transitions").
func (a *Agent) maybePromoteStreamReady(s *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.components {
		if c.checklist.State() != checklist.Connected && c.checklist.State() != checklist.Ready {
			return
		}
	}
	for _, c := range s.components {
		c.checklist.MarkReady()
	}
}

// LocalCandidateSDPLines renders every gathered local candidate of a
// component as "a=candidate" lines, for embedding in an SDP offer/answer
// (SPEC_FULL.md §4.5 addition).
func (a *Agent) LocalCandidateSDPLines(streamID, componentID int) ([]string, error) {
	cands, err := a.GetLocalCandidates(streamID, componentID)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(cands))
	for _, c := range cands {
		lines = append(lines, "a="+sdpcodec.Marshal(c))
	}
	return lines, nil
}

// AddRemoteCandidateSDPLine parses and appends one "a=candidate" line as a
// remote candidate (SPEC_FULL.md §4.5 addition).
func (a *Agent) AddRemoteCandidateSDPLine(streamID, componentID int, line string) error {
	c, err := sdpcodec.Unmarshal(line)
	if err != nil {
		return fmt.Errorf("icecore: %w", err)
	}
	return a.SetRemoteCandidates(streamID, componentID, []*candidate.Candidate{c})
}

// Stats is a point-in-time snapshot of one component's connectivity state
// (SPEC_FULL.md §4.5 addition).
type Stats struct {
	State            checklist.ComponentState
	Role             checklist.Role
	SelectedPair     *candidate.Pair
	LocalCandidates  int
	RemoteCandidates int
	Pairs            int
	BytesSent        uint64
	BytesReceived    uint64
}

// GetStats returns a Stats snapshot for one component.
func (a *Agent) GetStats(streamID, componentID int) (Stats, error) {
	var stats Stats
	var err error
	a.do(func() {
		c, e := a.component(streamID, componentID)
		if e != nil {
			err = e
			return
		}
		c.mu.Lock()
		stats.LocalCandidates = len(c.localCandidates)
		stats.RemoteCandidates = len(c.remoteCandidates)
		c.mu.Unlock()
		stats.State = c.checklist.State()
		stats.Role = c.checklist.Role()
		stats.SelectedPair = c.checklist.SelectedPair()
		stats.Pairs = len(c.checklist.Pairs)
		stats.BytesSent = atomic.LoadUint64(&c.bytesSent)
		stats.BytesReceived = atomic.LoadUint64(&c.bytesRecv)
	})
	return stats, err
}
