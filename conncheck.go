package icecore

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/internal/checklist"
	"github.com/pionlabs/icecore/internal/datapath"
	"github.com/pionlabs/icecore/internal/stun"
	"github.com/pionlabs/icecore/transport"
)

// startComponent begins the per-component machinery once sockets exist:
// one inbound read pump per newly bound socket, the Ta-paced ordinary/
// triggered check loop, and the selected-pair keepalive (spec §4.3
// "Ordinary check pacing", "Keepalive"). Safe to call again after a later
// GatherCandidates adds more sockets — pumps are started once per socket
// id and the Ta/keepalive loops once per component.
func (a *Agent) startComponent(c *Component) {
	c.mu.Lock()
	for id, conn := range c.sockets {
		if c.pumped[id] {
			continue
		}
		c.pumped[id] = true
		go a.pumpSocket(c, conn)
	}
	alreadyRunning := c.checksStarted
	c.checksStarted = true
	c.mu.Unlock()

	if alreadyRunning {
		return
	}
	c.taHandle = a.timerSvc.Every(a.config.TaInterval, func() { a.runOrdinaryCheck(c) })
	c.keepaliveHandle = a.timerSvc.Every(a.config.KeepaliveInterval, func() { a.sendKeepalive(c) })
}

func (a *Agent) stopComponent(c *Component) {
	c.taHandle.Cancel()
	c.keepaliveHandle.Cancel()
}

// pumpSocket reads datagrams off one local candidate's socket until it is
// closed, classifying each per spec §4.4 and routing it to the check
// engine, the TURN ChannelData unwrap path, or the per-component
// application queue.
func (a *Agent) pumpSocket(c *Component, conn transport.Conn) {
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		atomic.AddUint64(&c.bytesRecv, uint64(n))
		payload := append([]byte(nil), buf[:n]...)

		switch datapath.Classify(payload) {
		case datapath.KindSTUN:
			a.handleInboundSTUN(c, conn, from, payload)
		case datapath.KindChannelData:
			_, body, err := datapath.StripChannelData(payload)
			if err != nil {
				c.log.Warnf("dropping malformed ChannelData frame from %s: %v", from, err)
				continue
			}
			a.deliverApplication(c, body)
		default:
			a.deliverApplication(c, payload)
		}
	}
}

func (a *Agent) deliverApplication(c *Component, payload []byte) {
	c.mu.Lock()
	recv := c.recvFunc
	c.mu.Unlock()
	if recv != nil {
		go recv(payload)
		return
	}
	_ = c.queue.Push(payload)
}

// bindingRequestKnownAttrs lists the comprehension-required attributes this
// agent understands on an inbound Binding request; anything else below
// 0x8000 must be rejected with a 420 per RFC 5389 §7.3.1.
var bindingRequestKnownAttrs = map[stun.AttrType]bool{
	stun.AttrUsername:         true,
	stun.AttrMessageIntegrity: true,
	stun.AttrPriority:         true,
	stun.AttrUseCandidate:     true,
	stun.AttrErrorCode:        true,
	stun.AttrUnknownAttributes: true,
}

// handleInboundSTUN dispatches by class: responses are delivered to their
// outstanding transaction; requests are authenticated, answered, and (per
// spec §4.3 "Triggered checks") pushed onto the triggered-check FIFO.
func (a *Agent) handleInboundSTUN(c *Component, conn transport.Conn, from net.Addr, raw []byte) {
	msg, err := stun.Decode(raw)
	if err != nil {
		c.log.Warnf("dropping unparseable STUN message from %s: %v", from, err)
		return
	}

	switch msg.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		c.pendingMu.Lock()
		txn, ok := c.pendingTxns[msg.TransactionID]
		c.pendingMu.Unlock()
		if ok {
			txn.Deliver(msg)
		}
	case stun.ClassRequest:
		if msg.Type.Method == stun.MethodBinding {
			a.handleInboundBindingRequest(c, conn, from, msg)
		}
	}
}

func (a *Agent) handleInboundBindingRequest(c *Component, conn transport.Conn, from net.Addr, req *stun.Message) {
	if unknown := req.UnknownComprehensionRequired(bindingRequestKnownAttrs); len(unknown) > 0 {
		c.log.Warnf("rejecting Binding request from %s: unknown comprehension-required attributes %v", from, unknown)
		a.sendBindingError(c, conn, from, req, 420, "Unknown Attribute", stun.EncodeUnknownAttributes(unknown))
		return
	}

	c.stream.mu.Lock()
	localPassword := c.stream.localPassword
	c.stream.mu.Unlock()

	if err := stun.VerifyMessageIntegrity(req, stun.ShortTermKey(localPassword)); err != nil {
		c.log.Warnf("dropping Binding request from %s: %v", from, err)
		return
	}

	xorAddr, ok := netAddrToStun(from)
	if !ok {
		return
	}

	resp := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}, TransactionID: req.TransactionID}
	resp.Add(stun.AttrXORMappedAddress, stun.EncodeXORMappedAddress(xorAddr, req.TransactionID))
	stun.AddMessageIntegrity(resp, stun.ShortTermKey(localPassword))
	stun.AddFingerprint(resp)
	_, _ = conn.WriteTo(stun.Encode(resp), from)

	pair := a.findOrSynthesizePair(c, xorAddr)
	if pair == nil {
		return
	}
	if req.Contains(stun.AttrUseCandidate) {
		pair.UseCandidateRequested = true
	}
	if c.checklist.Role() == checklist.Controlled && pair.UseCandidateRequested && pair.State == candidate.Succeeded && !pair.Nominated {
		c.checklist.Nominate(pair)
		return
	}
	c.checklist.TriggeredCheck(pair)
}

// sendBindingError answers a rejected Binding request with an ERROR-CODE
// response, per RFC 5389 §7.3.1/§7.3.3.
func (a *Agent) sendBindingError(c *Component, conn transport.Conn, from net.Addr, req *stun.Message, code int, reason string, unknownAttrs []byte) {
	resp := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassErrorResponse}, TransactionID: req.TransactionID}
	resp.Add(stun.AttrErrorCode, stun.EncodeErrorCode(stun.ErrorCode{Code: code, Reason: reason}))
	if len(unknownAttrs) > 0 {
		resp.Add(stun.AttrUnknownAttributes, unknownAttrs)
	}
	stun.AddFingerprint(resp)
	_, _ = conn.WriteTo(stun.Encode(resp), from)
}

// netAddrToStun converts the net.Addr a socket read returns into the
// address shape the wire codec and pair-matching logic use.
func netAddrToStun(a net.Addr) (stun.Addr, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return stun.Addr{IP: v.IP, Port: v.Port}, true
	case *net.TCPAddr:
		return stun.Addr{IP: v.IP, Port: v.Port}, true
	default:
		return stun.Addr{}, false
	}
}

// addrHostPort extracts the IP/port pair of a candidate's net.Addr for
// comparison against an observed source address.
func addrHostPort(a net.Addr) (string, int) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP.String(), v.Port
	case *net.TCPAddr:
		return v.IP.String(), v.Port
	default:
		return "", 0
	}
}

// findOrSynthesizePair looks up the pair whose remote candidate matches
// the observed source address; this module does not yet synthesize a
// fresh peer-reflexive remote candidate for a wholly unseen source (spec
// §4.3's PeerReflexive-on-triggered-check addition is left for the
// candidate already gathered/offered case).
func (a *Agent) findOrSynthesizePair(c *Component, from stun.Addr) *candidate.Pair {
	for _, p := range c.checklist.Pairs {
		if remoteMatches(p.Remote, from) {
			return p
		}
	}
	return nil
}

func remoteMatches(remote *candidate.Candidate, from stun.Addr) bool {
	host, port := addrHostPort(remote.Address)
	return host == from.IP.String() && port == from.Port
}

// dialIfNeeded returns the socket a pair's local candidate already owns, or,
// for an active TCP host candidate whose connection is opened lazily (spec
// §6 "ice-tcp"), dials the remote now and caches the resulting socket.
func (a *Agent) dialIfNeeded(c *Component, pair *candidate.Pair) (transport.Conn, error) {
	c.mu.Lock()
	conn := c.sockets[pair.Local.ID]
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	if pair.Local.Transport != candidate.TCPActive {
		return nil, nil
	}

	nc, err := a.net.Dial("tcp", pair.Remote.Address.String())
	if err != nil {
		return nil, err
	}
	conn = transport.NewTCPActiveConn(nc)

	c.mu.Lock()
	c.sockets[pair.Local.ID] = conn
	alreadyPumped := c.pumped[pair.Local.ID]
	c.pumped[pair.Local.ID] = true
	c.mu.Unlock()

	if !alreadyPumped {
		go a.pumpSocket(c, conn)
	}
	return conn, nil
}

// runOrdinaryCheck sends one Ta-paced connectivity check for the
// highest-priority Waiting pair (or the head of the triggered-check FIFO),
// per spec §4.3.
func (a *Agent) runOrdinaryCheck(c *Component) {
	pair := c.checklist.NextOrdinaryCheck()
	if pair == nil {
		return
	}

	conn, err := a.dialIfNeeded(c, pair)
	if err != nil {
		c.log.Warnf("dialing active TCP candidate %s->%s: %v", pair.Local.Address, pair.Remote.Address, err)
		c.checklist.OnFailure(pair)
		return
	}
	if conn == nil {
		c.checklist.OnFailure(pair)
		return
	}

	c.stream.mu.Lock()
	remoteUfrag := c.stream.remoteUfrag
	localUfrag := c.stream.localUfrag
	remotePassword := c.stream.remotePassword
	c.stream.mu.Unlock()

	txnID, err := stun.NewTransactionID(a.config.Random)
	if err != nil {
		c.checklist.OnFailure(pair)
		return
	}

	req := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassRequest}, TransactionID: txnID}
	req.Add(stun.AttrPriority, stun.EncodeUint32(pair.Local.Priority))
	req.Add(stun.AttrUsername, []byte(remoteUfrag+":"+localUfrag))
	if c.checklist.Role() == checklist.Controlling {
		req.Add(stun.AttrICEControlling, stun.EncodeUint64(c.checklist.Tiebreaker()))
		if c.checklist.Nomination() == checklist.Regular && pair == c.checklist.BestSucceededPair() && pair.State == candidate.Succeeded {
			req.Add(stun.AttrUseCandidate, nil)
		} else if c.checklist.Nomination() == checklist.Aggressive {
			req.Add(stun.AttrUseCandidate, nil)
		}
	} else {
		req.Add(stun.AttrICEControlled, stun.EncodeUint64(c.checklist.Tiebreaker()))
	}
	stun.AddMessageIntegrity(req, stun.ShortTermKey(remotePassword))
	stun.AddFingerprint(req)

	txn := stun.NewTransaction(txnID, stun.Encode(req), func(ctx context.Context, payload []byte) error {
		_, err := conn.WriteTo(payload, pair.Remote.Address)
		if err == nil {
			atomic.AddUint64(&c.bytesSent, uint64(len(payload)))
		}
		return err
	}, a.config.InitialRTO, a.config.MaxBindingRequests, a.config.Reliable)

	c.pendingMu.Lock()
	c.pendingTxns[txnID] = txn
	c.pendingMu.Unlock()
	c.checklist.MarkInProgress(pair, txnID)

	go func() {
		defer func() {
			c.pendingMu.Lock()
			delete(c.pendingTxns, txnID)
			c.pendingMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), stun.Deadline(a.config.InitialRTO, a.config.MaxBindingRequests)+time.Second)
		defer cancel()
		resp, err := txn.Run(ctx)
		a.do(func() { a.handleCheckResult(c, pair, resp, err) })
	}()
}

func (a *Agent) handleCheckResult(c *Component, pair *candidate.Pair, resp *stun.Message, err error) {
	if err != nil || resp == nil {
		c.checklist.OnFailure(pair)
		return
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		if ec, decErr := stun.DecodeErrorCode(mustGet(resp, stun.AttrErrorCode)); decErr == nil && ec.Code == 487 {
			peerTiebreaker, _ := extractTiebreaker(resp)
			c.checklist.RoleConflict(pair, peerTiebreaker)
			return
		}
		c.checklist.OnFailure(pair)
		return
	}
	c.checklist.OnSuccess(pair)
	switch c.checklist.Role() {
	case checklist.Controlling:
		if c.checklist.Nomination() == checklist.Regular {
			if best := c.checklist.BestSucceededPair(); best != nil && !best.Nominated {
				c.checklist.Nominate(best)
			}
		}
	case checklist.Controlled:
		// The controlling side only marks USE-CANDIDATE once it already
		// believes the pair works; our own triggered check confirming it
		// is what RFC 5245 §7.2.1.4 calls "nominated when the check
		// succeeds" for the controlled role.
		if pair.UseCandidateRequested && !pair.Nominated {
			c.checklist.Nominate(pair)
		}
	}
}

func extractTiebreaker(m *stun.Message) (uint64, bool) {
	if a, ok := m.Get(stun.AttrICEControlling); ok {
		v, err := stun.DecodeUint64(a.Value)
		return v, err == nil
	}
	if a, ok := m.Get(stun.AttrICEControlled); ok {
		v, err := stun.DecodeUint64(a.Value)
		return v, err == nil
	}
	return 0, false
}

func mustGet(m *stun.Message, t stun.AttrType) []byte {
	if a, ok := m.Get(t); ok {
		return a.Value
	}
	return nil
}

// sendKeepalive refreshes the selected pair every KeepaliveInterval (spec
// §4.3 "Keepalive"): a Binding indication by default, or a full
// consensus-freshness Binding request when KeepaliveConncheck is set or the
// Google compatibility profile is selected (spec §6 "keepalive-conncheck",
// "compatibility").
func (a *Agent) sendKeepalive(c *Component) {
	pair := c.checklist.SelectedPair()
	if pair == nil {
		return
	}
	c.mu.Lock()
	conn := c.sockets[pair.Local.ID]
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.stream.mu.Lock()
	remoteUfrag := c.stream.remoteUfrag
	localUfrag := c.stream.localUfrag
	remotePassword := c.stream.remotePassword
	c.stream.mu.Unlock()

	txnID, err := stun.NewTransactionID(a.config.Random)
	if err != nil {
		return
	}

	if a.config.KeepaliveConncheck || a.config.Compatibility == CompatibilityGoogle {
		a.sendConsensusCheck(c, conn, pair, txnID, remoteUfrag, localUfrag, remotePassword)
		return
	}

	ind := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassIndication}, TransactionID: txnID}
	stun.AddMessageIntegrity(ind, stun.ShortTermKey(remotePassword))
	stun.AddFingerprint(ind)
	payload := stun.Encode(ind)
	if _, err := conn.WriteTo(payload, pair.Remote.Address); err == nil {
		atomic.AddUint64(&c.bytesSent, uint64(len(payload)))
	}
}

// sendConsensusCheck sends a full authenticated Binding request on the
// already-selected pair and logs (but does not fail the pair on) a
// negative outcome — RFC 8445 §11's consensus-freshness check, distinct
// from an ordinary connectivity check in that it never retriggers
// nomination or role-conflict handling.
func (a *Agent) sendConsensusCheck(c *Component, conn transport.Conn, pair *candidate.Pair, txnID [stun.TransactionIDSize]byte, remoteUfrag, localUfrag, remotePassword string) {
	req := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassRequest}, TransactionID: txnID}
	req.Add(stun.AttrPriority, stun.EncodeUint32(pair.Local.Priority))
	req.Add(stun.AttrUsername, []byte(remoteUfrag+":"+localUfrag))
	stun.AddMessageIntegrity(req, stun.ShortTermKey(remotePassword))
	stun.AddFingerprint(req)

	txn := stun.NewTransaction(txnID, stun.Encode(req), func(ctx context.Context, payload []byte) error {
		_, err := conn.WriteTo(payload, pair.Remote.Address)
		if err == nil {
			atomic.AddUint64(&c.bytesSent, uint64(len(payload)))
		}
		return err
	}, a.config.InitialRTO, a.config.MaxBindingRequests, a.config.Reliable)

	c.pendingMu.Lock()
	c.pendingTxns[txnID] = txn
	c.pendingMu.Unlock()

	go func() {
		defer func() {
			c.pendingMu.Lock()
			delete(c.pendingTxns, txnID)
			c.pendingMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), stun.Deadline(a.config.InitialRTO, a.config.MaxBindingRequests)+time.Second)
		defer cancel()
		if _, err := txn.Run(ctx); err != nil {
			c.log.Warnf("consensus-freshness check failed on selected pair %s<->%s: %v", pair.Local.Address, pair.Remote.Address, err)
		}
	}()
}
