// Package gather implements the candidate gatherer (spec §4.2): host
// candidates from local interfaces, server-reflexive candidates via STUN
// Binding, and relayed candidates via TURN Allocate, assigning
// priority/foundation as it goes and reporting Gathering → Connecting.
// Grounded on the teacher's self-contained pkg/ice/agent.go gathering path.
package gather

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/icerr"
	"github.com/pionlabs/icecore/internal/stun"
	"github.com/pionlabs/icecore/internal/turn"
	"github.com/pionlabs/icecore/transport"
)

// ServerURL describes a configured STUN or TURN server endpoint.
type ServerURL struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (s ServerURL) addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// PortRange restricts host-candidate socket binds to [Lo, Hi] (spec's
// "Addition — port range constraint").
type PortRange struct {
	Lo, Hi int
}

// Config parameterizes one gathering run for a single component.
type Config struct {
	ComponentID  int
	Net          transport.Net
	LocalAddrs   []net.IP
	Transports   []candidate.Transport
	STUNServers  []ServerURL
	TURNServers  []ServerURL
	PortRange    *PortRange
	InitialRTO   time.Duration
	MaxAttempts  int
	Random       func([]byte) error

	// ProxyURL, when set, routes the TURN control connection through a
	// SOCKS5 or HTTP CONNECT proxy instead of dialing the TURN server
	// directly (spec §6 "proxy-*"). Relayed traffic itself still flows
	// over the allocation the proxied connection negotiates.
	ProxyURL string
}

// Result is everything the gatherer discovered for one component.
type Result struct {
	Candidates []*candidate.Candidate
	// Sockets maps a host candidate's ID to the bound socket, for the data
	// path / checklist engine to send checks from.
	Sockets map[string]transport.Conn
	// TURNClients maps a relayed candidate's ID to its TURN client, used
	// by the data path to route outbound relayed sends.
	TURNClients map[string]*turn.Client
}

// Gatherer drives one component's Host/ServerReflexive/Relayed discovery.
type Gatherer struct {
	cfg Config

	mu     sync.Mutex
	result Result
}

// New constructs a Gatherer for the given config.
func New(cfg Config) *Gatherer {
	if len(cfg.Transports) == 0 {
		cfg.Transports = []candidate.Transport{candidate.UDP}
	}
	return &Gatherer{
		cfg: cfg,
		result: Result{
			Sockets:     make(map[string]transport.Conn),
			TURNClients: make(map[string]*turn.Client),
		},
	}
}

// Gather runs the full algorithm from spec §4.2 and returns the discovered
// candidates, or a ResourceExhaustedError if no local candidates could be
// bound at all.
func (g *Gatherer) Gather(ctx context.Context) (Result, error) {
	if err := g.gatherHostCandidates(); err != nil {
		return Result{}, err
	}
	if len(g.result.Candidates) == 0 {
		return Result{}, &icerr.ResourceExhaustedError{Err: icerr.ErrNoLocalCandidates}
	}

	g.gatherServerReflexive(ctx)
	g.gatherRelayed(ctx)

	return g.result, nil
}

func (g *Gatherer) gatherHostCandidates() error {
	localPref := uint32(65535)
	for _, ip := range g.cfg.LocalAddrs {
		for _, tr := range g.cfg.Transports {
			switch tr {
			case candidate.UDP:
				conn, addr, err := g.bindUDP(ip)
				if err != nil {
					localPref--
					continue
				}
				c := candidate.New(candidate.Host, tr, addr, addr, g.cfg.ComponentID, "", localPref)
				g.result.Candidates = append(g.result.Candidates, c)
				g.result.Sockets[c.ID] = conn
				localPref--
			case candidate.TCPActive:
				// RFC 6544 §4.1: an active TCP candidate's port is always
				// the discard port; the real connection is opened lazily,
				// dialed toward the remote once a pair is ready to check
				// (spec §6 "ice-tcp").
				addr := &net.TCPAddr{IP: ip, Port: 9}
				c := candidate.New(candidate.Host, tr, addr, addr, g.cfg.ComponentID, "", localPref)
				g.result.Candidates = append(g.result.Candidates, c)
				localPref--
			default:
				// TCP passive/simultaneous-open candidates need a listening
				// socket, a capability transport.Net does not expose; left
				// unimplemented (see DESIGN.md).
			}
		}
	}
	return nil
}

func (g *Gatherer) bindUDP(ip net.IP) (transport.Conn, *net.UDPAddr, error) {
	lo, hi := 0, 0
	if g.cfg.PortRange != nil {
		lo, hi = g.cfg.PortRange.Lo, g.cfg.PortRange.Hi
	}

	if lo == 0 {
		pc, err := g.cfg.Net.ListenPacket("udp", net.JoinHostPort(ip.String(), "0"))
		if err != nil {
			return nil, nil, &icerr.TransportError{Err: err}
		}
		addr := pc.LocalAddr().(*net.UDPAddr)
		return transport.NewUDPConn(pc), addr, nil
	}

	for port := lo; port <= hi; port++ {
		pc, err := g.cfg.Net.ListenPacket("udp", net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)))
		if err == nil {
			addr := pc.LocalAddr().(*net.UDPAddr)
			return transport.NewUDPConn(pc), addr, nil
		}
	}
	return nil, nil, &icerr.ResourceExhaustedError{Err: icerr.ErrPortRangeInvalid}
}

// gatherServerReflexive sends a Binding request from each host socket to
// every configured STUN server; failures are non-fatal (host candidates
// alone are still usable).
func (g *Gatherer) gatherServerReflexive(ctx context.Context) {
	if len(g.cfg.STUNServers) == 0 {
		return
	}

	hostCandidates := make([]*candidate.Candidate, 0, len(g.result.Candidates))
	for _, c := range g.result.Candidates {
		if c.Kind == candidate.Host {
			hostCandidates = append(hostCandidates, c)
		}
	}

	for _, host := range hostCandidates {
		conn := g.result.Sockets[host.ID]
		for _, srv := range g.cfg.STUNServers {
			reflexive, err := g.bindingRequest(ctx, conn, srv)
			if err != nil {
				continue
			}
			if reflexive.String() == host.Address.String() {
				continue
			}
			c := candidate.New(candidate.ServerReflexive, host.Transport, host.Address, reflexiveAddr(reflexive), g.cfg.ComponentID, srv.addr(), 65535)
			g.result.Candidates = append(g.result.Candidates, c)
			g.result.Sockets[c.ID] = conn
		}
	}
}

func reflexiveAddr(a stun.Addr) net.Addr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func (g *Gatherer) bindingRequest(ctx context.Context, conn transport.Conn, srv ServerURL) (stun.Addr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", srv.addr())
	if err != nil {
		return stun.Addr{}, err
	}

	m := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassRequest}}
	id, err := stun.NewTransactionID(g.cfg.Random)
	if err != nil {
		return stun.Addr{}, err
	}
	m.TransactionID = id
	stun.AddFingerprint(m)

	sender := func(ctx context.Context, payload []byte) error {
		_, err := conn.WriteTo(payload, serverAddr)
		return err
	}

	txn := stun.NewTransaction(id, stun.Encode(m), sender, g.cfg.InitialRTO, g.cfg.MaxAttempts, false)

	go g.pumpResponses(ctx, conn, txn)

	resp, err := txn.Run(ctx)
	if err != nil {
		return stun.Addr{}, err
	}

	mapped, ok := resp.Get(stun.AttrXORMappedAddress)
	if !ok {
		return stun.Addr{}, &icerr.ProtocolError{Err: fmt.Errorf("stun: binding response missing XOR-MAPPED-ADDRESS")}
	}
	return stun.DecodeXORMappedAddress(mapped.Value, resp.TransactionID)
}

func (g *Gatherer) pumpResponses(ctx context.Context, conn transport.Conn, txn *stun.Transaction) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		msg, err := stun.Decode(buf[:n])
		if err != nil {
			continue
		}
		if msg.TransactionID == txn.ID {
			txn.Deliver(msg)
			return
		}
	}
}

// gatherRelayed runs a TURN Allocate against every configured TURN server;
// like reflexive discovery, failure is non-fatal per candidate.
func (g *Gatherer) gatherRelayed(ctx context.Context) {
	for _, srv := range g.cfg.TURNServers {
		serverAddr, err := net.ResolveUDPAddr("udp", srv.addr())
		if err != nil {
			continue
		}

		dialer, sock, err := g.dialTURN(srv)
		if err != nil {
			continue
		}
		client := turn.NewClient(dialer, serverAddr, srv.Username, srv.Password, g.cfg.Random)

		if err := client.Allocate(ctx, 0); err != nil {
			_ = sock.Close()
			continue
		}

		c := candidate.New(candidate.Relayed, candidate.UDP,
			&net.UDPAddr{IP: client.MappedAddress.IP, Port: client.MappedAddress.Port},
			&net.UDPAddr{IP: client.RelayedAddress.IP, Port: client.RelayedAddress.Port},
			g.cfg.ComponentID, srv.addr(), 65535)

		g.result.Candidates = append(g.result.Candidates, c)
		g.result.Sockets[c.ID] = sock
		g.result.TURNClients[c.ID] = client

		go g.scheduleRefresh(ctx, client)
	}
}

// dialTURN opens the connection a TURN client's requests and responses
// travel over: a direct UDP socket by default, or, when ProxyURL is
// configured, a TCP connection dialed through a SOCKS5/HTTP CONNECT proxy
// (spec §6 "proxy-*"). The returned transport.Conn is also handed back as
// the relayed candidate's socket.
func (g *Gatherer) dialTURN(srv ServerURL) (turn.Dialer, transport.Conn, error) {
	if g.cfg.ProxyURL == "" {
		pc, err := g.cfg.Net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, nil, err
		}
		conn := transport.NewUDPConn(pc)
		return &turnDialer{pc: pc}, conn, nil
	}

	u, err := url.Parse(g.cfg.ProxyURL)
	if err != nil {
		return nil, nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, nil, err
	}
	nc, err := dialer.Dial("tcp", srv.addr())
	if err != nil {
		return nil, nil, err
	}
	conn := transport.NewStreamConn(nc)
	return &streamDialer{conn: nc}, conn, nil
}

func (g *Gatherer) scheduleRefresh(ctx context.Context, client *turn.Client) {
	ticker := time.NewTicker(client.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = client.Refresh(ctx, turn.DefaultLifetime)
		}
	}
}

// turnDialer adapts a net.PacketConn to the turn.Dialer interface.
type turnDialer struct {
	pc net.PacketConn
}

func (d *turnDialer) WriteTo(b []byte, addr net.Addr) (int, error) { return d.pc.WriteTo(b, addr) }
func (d *turnDialer) ReadFrom(b []byte) (int, net.Addr, error)     { return d.pc.ReadFrom(b) }

// streamDialer adapts a proxy-dialed net.Conn (a TCP stream to the TURN
// server) to the turn.Dialer interface; addr is ignored on write since the
// stream already terminates at the server, and reads report the stream's
// fixed remote address.
type streamDialer struct {
	conn net.Conn
}

func (d *streamDialer) WriteTo(b []byte, _ net.Addr) (int, error) {
	return d.conn.Write(b)
}

func (d *streamDialer) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := d.conn.Read(b)
	return n, d.conn.RemoteAddr(), err
}
