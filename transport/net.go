// Package transport implements the socket abstraction named in the spec:
// a capability set uniform across UDP, TCP-active, TCP-passive,
// TCP-simultaneous-open, and a fake in-memory network for tests, replacing
// the C vtable-style function-pointer struct the teacher's old pkg/ice used
// (pkg/ice/transport.go, endpoint.go) with a small Go interface, backed by
// github.com/pion/transport/v4 for both the real sockets and the vnet fake.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/pion/transport/v4"
)

// Conn is the capability set every candidate's socket exposes: send/recv,
// close, and the bound local address. It is satisfied directly by
// net.PacketConn (UDP, and the vnet fake network's UDP conns) and by the
// TCP wrappers in this package for TCP-active/passive/so candidates.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	SetReadDeadline(time.Time) error
	Close() error
}

// Net is the factory a gatherer uses to create sockets, local to one ICE
// agent. Production code wires transport.Net (github.com/pion/transport/v4)
// for real interfaces/UDP or a vnet.Net for fully in-memory tests; both
// satisfy this interface already.
type Net interface {
	Interfaces() ([]*net.Interface, error)
	ListenPacket(network string, addr string) (net.PacketConn, error)
	Dial(network, address string) (net.Conn, error)
	ResolveUDPAddr(network, address string) (*net.UDPAddr, error)
}

// StdNet wraps github.com/pion/transport/v4's real-OS Net implementation,
// used whenever the agent is not configured with a vnet fake network.
type StdNet struct {
	transport.Net
}

// NewStdNet constructs the OS-backed Net.
func NewStdNet() (*StdNet, error) {
	n, err := transport.NewNet(&transport.NetConfig{})
	if err != nil {
		return nil, err
	}
	return &StdNet{Net: n}, nil
}

// udpConn adapts a net.PacketConn (as returned by Net.ListenPacket) to Conn.
type udpConn struct {
	net.PacketConn
}

// NewUDPConn wraps a net.PacketConn as a Conn.
func NewUDPConn(pc net.PacketConn) Conn {
	return udpConn{pc}
}

// DialContext is a convenience used by the TURN client and STUN gatherer to
// bound their dial attempts by the agent's operation deadline.
func DialContext(ctx context.Context, n Net, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := n.Dial(network, address)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
