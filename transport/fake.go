package transport

import (
	"net"

	"github.com/pion/transport/v4/vnet"
)

// NewVNet wraps a github.com/pion/transport/v4/vnet.Net as a Net, giving
// tests a fully in-memory network (no OS sockets touched), mirroring the
// teacher's examples/vnet pattern of building a vnet.Router and attaching
// one vnet.Net per simulated peer.
func NewVNet(n *vnet.Net) Net {
	return vnetAdapter{n}
}

type vnetAdapter struct {
	n *vnet.Net
}

func (v vnetAdapter) Interfaces() ([]*net.Interface, error) {
	return v.n.Interfaces()
}

func (v vnetAdapter) ListenPacket(network, addr string) (net.PacketConn, error) {
	return v.n.ListenPacket(network, addr)
}

func (v vnetAdapter) Dial(network, address string) (net.Conn, error) {
	return v.n.Dial(network, address)
}

func (v vnetAdapter) ResolveUDPAddr(network, address string) (*net.UDPAddr, error) {
	return v.n.ResolveUDPAddr(network, address)
}

// NewTestRouterPair builds a two-host vnet topology (a WAN router with two
// attached hosts) for checklist/agent tests that need two full ICE agents
// exchanging packets without any real network I/O.
func NewTestRouterPair(cidr, ipA, ipB string) (*vnet.Router, *vnet.Net, *vnet.Net, error) {
	wan, err := vnet.NewRouter(&vnet.RouterConfig{CIDR: cidr})
	if err != nil {
		return nil, nil, nil, err
	}

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := wan.AddNet(netA); err != nil {
		return nil, nil, nil, err
	}

	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := wan.AddNet(netB); err != nil {
		return nil, nil, nil, err
	}

	if err := wan.Start(); err != nil {
		return nil, nil, nil, err
	}

	return wan, netA, netB, nil
}
