package transport

import (
	"net"
	"time"
)

// streamConn adapts a raw stream net.Conn (a proxy-dialed TCP connection to
// a TURN server) to Conn without RFC 4571 framing: TURN-over-TCP messages
// are self-delimiting (the STUN header and the ChannelData header both
// carry their own length), so each Read is treated as one message. This is
// a simplification for the common case of one message per TCP segment; it
// does not reassemble a STUN/ChannelData message split across reads.
type streamConn struct {
	conn net.Conn
}

// NewStreamConn wraps a stream connection (typically dialed through a
// SOCKS5/HTTP CONNECT proxy) as a Conn for the TURN client's control
// channel (spec §6 "proxy-*").
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{conn: conn}
}

func (c *streamConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.conn.Write(b)
}

func (c *streamConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.conn.RemoteAddr(), err
}

func (c *streamConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *streamConn) Close() error { return c.conn.Close() }
