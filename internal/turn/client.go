// Package turn implements the minimal TURN (RFC 5766/8656) client the
// gatherer and data path need: Allocate, Refresh, CreatePermission,
// ChannelBind, and Send, all driven through the long-term credential
// mechanism and the shared internal/stun transaction machinery.
package turn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pionlabs/icecore/icerr"
	"github.com/pionlabs/icecore/internal/stun"
)

// DefaultLifetime is the LIFETIME requested on Allocate/Refresh when the
// caller does not specify one (RFC 5766 §2.2 recommends 600s).
const DefaultLifetime = 600 * time.Second

// permissionLifetime is how long a CreatePermission installation is valid
// for before the server expires it (RFC 5766 §9, fixed at 300s).
const permissionLifetime = 300 * time.Second

// permissionRefreshMargin is how long before permissionLifetime expiry
// EnsurePermission proactively reinstalls it, mirroring the gatherer's
// LIFETIME/2 refresh-schedule convention (spec §4.2).
const permissionRefreshMargin = 60 * time.Second

// Dialer opens the TCP/UDP connection a transaction's Sender writes to; it
// is supplied by the transport layer so the TURN client stays agnostic of
// direct-vs-SOCKS/HTTP-proxied dialing (spec's proxy-* addition, realized
// via golang.org/x/net/proxy at the transport layer).
type Dialer interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
}

// Random is the shared RNG hook (wired to github.com/pion/randutil by the
// caller), used for transaction ids and fresh nonces on retry.
type Random func([]byte) error

// Client is a TURN client bound to one allocation.
type Client struct {
	conn     Dialer
	serverAddr net.Addr
	username string
	password string
	random   Random

	mu    sync.Mutex
	creds stun.LongTermCredentials

	RelayedAddress stun.Addr
	MappedAddress  stun.Addr
	lifetime       time.Duration

	permissions map[string]time.Time
	channels    map[string]uint16
	nextChannel uint16
}

// NewClient constructs a TURN client. The long-term credentials' realm and
// nonce are populated lazily from the server's first 401 challenge.
func NewClient(conn Dialer, serverAddr net.Addr, username, password string, random Random) *Client {
	return &Client{
		conn:        conn,
		serverAddr:  serverAddr,
		username:    username,
		password:    password,
		random:      random,
		permissions: make(map[string]time.Time),
		channels:    make(map[string]uint16),
		nextChannel: 0x4000,
	}
}

func (c *Client) sender() stun.Sender {
	return func(ctx context.Context, payload []byte) error {
		_, err := c.conn.WriteTo(payload, c.serverAddr)
		return err
	}
}

// transact sends m (adding long-term credentials + MI + fingerprint if a
// realm/nonce is already known) and retries exactly once on a 401/438
// challenge, per the long-term credential mechanism (RFC 5389 §10.2).
func (c *Client) transact(ctx context.Context, m *stun.Message) (*stun.Message, error) {
	resp, err := c.sendOnce(ctx, m)
	if err != nil {
		return nil, err
	}

	if resp.Type.Class != stun.ClassErrorResponse {
		return resp, nil
	}

	ec, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		return resp, nil
	}
	code, decErr := stun.DecodeErrorCode(ec.Value)
	if decErr != nil {
		return resp, nil
	}
	if code.Code != 401 && code.Code != 438 {
		return nil, &icerr.ProtocolError{Err: fmt.Errorf("turn: %s (%d)", code.Reason, code.Code)}
	}

	realm, nonce, ok := stun.ChallengeFromErrorResponse(resp)
	if !ok {
		return nil, &icerr.AuthError{Err: fmt.Errorf("turn: 401 challenge missing realm/nonce")}
	}

	c.mu.Lock()
	c.creds = stun.LongTermCredentials{Username: c.username, Password: c.password, Realm: realm, Nonce: nonce}
	c.mu.Unlock()

	retry := m.Clone()
	retry.Attributes = nil
	for _, a := range m.Attributes {
		if a.Type == stun.AttrUsername || a.Type == stun.AttrRealm || a.Type == stun.AttrNonce ||
			a.Type == stun.AttrMessageIntegrity || a.Type == stun.AttrFingerprint {
			continue
		}
		retry.Attributes = append(retry.Attributes, a)
	}

	return c.sendOnce(ctx, retry)
}

func (c *Client) sendOnce(ctx context.Context, m *stun.Message) (*stun.Message, error) {
	id, err := stun.NewTransactionID(c.random)
	if err != nil {
		return nil, err
	}
	m.TransactionID = id

	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds.Realm != "" {
		creds.Decorate(m)
		stun.AddMessageIntegrity(m, creds.Key())
	}
	stun.AddFingerprint(m)

	txn := stun.NewTransaction(id, stun.Encode(m), c.sender(), 0, 0, false)
	go c.pump(ctx, txn)
	return txn.Run(ctx)
}

// pump reads datagrams from the shared socket until one matches the
// transaction's id, then delivers it. In production this loop is owned by
// the data path's demux (spec §4.4); it is reproduced here so the client is
// independently testable against a fake Dialer.
func (c *Client) pump(ctx context.Context, txn *stun.Transaction) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			return
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

// Allocate performs the TURN Allocate exchange (RFC 5766 §6), retrying
// automatically on a 401 challenge, and populates RelayedAddress.
func (c *Client) Allocate(ctx context.Context, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	m := &stun.Message{Type: stun.Type{Method: stun.MethodAllocate, Class: stun.ClassRequest}}
	m.Add(stun.AttrRequestedTransport, stun.EncodeUint32(0x11000000)) // UDP (17) in the high byte
	m.Add(stun.AttrLifetime, stun.EncodeUint32(uint32(lifetime.Seconds())))

	resp, err := c.allocateWithRetry(ctx, m)
	if err != nil {
		return err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		return c.protocolErrorFrom(resp)
	}

	relayed, ok := resp.Get(stun.AttrXORRelayedAddress)
	if !ok {
		return &icerr.ProtocolError{Err: fmt.Errorf("turn: allocate response missing XOR-RELAYED-ADDRESS")}
	}
	addr, err := stun.DecodeXORMappedAddress(relayed.Value, resp.TransactionID)
	if err != nil {
		return err
	}
	c.RelayedAddress = addr

	if mapped, ok := resp.Get(stun.AttrXORMappedAddress); ok {
		if a, err := stun.DecodeXORMappedAddress(mapped.Value, resp.TransactionID); err == nil {
			c.MappedAddress = a
		}
	}

	c.lifetime = lifetime
	return nil
}

// allocateWithRetry handles the 437 Allocation Mismatch case (spec §7):
// a single retransmit with a fresh transaction id before giving up.
func (c *Client) allocateWithRetry(ctx context.Context, m *stun.Message) (*stun.Message, error) {
	resp, err := c.transact(ctx, m.Clone())
	if err != nil {
		return nil, err
	}
	if resp.Type.Class != stun.ClassErrorResponse {
		return resp, nil
	}
	ec, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		return resp, nil
	}
	code, decErr := stun.DecodeErrorCode(ec.Value)
	if decErr == nil && code.Code == 437 {
		return c.transact(ctx, m.Clone())
	}
	return resp, nil
}

// Refresh extends (or, with lifetime 0, terminates) the allocation.
func (c *Client) Refresh(ctx context.Context, lifetime time.Duration) error {
	m := &stun.Message{Type: stun.Type{Method: stun.MethodRefresh, Class: stun.ClassRequest}}
	m.Add(stun.AttrLifetime, stun.EncodeUint32(uint32(lifetime.Seconds())))

	resp, err := c.transact(ctx, m)
	if err != nil {
		return err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		return c.protocolErrorFrom(resp)
	}
	c.lifetime = lifetime
	return nil
}

// RefreshInterval is LIFETIME/2, the schedule the gatherer uses to keep the
// allocation alive (spec §4.2).
func (c *Client) RefreshInterval() time.Duration {
	if c.lifetime == 0 {
		return DefaultLifetime / 2
	}
	return c.lifetime / 2
}

// CreatePermission installs a permission for peer so ChannelData/Send
// toward it is accepted by the server (RFC 5766 §9).
func (c *Client) CreatePermission(ctx context.Context, peer stun.Addr) error {
	m := &stun.Message{Type: stun.Type{Method: stun.MethodCreatePermission, Class: stun.ClassRequest}}
	m.Add(stun.AttrXORPeerAddress, stun.EncodeXORMappedAddress(peer, m.TransactionID))

	resp, err := c.transact(ctx, m)
	if err != nil {
		return err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		return c.protocolErrorFrom(resp)
	}

	c.mu.Lock()
	c.permissions[peer.IP.String()] = time.Now().Add(permissionLifetime)
	c.mu.Unlock()
	return nil
}

// EnsurePermission installs a permission for peer if none exists yet or the
// existing one is within its refresh margin of expiring, and is a no-op
// otherwise. Callers sending relayed data call this first (RFC 5766 §11
// requires an active permission before the server will relay to a peer).
func (c *Client) EnsurePermission(ctx context.Context, peer stun.Addr) error {
	c.mu.Lock()
	expiry, ok := c.permissions[peer.IP.String()]
	c.mu.Unlock()
	if ok && time.Until(expiry) > permissionRefreshMargin {
		return nil
	}
	return c.CreatePermission(ctx, peer)
}

// ChannelBind upgrades a permission to a 4-byte ChannelData channel for
// peer, reducing per-packet overhead (RFC 5766 §11). It assigns the next
// free channel number in [0x4000, 0x7FFF).
func (c *Client) ChannelBind(ctx context.Context, peer stun.Addr) (uint16, error) {
	c.mu.Lock()
	if ch, ok := c.channels[peer.String()]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	channel := c.nextChannel
	c.nextChannel++
	c.mu.Unlock()

	m := &stun.Message{Type: stun.Type{Method: stun.MethodChannelBind, Class: stun.ClassRequest}}
	m.Add(stun.AttrChannelNumber, stun.EncodeChannelNumber(channel))
	m.Add(stun.AttrXORPeerAddress, stun.EncodeXORMappedAddress(peer, m.TransactionID))

	resp, err := c.transact(ctx, m)
	if err != nil {
		return 0, err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		return 0, c.protocolErrorFrom(resp)
	}

	c.mu.Lock()
	c.channels[peer.String()] = channel
	c.mu.Unlock()
	return channel, nil
}

// Send relays application bytes to peer via a Send indication (RFC 5766
// §10) when no channel is bound, or via raw ChannelData when one is.
func (c *Client) Send(ctx context.Context, peer stun.Addr, payload []byte) error {
	c.mu.Lock()
	channel, bound := c.channels[peer.String()]
	c.mu.Unlock()

	if bound {
		frame := make([]byte, 4+len(payload))
		frame[0] = byte(channel >> 8)
		frame[1] = byte(channel)
		frame[2] = byte(len(payload) >> 8)
		frame[3] = byte(len(payload))
		copy(frame[4:], payload)
		_, err := c.conn.WriteTo(frame, c.serverAddr)
		return err
	}

	m := &stun.Message{Type: stun.Type{Method: stun.MethodSend, Class: stun.ClassIndication}}
	id, err := stun.NewTransactionID(c.random)
	if err != nil {
		return err
	}
	m.TransactionID = id
	m.Add(stun.AttrXORPeerAddress, stun.EncodeXORMappedAddress(peer, id))
	m.Add(stun.AttrData, payload)
	stun.AddFingerprint(m)

	_, err = c.conn.WriteTo(stun.Encode(m), c.serverAddr)
	return err
}

func (c *Client) protocolErrorFrom(resp *stun.Message) error {
	if ec, ok := resp.Get(stun.AttrErrorCode); ok {
		if code, err := stun.DecodeErrorCode(ec.Value); err == nil {
			return &icerr.ProtocolError{Err: fmt.Errorf("turn: %s (%d)", code.Reason, code.Code)}
		}
	}
	return &icerr.ProtocolError{Err: fmt.Errorf("turn: request failed")}
}
