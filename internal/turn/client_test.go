package turn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pionlabs/icecore/internal/stun"
)

// fakeServer is a minimal in-memory TURN server used to exercise the
// client's Allocate/401-retry/CreatePermission/ChannelBind flow without a
// real socket, in the spirit of the teacher's vnet fake-network variant.
type fakeServer struct {
	toServer chan []byte
	toClient chan []byte
	realm    string
	nonce    string
	key      []byte
}

func (f *fakeServer) WriteTo(b []byte, _ net.Addr) (int, error) {
	cp := append([]byte{}, b...)
	f.toServer <- cp
	return len(b), nil
}

func (f *fakeServer) ReadFrom(b []byte) (int, net.Addr, error) {
	data := <-f.toClient
	n := copy(b, data)
	return n, &net.UDPAddr{}, nil
}

func (f *fakeServer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-f.toServer:
			msg, err := stun.Decode(raw)
			if err != nil {
				continue
			}
			f.handle(msg)
		}
	}
}

func (f *fakeServer) handle(req *stun.Message) {
	if _, ok := req.Get(stun.AttrMessageIntegrity); !ok {
		resp := &stun.Message{
			Type:          stun.Type{Method: req.Type.Method, Class: stun.ClassErrorResponse},
			TransactionID: req.TransactionID,
		}
		resp.Add(stun.AttrErrorCode, stun.EncodeErrorCode(stun.ErrorCode{Code: 401, Reason: "Unauthorized"}))
		resp.Add(stun.AttrRealm, []byte(f.realm))
		resp.Add(stun.AttrNonce, []byte(f.nonce))
		f.toClient <- stun.Encode(resp)
		return
	}

	resp := &stun.Message{
		Type:          stun.Type{Method: req.Type.Method, Class: stun.ClassSuccessResponse},
		TransactionID: req.TransactionID,
	}
	switch req.Type.Method {
	case stun.MethodAllocate:
		resp.Add(stun.AttrXORRelayedAddress, stun.EncodeXORMappedAddress(
			stun.Addr{IP: net.ParseIP("198.51.100.1"), Port: 50000}, req.TransactionID))
		resp.Add(stun.AttrXORMappedAddress, stun.EncodeXORMappedAddress(
			stun.Addr{IP: net.ParseIP("203.0.113.7"), Port: 12345}, req.TransactionID))
		resp.Add(stun.AttrLifetime, stun.EncodeUint32(600))
	case stun.MethodCreatePermission, stun.MethodChannelBind, stun.MethodRefresh:
		// no extra attributes required for success
	}
	f.toClient <- stun.Encode(resp)
}

func fakeRandom(b []byte) error {
	for i := range b {
		b[i] = byte(i)
	}
	return nil
}

func newTestClient(t *testing.T) (*Client, *fakeServer, context.CancelFunc) {
	t.Helper()
	srv := &fakeServer{
		toServer: make(chan []byte, 8),
		toClient: make(chan []byte, 8),
		realm:    "example.org",
		nonce:    "abc123",
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.run(ctx)

	client := NewClient(srv, &net.UDPAddr{IP: net.ParseIP("192.0.2.100"), Port: 3478}, "user", "pass", fakeRandom)
	return client, srv, cancel
}

func TestAllocateRetriesOn401(t *testing.T) {
	client, _, cancel := newTestClient(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	err := client.Allocate(ctx, 600*time.Second)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.1", client.RelayedAddress.IP.String())
	require.Equal(t, 50000, client.RelayedAddress.Port)
}

func TestCreatePermissionAfterAllocate(t *testing.T) {
	client, _, cancel := newTestClient(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	require.NoError(t, client.Allocate(ctx, 600*time.Second))
	require.NoError(t, client.CreatePermission(ctx, stun.Addr{IP: net.ParseIP("203.0.113.50"), Port: 4000}))
}

func TestChannelBindAssignsChannelInRange(t *testing.T) {
	client, _, cancel := newTestClient(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	require.NoError(t, client.Allocate(ctx, 600*time.Second))
	peer := stun.Addr{IP: net.ParseIP("203.0.113.50"), Port: 4000}
	ch, err := client.ChannelBind(ctx, peer)
	require.NoError(t, err)
	require.GreaterOrEqual(t, ch, uint16(0x4000))
	require.Less(t, ch, uint16(0x8000))

	// second bind for the same peer reuses the channel rather than
	// allocating a new one.
	ch2, err := client.ChannelBind(ctx, peer)
	require.NoError(t, err)
	require.Equal(t, ch, ch2)
}

func TestRefreshIntervalIsHalfLifetime(t *testing.T) {
	client, _, cancel := newTestClient(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	require.NoError(t, client.Allocate(ctx, 600*time.Second))
	require.Equal(t, 300*time.Second, client.RefreshInterval())
}
