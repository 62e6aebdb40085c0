package datapath

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pionlabs/icecore/candidate"
	"github.com/pionlabs/icecore/internal/stun"
)

func TestClassifySTUN(t *testing.T) {
	m := &stun.Message{Type: stun.Type{Method: stun.MethodBinding, Class: stun.ClassRequest}}
	encoded := stun.Encode(m)
	assert.Equal(t, KindSTUN, Classify(encoded))
}

func TestClassifyChannelData(t *testing.T) {
	frame := make([]byte, 8)
	binary.BigEndian.PutUint16(frame[0:2], 0x4001)
	binary.BigEndian.PutUint16(frame[2:4], 4)
	assert.Equal(t, KindChannelData, Classify(frame))
}

func TestClassifyApplication(t *testing.T) {
	payload := []byte{0x80, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	assert.Equal(t, KindApplication, Classify(payload))
}

func TestClassifyShortBufferIsApplication(t *testing.T) {
	assert.Equal(t, KindApplication, Classify([]byte{0x00}))
}

func TestStripChannelDataRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], 0x4005)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	ch, data, err := StripChannelData(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4005), ch)
	assert.Equal(t, payload, data)
}

func TestComponentQueuePushPop(t *testing.T) {
	q := NewComponentQueue()
	defer q.Close()

	require.NoError(t, q.Push([]byte("datagram-1")))

	buf := make([]byte, 64)
	n, err := q.Pop(buf)
	require.NoError(t, err)
	assert.Equal(t, "datagram-1", string(buf[:n]))
}

type fakeConn struct {
	sentTo net.Addr
	sent   []byte
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.sent = append([]byte{}, b...)
	c.sentTo = addr
	return len(b), nil
}
func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) { return 0, nil, nil }
func (c *fakeConn) LocalAddr() net.Addr                      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error        { return nil }
func (c *fakeConn) Close() error                             { return nil }

func TestSelectedPairSenderDirectSend(t *testing.T) {
	local := &candidate.Candidate{Kind: candidate.Host}
	remote := &candidate.Candidate{Address: &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5000}}
	conn := &fakeConn{}

	sender := &SelectedPairSender{Pair: &candidate.Pair{Local: local, Remote: remote}, Conn: conn}
	err := sender.Send(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(conn.sent))
}

func TestSelectedPairSenderNotReadyWithoutPair(t *testing.T) {
	sender := &SelectedPairSender{}
	err := sender.Send(context.Background(), []byte("hi"))
	require.Error(t, err)
}
