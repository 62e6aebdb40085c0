package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTxnID() TransactionID {
	var id TransactionID
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Type:          Type{Method: MethodBinding, Class: ClassRequest},
		TransactionID: testTxnID(),
	}
	m.Add(AttrUsername, []byte("alice:bob"))
	m.Add(AttrPriority, EncodeUint32(126<<24|8192<<8|254))

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.TransactionID, decoded.TransactionID)
	require.True(t, decoded.Contains(AttrUsername))
	u, _ := decoded.Get(AttrUsername)
	assert.Equal(t, "alice:bob", string(u.Value))
}

func TestMessageTypeBitInterleaving(t *testing.T) {
	cases := []Type{
		{Method: MethodBinding, Class: ClassRequest},
		{Method: MethodBinding, Class: ClassSuccessResponse},
		{Method: MethodBinding, Class: ClassErrorResponse},
		{Method: MethodAllocate, Class: ClassRequest},
		{Method: MethodAllocate, Class: ClassErrorResponse},
		{Method: MethodChannelBind, Class: ClassSuccessResponse},
	}
	for _, c := range cases {
		got := typeFromValue(c.value())
		assert.Equal(t, c, got)
	}
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 0})
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	m := &Message{Type: Type{Method: MethodBinding, Class: ClassRequest}, TransactionID: testTxnID()}
	encoded := Encode(m)
	encoded[4] = 0xFF
	_, err := Decode(encoded)
	require.Error(t, err)
}

func TestXORMappedAddressRoundTrip(t *testing.T) {
	txn := testTxnID()

	v4 := Addr{IP: net.ParseIP("192.0.2.5"), Port: 54321}
	encoded := EncodeXORMappedAddress(v4, txn)
	decoded, err := DecodeXORMappedAddress(encoded, txn)
	require.NoError(t, err)
	assert.True(t, decoded.IP.Equal(v4.IP))
	assert.Equal(t, v4.Port, decoded.Port)
}

func TestXORMappedAddressIPv6RoundTrip(t *testing.T) {
	txn := testTxnID()
	v6 := Addr{IP: net.ParseIP("2001:db8::1"), Port: 443}
	encoded := EncodeXORMappedAddress(v6, txn)
	decoded, err := DecodeXORMappedAddress(encoded, txn)
	require.NoError(t, err)
	assert.True(t, decoded.IP.Equal(v6.IP))
	assert.Equal(t, v6.Port, decoded.Port)
}

func TestMappedAddressIsNotXORed(t *testing.T) {
	addr := Addr{IP: net.ParseIP("203.0.113.9"), Port: 9000}
	encoded := EncodeMappedAddress(addr)
	decoded, err := DecodeMappedAddress(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, decoded.Port)
}

func TestErrorCodeRoundTrip(t *testing.T) {
	ec := ErrorCode{Code: 401, Reason: "Unauthorized"}
	encoded := EncodeErrorCode(ec)
	decoded, err := DecodeErrorCode(encoded)
	require.NoError(t, err)
	assert.Equal(t, ec, decoded)
}

func TestUnknownComprehensionRequired(t *testing.T) {
	m := &Message{Type: Type{Method: MethodBinding, Class: ClassRequest}, TransactionID: testTxnID()}
	m.Add(AttrType(0x0002), []byte("resp-address, long retired"))
	m.Add(AttrUsername, []byte("x"))

	known := map[AttrType]bool{AttrUsername: true}
	unknown := m.UnknownComprehensionRequired(known)
	require.Len(t, unknown, 1)
	assert.Equal(t, AttrType(0x0002), unknown[0])
}
