package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBindingRequest() *Message {
	return &Message{
		Type:          Type{Method: MethodBinding, Class: ClassRequest},
		TransactionID: testTxnID(),
	}
}

func TestMessageIntegrityVerifies(t *testing.T) {
	key := ShortTermKey("examplepassword")

	m := newBindingRequest()
	m.Add(AttrUsername, []byte("ufrag1:ufrag2"))
	AddMessageIntegrity(m, key)

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.NoError(t, VerifyMessageIntegrity(decoded, key))
}

func TestMessageIntegrityDetectsBitFlip(t *testing.T) {
	key := ShortTermKey("examplepassword")

	m := newBindingRequest()
	m.Add(AttrUsername, []byte("ufrag1:ufrag2"))
	AddMessageIntegrity(m, key)

	encoded := Encode(m)
	encoded[len(encoded)-1] ^= 0x01 // flip a bit inside the MI attribute's tail

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	err = VerifyMessageIntegrity(decoded, key)
	assert.ErrorIs(t, err, ErrBadIntegrity)
}

func TestMessageIntegrityWrongKeyFails(t *testing.T) {
	m := newBindingRequest()
	AddMessageIntegrity(m, ShortTermKey("right-password"))

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	err = VerifyMessageIntegrity(decoded, ShortTermKey("wrong-password"))
	assert.ErrorIs(t, err, ErrBadIntegrity)
}

func TestFingerprintVerifies(t *testing.T) {
	m := newBindingRequest()
	m.Add(AttrUsername, []byte("abc"))
	AddFingerprint(m)

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.NoError(t, VerifyFingerprint(decoded))
}

func TestFingerprintDetectsBitFlip(t *testing.T) {
	m := newBindingRequest()
	m.Add(AttrUsername, []byte("abc"))
	AddFingerprint(m)

	encoded := Encode(m)
	encoded[8] ^= 0xFF // corrupt a transaction id byte, outside the FINGERPRINT TLV

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	err = VerifyFingerprint(decoded)
	assert.ErrorIs(t, err, ErrBadFingerprint)
}

func TestMessageIntegrityThenFingerprintOrder(t *testing.T) {
	key := ShortTermKey("pwd")
	m := newBindingRequest()
	m.Add(AttrUsername, []byte("abc"))
	AddMessageIntegrity(m, key)
	AddFingerprint(m)

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.NoError(t, VerifyMessageIntegrity(decoded, key))
	assert.NoError(t, VerifyFingerprint(decoded))
}

func TestLongTermKeyIsDeterministic(t *testing.T) {
	a := LongTermKey("user", "realm.example", "pass")
	b := LongTermKey("user", "realm.example", "pass")
	assert.Equal(t, a, b)

	c := LongTermKey("user", "realm.example", "different")
	assert.NotEqual(t, a, c)
}

func TestChallengeFromErrorResponse(t *testing.T) {
	m := &Message{Type: Type{Method: MethodAllocate, Class: ClassErrorResponse}, TransactionID: testTxnID()}
	m.Add(AttrErrorCode, EncodeErrorCode(ErrorCode{Code: 401, Reason: "Unauthorized"}))
	m.Add(AttrRealm, []byte("example.org"))
	m.Add(AttrNonce, []byte("abcdef0123"))

	realm, nonce, ok := ChallengeFromErrorResponse(m)
	require.True(t, ok)
	assert.Equal(t, "example.org", realm)
	assert.Equal(t, "abcdef0123", nonce)
}
