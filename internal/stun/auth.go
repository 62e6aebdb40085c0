package stun

import (
	"crypto/md5" //nolint:gosec // mandated by RFC 5389 §15.4 long-term credential mechanism
)

// ShortTermKey returns the HMAC key used for ICE connectivity checks: the
// UTF-8 bytes of the ICE password, used directly (RFC 5389 §15.4).
func ShortTermKey(password string) []byte {
	return []byte(password)
}

// LongTermKey returns the HMAC key used by the TURN long-term credential
// mechanism: MD5(username ":" realm ":" password) (RFC 5389 §15.4). TURN
// servers require this exact construction; it is not optional.
func LongTermKey(username, realm, password string) []byte {
	h := md5.New() //nolint:gosec
	h.Write([]byte(username))
	h.Write([]byte{':'})
	h.Write([]byte(realm))
	h.Write([]byte{':'})
	h.Write([]byte(password))
	return h.Sum(nil)
}

// LongTermCredentials bundles the values a TURN client must carry once the
// server has handed back a REALM/NONCE pair via a 401 challenge (spec §7).
type LongTermCredentials struct {
	Username string
	Password string
	Realm    string
	Nonce    string
}

// Key returns the HMAC key for the current realm/username/password triple.
func (c LongTermCredentials) Key() []byte {
	return LongTermKey(c.Username, c.Realm, c.Password)
}

// Decorate appends USERNAME, REALM, and NONCE to a request that is about to
// be retried after a 401 challenge, ahead of the caller adding
// MESSAGE-INTEGRITY and FINGERPRINT.
func (c LongTermCredentials) Decorate(m *Message) {
	m.Add(AttrUsername, []byte(c.Username))
	m.Add(AttrRealm, []byte(c.Realm))
	m.Add(AttrNonce, []byte(c.Nonce))
}

// ChallengeFromErrorResponse extracts REALM and NONCE from a 401
// (Unauthorized) or 438 (Stale Nonce) error response, as used to (re)start
// the long-term credential exchange.
func ChallengeFromErrorResponse(m *Message) (realm, nonce string, ok bool) {
	r, hasRealm := m.Get(AttrRealm)
	n, hasNonce := m.Get(AttrNonce)
	if !hasRealm || !hasNonce {
		return "", "", false
	}
	return string(r.Value), string(n.Value), true
}
