package icecore

import "crypto/rand"

// defaultRandom fills b with cryptographically random bytes, used for
// transaction ids, tiebreakers, and ufrag/password generation when the
// caller does not supply their own source.
func defaultRandom(b []byte) error {
	_, err := rand.Read(b)
	return err
}
