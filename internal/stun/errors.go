package stun

import "errors"

// Decode error kinds named in the wire-codec spec. These are wrapped inside
// icerr.DecodeError; callers that need to distinguish them compare with
// errors.Is against these sentinels.
var (
	errTooShort     = errors.New("stun: message shorter than header or declared length")
	errBadMagic     = errors.New("stun: bad magic cookie")
	errOddAlignment = errors.New("stun: attribute not 4-byte aligned or truncated")

	errTransactionTimedOut = errors.New("stun: transaction exhausted retransmission schedule")
)

// ErrBadFingerprint indicates the trailing FINGERPRINT attribute does not
// match the CRC-32 of the preceding bytes.
var ErrBadFingerprint = errors.New("stun: fingerprint mismatch")

// ErrBadIntegrity indicates the MESSAGE-INTEGRITY HMAC does not match.
var ErrBadIntegrity = errors.New("stun: message-integrity mismatch")

// ErrNoSuchAttribute indicates a required attribute was absent.
var ErrNoSuchAttribute = errors.New("stun: required attribute missing")
