// Package stun implements the STUN (RFC 5389/8489) message codec used both
// for reflexive-address discovery and as the ICE connectivity-check wire
// protocol: binary framing, attribute TLV encoding, MESSAGE-INTEGRITY
// (HMAC-SHA1) and FINGERPRINT (CRC-32) computation/verification, and the
// XOR-MAPPED-ADDRESS transform.
package stun

import (
	"encoding/binary"

	"github.com/pionlabs/icecore/icerr"
)

// MagicCookie is the fixed value that appears at bytes 4-8 of every STUN
// message, used to distinguish STUN from other protocols sharing a port.
const MagicCookie uint32 = 0x2112A442

// TransactionIDSize is the length in bytes of a STUN transaction id.
const TransactionIDSize = 12

const headerSize = 20

// Class is the STUN message class (request/indication/success/error).
type Class uint16

const (
	ClassRequest         Class = 0x000
	ClassIndication      Class = 0x010
	ClassSuccessResponse Class = 0x100
	ClassErrorResponse   Class = 0x110
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown class"
	}
}

// Method is the STUN message method. Binding is the only one the ICE core
// uses directly; Allocate/Refresh/etc. belong to the TURN client.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

// Type packs a Method and Class into the 14-bit STUN message type field.
type Type struct {
	Method Method
	Class  Class
}

func (t Type) value() uint16 {
	m := uint16(t.Method)
	c := uint16(t.Class)
	// The class bits (C0, C1) are interleaved into the method field per
	// RFC 5389 §6: the method occupies bits 0-3, 5-8, 10-13 and the class
	// bits occupy bits 4 and 8.
	return (m & 0x000f) | (c & 0x0010) | ((m & 0x0070) << 1) | (c & 0x0100) | ((m & 0x0f80) << 2)
}

func typeFromValue(v uint16) Type {
	m := Method((v & 0x000f) | ((v & 0x00e0) >> 1) | ((v & 0x3e00) >> 2))
	c := Class((v & 0x0010) | (v & 0x0100))
	return Type{Method: m, Class: c}
}

// TransactionID is the 96-bit identifier correlating a request with its
// response.
type TransactionID [TransactionIDSize]byte

// Message is a decoded STUN message: header fields plus an ordered list of
// attributes exactly as seen on the wire (order matters for
// MESSAGE-INTEGRITY/FINGERPRINT verification, which must be computed over a
// specific attribute-inclusive prefix).
type Message struct {
	Type          Type
	TransactionID TransactionID
	Attributes    []RawAttribute
}

// RawAttribute is an undecoded attribute TLV.
type RawAttribute struct {
	Type  AttrType
	Value []byte
}

// NewTransactionID generates a random transaction id using the supplied
// random source (the caller wires this to github.com/pion/randutil so the
// RNG is shared/testable across the codebase).
func NewTransactionID(random func([]byte) error) (TransactionID, error) {
	var id TransactionID
	if err := random(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Contains reports whether the message carries an attribute of the given
// type.
func (m *Message) Contains(t AttrType) bool {
	_, ok := m.Get(t)
	return ok
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(t AttrType) (RawAttribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return RawAttribute{}, false
}

// Add appends an attribute, replacing any that might already be set before
// the FINGERPRINT/MESSAGE-INTEGRITY tail is written (callers are expected
// to call AddMessageIntegrity/AddFingerprint last).
func (m *Message) Add(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, RawAttribute{Type: t, Value: value})
}

// Encode serializes the message to wire bytes.
func Encode(m *Message) []byte {
	var body []byte
	for _, a := range m.Attributes {
		body = append(body, encodeAttr(a)...)
	}

	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint16(out[0:2], m.Type.value())
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(out[4:8], MagicCookie)
	copy(out[8:20], m.TransactionID[:])
	copy(out[20:], body)
	return out
}

func encodeAttr(a RawAttribute) []byte {
	padded := (len(a.Value) + 3) &^ 3
	out := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(out[0:2], uint16(a.Type))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(a.Value)))
	copy(out[4:], a.Value)
	return out
}

// Decode parses wire bytes into a Message. It performs structural
// validation only; integrity/fingerprint verification is a separate step
// (see VerifyFingerprint/VerifyMessageIntegrity) so callers can choose to
// defer it until they know the expected key.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < headerSize {
		return nil, &icerr.DecodeError{Err: errTooShort}
	}
	if binary.BigEndian.Uint32(raw[4:8]) != MagicCookie {
		return nil, &icerr.DecodeError{Err: errBadMagic}
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if len(raw) < headerSize+length {
		return nil, &icerr.DecodeError{Err: errTooShort}
	}

	m := &Message{Type: typeFromValue(binary.BigEndian.Uint16(raw[0:2]))}
	copy(m.TransactionID[:], raw[8:20])

	body := raw[headerSize : headerSize+length]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, &icerr.DecodeError{Err: errOddAlignment}
		}
		at := AttrType(binary.BigEndian.Uint16(body[0:2]))
		alen := int(binary.BigEndian.Uint16(body[2:4]))
		padded := (alen + 3) &^ 3
		if len(body) < 4+padded {
			return nil, &icerr.DecodeError{Err: errOddAlignment}
		}
		value := make([]byte, alen)
		copy(value, body[4:4+alen])
		m.Attributes = append(m.Attributes, RawAttribute{Type: at, Value: value})
		body = body[4+padded:]
	}

	return m, nil
}

// UnknownComprehensionRequired returns the subset of attribute types in the
// message that are comprehension-required (type < 0x8000) and not in the
// caller's set of attributes it knows how to handle. Per RFC 5389 §7.3.1 a
// server receiving such a request in a request MUST reject it with a 420
// listing them in UNKNOWN-ATTRIBUTES.
func (m *Message) UnknownComprehensionRequired(known map[AttrType]bool) []AttrType {
	var unknown []AttrType
	for _, a := range m.Attributes {
		if a.Type < 0x8000 && !known[a.Type] {
			unknown = append(unknown, a.Type)
		}
	}
	return unknown
}

// Clone returns a deep copy, primarily so a handler can mutate a message
// (e.g. append MESSAGE-INTEGRITY/FINGERPRINT) without aliasing the
// caller's attribute slice.
func (m *Message) Clone() *Message {
	clone := &Message{Type: m.Type, TransactionID: m.TransactionID}
	clone.Attributes = make([]RawAttribute, len(m.Attributes))
	for i, a := range m.Attributes {
		v := make([]byte, len(a.Value))
		copy(v, a.Value)
		clone.Attributes[i] = RawAttribute{Type: a.Type, Value: v}
	}
	return clone
}
