package stun

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pionlabs/icecore/icerr"
)

// AttrType is a STUN/TURN attribute type code. Values below 0x8000 are
// comprehension-required; above are comprehension-optional.
type AttrType uint16

// Attribute types recognized by this codec (spec §4.1).
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORMappedAddress  AttrType = 0x0020
	AttrPriority          AttrType = 0x0024
	AttrUseCandidate      AttrType = 0x0025
	AttrSoftware          AttrType = 0x8022
	AttrFingerprint       AttrType = 0x8028
	AttrICEControlled     AttrType = 0x8029
	AttrICEControlling    AttrType = 0x802A

	// TURN attributes (RFC 5766/8656).
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXORPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrXORRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
)

// Family is the STUN address family byte.
type Family byte

const (
	FamilyIPv4 Family = 0x01
	FamilyIPv6 Family = 0x02
)

// Addr is a decoded MAPPED-ADDRESS / XOR-MAPPED-ADDRESS value.
type Addr struct {
	IP   net.IP
	Port int
}

// String renders the address as "ip:port", suitable as a map key for
// permission/channel bookkeeping.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// EncodeMappedAddress encodes a plain (non-XOR) MAPPED-ADDRESS value:
// `0x00, family, port:u16, address` (spec §6).
func EncodeMappedAddress(a Addr) []byte {
	return encodeAddress(a, nil)
}

// EncodeXORMappedAddress encodes an XOR-MAPPED-ADDRESS value: the port is
// XORed with the top 16 bits of the magic cookie, the IPv4 address is
// XORed with the magic cookie, and the IPv6 address is XORed with
// magic-cookie‖transaction-id (spec §4.1, §6).
func EncodeXORMappedAddress(a Addr, txn TransactionID) []byte {
	return encodeAddress(a, &txn)
}

func encodeAddress(a Addr, xorKey *TransactionID) []byte {
	ip4 := a.IP.To4()
	family := FamilyIPv6
	addrBytes := []byte(a.IP.To16())
	if ip4 != nil {
		family = FamilyIPv4
		addrBytes = ip4
	}

	port := uint16(a.Port)
	if xorKey != nil {
		port ^= uint16(MagicCookie >> 16)
		addrBytes = xorBytes(addrBytes, xorKey)
	}

	out := make([]byte, 4+len(addrBytes))
	out[0] = 0x00
	out[1] = byte(family)
	binary.BigEndian.PutUint16(out[2:4], port)
	copy(out[4:], addrBytes)
	return out
}

func xorBytes(addr []byte, txn *TransactionID) []byte {
	var key [16]byte
	binary.BigEndian.PutUint32(key[0:4], MagicCookie)
	copy(key[4:16], txn[:])

	out := make([]byte, len(addr))
	for i := range addr {
		out[i] = addr[i] ^ key[i]
	}
	return out
}

// DecodeMappedAddress decodes a plain MAPPED-ADDRESS value.
func DecodeMappedAddress(v []byte) (Addr, error) {
	return decodeAddress(v, nil)
}

// DecodeXORMappedAddress decodes an XOR-MAPPED-ADDRESS value.
func DecodeXORMappedAddress(v []byte, txn TransactionID) (Addr, error) {
	return decodeAddress(v, &txn)
}

func decodeAddress(v []byte, xorKey *TransactionID) (Addr, error) {
	if len(v) < 4 {
		return Addr{}, &icerr.DecodeError{Err: errOddAlignment}
	}
	family := Family(v[1])
	port := binary.BigEndian.Uint16(v[2:4])
	addrBytes := v[4:]

	var wantLen int
	switch family {
	case FamilyIPv4:
		wantLen = 4
	case FamilyIPv6:
		wantLen = 16
	default:
		return Addr{}, &icerr.DecodeError{Err: errOddAlignment}
	}
	if len(addrBytes) < wantLen {
		return Addr{}, &icerr.DecodeError{Err: errOddAlignment}
	}
	addrBytes = addrBytes[:wantLen]

	if xorKey != nil {
		port ^= uint16(MagicCookie >> 16)
		addrBytes = xorBytes(addrBytes, xorKey)
	}

	return Addr{IP: net.IP(addrBytes), Port: int(port)}, nil
}

// ErrorCode is a decoded ERROR-CODE attribute value.
type ErrorCode struct {
	Code   int
	Reason string
}

// EncodeErrorCode encodes an ERROR-CODE attribute: class in the high byte
// of the 3rd byte, number in the 4th, reason phrase following (RFC 5389 §15.6).
func EncodeErrorCode(e ErrorCode) []byte {
	out := make([]byte, 4+len(e.Reason))
	out[2] = byte(e.Code / 100)
	out[3] = byte(e.Code % 100)
	copy(out[4:], e.Reason)
	return out
}

// DecodeErrorCode decodes an ERROR-CODE attribute value.
func DecodeErrorCode(v []byte) (ErrorCode, error) {
	if len(v) < 4 {
		return ErrorCode{}, &icerr.DecodeError{Err: errOddAlignment}
	}
	return ErrorCode{
		Code:   int(v[2])*100 + int(v[3]),
		Reason: string(v[4:]),
	}, nil
}

// EncodeUnknownAttributes encodes UNKNOWN-ATTRIBUTES: a list of u16 type
// codes, one per unrecognized comprehension-required attribute.
func EncodeUnknownAttributes(types []AttrType) []byte {
	out := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(out[2*i:2*i+2], uint16(t))
	}
	return out
}

// EncodeUint32 encodes a single big-endian u32 value, used by PRIORITY and LIFETIME.
func EncodeUint32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

// DecodeUint32 decodes a single big-endian u32 value.
func DecodeUint32(v []byte) (uint32, error) {
	if len(v) < 4 {
		return 0, &icerr.DecodeError{Err: errOddAlignment}
	}
	return binary.BigEndian.Uint32(v), nil
}

// EncodeUint64 encodes a single big-endian u64 value, used by the
// ICE-CONTROLLING/ICE-CONTROLLED tiebreaker.
func EncodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// DecodeUint64 decodes a single big-endian u64 value.
func DecodeUint64(v []byte) (uint64, error) {
	if len(v) < 8 {
		return 0, &icerr.DecodeError{Err: errOddAlignment}
	}
	return binary.BigEndian.Uint64(v), nil
}

// EncodeChannelNumber encodes a TURN CHANNEL-NUMBER attribute value:
// channel:u16 followed by 2 reserved zero bytes.
func EncodeChannelNumber(channel uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], channel)
	return out
}

// DecodeChannelNumber decodes a CHANNEL-NUMBER attribute value.
func DecodeChannelNumber(v []byte) (uint16, error) {
	if len(v) < 2 {
		return 0, &icerr.DecodeError{Err: errOddAlignment}
	}
	return binary.BigEndian.Uint16(v[0:2]), nil
}
