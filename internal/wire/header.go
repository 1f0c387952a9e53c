package wire

import "encoding/binary"

// HeaderSize is the fixed size of a DNS message header in bytes (RFC 1035
// Section 4.1.1).
const HeaderSize = 12

// Flag bit masks within the 16-bit flags word at header offset 2.
//
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|QR|   Opcode  |AA|TC|RD|RA| Z|   |   RCODE   |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	 15 14 13 12 11 10  9  8  7  6  5  4  3  2  1  0
const (
	FlagQR     uint16 = 0x8000
	maskOpcode uint16 = 0x7800
	FlagAA     uint16 = 0x0400
	FlagTC     uint16 = 0x0200
	FlagRD     uint16 = 0x0100
	FlagRA     uint16 = 0x0080
	maskRcode  uint16 = 0x000F
)

// RCODEs the core may produce or inspect (§6).
const (
	RcodeNoError  = 0
	RcodeFormErr  = 1
	RcodeServFail = 2
	RcodeNXDomain = 3
	RcodeNotImp   = 4
	RcodeRefused  = 5
)

// ID returns the 16-bit transaction id (first two bytes, network order).
// Callers must ensure len(msg) >= 2.
func ID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[0:2])
}

// SetID overwrites the transaction id in place.
func SetID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[0:2], id)
}

// QDCount returns the question count field. msg must be at least
// HeaderSize bytes.
func QDCount(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[4:6])
}

// Opcode extracts the 4-bit opcode from the flags word.
func Opcode(flags uint16) uint16 {
	return (flags & maskOpcode) >> 11
}

// Rcode extracts the 4-bit response code from the flags word.
func Rcode(flags uint16) uint16 {
	return flags & maskRcode
}

// Flags returns the raw flags word at header offset 2. msg must be at
// least HeaderSize bytes.
func Flags(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[2:4])
}

// ValidateHeader checks the two MALFORMED-REQUEST preconditions the proxy's
// request path enforces before decoding the question: the buffer must hold
// a full header, and it must declare at least one question.
func ValidateHeader(msg []byte) error {
	if len(msg) < HeaderSize {
		return ErrShort
	}
	if QDCount(msg) == 0 {
		return ErrNoQuestion
	}
	return nil
}
