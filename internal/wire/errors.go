// Package wire implements a hand-rolled RFC 1035 DNS message codec: header
// field access, QNAME decoding with compression-pointer safety, and
// synthesis of blacklist refusal/redirect/SERVFAIL responses.
//
// The QNAME decode path never copies label bytes before building the
// returned name, though it does allocate a slice of label references and
// the returned string. The package never depends on a general-purpose DNS library
// so that the forwarder's core packet handling stays auditable byte by
// byte, per the wire-format invariants it must uphold.
package wire

import "github.com/AdguardTeam/golibs/errors"

// Sentinel errors describing why a packet was rejected. Callers compare
// against these with errors.Is; the forwarder treats all of them as
// MALFORMED-REQUEST or MALFORMED-RESPONSE and drops the packet silently.
var (
	// ErrShort is returned when a buffer is smaller than the fixed 12-byte
	// header.
	ErrShort = errors.Error("wire: packet shorter than dns header")

	// ErrNoQuestion is returned when qd_count is zero.
	ErrNoQuestion = errors.Error("wire: qd_count is zero")

	// ErrTruncated is returned when a label or pointer walks off the end of
	// the buffer.
	ErrTruncated = errors.Error("wire: name decoding ran past end of packet")

	// ErrNameTooLong is returned when the cumulative decoded name exceeds
	// 253 octets.
	ErrNameTooLong = errors.Error("wire: decoded name exceeds 253 octets")

	// ErrPointerLoop is returned when a compression pointer does not
	// strictly decrease the offset, which would otherwise loop forever.
	ErrPointerLoop = errors.Error("wire: compression pointer does not strictly decrease offset")

	// ErrReservedLabel is returned when a label length byte has the
	// reserved 01/10 high-bit pattern.
	ErrReservedLabel = errors.Error("wire: reserved label length encoding")

	// ErrLabelTooLong is returned by EncodeName when a label is empty or
	// exceeds 63 bytes.
	ErrLabelTooLong = errors.Error("wire: label exceeds 63 bytes")
)
