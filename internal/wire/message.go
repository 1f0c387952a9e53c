package wire

import "encoding/binary"

// QuestionEnd returns the byte offset immediately following the first
// question's QTYPE/QCLASS fields, i.e. the end of the question section the
// core ever looks at. nameLen is the consumed length ParseQName returned
// for that question's QNAME.
func QuestionEnd(nameLen int) int {
	return HeaderSize + nameLen + 4
}

// SynthesizeRefusal builds a response equal in size to req: it copies req
// verbatim, then sets QR=1, RD=0, RA=0, AA=0, TC=0, RCODE=rcode, and zeroes
// an_count/ns_count/ar_count while preserving qd_count and the id and the
// question section byte-for-byte (§4.1, testable property 3).
func SynthesizeRefusal(req []byte, rcode uint16) []byte {
	resp := make([]byte, len(req))
	copy(resp, req)

	flags := Flags(resp)
	flags |= FlagQR
	flags &^= FlagRD
	flags &^= FlagRA
	flags &^= FlagAA
	flags &^= FlagTC
	flags = (flags &^ maskRcode) | (rcode & maskRcode)
	binary.BigEndian.PutUint16(resp[2:4], flags)

	binary.BigEndian.PutUint16(resp[6:8], 0)  // an_count
	binary.BigEndian.PutUint16(resp[8:10], 0) // ns_count
	binary.BigEndian.PutUint16(resp[10:12], 0) // ar_count

	return resp
}

// SynthesizeServFail builds a minimal SERVFAIL response used for the
// timeout path (§4.4.2): id preserved, QR=1, RCODE=SERVFAIL, no question or
// answer section since the original request bytes are no longer available
// once the transaction has been evicted.
func SynthesizeServFail(txID uint16) []byte {
	resp := make([]byte, HeaderSize)
	SetID(resp, txID)
	binary.BigEndian.PutUint16(resp[2:4], FlagQR|uint16(RcodeServFail))
	return resp
}

// SynthesizeRedirect replaces the QNAME in req's question section with
// encodedTarget (a pre-encoded wire-format domain, see EncodeName) while
// preserving the trailing QTYPE/QCLASS and everything else in the packet,
// including any additional records that follow the question section. The
// header id is left unchanged (§4.1).
func SynthesizeRedirect(req []byte, qnameLen int, encodedTarget []byte) []byte {
	tail := req[HeaderSize+qnameLen:]

	out := make([]byte, 0, HeaderSize+len(encodedTarget)+len(tail))
	out = append(out, req[:HeaderSize]...)
	out = append(out, encodedTarget...)
	out = append(out, tail...)

	return out
}
