package wire

import "strings"

// maxNameLength is the cumulative decoded name length (including the "."
// separators) the spec permits: 253 octets.
const maxNameLength = 253

// maxLabelLength is the largest a single literal label may be.
const maxLabelLength = 63

// isPointer reports whether a label-length byte is actually the first byte
// of a two-byte compression pointer (the top two bits are 11).
func isPointer(b byte) bool {
	return b&0xC0 == 0xC0
}

// isReserved reports whether a label-length byte uses the reserved 01 or 10
// high-bit pattern.
func isReserved(b byte) bool {
	return b&0xC0 != 0 && !isPointer(b)
}

// ParseQName walks the label sequence beginning at start and returns the
// decoded, lowercased, dot-joined name together with the number of bytes
// consumed from start through (and including) the terminating zero label or
// the two bytes of whichever pointer ends the in-line sequence.
//
// Compression pointers are followed, but only toward strictly smaller
// offsets than the byte that introduced them: a pointer whose target is not
// less than its own position is ErrPointerLoop. Because every hop strictly
// decreases the offset and offsets are bounded below by zero, decoding
// always terminates without needing a visited-offset set.
//
// ParseQName does not copy literal labels while walking: it collects
// sub-slices of msg in a growing slice and copies their bytes only once,
// into the returned string, when joining.
func ParseQName(msg []byte, start int) (name string, consumed int, err error) {
	if start < 0 || start >= len(msg) {
		return "", 0, ErrTruncated
	}

	var labels [][]byte
	pos := start
	jumped := false
	afterFirstPointer := 0
	totalLen := 0

	for {
		if pos >= len(msg) {
			return "", 0, ErrTruncated
		}

		lengthByte := msg[pos]

		if lengthByte == 0 {
			pos++
			if !jumped {
				afterFirstPointer = pos
			}
			break
		}

		if isPointer(lengthByte) {
			if pos+1 >= len(msg) {
				return "", 0, ErrTruncated
			}

			target := (int(lengthByte&0x3F) << 8) | int(msg[pos+1])

			// Policy: the pointer target must be strictly less than the
			// offset of the length byte that introduced the pointer, so
			// that following pointers always makes monotonic progress
			// toward offset zero and cannot loop.
			if target >= pos {
				return "", 0, ErrPointerLoop
			}

			if !jumped {
				afterFirstPointer = pos + 2
				jumped = true
			}

			pos = target

			continue
		}

		if isReserved(lengthByte) {
			return "", 0, ErrReservedLabel
		}

		labelLen := int(lengthByte)
		if labelLen > maxLabelLength {
			return "", 0, ErrLabelTooLong
		}

		pos++
		if pos+labelLen > len(msg) {
			return "", 0, ErrTruncated
		}

		label := msg[pos : pos+labelLen]
		pos += labelLen

		// Account for the label plus its separator dot the way the
		// assembled name will render it.
		totalLen += labelLen
		if len(labels) > 0 {
			totalLen++
		}
		if totalLen > maxNameLength {
			return "", 0, ErrNameTooLong
		}

		labels = append(labels, label)
	}

	return joinLower(labels), afterFirstPointer - start, nil
}

// joinLower lowercases and dot-joins the decoded labels without copying
// each label more than once.
func joinLower(labels [][]byte) string {
	if len(labels) == 0 {
		return ""
	}

	size := len(labels) - 1
	for _, l := range labels {
		size += len(l)
	}

	var b strings.Builder
	b.Grow(size)
	for i, l := range labels {
		if i > 0 {
			b.WriteByte('.')
		}
		for _, c := range l {
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			b.WriteByte(c)
		}
	}

	return b.String()
}

// EncodeName converts a plain dot-separated domain (trailing dot optional)
// into wire-format length-prefixed labels terminated by a zero byte. It is
// used to pre-encode the configured redirect target once at startup.
func EncodeName(domain string) ([]byte, error) {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return []byte{0}, nil
	}

	out := make([]byte, 0, len(domain)+2)
	start := 0
	for i := 0; i <= len(domain); i++ {
		if i == len(domain) || domain[i] == '.' {
			label := domain[start:i]
			if len(label) == 0 || len(label) > maxLabelLength {
				return nil, ErrLabelTooLong
			}
			out = append(out, byte(len(label)))
			out = append(out, label...)
			start = i + 1
		}
	}
	out = append(out, 0)

	return out, nil
}
