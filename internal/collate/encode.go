// Order-preserving byte encoding of view keys.
//
// Encode produces bytes whose bytewise order equals Compare order for
// the same mode, so index rows persisted under these keys come back
// from the KV store already in collation order. The encoding is
// one-way; rows carry their original key as JSON alongside.
package collate

import (
	"bytes"
	"encoding/binary"
	"math"
	"unicode"
)

const terminator = 0x00

// Encode renders key into its collatable byte form for the mode.
func Encode(mode Mode, key any) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, mode, key)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, mode Mode, v any) {
	// Tags are rank+1 so the terminator byte sorts below any element.
	tag := byte(typeRank(v, mode) + 1)
	buf.WriteByte(tag)

	switch x := v.(type) {
	case nil, bool:
		// Tag alone carries the value.
	case string:
		if mode == Unicode {
			encodeStringUnicode(buf, x)
		} else {
			encodeStringRaw(buf, x)
		}
	case []any:
		for _, elem := range x {
			encodeValue(buf, mode, elem)
		}
		buf.WriteByte(terminator)
	case map[string]any:
		for _, k := range sortedKeys(x) {
			encodeValue(buf, mode, k)
			encodeValue(buf, mode, x[k])
		}
		buf.WriteByte(terminator)
	default:
		f, _ := asNumber(v)
		encodeNumber(buf, f)
	}
}

// encodeNumber writes 8 bytes that sort like the float. Negative
// values get all bits flipped, non-negative values get the sign bit
// flipped, yielding an unsigned bytewise order matching numeric order.
func encodeNumber(buf *bytes.Buffer, f float64) {
	if f == 0 {
		f = 0 // normalize -0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], bits)
	buf.Write(raw[:])
}

// encodeStringRaw escapes 0x00/0x01 so the terminator stays
// unambiguous while preserving byte order.
func encodeStringRaw(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 0x00:
			buf.WriteByte(0x01)
			buf.WriteByte(0x01)
		case 0x01:
			buf.WriteByte(0x01)
			buf.WriteByte(0x02)
		default:
			buf.WriteByte(s[i])
		}
	}
	buf.WriteByte(terminator)
}

// encodeStringUnicode writes a two-level sort key: a primary section
// of fixed 5-byte groups (rune class, case-folded codepoint) and a
// tertiary section resolving case, lowercase first. Two strings with
// equal primaries have the same rune count, so the tertiary sections
// align.
func encodeStringUnicode(buf *bytes.Buffer, s string) {
	for _, r := range s {
		buf.WriteByte(byte(runeClass(r) + 1))
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], uint32(unicode.ToLower(r)))
		buf.Write(raw[:])
	}
	buf.WriteByte(terminator)
	for _, r := range s {
		if unicode.IsUpper(r) {
			buf.WriteByte(0x02)
		} else {
			buf.WriteByte(0x01)
		}
	}
	buf.WriteByte(terminator)
}
