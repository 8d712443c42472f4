package artidx

import (
	"encoding/binary"
	"math"
)

// Keys are compared byte-wise, so every encoder here maps values to bytes
// whose lexicographic order is the order of the values. The engine also
// requires that no indexed key be a byte prefix of another; the fixed-width
// encoders get that for free, the variable-width ones end with a terminator.

const (
	keyEscape     = 0xFF
	keyTerminator = 0x01
)

// BytesKey encodes a variable-length byte string. 0x00 is escaped as
// 0x00 0xFF and the key ends with 0x00 0x01, which sorts below any escaped
// or ordinary continuation.
func BytesKey(b []byte) []byte {
	out := make([]byte, 0, len(b)+2)
	for _, c := range b {
		out = append(out, c)
		if c == 0 {
			out = append(out, keyEscape)
		}
	}
	return append(out, 0, keyTerminator)
}

func StringKey(s string) []byte {
	return BytesKey([]byte(s))
}

// DecodeBytesKey reverses BytesKey.
func DecodeBytesKey(key []byte) ([]byte, bool) {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] != 0 {
			out = append(out, key[i])
			continue
		}
		if i+1 >= len(key) {
			return nil, false
		}
		switch key[i+1] {
		case keyEscape:
			out = append(out, 0)
			i++
		case keyTerminator:
			return out, i+2 == len(key)
		default:
			return nil, false
		}
	}
	return nil, false
}

// Uint64Key encodes v big-endian.
func Uint64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func Uint32Key(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func Uint16Key(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// Int64Key encodes v big-endian with the sign bit flipped, so negative values
// sort before positive ones.
func Int64Key(v int64) []byte {
	return Uint64Key(uint64(v) ^ (1 << 63))
}

func Int32Key(v int32) []byte {
	return Uint32Key(uint32(v) ^ (1 << 31))
}

// Float64Key orders IEEE 754 doubles: negative values have every bit flipped,
// non-negative ones only the sign bit.
func Float64Key(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return Uint64Key(bits)
}
