// Package encoding provides the big-endian and varint primitives shared by
// the on-disk codecs.
package encoding

import (
	"encoding/binary"
	"fmt"
)

// MarshalUint16 appends v to dst in big-endian order.
func MarshalUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

// UnmarshalUint16 reads a big-endian uint16 from src.
func UnmarshalUint16(src []byte) uint16 {
	return binary.BigEndian.Uint16(src)
}

// MarshalUint32 appends v to dst in big-endian order.
func MarshalUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// UnmarshalUint32 reads a big-endian uint32 from src.
func UnmarshalUint32(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// MarshalInt64 appends v to dst in big-endian order.
func MarshalInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

// UnmarshalInt64 reads a big-endian int64 from src.
func UnmarshalInt64(src []byte) int64 {
	return int64(binary.BigEndian.Uint64(src))
}

// MarshalVarint appends the unsigned varint form of v to dst.
func MarshalVarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// UnmarshalVarint reads an unsigned varint from src and returns the value
// along with the number of bytes consumed.
func UnmarshalVarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("invalid varint")
	}
	return v, n, nil
}

// MarshalZigZag appends the zig-zag varint form of v to dst. Deltas are
// signed and usually small, which is the case zig-zag is built for.
func MarshalZigZag(dst []byte, v int64) []byte {
	return binary.AppendUvarint(dst, uint64((v<<1)^(v>>63)))
}

// UnmarshalZigZag reads a zig-zag varint from src.
func UnmarshalZigZag(src []byte) (int64, int, error) {
	u, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("invalid varint")
	}
	return int64(u>>1) ^ -int64(u&1), n, nil
}

// MarshalBytes appends a length-prefixed byte slice to dst.
func MarshalBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// UnmarshalBytes reads a length-prefixed byte slice from src and returns it
// along with the number of bytes consumed.
func UnmarshalBytes(src []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, 0, fmt.Errorf("invalid length prefix")
	}
	if uint64(len(src)-n) < l {
		return nil, 0, fmt.Errorf("short buffer: need %d bytes, have %d", l, len(src)-n)
	}
	return src[n : n+int(l)], n + int(l), nil
}
