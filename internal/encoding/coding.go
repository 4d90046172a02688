// Package encoding provides the binary encoding primitives shared by the
// SST, blob, and manifest formats.
//
// All multi-byte integers are little-endian. Variable-length integers use
// 7-bit groups with MSB continuation.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint32Length is the maximum number of bytes a varint32 can occupy.
const MaxVarint32Length = 5

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the buffer doesn't have enough space.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds the maximum value.
	ErrVarintOverflow = errors.New("encoding: varint overflow")
)

// EncodeFixed32 writes a 32-bit value to dst in little-endian order.
// REQUIRES: len(dst) >= 4
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed32 reads a 32-bit little-endian value from src.
// REQUIRES: len(src) >= 4
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// EncodeFixed64 writes a 64-bit value to dst in little-endian order.
// REQUIRES: len(dst) >= 8
func EncodeFixed64(dst []byte, value uint64) {
	binary.LittleEndian.PutUint64(dst, value)
}

// DecodeFixed64 reads a 64-bit little-endian value from src.
// REQUIRES: len(src) >= 8
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendFixed32 appends a 32-bit little-endian value to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a 64-bit little-endian value to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// AppendVarint32 appends a varint-encoded 32-bit value to dst.
func AppendVarint32(dst []byte, value uint32) []byte {
	return binary.AppendUvarint(dst, uint64(value))
}

// AppendVarint64 appends a varint-encoded 64-bit value to dst.
func AppendVarint64(dst []byte, value uint64) []byte {
	return binary.AppendUvarint(dst, value)
}

// DecodeVarint32 decodes a varint-encoded 32-bit value from src.
// Returns the value and the number of bytes consumed.
func DecodeVarint32(src []byte) (uint32, int, error) {
	v, n, err := DecodeVarint64(src)
	if err != nil {
		return 0, 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, 0, ErrVarintOverflow
	}
	return uint32(v), n, nil
}

// DecodeVarint64 decodes a varint-encoded 64-bit value from src.
// Returns the value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, ErrBufferTooSmall
	}
	return v, n, nil
}

// VarintLength returns the number of bytes needed to varint-encode v.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends a varint length prefix followed by value.
func AppendLengthPrefixedSlice(dst, value []byte) []byte {
	dst = AppendVarint64(dst, uint64(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice decodes a length-prefixed slice from src.
// Returns the slice (aliasing src) and the number of bytes consumed.
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	n, consumed, err := DecodeVarint64(src)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(src)-consumed) < n {
		return nil, 0, ErrBufferTooSmall
	}
	return src[consumed : consumed+int(n)], consumed + int(n), nil
}
