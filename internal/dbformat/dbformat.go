// Package dbformat implements the internal key format.
//
// An internal key is a user key followed by an 8-byte trailer packing
// (sequence_number << 8) | value_type. Sequence numbers are 56-bit and
// monotonically increasing.
//
// Internal keys sort by user key ascending under the user comparator, then
// by trailer descending, so the newest record for a user key is visited
// first.
package dbformat

import (
	"errors"
	"fmt"

	"github.com/quarrykv/quarrykv/internal/encoding"
)

// SequenceNumber is a 56-bit sequence number stored in the upper 56 bits of
// the 64-bit trailer.
type SequenceNumber uint64

// MaxSequenceNumber is the maximum valid sequence number (2^56 - 1).
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the internal key trailer.
const NumInternalBytes = 8

// ValueType represents the kind of a key-value record. The byte values are
// embedded in the on-disk format and must not change.
type ValueType uint8

const (
	// TypeDeletion marks a point delete.
	TypeDeletion ValueType = 0x00

	// TypeValue is an ordinary Put.
	TypeValue ValueType = 0x01

	// TypeMerge is a merge operand folded by the merge operator.
	TypeMerge ValueType = 0x02

	// TypeSingleDeletion deletes exactly one preceding Put.
	TypeSingleDeletion ValueType = 0x07

	// TypeRangeDeletion is a range tombstone stored in the meta block.
	TypeRangeDeletion ValueType = 0x0F

	// TypeBlobIndex is a pointer into a blob sidecar file.
	TypeBlobIndex ValueType = 0x11

	// TypeMax is never stored; used as an upper bound for seeks.
	TypeMax ValueType = 0x7F
)

// ValueTypeForSeek is the type used when constructing a seek key for a user
// key: paired with MaxSequenceNumber it sorts before every real record of
// that user key.
const ValueTypeForSeek = TypeMax

// String returns the short name used in log output.
func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "DEL"
	case TypeValue:
		return "PUT"
	case TypeMerge:
		return "MERGE"
	case TypeSingleDeletion:
		return "SINGLEDEL"
	case TypeRangeDeletion:
		return "RANGEDEL"
	case TypeBlobIndex:
		return "BLOBIDX"
	default:
		return fmt.Sprintf("TYPE(%#x)", uint8(t))
	}
}

var (
	// ErrKeyTooSmall is returned when an internal key is smaller than the trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")

	// ErrInvalidValueType is returned when the value type is not recognized.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

// IsValueType reports whether t is a type that can appear in the point-key
// stream of an SST data block.
func IsValueType(t ValueType) bool {
	switch t {
	case TypeDeletion, TypeValue, TypeMerge, TypeSingleDeletion, TypeBlobIndex:
		return true
	default:
		return false
	}
}

// IsExtendedValueType additionally admits range deletions.
func IsExtendedValueType(t ValueType) bool {
	return IsValueType(t) || t == TypeRangeDeletion
}

// PackSequenceAndType packs a sequence number and value type into the
// 64-bit trailer.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

// UnpackSequenceAndType splits a trailer back into sequence and type.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xFF)
}

// ParsedInternalKey is the decoded form of an internal key.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

// DebugString renders the key the way compaction log lines do.
func (p *ParsedInternalKey) DebugString() string {
	return fmt.Sprintf("'%s' @ %d : %s", p.UserKey, p.Sequence, p.Type)
}

// AppendInternalKey appends the serialization of key to dst.
func AppendInternalKey(dst []byte, key *ParsedInternalKey) []byte {
	dst = append(dst, key.UserKey...)
	return encoding.AppendFixed64(dst, PackSequenceAndType(key.Sequence, key.Type))
}

// ParseInternalKey decodes an internal key. The returned UserKey aliases
// data.
func ParseInternalKey(data []byte, out *ParsedInternalKey) error {
	n := len(data)
	if n < NumInternalBytes {
		return ErrKeyTooSmall
	}
	packed := encoding.DecodeFixed64(data[n-NumInternalBytes:])
	out.UserKey = data[:n-NumInternalBytes]
	out.Sequence, out.Type = UnpackSequenceAndType(packed)
	if !IsExtendedValueType(out.Type) {
		return fmt.Errorf("%w: %#x", ErrInvalidValueType, uint8(out.Type))
	}
	return nil
}

// ExtractUserKey returns the user key portion of an internal key.
// REQUIRES: len(internalKey) >= NumInternalBytes
func ExtractUserKey(internalKey []byte) []byte {
	if len(internalKey) < NumInternalBytes {
		return nil
	}
	return internalKey[:len(internalKey)-NumInternalBytes]
}

// ExtractSequenceNumber returns the sequence number from an internal key.
func ExtractSequenceNumber(internalKey []byte) SequenceNumber {
	if len(internalKey) < NumInternalBytes {
		return 0
	}
	packed := encoding.DecodeFixed64(internalKey[len(internalKey)-NumInternalBytes:])
	return SequenceNumber(packed >> 8)
}

// ExtractValueType returns the value type from an internal key.
func ExtractValueType(internalKey []byte) ValueType {
	if len(internalKey) < NumInternalBytes {
		return TypeMax
	}
	packed := encoding.DecodeFixed64(internalKey[len(internalKey)-NumInternalBytes:])
	return ValueType(packed & 0xFF)
}

// InternalKey is an encoded internal key.
type InternalKey []byte

// MakeInternalKey builds an internal key from its parts.
func MakeInternalKey(userKey []byte, seq SequenceNumber, t ValueType) InternalKey {
	return AppendInternalKey(make([]byte, 0, len(userKey)+NumInternalBytes), &ParsedInternalKey{
		UserKey:  userKey,
		Sequence: seq,
		Type:     t,
	})
}

// MakeSeekKey builds the internal key that sorts at or before every record
// of userKey, for positioning an iterator at the start of that user key.
func MakeSeekKey(userKey []byte) InternalKey {
	return MakeInternalKey(userKey, MaxSequenceNumber, ValueTypeForSeek)
}

// UserKey returns the user key portion.
func (k InternalKey) UserKey() []byte { return ExtractUserKey(k) }

// Sequence returns the sequence number.
func (k InternalKey) Sequence() SequenceNumber { return ExtractSequenceNumber(k) }

// Type returns the value type.
func (k InternalKey) Type() ValueType { return ExtractValueType(k) }

// Clone returns a copy that does not alias k.
func (k InternalKey) Clone() InternalKey {
	return append(InternalKey(nil), k...)
}
