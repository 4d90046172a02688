package dbformat

import "github.com/quarrykv/quarrykv/internal/encoding"

// UserKeyComparer compares two user keys. Negative if a < b, positive if
// a > b, zero if equal.
type UserKeyComparer func(a, b []byte) int

// BytewiseCompare is the default user key comparer.
func BytewiseCompare(a, b []byte) int {
	minLen := min(len(a), len(b))
	for i := 0; i < minLen; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// InternalKeyComparator compares internal keys: user key ascending under
// the wrapped user comparator, then trailer descending (newer first).
type InternalKeyComparator struct {
	userCompare UserKeyComparer

	// timestampSize is the fixed byte length of the user-timestamp suffix
	// carried at the end of every user key, or 0 when the comparator is not
	// timestamp-aware. Sub-compactions are disabled when this is non-zero.
	timestampSize int
}

// NewInternalKeyComparator wraps a user key comparison function.
func NewInternalKeyComparator(userCompare UserKeyComparer) *InternalKeyComparator {
	if userCompare == nil {
		userCompare = BytewiseCompare
	}
	return &InternalKeyComparator{userCompare: userCompare}
}

// NewTimestampAwareComparator wraps a user comparer whose user keys carry a
// fixed-size timestamp suffix.
func NewTimestampAwareComparator(userCompare UserKeyComparer, timestampSize int) *InternalKeyComparator {
	c := NewInternalKeyComparator(userCompare)
	c.timestampSize = timestampSize
	return c
}

// DefaultInternalKeyComparator uses bytewise user key ordering.
var DefaultInternalKeyComparator = NewInternalKeyComparator(BytewiseCompare)

// Compare compares two internal keys.
func (c *InternalKeyComparator) Compare(a, b []byte) int {
	userKeyA := ExtractUserKey(a)
	userKeyB := ExtractUserKey(b)
	if userKeyA == nil {
		userKeyA = a
	}
	if userKeyB == nil {
		userKeyB = b
	}

	if cmp := c.userCompare(userKeyA, userKeyB); cmp != 0 {
		return cmp
	}

	// Equal user keys: higher trailer (newer record) sorts first.
	if len(a) >= NumInternalBytes && len(b) >= NumInternalBytes {
		trailerA := encoding.DecodeFixed64(a[len(a)-NumInternalBytes:])
		trailerB := encoding.DecodeFixed64(b[len(b)-NumInternalBytes:])
		if trailerA > trailerB {
			return -1
		}
		if trailerA < trailerB {
			return 1
		}
	}
	return 0
}

// CompareUserKey compares just the user key portions of two internal keys.
func (c *InternalKeyComparator) CompareUserKey(a, b []byte) int {
	userKeyA := ExtractUserKey(a)
	userKeyB := ExtractUserKey(b)
	if userKeyA == nil {
		userKeyA = a
	}
	if userKeyB == nil {
		userKeyB = b
	}
	return c.userCompare(userKeyA, userKeyB)
}

// UserCompare returns the user key comparison function.
func (c *InternalKeyComparator) UserCompare() UserKeyComparer {
	return c.userCompare
}

// TimestampSize returns the user-timestamp suffix length, 0 if none.
func (c *InternalKeyComparator) TimestampSize() int {
	return c.timestampSize
}

// EarliestVisibleSnapshot returns the smallest snapshot sequence >= seq
// from the ascending snapshot list, or MaxSequenceNumber when seq is newer
// than every snapshot ("above-all" bucket). The second return is the bucket
// index (len(snapshots) for above-all).
func EarliestVisibleSnapshot(seq SequenceNumber, snapshots []SequenceNumber) (SequenceNumber, int) {
	lo, hi := 0, len(snapshots)
	for lo < hi {
		mid := (lo + hi) / 2
		if snapshots[mid] >= seq {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == len(snapshots) {
		return MaxSequenceNumber, lo
	}
	return snapshots[lo], lo
}
