package iterator

import (
	"bytes"

	"github.com/quarrykv/quarrykv/internal/dbformat"
)

// TrimHistory drops entries whose user-timestamp is strictly less than the
// trim bound. User keys carry the timestamp as a fixed-size suffix;
// timestamps compare bytewise descending-age (larger bytes = newer).
type TrimHistory struct {
	iter   Iterator
	tsSize int
	bound  []byte
}

// NewTrimHistory wraps iter. tsSize is the timestamp suffix length; bound
// is the exclusive trim bound. A zero tsSize or nil bound disables
// trimming.
func NewTrimHistory(iter Iterator, tsSize int, bound []byte) *TrimHistory {
	return &TrimHistory{iter: iter, tsSize: tsSize, bound: bound}
}

func (t *TrimHistory) trimmed() bool {
	if t.tsSize == 0 || t.bound == nil {
		return false
	}
	userKey := dbformat.ExtractUserKey(t.iter.Key())
	if len(userKey) < t.tsSize {
		return false
	}
	ts := userKey[len(userKey)-t.tsSize:]
	return bytes.Compare(ts, t.bound) < 0
}

func (t *TrimHistory) skip() {
	for t.iter.Valid() && t.trimmed() {
		t.iter.Next()
	}
}

func (t *TrimHistory) Valid() bool   { return t.iter.Valid() }
func (t *TrimHistory) Key() []byte   { return t.iter.Key() }
func (t *TrimHistory) Value() []byte { return t.iter.Value() }

func (t *TrimHistory) SeekToFirst() {
	t.iter.SeekToFirst()
	t.skip()
}

func (t *TrimHistory) Seek(target []byte) {
	t.iter.Seek(target)
	t.skip()
}

func (t *TrimHistory) Next() {
	t.iter.Next()
	t.skip()
}

func (t *TrimHistory) Error() error { return t.iter.Error() }
func (t *TrimHistory) Close() error { return t.iter.Close() }
