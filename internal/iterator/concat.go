package iterator

import "github.com/quarrykv/quarrykv/internal/dbformat"

// OpenFileFunc opens a cursor over one file in a sorted level.
type OpenFileFunc func(index int) (Iterator, error)

// Concatenating iterates a sorted, non-overlapping run of files (one LSM
// level above L0) as a single cursor, opening one file at a time.
type Concatenating struct {
	cmp *dbformat.InternalKeyComparator

	// smallest/largest internal keys per file, for seek routing.
	smallest []dbformat.InternalKey
	largest  []dbformat.InternalKey

	open OpenFileFunc

	index int // current file index
	cur   Iterator
	err   error
}

// NewConcatenating creates a level cursor. smallest and largest hold the
// per-file key bounds, in level order.
func NewConcatenating(cmp *dbformat.InternalKeyComparator, smallest, largest []dbformat.InternalKey, open OpenFileFunc) *Concatenating {
	return &Concatenating{
		cmp:      cmp,
		smallest: smallest,
		largest:  largest,
		open:     open,
		index:    -1,
	}
}

// Valid returns true if positioned at an entry.
func (ci *Concatenating) Valid() bool {
	return ci.err == nil && ci.cur != nil && ci.cur.Valid()
}

// Key returns the current key.
func (ci *Concatenating) Key() []byte {
	if !ci.Valid() {
		return nil
	}
	return ci.cur.Key()
}

// Value returns the current value.
func (ci *Concatenating) Value() []byte {
	if !ci.Valid() {
		return nil
	}
	return ci.cur.Value()
}

// SeekToFirst positions at the first entry of the first file.
func (ci *Concatenating) SeekToFirst() {
	ci.reset()
	if len(ci.smallest) == 0 {
		return
	}
	if !ci.setFile(0) {
		return
	}
	ci.cur.SeekToFirst()
	ci.skipExhausted()
}

// Seek positions at the first entry >= target.
func (ci *Concatenating) Seek(target []byte) {
	ci.reset()
	// Binary search for the first file whose largest key is >= target.
	lo, hi := 0, len(ci.largest)
	for lo < hi {
		mid := (lo + hi) / 2
		if ci.cmp.Compare(ci.largest[mid], target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(ci.largest) {
		return
	}
	if !ci.setFile(lo) {
		return
	}
	ci.cur.Seek(target)
	ci.skipExhausted()
}

// Next advances to the next entry, moving to the next file when the
// current one is exhausted.
func (ci *Concatenating) Next() {
	if !ci.Valid() {
		return
	}
	ci.cur.Next()
	ci.skipExhausted()
}

// Error returns the terminal status.
func (ci *Concatenating) Error() error {
	if ci.err != nil {
		return ci.err
	}
	if ci.cur != nil {
		return ci.cur.Error()
	}
	return nil
}

// Close closes the open file cursor, if any.
func (ci *Concatenating) Close() error {
	if ci.cur != nil {
		err := ci.cur.Close()
		ci.cur = nil
		return err
	}
	return nil
}

func (ci *Concatenating) reset() {
	if ci.cur != nil {
		_ = ci.cur.Close()
		ci.cur = nil
	}
	ci.index = -1
	ci.err = nil
}

func (ci *Concatenating) setFile(index int) bool {
	if ci.cur != nil {
		_ = ci.cur.Close()
		ci.cur = nil
	}
	it, err := ci.open(index)
	if err != nil {
		ci.err = err
		return false
	}
	ci.index = index
	ci.cur = it
	return true
}

// skipExhausted advances across file boundaries until an entry is found or
// the level runs out.
func (ci *Concatenating) skipExhausted() {
	for ci.cur != nil && !ci.cur.Valid() {
		if err := ci.cur.Error(); err != nil {
			ci.err = err
			return
		}
		next := ci.index + 1
		if next >= len(ci.smallest) {
			_ = ci.cur.Close()
			ci.cur = nil
			return
		}
		if !ci.setFile(next) {
			return
		}
		ci.cur.SeekToFirst()
	}
}
