package iterator

import "github.com/quarrykv/quarrykv/internal/dbformat"

// Clip restricts an iterator to user keys in [start, end). A nil bound is
// unbounded. Clipping re-checks on every step; lower/upper bound hints
// pushed into the file readers are an optimization, not the contract.
type Clip struct {
	iter  Iterator
	cmp   dbformat.UserKeyComparer
	start []byte // inclusive user key bound, nil = unbounded
	end   []byte // exclusive user key bound, nil = unbounded
	valid bool
}

// NewClip wraps iter with [start, end) user-key bounds.
func NewClip(iter Iterator, cmp dbformat.UserKeyComparer, start, end []byte) *Clip {
	return &Clip{iter: iter, cmp: cmp, start: start, end: end}
}

// Valid returns true if positioned inside the bounds.
func (c *Clip) Valid() bool { return c.valid }

// Key returns the current key.
func (c *Clip) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.iter.Key()
}

// Value returns the current value.
func (c *Clip) Value() []byte {
	if !c.valid {
		return nil
	}
	return c.iter.Value()
}

// SeekToFirst positions at the first entry with user key >= start.
func (c *Clip) SeekToFirst() {
	if c.start != nil {
		c.iter.Seek(dbformat.MakeSeekKey(c.start))
	} else {
		c.iter.SeekToFirst()
	}
	c.check()
}

// Seek positions at the first entry >= target, clamped to the bounds.
func (c *Clip) Seek(target []byte) {
	if c.start != nil && c.cmp(dbformat.ExtractUserKey(target), c.start) < 0 {
		c.iter.Seek(dbformat.MakeSeekKey(c.start))
	} else {
		c.iter.Seek(target)
	}
	c.check()
}

// Next advances to the next in-bounds entry.
func (c *Clip) Next() {
	if !c.valid {
		return
	}
	c.iter.Next()
	c.check()
}

// Error returns the terminal status of the wrapped iterator.
func (c *Clip) Error() error { return c.iter.Error() }

// Close closes the wrapped iterator.
func (c *Clip) Close() error { return c.iter.Close() }

func (c *Clip) check() {
	c.valid = false
	if !c.iter.Valid() {
		return
	}
	userKey := dbformat.ExtractUserKey(c.iter.Key())
	if c.start != nil && c.cmp(userKey, c.start) < 0 {
		// Underlying seek may land before the bound when the reader
		// ignored the hint; step forward.
		for c.iter.Valid() && c.cmp(dbformat.ExtractUserKey(c.iter.Key()), c.start) < 0 {
			c.iter.Next()
		}
		if !c.iter.Valid() {
			return
		}
		userKey = dbformat.ExtractUserKey(c.iter.Key())
	}
	if c.end != nil && c.cmp(userKey, c.end) >= 0 {
		return
	}
	c.valid = true
}
