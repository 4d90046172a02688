// Package rangedel implements range tombstone collection and placement for
// compaction.
//
// A range tombstone [start, end)@seq hides any point (u, q) with
// start <= u < end and q < seq. During compaction, tombstones from every
// input are fragmented into non-overlapping spans, used to drop covered
// point keys, and rewritten into the output files covering their span,
// split at sub-compaction boundaries.
package rangedel

import "github.com/quarrykv/quarrykv/internal/dbformat"

// Tombstone is a range deletion covering [Start, End) at Seq.
type Tombstone struct {
	// Start is the inclusive start of the deleted range (user key).
	Start []byte

	// End is the exclusive end of the deleted range (user key).
	End []byte

	// Seq is the sequence number the deletion was written at. Points with
	// smaller sequence numbers inside the span are hidden.
	Seq dbformat.SequenceNumber
}

// NewTombstone copies the bounds and returns a tombstone.
func NewTombstone(start, end []byte, seq dbformat.SequenceNumber) Tombstone {
	return Tombstone{
		Start: append([]byte(nil), start...),
		End:   append([]byte(nil), end...),
		Seq:   seq,
	}
}

// Contains reports whether userKey falls within [Start, End).
func (t *Tombstone) Contains(cmp dbformat.UserKeyComparer, userKey []byte) bool {
	return cmp(userKey, t.Start) >= 0 && cmp(userKey, t.End) < 0
}

// Covers reports whether this tombstone deletes (userKey, seq).
func (t *Tombstone) Covers(cmp dbformat.UserKeyComparer, userKey []byte, seq dbformat.SequenceNumber) bool {
	return t.Contains(cmp, userKey) && seq < t.Seq
}

// Empty reports whether the span is empty.
func (t *Tombstone) Empty(cmp dbformat.UserKeyComparer) bool {
	return cmp(t.Start, t.End) >= 0
}

// List is an unfragmented collection of tombstones.
type List struct {
	tombstones []Tombstone
}

// NewList creates an empty list.
func NewList() *List {
	return &List{}
}

// Add appends a tombstone.
func (l *List) Add(t Tombstone) {
	l.tombstones = append(l.tombstones, t)
}

// AddRange appends a tombstone built from bounds and sequence.
func (l *List) AddRange(start, end []byte, seq dbformat.SequenceNumber) {
	l.Add(NewTombstone(start, end, seq))
}

// Len returns the number of tombstones.
func (l *List) Len() int { return len(l.tombstones) }

// IsEmpty reports whether the list is empty.
func (l *List) IsEmpty() bool { return len(l.tombstones) == 0 }

// All returns the underlying tombstones.
func (l *List) All() []Tombstone { return l.tombstones }
