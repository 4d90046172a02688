package rangedel

import (
	"github.com/quarrykv/quarrykv/internal/dbformat"
)

// CompactionAggregator collects range tombstones from every compaction
// input, decides point-key survival against the snapshot list, and hands
// back the tombstones to persist for a given output slice.
//
// Each sub-compaction owns its own aggregator; there is no sharing across
// workers.
type CompactionAggregator struct {
	cmp       dbformat.UserKeyComparer
	raw       []Tombstone
	fragments *FragmentedList
	dirty     bool
}

// NewCompactionAggregator creates an empty aggregator.
func NewCompactionAggregator(cmp dbformat.UserKeyComparer) *CompactionAggregator {
	if cmp == nil {
		cmp = dbformat.BytewiseCompare
	}
	return &CompactionAggregator{cmp: cmp}
}

// AddTombstones merges a file's tombstone list into the aggregator.
func (a *CompactionAggregator) AddTombstones(list *List) {
	if list == nil || list.IsEmpty() {
		return
	}
	a.raw = append(a.raw, list.All()...)
	a.dirty = true
}

// IsEmpty reports whether any tombstones have been added.
func (a *CompactionAggregator) IsEmpty() bool { return len(a.raw) == 0 }

func (a *CompactionAggregator) fragmented() *FragmentedList {
	if a.fragments == nil || a.dirty {
		fr := NewFragmenter(a.cmp)
		for _, t := range a.raw {
			fr.Add(t)
		}
		a.fragments = fr.Finish()
		a.dirty = false
	}
	return a.fragments
}

// MaxCoveringSeq returns the newest tombstone sequence covering userKey
// that is strictly greater than seq, or 0 when none covers it.
func (a *CompactionAggregator) MaxCoveringSeq(userKey []byte, seq dbformat.SequenceNumber) dbformat.SequenceNumber {
	f := a.fragmented().Search(userKey)
	if f == nil {
		return 0
	}
	if f.MaxSeq() > seq {
		return f.MaxSeq()
	}
	return 0
}

// ShouldDrop reports whether the point (userKey, seq) can be dropped:
// a covering tombstone must hide it in every snapshot bucket that could
// still observe the point, which holds exactly when some covering
// tombstone t satisfies t > seq with no snapshot s in [seq, t).
func (a *CompactionAggregator) ShouldDrop(userKey []byte, seq dbformat.SequenceNumber, snapshots []dbformat.SequenceNumber) bool {
	f := a.fragmented().Search(userKey)
	if f == nil {
		return false
	}
	for _, t := range f.Seqs {
		if t <= seq {
			break
		}
		if InSameBucket(seq, t, snapshots) {
			return true
		}
	}
	return false
}

// InSameBucket reports whether sequences a and b fall between the same
// pair of adjacent snapshots (no snapshot separates them).
func InSameBucket(a, b dbformat.SequenceNumber, snapshots []dbformat.SequenceNumber) bool {
	_, bucketA := dbformat.EarliestVisibleSnapshot(a, snapshots)
	_, bucketB := dbformat.EarliestVisibleSnapshot(b, snapshots)
	return bucketA == bucketB
}

// TombstonesInRange returns the tombstones to persist into an output
// covering [start, end) of user keys (nil bounds are unbounded): fragments
// clipped to the slice, one tombstone per (span, seq), with adjacent
// fragments at equal sequence coalesced.
//
// When bottommost holds, tombstones whose sequence is at or below the
// earliest snapshot hide nothing beneath them and are dropped.
func (a *CompactionAggregator) TombstonesInRange(start, end []byte, bottommost bool, earliestSnapshot dbformat.SequenceNumber) []Tombstone {
	var out []Tombstone
	for _, f := range a.fragmented().All() {
		clipStart, clipEnd := f.Start, f.End
		if start != nil && a.cmp(clipStart, start) < 0 {
			clipStart = start
		}
		if end != nil && a.cmp(clipEnd, end) > 0 {
			clipEnd = end
		}
		if a.cmp(clipStart, clipEnd) >= 0 {
			continue
		}
		for _, seq := range f.Seqs {
			if bottommost && seq <= earliestSnapshot {
				continue
			}
			// Coalesce with the previous tombstone when the spans abut at
			// the same sequence.
			if n := len(out); n > 0 && out[n-1].Seq == seq && a.cmp(out[n-1].End, clipStart) == 0 {
				out[n-1].End = append([]byte(nil), clipEnd...)
				continue
			}
			out = append(out, NewTombstone(clipStart, clipEnd, seq))
		}
	}
	return out
}
