package rangedel

import (
	"sort"

	"github.com/quarrykv/quarrykv/internal/dbformat"
)

// Fragment is a non-overlapping span carrying every sequence number of a
// tombstone covering it, newest first.
type Fragment struct {
	Start []byte
	End   []byte
	Seqs  []dbformat.SequenceNumber
}

// MaxSeq returns the newest sequence covering this fragment.
func (f *Fragment) MaxSeq() dbformat.SequenceNumber {
	if len(f.Seqs) == 0 {
		return 0
	}
	return f.Seqs[0]
}

// Contains reports whether userKey falls within [Start, End).
func (f *Fragment) Contains(cmp dbformat.UserKeyComparer, userKey []byte) bool {
	return cmp(userKey, f.Start) >= 0 && cmp(userKey, f.End) < 0
}

// Fragmenter splits overlapping tombstones into disjoint fragments.
type Fragmenter struct {
	cmp        dbformat.UserKeyComparer
	tombstones []Tombstone
}

// NewFragmenter creates a fragmenter under the given user comparator.
func NewFragmenter(cmp dbformat.UserKeyComparer) *Fragmenter {
	if cmp == nil {
		cmp = dbformat.BytewiseCompare
	}
	return &Fragmenter{cmp: cmp}
}

// Add queues a tombstone for fragmentation. Empty spans are ignored.
func (fr *Fragmenter) Add(t Tombstone) {
	if t.Empty(fr.cmp) {
		return
	}
	fr.tombstones = append(fr.tombstones, t)
}

// Finish produces the fragmented list. The fragmenter can be reused after.
func (fr *Fragmenter) Finish() *FragmentedList {
	if len(fr.tombstones) == 0 {
		return &FragmentedList{cmp: fr.cmp}
	}

	// Collect the distinct boundary points of every span.
	var points [][]byte
	for _, t := range fr.tombstones {
		points = append(points, t.Start, t.End)
	}
	sort.Slice(points, func(i, j int) bool { return fr.cmp(points[i], points[j]) < 0 })
	dedup := points[:1]
	for _, p := range points[1:] {
		if fr.cmp(p, dedup[len(dedup)-1]) != 0 {
			dedup = append(dedup, p)
		}
	}

	// For each elementary span, gather the sequences of covering
	// tombstones.
	list := &FragmentedList{cmp: fr.cmp}
	for i := 0; i+1 < len(dedup); i++ {
		start, end := dedup[i], dedup[i+1]
		var seqs []dbformat.SequenceNumber
		for _, t := range fr.tombstones {
			if fr.cmp(t.Start, start) <= 0 && fr.cmp(t.End, end) >= 0 {
				seqs = append(seqs, t.Seq)
			}
		}
		if len(seqs) == 0 {
			continue
		}
		sort.Slice(seqs, func(a, b int) bool { return seqs[a] > seqs[b] })
		seqs = dedupSeqs(seqs)
		list.fragments = append(list.fragments, Fragment{
			Start: append([]byte(nil), start...),
			End:   append([]byte(nil), end...),
			Seqs:  seqs,
		})
	}
	fr.tombstones = nil
	return list
}

func dedupSeqs(seqs []dbformat.SequenceNumber) []dbformat.SequenceNumber {
	out := seqs[:1]
	for _, s := range seqs[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// FragmentedList holds disjoint fragments sorted by start key.
type FragmentedList struct {
	cmp       dbformat.UserKeyComparer
	fragments []Fragment
}

// Len returns the number of fragments.
func (l *FragmentedList) Len() int { return len(l.fragments) }

// IsEmpty reports whether the list is empty.
func (l *FragmentedList) IsEmpty() bool { return len(l.fragments) == 0 }

// All returns the fragments.
func (l *FragmentedList) All() []Fragment { return l.fragments }

// Search returns the fragment containing userKey, or nil.
func (l *FragmentedList) Search(userKey []byte) *Fragment {
	// First fragment with End > userKey.
	lo, hi := 0, len(l.fragments)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.cmp(l.fragments[mid].End, userKey) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(l.fragments) {
		return nil
	}
	if !l.fragments[lo].Contains(l.cmp, userKey) {
		return nil
	}
	return &l.fragments[lo]
}
