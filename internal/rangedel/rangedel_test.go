package rangedel

import (
	"bytes"
	"testing"

	"github.com/quarrykv/quarrykv/internal/dbformat"
)

func TestTombstoneCovers(t *testing.T) {
	ts := NewTombstone([]byte("b"), []byte("m"), 50)
	cmp := dbformat.BytewiseCompare

	cases := []struct {
		key  string
		seq  dbformat.SequenceNumber
		want bool
	}{
		{"b", 10, true},
		{"c", 49, true},
		{"c", 50, false},
		{"c", 51, false},
		{"a", 10, false},
		{"m", 10, false}, // end is exclusive
	}
	for _, tc := range cases {
		if got := ts.Covers(cmp, []byte(tc.key), tc.seq); got != tc.want {
			t.Errorf("Covers(%q@%d) = %v, want %v", tc.key, tc.seq, got, tc.want)
		}
	}
}

func TestFragmenterSplitsOverlaps(t *testing.T) {
	fr := NewFragmenter(dbformat.BytewiseCompare)
	fr.Add(NewTombstone([]byte("a"), []byte("m"), 10))
	fr.Add(NewTombstone([]byte("f"), []byte("z"), 20))
	list := fr.Finish()

	if list.Len() != 3 {
		t.Fatalf("fragments = %d, want 3", list.Len())
	}
	frags := list.All()
	wantSpans := []struct{ start, end string }{{"a", "f"}, {"f", "m"}, {"m", "z"}}
	for i, want := range wantSpans {
		if string(frags[i].Start) != want.start || string(frags[i].End) != want.end {
			t.Errorf("fragment %d = [%s, %s), want [%s, %s)",
				i, frags[i].Start, frags[i].End, want.start, want.end)
		}
	}
	// Middle fragment carries both sequences, newest first.
	if len(frags[1].Seqs) != 2 || frags[1].Seqs[0] != 20 || frags[1].Seqs[1] != 10 {
		t.Errorf("middle fragment seqs = %v, want [20 10]", frags[1].Seqs)
	}

	if f := list.Search([]byte("g")); f == nil || f.MaxSeq() != 20 {
		t.Error("search 'g' should find the overlap fragment at seq 20")
	}
	if f := list.Search([]byte("z")); f != nil {
		t.Error("search at the exclusive end must find nothing")
	}
}

func TestAggregatorShouldDrop(t *testing.T) {
	agg := NewCompactionAggregator(dbformat.BytewiseCompare)
	list := NewList()
	list.AddRange([]byte("a"), []byte("z"), 50)
	agg.AddTombstones(list)

	// No snapshots: anything older than the tombstone is gone.
	if !agg.ShouldDrop([]byte("k"), 10, nil) {
		t.Error("point below tombstone must drop with no snapshots")
	}
	if agg.ShouldDrop([]byte("k"), 60, nil) {
		t.Error("point above tombstone must survive")
	}

	// A snapshot at 30 separates point@10 from tombstone@50: the snapshot
	// still observes the point.
	snaps := []dbformat.SequenceNumber{30}
	if agg.ShouldDrop([]byte("k"), 10, snaps) {
		t.Error("snapshot between point and tombstone must keep the point")
	}
	// Point@40 and tombstone@50 share the above-snapshot bucket.
	if !agg.ShouldDrop([]byte("k"), 40, snaps) {
		t.Error("point in the tombstone's bucket must drop")
	}
}

func TestTombstonesInRangeClipsAtBoundaries(t *testing.T) {
	agg := NewCompactionAggregator(dbformat.BytewiseCompare)
	list := NewList()
	list.AddRange([]byte("a"), []byte("z"), 50)
	agg.AddTombstones(list)

	left := agg.TombstonesInRange(nil, []byte("m"), false, dbformat.MaxSequenceNumber)
	if len(left) != 1 || string(left[0].Start) != "a" || string(left[0].End) != "m" {
		t.Fatalf("left slice tombstones = %v", left)
	}
	right := agg.TombstonesInRange([]byte("m"), nil, false, dbformat.MaxSequenceNumber)
	if len(right) != 1 || string(right[0].Start) != "m" || string(right[0].End) != "z" {
		t.Fatalf("right slice tombstones = %v", right)
	}
	if left[0].Seq != 50 || right[0].Seq != 50 {
		t.Error("clipping must preserve the sequence")
	}

	// Span preservation: the clipped union equals the original span.
	if !bytes.Equal(left[0].End, right[0].Start) {
		t.Error("clipped spans must abut at the boundary")
	}
}

func TestTombstonesInRangeBottommostDrop(t *testing.T) {
	agg := NewCompactionAggregator(dbformat.BytewiseCompare)
	list := NewList()
	list.AddRange([]byte("a"), []byte("m"), 10)
	list.AddRange([]byte("m"), []byte("z"), 90)
	agg.AddTombstones(list)

	// Earliest snapshot at 40: the @10 tombstone hides nothing any
	// snapshot could still need once the level is bottommost.
	got := agg.TombstonesInRange(nil, nil, true, 40)
	if len(got) != 1 || got[0].Seq != 90 {
		t.Fatalf("bottommost drop: got %v, want only the @90 tombstone", got)
	}

	// Not bottommost: both survive.
	got = agg.TombstonesInRange(nil, nil, false, 40)
	if len(got) != 2 {
		t.Fatalf("non-bottommost: got %d tombstones, want 2", len(got))
	}
}
