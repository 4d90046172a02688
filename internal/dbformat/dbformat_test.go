package dbformat

import (
	"bytes"
	"testing"
)

func TestInternalKeyRoundTrip(t *testing.T) {
	cases := []struct {
		userKey []byte
		seq     SequenceNumber
		kind    ValueType
	}{
		{[]byte("foo"), 100, TypeValue},
		{[]byte(""), 0, TypeDeletion},
		{[]byte("k"), MaxSequenceNumber, TypeMerge},
		{[]byte("big"), 1 << 40, TypeSingleDeletion},
		{[]byte("b"), 7, TypeBlobIndex},
	}
	for _, tc := range cases {
		key := MakeInternalKey(tc.userKey, tc.seq, tc.kind)
		var pk ParsedInternalKey
		if err := ParseInternalKey(key, &pk); err != nil {
			t.Fatalf("parse %q: %v", tc.userKey, err)
		}
		if !bytes.Equal(pk.UserKey, tc.userKey) || pk.Sequence != tc.seq || pk.Type != tc.kind {
			t.Errorf("round trip mismatch for %q: got %+v", tc.userKey, pk)
		}
		if !bytes.Equal(key.UserKey(), tc.userKey) {
			t.Errorf("UserKey() mismatch for %q", tc.userKey)
		}
		if key.Sequence() != tc.seq || key.Type() != tc.kind {
			t.Errorf("accessor mismatch for %q", tc.userKey)
		}
	}
}

func TestParseRejectsBadKeys(t *testing.T) {
	var pk ParsedInternalKey
	if err := ParseInternalKey([]byte("short"), &pk); err == nil {
		t.Fatal("expected error for key shorter than the trailer")
	}
	bad := MakeInternalKey([]byte("k"), 5, ValueType(0x55))
	if err := ParseInternalKey(bad, &pk); err == nil {
		t.Fatal("expected error for unknown value type")
	}
}

func TestComparatorOrdering(t *testing.T) {
	cmp := DefaultInternalKeyComparator

	// Ascending user keys.
	a := MakeInternalKey([]byte("a"), 5, TypeValue)
	b := MakeInternalKey([]byte("b"), 5, TypeValue)
	if cmp.Compare(a, b) >= 0 {
		t.Fatal("'a' must sort before 'b'")
	}

	// Same user key: higher sequence first.
	newer := MakeInternalKey([]byte("k"), 10, TypeValue)
	older := MakeInternalKey([]byte("k"), 5, TypeValue)
	if cmp.Compare(newer, older) >= 0 {
		t.Fatal("newer record must sort before older")
	}

	// Same (user key, seq): higher kind first.
	del := MakeInternalKey([]byte("k"), 5, TypeSingleDeletion)
	put := MakeInternalKey([]byte("k"), 5, TypeValue)
	if cmp.Compare(del, put) >= 0 {
		t.Fatal("higher kind must sort before lower at equal sequence")
	}

	// The seek key sorts before every real record of its user key.
	seek := MakeSeekKey([]byte("k"))
	if cmp.Compare(seek, newer) >= 0 {
		t.Fatal("seek key must sort before the newest record")
	}
	if cmp.CompareUserKey(seek, newer) != 0 {
		t.Fatal("seek key user portion must equal the user key")
	}
}

func TestEarliestVisibleSnapshot(t *testing.T) {
	snapshots := []SequenceNumber{10, 20, 30}
	cases := []struct {
		seq        SequenceNumber
		wantSnap   SequenceNumber
		wantBucket int
	}{
		{5, 10, 0},
		{10, 10, 0},
		{11, 20, 1},
		{30, 30, 2},
		{31, MaxSequenceNumber, 3},
	}
	for _, tc := range cases {
		snap, bucket := EarliestVisibleSnapshot(tc.seq, snapshots)
		if snap != tc.wantSnap || bucket != tc.wantBucket {
			t.Errorf("seq %d: got (%d, %d), want (%d, %d)",
				tc.seq, snap, bucket, tc.wantSnap, tc.wantBucket)
		}
	}

	if snap, bucket := EarliestVisibleSnapshot(7, nil); snap != MaxSequenceNumber || bucket != 0 {
		t.Errorf("empty snapshots: got (%d, %d)", snap, bucket)
	}
}

func TestTimestampAwareComparator(t *testing.T) {
	c := NewTimestampAwareComparator(BytewiseCompare, 8)
	if c.TimestampSize() != 8 {
		t.Fatalf("TimestampSize = %d, want 8", c.TimestampSize())
	}
	if DefaultInternalKeyComparator.TimestampSize() != 0 {
		t.Fatal("default comparator must not carry a timestamp")
	}
}
