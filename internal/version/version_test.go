package version

import (
	"testing"

	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/manifest"
)

func fileAt(num uint64, size uint64, smallest, largest string, seq dbformat.SequenceNumber) *manifest.FileMetaData {
	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(num, 0, size)
	meta.FD.SmallestSeqno = seq
	meta.FD.LargestSeqno = seq
	meta.Smallest = dbformat.MakeInternalKey([]byte(smallest), seq, dbformat.TypeValue)
	meta.Largest = dbformat.MakeInternalKey([]byte(largest), seq, dbformat.TypeValue)
	return meta
}

func newTestSet(t *testing.T) *VersionSet {
	t.Helper()
	vs := NewVersionSet(VersionSetOptions{DBPath: t.TempDir()})
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func TestLogAndApplyAddsAndDeletes(t *testing.T) {
	vs := newTestSet(t)

	edit := manifest.NewVersionEdit()
	edit.AddFile(1, fileAt(10, 100, "a", "f", 5))
	edit.AddFile(1, fileAt(11, 100, "g", "m", 6))
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatal(err)
	}
	if vs.Current().NumFiles(1) != 2 {
		t.Fatalf("L1 files = %d", vs.Current().NumFiles(1))
	}

	edit2 := manifest.NewVersionEdit()
	edit2.DeleteFile(1, 10)
	edit2.AddFile(2, fileAt(12, 50, "a", "f", 5))
	if err := vs.LogAndApply(edit2); err != nil {
		t.Fatal(err)
	}
	cur := vs.Current()
	if cur.NumFiles(1) != 1 || cur.NumFiles(2) != 1 {
		t.Fatalf("levels = L1:%d L2:%d", cur.NumFiles(1), cur.NumFiles(2))
	}
	if cur.Files(1)[0].FD.FileNumber != 11 {
		t.Fatal("wrong file survived the delete")
	}

	obsolete := vs.ObsoleteFiles()
	if len(obsolete) != 1 || obsolete[0] != 10 {
		t.Fatalf("obsolete = %v", obsolete)
	}
}

func TestLogAndApplyMissingDeleteFails(t *testing.T) {
	vs := newTestSet(t)
	edit := manifest.NewVersionEdit()
	edit.DeleteFile(1, 999)
	if err := vs.LogAndApply(edit); err == nil {
		t.Fatal("expected error deleting a missing file")
	}
	// Failed edits must not change the view.
	if vs.Current().NumFiles(1) != 0 {
		t.Fatal("failed edit mutated the version")
	}
}

func TestLevelOrderingInvariants(t *testing.T) {
	vs := newTestSet(t)
	edit := manifest.NewVersionEdit()
	// L0 insertion order is oldest first; the version must order newest
	// first.
	edit.AddFile(0, fileAt(10, 10, "a", "z", 5))
	edit.AddFile(0, fileAt(11, 10, "a", "z", 9))
	// L1 inserted out of key order.
	edit.AddFile(1, fileAt(12, 10, "m", "p", 1))
	edit.AddFile(1, fileAt(13, 10, "a", "c", 1))
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatal(err)
	}

	cur := vs.Current()
	if cur.Files(0)[0].FD.FileNumber != 11 {
		t.Fatal("L0 not ordered newest first")
	}
	if cur.Files(1)[0].FD.FileNumber != 13 {
		t.Fatal("L1 not ordered by smallest key")
	}
}

func TestOverlappingFilesAndApproximateSize(t *testing.T) {
	vs := newTestSet(t)
	edit := manifest.NewVersionEdit()
	edit.AddFile(1, fileAt(10, 100, "a", "f", 1))
	edit.AddFile(1, fileAt(11, 200, "g", "m", 1))
	edit.AddFile(1, fileAt(12, 400, "n", "z", 1))
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatal(err)
	}
	v := vs.Current()

	got := v.OverlappingFiles(1, []byte("h"), []byte("p"))
	if len(got) != 2 || got[0].FD.FileNumber != 11 || got[1].FD.FileNumber != 12 {
		t.Fatalf("overlap = %v files", len(got))
	}

	size, err := v.ApproximateSize([]byte("h"), []byte("p"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if size != 600 {
		t.Fatalf("approximate size = %d, want 600", size)
	}

	all, _ := v.ApproximateSize(nil, nil, 0, NumLevels-1)
	if all != 700 {
		t.Fatalf("unbounded size = %d, want 700", all)
	}
}

func TestScoresAndCursor(t *testing.T) {
	vs := newTestSet(t)
	edit := manifest.NewVersionEdit()
	edit.AddFile(1, fileAt(10, 100, "a", "f", 1))
	edit.AddFile(1, fileAt(11, 100, "g", "m", 1))
	edit.AddFile(2, fileAt(12, 1000, "a", "z", 1))
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatal(err)
	}
	v := vs.Current()

	scores := v.ScoresByCompactionPri(1)
	if len(scores) != 2 {
		t.Fatalf("scores = %v", scores)
	}
	// Both L1 files overlap the single L2 file completely:
	// 1000*1024/100 + 50000.
	want := uint64(1000*1024/100 + 50000)
	if scores[0] != want || scores[1] != want {
		t.Fatalf("scores = %v, want %d", scores, want)
	}

	if v.NextCompactionIndex(1) != 0 {
		t.Fatal("fresh cursor must be 0")
	}
	cursorEdit := manifest.NewVersionEdit()
	cursorEdit.SetCompactCursor(1, []byte("g"))
	if err := vs.LogAndApply(cursorEdit); err != nil {
		t.Fatal(err)
	}
	if vs.Current().NextCompactionIndex(1) != 1 {
		t.Fatal("cursor did not advance")
	}
}

func TestFileNumberAllocation(t *testing.T) {
	vs := newTestSet(t)
	a := vs.NewFileNumber()
	b := vs.NewFileNumber()
	if b != a+1 {
		t.Fatalf("file numbers not monotone: %d then %d", a, b)
	}
}
