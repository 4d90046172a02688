package manifest

import (
	"bytes"
	"testing"

	"github.com/quarrykv/quarrykv/internal/dbformat"
)

func sampleMeta() *FileMetaData {
	meta := NewFileMetaData()
	meta.FD = NewFileDescriptor(42, 0, 4096)
	meta.FD.SmallestSeqno = 5
	meta.FD.LargestSeqno = 90
	meta.Smallest = dbformat.MakeInternalKey([]byte("a"), 90, dbformat.TypeValue)
	meta.Largest = dbformat.MakeInternalKey([]byte("z"), 5, dbformat.TypeValue)
	meta.NumEntries = 100
	meta.NumRangeDeletions = 2
	meta.FileCreationTime = 1700000000
	meta.OldestAncestorTime = 1690000000
	meta.OldestBlobFileNumber = 7
	meta.Temperature = TemperatureWarm
	meta.FileChecksum = "0123456789abcdef"
	meta.FileChecksumFuncName = "xxh3-64"
	meta.UniqueID = [2]uint64{0xDEAD, 42}
	return meta
}

func TestVersionEditRoundTrip(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetLastSequence(123)
	ve.SetNextFileNumber(44)
	ve.DeleteFile(0, 7)
	ve.DeleteFile(1, 9)
	ve.AddFile(1, sampleMeta())
	ve.AddBlobFile(&BlobFileMetaData{
		BlobFileNumber: 11, TotalBlobCount: 3, TotalBlobBytes: 999, Checksum: "feed",
	})
	ve.AddBlobGarbage(BlobGarbage{BlobFileNumber: 11, GarbageCount: 1, GarbageBytes: 10})
	ve.SetCompactCursor(2, []byte("cursor"))

	encoded := ve.EncodeTo(nil)
	var got VersionEdit
	if err := got.DecodeFrom(encoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.HasLastSequence || got.LastSequence != 123 {
		t.Error("last sequence lost")
	}
	if !got.HasNextFileNumber || got.NextFileNumber != 44 {
		t.Error("next file number lost")
	}
	if len(got.DeletedFiles) != 2 || got.DeletedFiles[1] != (DeletedFileEntry{Level: 1, FileNumber: 9}) {
		t.Errorf("deleted files = %v", got.DeletedFiles)
	}
	if len(got.NewFiles) != 1 {
		t.Fatalf("new files = %d", len(got.NewFiles))
	}
	meta := got.NewFiles[0].Meta
	want := sampleMeta()
	if meta.FD != want.FD {
		t.Errorf("FD = %+v, want %+v", meta.FD, want.FD)
	}
	if !bytes.Equal(meta.Smallest, want.Smallest) || !bytes.Equal(meta.Largest, want.Largest) {
		t.Error("key bounds lost")
	}
	if meta.NumEntries != 100 || meta.NumRangeDeletions != 2 {
		t.Error("entry counts lost")
	}
	if meta.Temperature != TemperatureWarm || meta.FileChecksum != "0123456789abcdef" {
		t.Error("checksum or temperature lost")
	}
	if meta.UniqueID != want.UniqueID {
		t.Error("unique id lost")
	}
	if meta.OldestBlobFileNumber != 7 {
		t.Error("oldest blob file number lost")
	}
	if len(got.NewBlobFiles) != 1 || got.NewBlobFiles[0].Checksum != "feed" {
		t.Error("blob file metadata lost")
	}
	if len(got.BlobGarbage) != 1 || got.BlobGarbage[0].GarbageBytes != 10 {
		t.Error("blob garbage lost")
	}
	if len(got.CompactCursors) != 1 || string(got.CompactCursors[0].Key) != "cursor" {
		t.Error("compact cursor lost")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	var got VersionEdit
	if err := got.DecodeFrom([]byte{0xFE, 0x01}); err == nil {
		t.Fatal("expected invalid tag error")
	}
}

func TestExtendBounds(t *testing.T) {
	cmp := dbformat.DefaultInternalKeyComparator
	meta := NewFileMetaData()
	meta.FD = NewFileDescriptor(1, 0, 0)

	k1 := dbformat.MakeInternalKey([]byte("m"), 10, dbformat.TypeValue)
	k2 := dbformat.MakeInternalKey([]byte("a"), 7, dbformat.TypeValue)
	k3 := dbformat.MakeInternalKey([]byte("z"), 90, dbformat.TypeValue)
	meta.ExtendBounds(cmp, k1)
	meta.ExtendBounds(cmp, k2)
	meta.ExtendBounds(cmp, k3)

	if string(meta.SmallestUserKey()) != "a" || string(meta.LargestUserKey()) != "z" {
		t.Fatalf("bounds = [%s, %s]", meta.SmallestUserKey(), meta.LargestUserKey())
	}
	if meta.FD.SmallestSeqno != 7 || meta.FD.LargestSeqno != 90 {
		t.Fatalf("seqnos = [%d, %d]", meta.FD.SmallestSeqno, meta.FD.LargestSeqno)
	}
}
