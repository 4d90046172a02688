package blob

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/quarrykv/quarrykv/internal/vfs"
)

func TestIndexRoundTrip(t *testing.T) {
	idx := Index{FileNumber: 9, Offset: 1234, Size: 56}
	got, err := DecodeIndex(idx.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got != idx {
		t.Fatalf("round trip: got %+v, want %+v", got, idx)
	}

	if _, err := DecodeIndex([]byte{0xFF}); err == nil {
		t.Fatal("expected error for truncated index")
	}

	num, bytes, ok := DecodeIndexFlow(idx.Encode())
	if !ok || num != 9 || bytes != 56 {
		t.Fatalf("flow decode: (%d, %d, %v)", num, bytes, ok)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, FileName(7))

	file, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(file, 7)
	if err != nil {
		t.Fatal(err)
	}

	values := [][]byte{
		[]byte("small"),
		bytes.Repeat([]byte("large-value-"), 100),
		{},
	}
	var indexes []Index
	for i, v := range values {
		encoded, err := w.Add([]byte{byte('a' + i)}, v)
		if err != nil {
			t.Fatal(err)
		}
		idx, err := DecodeIndex(encoded)
		if err != nil {
			t.Fatal(err)
		}
		indexes = append(indexes, idx)
	}

	meta, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if meta.BlobFileNumber != 7 || meta.TotalBlobCount != 3 {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.Checksum == "" {
		t.Fatal("missing blob file checksum")
	}

	rf, err := fs.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(rf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	if r.FileNumber() != 7 || r.Count() != 3 {
		t.Fatalf("reader header/footer: file %d count %d", r.FileNumber(), r.Count())
	}
	for i, idx := range indexes {
		got, err := r.Get(idx)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !bytes.Equal(got, values[i]) {
			t.Fatalf("value %d mismatch", i)
		}
	}
	if err := r.VerifyChecksum(); err != nil {
		t.Fatalf("checksum verify: %v", err)
	}

	// An index naming another file is rejected.
	if _, err := r.Get(Index{FileNumber: 8, Offset: 0, Size: 1}); err == nil {
		t.Fatal("expected error for wrong file number")
	}
}

func TestReaderRejectsGarbageFile(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, FileName(1))
	file, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.Write(bytes.Repeat([]byte{0x42}, 100)); err != nil {
		t.Fatal(err)
	}
	_ = file.Close()

	rf, err := fs.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rf.Close() }()
	if _, err := NewReader(rf); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestGarbageMeter(t *testing.T) {
	a := NewGarbageMeter()
	a.Add(3, 100)
	a.Add(3, 50)
	a.Add(5, 10)

	b := NewGarbageMeter()
	b.Add(3, 25)
	b.Add(9, 1)

	a.Merge(b)
	entries := a.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Sorted by blob file number.
	if entries[0].BlobFileNumber != 3 || entries[0].GarbageCount != 3 || entries[0].GarbageBytes != 175 {
		t.Fatalf("file 3 tally = %+v", entries[0])
	}
	if entries[1].BlobFileNumber != 5 || entries[2].BlobFileNumber != 9 {
		t.Fatal("entries not sorted by file number")
	}

	if NewGarbageMeter().IsEmpty() != true || a.IsEmpty() {
		t.Fatal("IsEmpty wrong")
	}
}
