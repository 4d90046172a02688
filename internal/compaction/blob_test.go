package compaction

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/quarrykv/quarrykv/internal/blob"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

func TestJobWritesBlobSidecar(t *testing.T) {
	env := newTestEnv(t)
	bigValue := bytes.Repeat([]byte("v"), 256)
	meta := env.writeInputSST(t, []rec{
		{"big", 10, dbformat.TypeValue, string(bigValue)},
		{"small", 11, dbformat.TypeValue, "tiny"},
	}, nil)
	env.install(t, 0, meta)

	c := &Compaction{
		Inputs:             []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:        1,
		MaxOutputFileSize:  64 << 20,
		Comparator:         dbformat.DefaultInternalKeyComparator,
		BottommostLevel:    true,
		MaxSubcompactions:  1,
		EnableBlobFiles:    true,
		BlobValueThreshold: 64,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	j := NewCompactionJob(10, c, env.jobOptions())
	if err := runJob(t, j); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	defer j.Cleanup()

	if j.Stats().NumBlobFiles != 1 {
		t.Fatalf("blob files = %d, want 1", j.Stats().NumBlobFiles)
	}
	if j.Stats().BytesWrittenBlob != uint64(len(bigValue)) {
		t.Fatalf("blob bytes written = %d, want %d", j.Stats().BytesWrittenBlob, len(bigValue))
	}

	out := env.vs.Current().Files(1)[0]
	records := readRecords(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", out.FD.FileNumber)))
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
	if records[0].key != "big" || records[0].kind != dbformat.TypeBlobIndex {
		t.Fatalf("large value not diverted: %+v", records[0])
	}
	if records[1].kind != dbformat.TypeValue || records[1].value != "tiny" {
		t.Fatalf("small value mishandled: %+v", records[1])
	}

	// The BlobIndex resolves back to the original bytes.
	idx, err := blob.DecodeIndex([]byte(records[0].value))
	if err != nil {
		t.Fatal(err)
	}
	if out.OldestBlobFileNumber != idx.FileNumber {
		t.Fatalf("oldest blob file = %d, index names %d", out.OldestBlobFileNumber, idx.FileNumber)
	}
	bf, err := vfs.Default().Open(filepath.Join(env.dir, blob.FileName(idx.FileNumber)))
	if err != nil {
		t.Fatal(err)
	}
	br, err := blob.NewReader(bf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = br.Close() }()
	got, err := br.Get(idx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bigValue) {
		t.Fatal("blob round trip lost the value")
	}
	if err := br.VerifyChecksum(); err != nil {
		t.Fatal(err)
	}
}

func TestJobAccountsBlobGarbage(t *testing.T) {
	env := newTestEnv(t)

	// A pre-existing blob file holds one value referenced from the input.
	blobNum := env.vs.NewFileNumber()
	bf, err := env.fs.Create(filepath.Join(env.dir, blob.FileName(blobNum)))
	if err != nil {
		t.Fatal(err)
	}
	bw, err := blob.NewWriter(bf, blobNum)
	if err != nil {
		t.Fatal(err)
	}
	idxValue, err := bw.Add([]byte("k"), bytes.Repeat([]byte("x"), 100))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bw.Finish(); err != nil {
		t.Fatal(err)
	}

	// The newer delete hides the BlobIndex record at the bottommost
	// level, so its blob bytes become garbage.
	meta := env.writeInputSST(t, []rec{
		{"k", 5, dbformat.TypeBlobIndex, string(idxValue)},
		{"k", 9, dbformat.TypeDeletion, ""},
	}, nil)
	meta.OldestBlobFileNumber = blobNum
	env.install(t, 0, meta)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       1,
		MaxOutputFileSize: 64 << 20,
		Comparator:        dbformat.DefaultInternalKeyComparator,
		BottommostLevel:   true,
		MaxSubcompactions: 1,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	j := NewCompactionJob(11, c, env.jobOptions())
	if err := j.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := j.Run(); err != nil {
		t.Fatal(err)
	}

	edit := j.buildVersionEdit()
	if len(edit.BlobGarbage) != 1 {
		t.Fatalf("blob garbage entries = %d, want 1", len(edit.BlobGarbage))
	}
	g := edit.BlobGarbage[0]
	if g.BlobFileNumber != blobNum || g.GarbageCount != 1 || g.GarbageBytes != 100 {
		t.Fatalf("garbage = %+v", g)
	}

	// The blob input flow is accounted in the read stats.
	if j.Stats().BytesReadBlob != 100 {
		t.Fatalf("blob bytes read = %d, want 100", j.Stats().BytesReadBlob)
	}

	if err := j.Install(); err != nil {
		t.Fatal(err)
	}
	j.Cleanup()
}
