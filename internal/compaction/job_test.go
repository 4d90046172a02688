package compaction

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/quarrykv/quarrykv/internal/blob"
	"github.com/quarrykv/quarrykv/internal/compression"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/logging"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/rangedel"
	"github.com/quarrykv/quarrykv/internal/sstable"
	"github.com/quarrykv/quarrykv/internal/version"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// testEnv bundles the store collaborators one job needs.
type testEnv struct {
	dir   string
	fs    vfs.FS
	vs    *version.VersionSet
	cache *sstable.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	fs := vfs.Default()
	vs := version.NewVersionSet(version.VersionSetOptions{DBPath: dir, FS: fs, Logger: logging.Discard})
	cache := sstable.NewCache(fs, sstable.DefaultCacheOptions())
	t.Cleanup(func() {
		_ = cache.Close()
		_ = vs.Close()
	})
	return &testEnv{dir: dir, fs: fs, vs: vs, cache: cache}
}

// writeInputSST builds one input table on disk and returns its metadata.
func (e *testEnv) writeInputSST(t *testing.T, recs []rec, tombstones []rangedel.Tombstone) *manifest.FileMetaData {
	t.Helper()
	cmp := dbformat.DefaultInternalKeyComparator
	fileNum := e.vs.NewFileNumber()
	path := filepath.Join(e.dir, fmt.Sprintf("%06d.sst", fileNum))

	file, err := e.fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	b := sstable.NewBuilder(file, sstable.BuilderOptions{Comparator: cmp})
	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(fileNum, 0, 0)

	sorted := append([]rec(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a := dbformat.MakeInternalKey([]byte(sorted[i].key), sorted[i].seq, sorted[i].kind)
		bb := dbformat.MakeInternalKey([]byte(sorted[j].key), sorted[j].seq, sorted[j].kind)
		return cmp.Compare(a, bb) < 0
	})
	for _, r := range sorted {
		key := dbformat.MakeInternalKey([]byte(r.key), r.seq, r.kind)
		if err := b.Add(key, []byte(r.value)); err != nil {
			t.Fatal(err)
		}
		meta.ExtendBounds(cmp, key)
	}
	for _, ts := range tombstones {
		if err := b.AddTombstone(ts); err != nil {
			t.Fatal(err)
		}
		meta.ExtendBounds(cmp, dbformat.MakeInternalKey(ts.Start, ts.Seq, dbformat.TypeRangeDeletion))
		meta.ExtendBounds(cmp, dbformat.MakeInternalKey(ts.End, ts.Seq, dbformat.TypeRangeDeletion))
	}
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := file.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
	meta.FD.FileSize = b.FileSize()
	meta.NumEntries = b.NumEntries()
	meta.NumRangeDeletions = b.NumRangeDeletions()
	return meta
}

// install places files into the version at the given levels.
func (e *testEnv) install(t *testing.T, level int, metas ...*manifest.FileMetaData) {
	t.Helper()
	edit := manifest.NewVersionEdit()
	for _, m := range metas {
		edit.AddFile(level, m)
	}
	if err := e.vs.LogAndApply(edit); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) jobOptions() JobOptions {
	return JobOptions{
		DBPath:     e.dir,
		FS:         e.fs,
		Versions:   e.vs,
		TableCache: e.cache,
		Logger:     logging.Discard,
		DBID:       "test-db",
		SessionID:  "test-session",
	}
}

// readRecords reads every point record out of a table file.
func readRecords(t *testing.T, path string) []emitted {
	t.Helper()
	file, err := vfs.Default().Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := sstable.Open(file, sstable.ReaderOptions{VerifyChecksums: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	var out []emitted
	it := r.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, emitted{
			key:   string(dbformat.ExtractUserKey(it.Key())),
			seq:   dbformat.ExtractSequenceNumber(it.Key()),
			kind:  dbformat.ExtractValueType(it.Key()),
			value: string(it.Value()),
		})
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	return out
}

func readTombstones(t *testing.T, path string) []rangedel.Tombstone {
	t.Helper()
	file, err := vfs.Default().Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := sstable.Open(file, sstable.ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	list, err := r.RangeTombstones()
	if err != nil {
		t.Fatal(err)
	}
	return list.All()
}

func runJob(t *testing.T, j *CompactionJob) error {
	t.Helper()
	if err := j.Prepare(); err != nil {
		return err
	}
	if err := j.Run(); err != nil {
		return err
	}
	return j.Install()
}

// forceBoundaries rebuilds the sub-compaction states around explicit
// boundaries, bypassing the planner. Test-only.
func forceBoundaries(j *CompactionJob, boundaries ...[]byte) {
	ucmp := j.c.Comparator.UserCompare()
	j.boundaries = boundaries
	j.subs = make([]*Subcompaction, len(boundaries)+1)
	for i := range j.subs {
		var start, end []byte
		if i > 0 {
			start = boundaries[i-1]
		}
		if i < len(boundaries) {
			end = boundaries[i]
		}
		j.subs[i] = &Subcompaction{
			index:   i,
			start:   start,
			end:     end,
			agg:     rangedel.NewCompactionAggregator(ucmp),
			garbage: blob.NewGarbageMeter(),
		}
	}
}

func TestJobTwoL0FilesToL1(t *testing.T) {
	env := newTestEnv(t)
	metaA := env.writeInputSST(t, []rec{
		{"a", 10, dbformat.TypeValue, "1"},
		{"c", 11, dbformat.TypeValue, "1"},
	}, nil)
	metaB := env.writeInputSST(t, []rec{
		{"a", 12, dbformat.TypeValue, "2"},
		{"b", 13, dbformat.TypeValue, "9"},
	}, nil)
	env.install(t, 0, metaA, metaB)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{metaB, metaA}}},
		OutputLevel:       1,
		MaxOutputFileSize: 64 << 20,
		Comparator:        dbformat.DefaultInternalKeyComparator,
		BottommostLevel:   true,
		MaxSubcompactions: 1,
		OutputCompression: compression.Snappy,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	j := NewCompactionJob(1, c, env.jobOptions())
	if err := runJob(t, j); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	defer j.Cleanup()

	cur := env.vs.Current()
	if cur.NumFiles(0) != 0 {
		t.Fatalf("L0 still holds %d files", cur.NumFiles(0))
	}
	if cur.NumFiles(1) != 1 {
		t.Fatalf("L1 holds %d files, want 1", cur.NumFiles(1))
	}
	out := cur.Files(1)[0]
	if out.NumEntries != 3 {
		t.Fatalf("output entries = %d, want 3", out.NumEntries)
	}
	if out.FileChecksum == "" || out.FileChecksumFuncName == "" {
		t.Fatal("output missing file checksum")
	}

	got := readRecords(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", out.FD.FileNumber)))
	want := []emitted{
		{"a", 12, dbformat.TypeValue, "2"},
		{"b", 13, dbformat.TypeValue, "9"},
		{"c", 11, dbformat.TypeValue, "1"},
	}
	if len(got) != len(want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	stats := j.Stats()
	if stats.NumInputRecords != 4 || stats.NumOutputRecords != 3 {
		t.Fatalf("stats in/out = %d/%d, want 4/3", stats.NumInputRecords, stats.NumOutputRecords)
	}
	if stats.NumInputFiles != 2 || stats.NumOutputFiles != 1 || stats.NumSubcompactions != 1 {
		t.Fatalf("stats files = %+v", stats)
	}
	if stats.BytesRead == 0 || stats.BytesWritten == 0 {
		t.Fatal("byte counters not tracked")
	}
}

func TestJobDeleteUnderSnapshot(t *testing.T) {
	env := newTestEnv(t)
	meta := env.writeInputSST(t, []rec{
		{"k", 5, dbformat.TypeValue, "1"},
		{"k", 10, dbformat.TypeDeletion, ""},
	}, nil)
	env.install(t, 0, meta)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       1,
		MaxOutputFileSize: 64 << 20,
		Comparator:        dbformat.DefaultInternalKeyComparator,
		Snapshots:         []dbformat.SequenceNumber{7},
		BottommostLevel:   true,
		MaxSubcompactions: 1,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	j := NewCompactionJob(2, c, env.jobOptions())
	if err := runJob(t, j); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	defer j.Cleanup()

	out := env.vs.Current().Files(1)[0]
	got := readRecords(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", out.FD.FileNumber)))
	if len(got) != 1 || got[0] != (emitted{"k", 5, dbformat.TypeValue, "1"}) {
		t.Fatalf("records = %v, want only k=1@5", got)
	}
}

func TestJobRangeDeleteAcrossSlices(t *testing.T) {
	env := newTestEnv(t)
	meta := env.writeInputSST(t, []rec{
		{"b", 10, dbformat.TypeValue, "1"},
		{"p", 20, dbformat.TypeValue, "1"},
	}, []rangedel.Tombstone{rangedel.NewTombstone([]byte("a"), []byte("z"), 50)})
	env.install(t, 0, meta)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       1,
		MaxOutputFileSize: 64 << 20,
		Comparator:        dbformat.DefaultInternalKeyComparator,
		MaxSubcompactions: 2,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	j := NewCompactionJob(3, c, env.jobOptions())
	if err := j.Prepare(); err != nil {
		t.Fatal(err)
	}
	forceBoundaries(j, []byte("m"))
	if err := j.Run(); err != nil {
		t.Fatal(err)
	}
	if err := j.Install(); err != nil {
		t.Fatal(err)
	}
	defer j.Cleanup()

	files := env.vs.Current().Files(1)
	if len(files) != 2 {
		t.Fatalf("L1 holds %d files, want 2", len(files))
	}
	ucmp := dbformat.BytewiseCompare
	sort.Slice(files, func(i, k int) bool {
		return ucmp(files[i].SmallestUserKey(), files[k].SmallestUserKey()) < 0
	})

	for i, f := range files {
		path := filepath.Join(env.dir, fmt.Sprintf("%06d.sst", f.FD.FileNumber))
		if recs := readRecords(t, path); len(recs) != 0 {
			t.Fatalf("output %d still holds point records: %v", i, recs)
		}
		if f.NumRangeDeletions != 1 {
			t.Fatalf("output %d tombstones = %d, want 1", i, f.NumRangeDeletions)
		}
	}

	left := readTombstones(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", files[0].FD.FileNumber)))
	right := readTombstones(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", files[1].FD.FileNumber)))
	if string(left[0].Start) != "a" || string(left[0].End) != "m" || left[0].Seq != 50 {
		t.Fatalf("left tombstone = %+v", left[0])
	}
	if string(right[0].Start) != "m" || string(right[0].End) != "z" || right[0].Seq != 50 {
		t.Fatalf("right tombstone = %+v", right[0])
	}

	// Boundary consistency: no slice-0 output may reach past the
	// boundary's user key span, and slice order matches key order.
	if ucmp(files[0].LargestUserKey(), []byte("m")) > 0 {
		t.Fatal("slice 0 output crosses the boundary")
	}
	if ucmp(files[1].SmallestUserKey(), []byte("m")) < 0 {
		t.Fatal("slice 1 output starts before the boundary")
	}
}

func TestJobCancellation(t *testing.T) {
	env := newTestEnv(t)
	var recs []rec
	for i := 0; i < 300; i++ {
		recs = append(recs, rec{fmt.Sprintf("key%04d", i), 10, dbformat.TypeValue, "v"})
	}
	meta := env.writeInputSST(t, recs, nil)
	env.install(t, 0, meta)

	cancel := new(atomic.Bool)
	var seen atomic.Int64
	f := &testFilter{ignoreSnapshots: true, fn: func([]byte, []byte) (FilterDecision, []byte, []byte) {
		if seen.Add(1) == 100 {
			cancel.Store(true)
		}
		return FilterKeep, nil, nil
	}}

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       1,
		MaxOutputFileSize: 64 << 20,
		Comparator:        dbformat.DefaultInternalKeyComparator,
		Filter:            f,
		IsManual:          true,
		MaxSubcompactions: 1,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	opts := env.jobOptions()
	opts.CancelRequested = cancel
	j := NewCompactionJob(4, c, opts)

	err := runJob(t, j)
	if !errors.Is(err, ErrManualCompactionPaused) {
		t.Fatalf("status = %v, want ErrManualCompactionPaused", err)
	}
	if !errors.Is(j.Status(), ErrManualCompactionPaused) {
		t.Fatalf("job status = %v", j.Status())
	}

	// Nothing installed; the input LSM is unchanged.
	cur := env.vs.Current()
	if cur.NumFiles(0) != 1 || cur.NumFiles(1) != 0 {
		t.Fatalf("LSM changed after cancel: L0=%d L1=%d", cur.NumFiles(0), cur.NumFiles(1))
	}

	j.Cleanup()
	// Cleanup leaves the input file in place.
	if env.fs.Exists(filepath.Join(env.dir, fmt.Sprintf("%06d.sst", meta.FD.FileNumber))) == false {
		t.Fatal("input file vanished")
	}
}

func TestJobTrivialMove(t *testing.T) {
	env := newTestEnv(t)
	meta := env.writeInputSST(t, []rec{{"a", 5, dbformat.TypeValue, "1"}}, nil)
	env.install(t, 1, meta)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 1, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       2,
		MaxOutputFileSize: 64 << 20,
		Comparator:        dbformat.DefaultInternalKeyComparator,
		IsTrivialMove:     true,
		MaxSubcompactions: 1,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	j := NewCompactionJob(5, c, env.jobOptions())
	if err := runJob(t, j); err != nil {
		t.Fatal(err)
	}
	defer j.Cleanup()

	cur := env.vs.Current()
	if cur.NumFiles(1) != 0 || cur.NumFiles(2) != 1 {
		t.Fatalf("move failed: L1=%d L2=%d", cur.NumFiles(1), cur.NumFiles(2))
	}
	if cur.Files(2)[0].FD.FileNumber != meta.FD.FileNumber {
		t.Fatal("trivial move rewrote the file")
	}
}

func TestJobRecompactionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	metaA := env.writeInputSST(t, []rec{
		{"a", 10, dbformat.TypeValue, "1"},
		{"b", 11, dbformat.TypeValue, "2"},
		{"c", 12, dbformat.TypeValue, "3"},
	}, nil)
	metaB := env.writeInputSST(t, []rec{
		{"b", 20, dbformat.TypeValue, "2x"},
		{"d", 21, dbformat.TypeValue, "4"},
	}, nil)
	env.install(t, 0, metaA, metaB)

	newDescriptor := func(inputs []InputLevel, outLevel int) *Compaction {
		return &Compaction{
			Inputs:            inputs,
			OutputLevel:       outLevel,
			MaxOutputFileSize: 64 << 20,
			Comparator:        dbformat.DefaultInternalKeyComparator,
			BottommostLevel:   true,
			MaxSubcompactions: 1,
			EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
		}
	}

	j1 := NewCompactionJob(6, newDescriptor(
		[]InputLevel{{Level: 0, Files: []*manifest.FileMetaData{metaB, metaA}}}, 1), env.jobOptions())
	if err := runJob(t, j1); err != nil {
		t.Fatal(err)
	}
	j1.Cleanup()

	firstOutputs := append([]*manifest.FileMetaData(nil), env.vs.Current().Files(1)...)
	var first []emitted
	for _, f := range firstOutputs {
		first = append(first, readRecords(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", f.FD.FileNumber)))...)
	}

	j2 := NewCompactionJob(7, newDescriptor(
		[]InputLevel{{Level: 1, Files: firstOutputs}}, 2), env.jobOptions())
	if err := runJob(t, j2); err != nil {
		t.Fatal(err)
	}
	j2.Cleanup()

	var second []emitted
	for _, f := range env.vs.Current().Files(2) {
		second = append(second, readRecords(t, filepath.Join(env.dir, fmt.Sprintf("%06d.sst", f.FD.FileNumber)))...)
	}

	if len(first) != len(second) {
		t.Fatalf("recompaction changed record count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("record %d drifted: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestJobUserKeyNotSplitAcrossOutputs(t *testing.T) {
	env := newTestEnv(t)

	// One hot user key with a version in every snapshot bucket, padded so
	// the size cut wants to land between its versions, plus neighbors on
	// both sides.
	payload := strings.Repeat("v", 2048)
	var recs []rec
	var snapshots []dbformat.SequenceNumber
	for i := 0; i < 8; i++ {
		seq := dbformat.SequenceNumber(10 * (i + 1))
		recs = append(recs, rec{"hot", seq, dbformat.TypeValue, payload})
		if i < 7 {
			snapshots = append(snapshots, seq)
		}
	}
	recs = append(recs,
		rec{"aaa", 5, dbformat.TypeValue, payload},
		rec{"zzz", 5, dbformat.TypeValue, payload})
	meta := env.writeInputSST(t, recs, nil)
	env.install(t, 0, meta)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       1,
		MaxOutputFileSize: 4 << 10, // far below the hot key's 8 versions
		Comparator:        dbformat.DefaultInternalKeyComparator,
		Snapshots:         snapshots,
		BottommostLevel:   true,
		MaxSubcompactions: 1,
	}
	j := NewCompactionJob(9, c, env.jobOptions())
	if err := runJob(t, j); err != nil {
		t.Fatal(err)
	}
	defer j.Cleanup()

	files := env.vs.Current().Files(1)
	if len(files) < 2 {
		t.Fatalf("expected the size cut to produce multiple outputs, got %d", len(files))
	}

	// Every user key lives in exactly one output file, and the hot key
	// kept all of its snapshot-visible versions together.
	owner := make(map[string]uint64)
	hotVersions := 0
	for _, f := range files {
		path := filepath.Join(env.dir, fmt.Sprintf("%06d.sst", f.FD.FileNumber))
		for _, r := range readRecords(t, path) {
			if prev, ok := owner[r.key]; ok && prev != f.FD.FileNumber {
				t.Fatalf("user key %q split across files %d and %d", r.key, prev, f.FD.FileNumber)
			}
			owner[r.key] = f.FD.FileNumber
			if r.key == "hot" {
				hotVersions++
			}
		}
	}
	if hotVersions != 8 {
		t.Fatalf("hot key kept %d versions, want 8", hotVersions)
	}

	ucmp := dbformat.BytewiseCompare
	for i := 1; i < len(files); i++ {
		if ucmp(files[i-1].LargestUserKey(), files[i].SmallestUserKey()) >= 0 {
			t.Fatalf("outputs %d and %d overlap in user keys", i-1, i)
		}
	}
}

func TestJobOutputsDisjointAndSorted(t *testing.T) {
	env := newTestEnv(t)
	var recs []rec
	for i := 0; i < 2000; i++ {
		recs = append(recs, rec{fmt.Sprintf("key%05d", i), 10, dbformat.TypeValue, "payload-payload"})
	}
	meta := env.writeInputSST(t, recs, nil)
	env.install(t, 0, meta)

	c := &Compaction{
		Inputs:            []InputLevel{{Level: 0, Files: []*manifest.FileMetaData{meta}}},
		OutputLevel:       1,
		MaxOutputFileSize: 8 << 10, // force several output files
		Comparator:        dbformat.DefaultInternalKeyComparator,
		BottommostLevel:   true,
		MaxSubcompactions: 1,
		EarliestWriteConflictSnapshot: dbformat.MaxSequenceNumber,
	}
	opts := env.jobOptions()
	opts.ParanoidFileChecks = true
	j := NewCompactionJob(8, c, opts)
	if err := runJob(t, j); err != nil {
		t.Fatal(err)
	}
	defer j.Cleanup()

	files := env.vs.Current().Files(1)
	if len(files) < 2 {
		t.Fatalf("expected multiple outputs, got %d", len(files))
	}

	cmp := dbformat.DefaultInternalKeyComparator
	ucmp := cmp.UserCompare()
	total := uint64(0)
	for i, f := range files {
		if f.NumEntries == 0 {
			t.Fatalf("output %d is empty", i)
		}
		total += f.NumEntries
		path := filepath.Join(env.dir, fmt.Sprintf("%06d.sst", f.FD.FileNumber))
		got := readRecords(t, path)
		for k := 1; k < len(got); k++ {
			if got[k-1].key >= got[k].key {
				t.Fatalf("output %d not strictly increasing at %d", i, k)
			}
		}
		if i > 0 && ucmp(files[i-1].LargestUserKey(), f.SmallestUserKey()) >= 0 {
			t.Fatalf("outputs %d and %d overlap", i-1, i)
		}
	}
	if total != 2000 {
		t.Fatalf("outputs hold %d entries, want 2000", total)
	}
}
