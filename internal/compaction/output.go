package compaction

import (
	"fmt"
	"path/filepath"

	"github.com/quarrykv/quarrykv/internal/blob"
	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/logging"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/rangedel"
	"github.com/quarrykv/quarrykv/internal/sstable"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// OutputValidator captures the key order and a running key digest at build
// time so the verifier can recompute and compare them from the written
// file.
type OutputValidator struct {
	digest  checksum.FileDigest
	entries uint64
}

// Add folds one emitted key into the validator.
func (v *OutputValidator) Add(key []byte) {
	_, _ = v.digest.Write(key)
	v.entries++
}

// Entries returns the number of keys observed.
func (v *OutputValidator) Entries() uint64 { return v.entries }

// Hash returns the running key digest.
func (v *OutputValidator) Hash() uint64 { return v.digest.Sum64() }

// Output is one finished output file with its build-time validator.
type Output struct {
	Meta      *manifest.FileMetaData
	Path      string
	Validator *OutputValidator
}

// pendingOutput is the writer's in-progress file.
type pendingOutput struct {
	meta      *manifest.FileMetaData
	path      string
	file      vfs.WritableFile
	builder   *sstable.Builder
	validator *OutputValidator
}

// outputWriter owns one open output file at a time for one sub-compaction,
// enforcing the cut policy and coordinating the blob sidecar.
type outputWriter struct {
	j   *CompactionJob
	sub *Subcompaction

	current  *pendingOutput
	finished []*Output

	// lastUserKey is the user key of the last record written to the
	// current file; cuts are only made on a user-key change.
	lastUserKey []byte

	// Grandparent overlap tracking for the cut policy; reset per file.
	grandparentIdx  int
	overlappedBytes uint64
	seenKey         bool

	blobWriter *blob.Writer
	blobMetas  []*manifest.BlobFileMetaData
}

func newOutputWriter(j *CompactionJob, sub *Subcompaction) *outputWriter {
	return &outputWriter{j: j, sub: sub}
}

// Open starts a new output file.
func (w *outputWriter) Open() error {
	c := w.j.c
	fileNum := w.j.opts.Versions.NewFileNumber()
	path := filepath.Join(w.j.opts.DBPath, fmt.Sprintf("%06d.sst", fileNum))

	if l := w.j.opts.Listener; l != nil {
		l.OnTableFileCreationStarted(path, fileNum)
	}

	file, err := w.j.opts.FS.Create(path)
	if err != nil {
		return MarkIO(fmt.Errorf("create output %s: %w", path, err))
	}

	builder := sstable.NewBuilder(file, sstable.BuilderOptions{
		Comparator:   c.Comparator,
		Compression:  c.OutputCompression,
		ChecksumType: w.j.checksumType(),
	})

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(fileNum, 0, 0)
	meta.Temperature = c.Temperature
	meta.OldestAncestorTime = w.j.oldestAncestorTime
	meta.FileCreationTime = w.j.opts.Clock.NowMicros() / 1_000_000

	w.current = &pendingOutput{
		meta:      meta,
		path:      path,
		file:      file,
		builder:   builder,
		validator: &OutputValidator{},
	}
	w.lastUserKey = w.lastUserKey[:0]
	w.overlappedBytes = 0
	w.seenKey = false
	return nil
}

// HasOpenOutput reports whether a file is in progress.
func (w *outputWriter) HasOpenOutput() bool { return w.current != nil }

// Finished returns the closed outputs in creation order.
func (w *outputWriter) Finished() []*Output { return w.finished }

// BlobFiles returns the blob sidecars produced by this writer.
func (w *outputWriter) BlobFiles() []*manifest.BlobFileMetaData { return w.blobMetas }

// Add appends one surviving record to the current output, diverting large
// Put values to the blob sidecar when enabled.
func (w *outputWriter) Add(key, value []byte) error {
	c := w.j.c
	kind := dbformat.ExtractValueType(key)

	if kind == dbformat.TypeValue && c.EnableBlobFiles && uint64(len(value)) >= c.BlobValueThreshold {
		idxValue, err := w.addBlob(dbformat.ExtractUserKey(key), value)
		if err != nil {
			return err
		}
		key = dbformat.MakeInternalKey(dbformat.ExtractUserKey(key),
			dbformat.ExtractSequenceNumber(key), dbformat.TypeBlobIndex)
		value = idxValue
		kind = dbformat.TypeBlobIndex
		w.trackBlobRef(w.blobWriter.FileNumber())
	} else if kind == dbformat.TypeBlobIndex {
		if num, _, ok := blob.DecodeIndexFlow(value); ok {
			w.trackBlobRef(num)
		}
	}

	if err := w.current.builder.Add(key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	w.current.validator.Add(key)
	w.lastUserKey = append(w.lastUserKey[:0], dbformat.ExtractUserKey(key)...)

	// Keys arrive in strictly increasing order, so the first key is the
	// smallest and the latest key is the largest.
	meta := w.current.meta
	if len(meta.Smallest) == 0 {
		meta.Smallest = append(dbformat.InternalKey(nil), key...)
	}
	meta.Largest = append(meta.Largest[:0], key...)
	seq := dbformat.ExtractSequenceNumber(key)
	if seq < meta.FD.SmallestSeqno {
		meta.FD.SmallestSeqno = seq
	}
	if seq > meta.FD.LargestSeqno {
		meta.FD.LargestSeqno = seq
	}
	return nil
}

func (w *outputWriter) trackBlobRef(blobFileNumber uint64) {
	meta := w.current.meta
	if meta.OldestBlobFileNumber == manifest.InvalidBlobFileNumber ||
		blobFileNumber < meta.OldestBlobFileNumber {
		meta.OldestBlobFileNumber = blobFileNumber
	}
}

func (w *outputWriter) addBlob(userKey, value []byte) ([]byte, error) {
	if w.blobWriter == nil {
		fileNum := w.j.opts.Versions.NewFileNumber()
		path := filepath.Join(w.j.opts.blobPath(), blob.FileName(fileNum))
		file, err := w.j.opts.FS.Create(path)
		if err != nil {
			return nil, MarkIO(fmt.Errorf("create blob file %s: %w", path, err))
		}
		bw, err := blob.NewWriter(file, fileNum)
		if err != nil {
			return nil, MarkIO(err)
		}
		w.blobWriter = bw
	}
	idxValue, err := w.blobWriter.Add(userKey, value)
	if err != nil {
		return nil, MarkIO(err)
	}
	w.sub.stats.BytesWrittenBlob += uint64(len(value))
	return idxValue, nil
}

// ShouldCut reports whether the current file must close before nextUserKey
// is written: either the built size passed the target, or the projected
// next-level overlap for [smallest, nextUserKey] passed the policy bound.
// A user key is never split across output files: consecutive records of
// one user key (one per snapshot bucket) always land in the same file, so
// both cuts wait for a user-key change. Per-key placement disables the
// overlap cut; the source keeps that path conservative.
func (w *outputWriter) ShouldCut(nextUserKey []byte) bool {
	if w.current == nil {
		return false
	}
	if len(w.lastUserKey) > 0 && w.j.c.Comparator.UserCompare()(nextUserKey, w.lastUserKey) == 0 {
		return false
	}
	if w.current.builder.EstimatedSize() >= w.j.c.MaxOutputFileSize {
		return true
	}
	if w.j.c.OutputLevel == 0 || w.j.c.PerKeyPlacement {
		return false
	}
	return w.grandparentOverlapExceeded(nextUserKey)
}

func (w *outputWriter) grandparentOverlapExceeded(userKey []byte) bool {
	c := w.j.c
	ucmp := c.Comparator.UserCompare()
	for w.grandparentIdx < len(c.Grandparents) &&
		ucmp(userKey, c.Grandparents[w.grandparentIdx].LargestUserKey()) > 0 {
		if w.seenKey {
			w.overlappedBytes += c.Grandparents[w.grandparentIdx].FD.FileSize
		}
		w.grandparentIdx++
	}
	w.seenKey = true
	if w.overlappedBytes > c.grandparentOverlapLimit() {
		w.overlappedBytes = 0
		return true
	}
	return false
}

// AddTombstones writes the slice's surviving range tombstones into the
// current output, opening one if necessary.
func (w *outputWriter) AddTombstones(tombstones []rangedel.Tombstone) error {
	if len(tombstones) == 0 {
		return nil
	}
	if w.current == nil {
		if err := w.Open(); err != nil {
			return err
		}
	}
	cmp := w.j.c.Comparator
	meta := w.current.meta
	for _, t := range tombstones {
		if err := w.current.builder.AddTombstone(t); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		// The start bound is a real key; the end bound is an exclusive
		// sentinel at MaxSequenceNumber so the next slice's records at
		// that user key still sort after it.
		startKey := dbformat.MakeInternalKey(t.Start, t.Seq, dbformat.TypeRangeDeletion)
		endKey := dbformat.MakeInternalKey(t.End, dbformat.MaxSequenceNumber, dbformat.TypeRangeDeletion)
		if len(meta.Smallest) == 0 || cmp.Compare(startKey, meta.Smallest) < 0 {
			meta.Smallest = startKey
		}
		if len(meta.Largest) == 0 || cmp.Compare(endKey, meta.Largest) > 0 {
			meta.Largest = endKey
		}
		if t.Seq < meta.FD.SmallestSeqno {
			meta.FD.SmallestSeqno = t.Seq
		}
		if t.Seq > meta.FD.LargestSeqno {
			meta.FD.LargestSeqno = t.Seq
		}
	}
	return nil
}

// FinishCurrent closes the in-progress output. A file that holds neither
// entries nor tombstones is deleted instead of installed.
func (w *outputWriter) FinishCurrent() error {
	cur := w.current
	if cur == nil {
		return nil
	}
	w.current = nil
	fileNum := cur.meta.FD.FileNumber

	if cur.builder.NumEntries() == 0 && cur.builder.NumRangeDeletions() == 0 {
		cur.builder.Abandon()
		_ = cur.file.Close()
		if err := w.j.opts.FS.Remove(cur.path); err != nil {
			return MarkIO(fmt.Errorf("remove empty output %s: %w", cur.path, err))
		}
		if l := w.j.opts.Listener; l != nil {
			l.OnTableFileCreationFinished(cur.path, fileNum, nil, nil)
		}
		return nil
	}

	if err := cur.builder.Finish(); err != nil {
		_ = cur.file.Close()
		w.notifyFinished(cur, err)
		return MarkIO(fmt.Errorf("finish output %s: %w", cur.path, err))
	}
	if rl := w.j.opts.RateLimiter; rl != nil {
		rl.Request(int64(cur.builder.FileSize()), w.j.c.RatePriority)
	}
	if err := cur.file.Sync(); err != nil {
		_ = cur.file.Close()
		w.notifyFinished(cur, err)
		return MarkIO(fmt.Errorf("sync output %s: %w", cur.path, err))
	}
	if err := cur.file.Close(); err != nil {
		w.notifyFinished(cur, err)
		return MarkIO(fmt.Errorf("close output %s: %w", cur.path, err))
	}

	meta := cur.meta
	meta.FD.FileSize = cur.builder.FileSize()
	meta.NumEntries = cur.builder.NumEntries()
	meta.NumRangeDeletions = cur.builder.NumRangeDeletions()
	meta.FileChecksum = cur.builder.FileChecksum()
	meta.FileChecksumFuncName = checksum.FileChecksumFuncName
	meta.UniqueID = w.j.uniqueID(fileNum)

	if pri, ok := w.j.planWriteHint(meta, meta.FD.FileSize); ok {
		w.j.log.Infof(logging.NSCompact+"job %d file %d priority index %d",
			w.j.jobID, fileNum, pri)
		if reg := w.j.opts.LifetimeRegistry; reg != nil {
			reg.Record(fileNum, pri)
		}
	}

	w.sub.stats.BytesWritten += meta.FD.FileSize
	w.finished = append(w.finished, &Output{Meta: meta, Path: cur.path, Validator: cur.validator})
	w.notifyFinished(cur, nil)
	return nil
}

func (w *outputWriter) notifyFinished(cur *pendingOutput, err error) {
	if l := w.j.opts.Listener; l != nil {
		l.OnTableFileCreationFinished(cur.path, cur.meta.FD.FileNumber, cur.meta, err)
	}
}

// FinishBlob closes the sub-compaction's blob sidecar, if any.
func (w *outputWriter) FinishBlob() error {
	if w.blobWriter == nil {
		return nil
	}
	bw := w.blobWriter
	w.blobWriter = nil
	meta, err := bw.Finish()
	if err != nil {
		return MarkIO(fmt.Errorf("finish blob file %d: %w", bw.FileNumber(), err))
	}
	w.blobMetas = append(w.blobMetas, meta)
	return nil
}

// abandon tears down the in-progress state after a failure; files already
// finished stay on disk for the obsolete-file collector.
func (w *outputWriter) abandon() {
	if w.current != nil {
		w.current.builder.Abandon()
		_ = w.current.file.Close()
		w.current = nil
	}
	if w.blobWriter != nil {
		w.blobWriter.Abandon()
		w.blobWriter = nil
	}
}
