package compaction

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/quarrykv/quarrykv/internal/blob"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/iterator"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/rangedel"
	"github.com/quarrykv/quarrykv/internal/sstable"
)

// WorkerStats are the single-writer streaming counters one sub-compaction
// accumulates.
type WorkerStats struct {
	BytesReadPerLevel map[int]uint64
	BytesRead         uint64
	BytesReadBlob     uint64
	BytesWritten      uint64
	BytesWrittenBlob  uint64
	NumOutputRecords  uint64
}

// Subcompaction is the state of one [start, end) slice: created in
// Prepare, mutated only by its owning worker during Run, aggregated by
// the orchestrator after join.
type Subcompaction struct {
	index int

	// Slice bounds as user keys; nil is the unbounded sentinel.
	start []byte
	end   []byte

	agg     *rangedel.CompactionAggregator
	garbage *blob.GarbageMeter

	stats     WorkerStats
	iterStats IterStats

	outputs   []*Output
	blobFiles []*manifest.BlobFileMetaData

	status   error
	ioStatus error
}

// Outputs returns the finished outputs of this slice, in key order.
func (s *Subcompaction) Outputs() []*Output { return s.outputs }

// Status returns the worker's terminal status.
func (s *Subcompaction) Status() error { return s.status }

func (s *Subcompaction) fail(err error) {
	if s.status == nil {
		s.status = err
	}
	if s.ioStatus == nil && IsIOError(err) {
		s.ioStatus = err
	}
}

// tableIter adapts an sstable iterator so closing it releases the shared
// table cache pin.
type tableIter struct {
	*sstable.Iterator
	cache   *sstable.Cache
	fileNum uint64
}

func (t *tableIter) Close() error {
	_ = t.Iterator.Close()
	t.cache.Release(t.fileNum)
	return nil
}

func (j *CompactionJob) sstPath(fileNum uint64) string {
	return filepath.Join(j.opts.DBPath, fmt.Sprintf("%06d.sst", fileNum))
}

// loadTombstones feeds one input file's range tombstones into the slice's
// aggregator. Tombstones from every input must be loaded before the first
// point key is processed; a tombstone in a file the cursor has not reached
// yet can still mask earlier keys from other inputs.
func (j *CompactionJob) loadTombstones(sub *Subcompaction, f *manifest.FileMetaData) error {
	path := j.sstPath(f.FD.FileNumber)
	reader, err := j.opts.TableCache.Get(f.FD.FileNumber, path)
	if err != nil {
		return MarkIO(fmt.Errorf("open input %d: %w", f.FD.FileNumber, err))
	}
	defer j.opts.TableCache.Release(f.FD.FileNumber)
	list, err := reader.RangeTombstones()
	if err != nil {
		return fmt.Errorf("%w: range tombstones of input %d: %v", ErrCorruption, f.FD.FileNumber, err)
	}
	sub.agg.AddTombstones(list)
	return nil
}

// openInputIterator opens one input file's point cursor through the
// shared table cache.
func (j *CompactionJob) openInputIterator(sub *Subcompaction, f *manifest.FileMetaData, level int) (iterator.Iterator, error) {
	path := j.sstPath(f.FD.FileNumber)
	reader, err := j.opts.TableCache.Get(f.FD.FileNumber, path)
	if err != nil {
		return nil, MarkIO(fmt.Errorf("open input %d: %w", f.FD.FileNumber, err))
	}
	if sub.stats.BytesReadPerLevel == nil {
		sub.stats.BytesReadPerLevel = make(map[int]uint64)
	}
	sub.stats.BytesReadPerLevel[level] += f.FD.FileSize
	sub.stats.BytesRead += f.FD.FileSize
	return &tableIter{Iterator: reader.NewIterator(), cache: j.opts.TableCache, fileNum: f.FD.FileNumber}, nil
}

// buildInputIterator assembles the slice's iterator stack: per-file
// cursors for L0, one concatenating cursor per higher level, a merging
// heap on top, clipped to the slice, then the optional blob-counting and
// history-trimming wrappers.
func (j *CompactionJob) buildInputIterator(sub *Subcompaction) (iterator.Iterator, *iterator.BlobCounting, error) {
	c := j.c
	ucmp := c.Comparator.UserCompare()

	overlaps := func(f *manifest.FileMetaData) bool {
		if sub.start != nil && ucmp(f.LargestUserKey(), sub.start) < 0 {
			return false
		}
		if sub.end != nil && ucmp(f.SmallestUserKey(), sub.end) >= 0 {
			return false
		}
		return true
	}

	var iters []iterator.Iterator
	closeAll := func() {
		for _, it := range iters {
			_ = it.Close()
		}
	}

	for _, in := range c.Inputs {
		if in.Level == 0 {
			for _, f := range in.Files {
				if !overlaps(f) {
					continue
				}
				if err := j.loadTombstones(sub, f); err != nil {
					closeAll()
					return nil, nil, err
				}
				it, err := j.openInputIterator(sub, f, in.Level)
				if err != nil {
					closeAll()
					return nil, nil, err
				}
				iters = append(iters, it)
			}
			continue
		}

		var files []*manifest.FileMetaData
		for _, f := range in.Files {
			if overlaps(f) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			continue
		}
		for _, f := range files {
			if err := j.loadTombstones(sub, f); err != nil {
				closeAll()
				return nil, nil, err
			}
		}
		smallest := make([]dbformat.InternalKey, len(files))
		largest := make([]dbformat.InternalKey, len(files))
		for i, f := range files {
			smallest[i] = f.Smallest
			largest[i] = f.Largest
		}
		level := in.Level
		iters = append(iters, iterator.NewConcatenating(c.Comparator, smallest, largest,
			func(i int) (iterator.Iterator, error) {
				return j.openInputIterator(sub, files[i], level)
			}))
	}

	var stack iterator.Iterator = iterator.NewMerging(iters, c.Comparator.Compare)
	stack = iterator.NewClip(stack, ucmp, sub.start, sub.end)

	var counting *iterator.BlobCounting
	if j.hasBlobInputs() {
		counting = iterator.NewBlobCounting(stack, blob.DecodeIndexFlow)
		stack = counting
	}
	if c.TrimHistoryBound != nil && c.Comparator.TimestampSize() > 0 {
		stack = iterator.NewTrimHistory(stack, c.Comparator.TimestampSize(), c.TrimHistoryBound)
	}
	return stack, counting, nil
}

func (j *CompactionJob) hasBlobInputs() bool {
	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			if f.OldestBlobFileNumber != manifest.InvalidBlobFileNumber {
				return true
			}
		}
	}
	return j.c.EnableBlobFiles
}

// runSubcompaction is the worker body for one slice: pull the compaction
// iterator, push surviving records through the output writer, cut files
// per policy, and flush the slice's range tombstones. All I/O errors stop
// the loop with the first error recorded; the tombstone flush still runs
// so tombstones covering the slice tail are persisted when possible.
func (j *CompactionJob) runSubcompaction(sub *Subcompaction) {
	if l := j.opts.Listener; l != nil {
		l.OnSubcompactionBegin(sub.index)
		defer func() { l.OnSubcompactionCompleted(sub.index, sub.status) }()
	}

	input, counting, err := j.buildInputIterator(sub)
	if err != nil {
		sub.fail(err)
		return
	}
	defer func() { _ = input.Close() }()

	citer := newIter(iterConfig{
		input:         input,
		c:             j.c,
		agg:           sub.agg,
		shuttingDown:  j.opts.ShuttingDown,
		cancelled:     j.opts.CancelRequested,
		familyDropped: j.opts.ColumnFamilyDropped,
		onBlobDrop: func(value []byte) {
			if num, bytes, ok := blob.DecodeIndexFlow(value); ok {
				sub.garbage.Add(num, bytes)
			}
		},
	})
	writer := newOutputWriter(j, sub)

	citer.SeekToFirst()
	for citer.Valid() {
		if !writer.HasOpenOutput() {
			if err := writer.Open(); err != nil {
				sub.fail(err)
				break
			}
		}
		if err := writer.Add(citer.Key(), citer.Value()); err != nil {
			sub.fail(err)
			break
		}
		sub.stats.NumOutputRecords++

		citer.Next()
		if citer.Valid() && writer.ShouldCut(dbformat.ExtractUserKey(citer.Key())) {
			if err := writer.FinishCurrent(); err != nil {
				sub.fail(err)
				break
			}
		}
	}
	if err := citer.Error(); err != nil {
		sub.fail(err)
	}
	sub.iterStats = *citer.Stats()

	// The tombstone flush still runs after an error, so tombstones
	// covering the slice tail are persisted when possible; a failed job's
	// outputs are discarded by Cleanup anyway. Only a cooperative stop
	// finalizes no further outputs.
	cancelled := errors.Is(sub.status, ErrManualCompactionPaused) ||
		errors.Is(sub.status, ErrShutdownInProgress) ||
		errors.Is(sub.status, ErrColumnFamilyDropped)
	if !cancelled {
		tombstones := sub.agg.TombstonesInRange(sub.start, sub.end,
			j.c.BottommostLevel, j.c.EarliestSnapshot())
		if err := writer.AddTombstones(tombstones); err != nil {
			sub.fail(err)
		}
		if err := writer.FinishCurrent(); err != nil {
			sub.fail(err)
		}
	}
	if sub.status == nil {
		if err := writer.FinishBlob(); err != nil {
			sub.fail(err)
		}
	}
	writer.abandon()

	sub.outputs = writer.Finished()
	sub.blobFiles = writer.BlobFiles()
	if counting != nil {
		for _, flow := range counting.Flows() {
			sub.stats.BytesReadBlob += flow.Bytes
		}
	}
}
