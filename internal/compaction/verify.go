package compaction

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/quarrykv/quarrykv/internal/checksum"
)

// verifyOutputs reopens every finished output through the shared table
// cache (no for-compaction hint, so the reads stay cached for user reads)
// and iterates it end to end. With paranoid checks on, the key order and
// the running key digest are recomputed and compared against the
// validator captured at build time.
//
// The pool shares one atomic next-file index; one goroutine per
// sub-compaction, capped by the output count.
func (j *CompactionJob) verifyOutputs(outputs []*Output) error {
	if len(outputs) == 0 {
		return nil
	}
	workers := min(len(outputs), max(len(j.subs), 1))

	var nextFileIdx atomic.Int64
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				idx := int(nextFileIdx.Add(1) - 1)
				if idx >= len(outputs) {
					return nil
				}
				if err := j.verifyOneOutput(outputs[idx]); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func (j *CompactionJob) verifyOneOutput(out *Output) error {
	fileNum := out.Meta.FD.FileNumber
	reader, err := j.opts.TableCache.Get(fileNum, out.Path)
	if err != nil {
		return MarkIO(fmt.Errorf("verify output %d: %w", fileNum, err))
	}
	defer j.opts.TableCache.Release(fileNum)

	cmp := j.c.Comparator
	var validator OutputValidator
	var prevKey []byte

	it := reader.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		if prevKey != nil && cmp.Compare(prevKey, key) >= 0 {
			return fmt.Errorf("%w: output %d keys out of order", ErrCorruption, fileNum)
		}
		prevKey = append(prevKey[:0], key...)
		validator.Add(key)
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: output %d: %v", ErrCorruption, fileNum, err)
	}

	if validator.Entries() != out.Meta.NumEntries {
		return fmt.Errorf("%w: output %d holds %d entries, expected %d",
			ErrCorruption, fileNum, validator.Entries(), out.Meta.NumEntries)
	}
	if j.opts.ParanoidFileChecks {
		if validator.Hash() != out.Validator.Hash() {
			return fmt.Errorf("%w: output %d key digest mismatch", ErrCorruption, fileNum)
		}
		var digest checksum.FileDigest
		if err := rehashFile(j, out, &digest); err != nil {
			return err
		}
		if got := digest.String(); got != out.Meta.FileChecksum {
			return fmt.Errorf("%w: output %d file checksum mismatch: %s vs %s",
				ErrCorruption, fileNum, got, out.Meta.FileChecksum)
		}
	}
	return nil
}

// rehashFile re-reads the raw output bytes and feeds them to digest.
func rehashFile(j *CompactionJob, out *Output, digest *checksum.FileDigest) error {
	f, err := j.opts.FS.Open(out.Path)
	if err != nil {
		return MarkIO(fmt.Errorf("reopen output %d: %w", out.Meta.FD.FileNumber, err))
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 64*1024)
	var off int64
	size := f.Size()
	for off < size {
		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return MarkIO(fmt.Errorf("reread output %d: %w", out.Meta.FD.FileNumber, err))
		}
		_, _ = digest.Write(buf[:n])
		off += n
	}
	return nil
}
