// Package compaction implements the compaction job engine: merging input
// files across levels, filtering obsolete records against the snapshot
// list, writing size-bounded outputs in parallel sub-compactions, and
// installing the result atomically into the version history.
package compaction

import "errors"

// Terminal status kinds. Workers record the first error they hit; after
// join the orchestrator adopts the first non-OK worker status as the job
// status.
var (
	// ErrCorruption covers bad input records, paranoid checksum
	// mismatches, and single-delete contract violations in strict mode.
	ErrCorruption = errors.New("compaction: corruption")

	// ErrNotSupported is returned when a compaction filter declares
	// IgnoreSnapshots() == false.
	ErrNotSupported = errors.New("compaction: not supported")

	// ErrColumnFamilyDropped is returned when the owning column family was
	// dropped mid-compaction.
	ErrColumnFamilyDropped = errors.New("compaction: column family dropped")

	// ErrShutdownInProgress is returned on a cooperative process shutdown.
	ErrShutdownInProgress = errors.New("compaction: shutdown in progress")

	// ErrManualCompactionPaused is the cooperative cancel status
	// (Incomplete).
	ErrManualCompactionPaused = errors.New("compaction: incomplete: manual compaction paused")

	// ErrSpaceLimit is returned when the file manager reports the maximum
	// allowed space has been reached.
	ErrSpaceLimit = errors.New("compaction: max allowed space reached")
)

// ioError tags a failure as an I/O failure so the background error handler
// can distinguish it from logical failures.
type ioError struct {
	err error
}

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

// MarkIO wraps err as an I/O failure. I/O status is tracked separately
// from the logical job status: I/O failures drive the background error
// handler, logical failures do not.
func MarkIO(err error) error {
	if err == nil {
		return nil
	}
	return &ioError{err: err}
}

// IsIOError reports whether err carries the I/O tag.
func IsIOError(err error) bool {
	var ie *ioError
	return errors.As(err, &ie)
}
