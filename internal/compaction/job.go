// job.go implements CompactionJob, the top-level orchestrator running the
// lifecycle Prepare -> Run -> Install -> Cleanup.
package compaction

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/quarrykv/quarrykv/internal/blob"
	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/logging"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/rangedel"
	"github.com/quarrykv/quarrykv/internal/version"
)

// State is the job lifecycle state.
type State int

const (
	stateCreated State = iota
	statePrepared
	stateRan
	stateInstalled
	stateFailed
	stateDone
)

func (s State) String() string {
	switch s {
	case stateCreated:
		return "Created"
	case statePrepared:
		return "Prepared"
	case stateRan:
		return "Ran"
	case stateInstalled:
		return "Installed"
	case stateFailed:
		return "Failed"
	case stateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// CompactionJob executes one compaction descriptor. Workers are owned by
// the job in an indexable container; each worker holds only its slice
// state and the shared immutable descriptor.
type CompactionJob struct {
	jobID uint64
	c     *Compaction
	opts  JobOptions

	// log buffers this job's lines; flushed at job start and finish so
	// concurrent jobs do not interleave.
	log *logging.Buffered

	inputVersion       *version.Version
	ownsVersionRef     bool
	oldestAncestorTime uint64

	boundaries [][]byte
	subs       []*Subcompaction

	stats    Stats
	state    State
	status   error
	ioStatus error

	runStartMicros uint64
}

// NewCompactionJob binds a descriptor to the store's collaborators.
func NewCompactionJob(jobID uint64, c *Compaction, opts JobOptions) *CompactionJob {
	o := opts.withDefaults()
	return &CompactionJob{
		jobID: jobID,
		c:     c,
		opts:  o,
		log:   logging.NewBuffered(o.Logger),
		state: stateCreated,
	}
}

// State returns the lifecycle state.
func (j *CompactionJob) State() State { return j.state }

// Status returns the job's terminal status.
func (j *CompactionJob) Status() error { return j.status }

// IOStatus returns the separately tracked I/O status; non-nil I/O failures
// drive the store's background error handler.
func (j *CompactionJob) IOStatus() error { return j.ioStatus }

// Stats returns the aggregated job statistics. Meaningful after Run.
func (j *CompactionJob) Stats() *Stats { return &j.stats }

// Subcompactions returns the slice states. Meaningful after Prepare.
func (j *CompactionJob) Subcompactions() []*Subcompaction { return j.subs }

// Prepare computes the slice boundaries, creates the per-slice state, and
// pins the input version. Version-view reads happen under the database
// mutex; the approximate-size queries inside boundary planning do not.
func (j *CompactionJob) Prepare() error {
	if j.state != stateCreated {
		return fmt.Errorf("compaction: Prepare from state %s", j.state)
	}
	if err := j.c.validate(); err != nil {
		j.status = err
		j.state = stateFailed
		return err
	}

	if j.opts.InputVersion != nil {
		j.inputVersion = j.opts.InputVersion
	} else if j.opts.Versions != nil {
		j.opts.Versions.Lock()
		j.inputVersion = j.opts.Versions.Current()
		j.inputVersion.Ref()
		j.ownsVersionRef = true
		j.opts.Versions.Unlock()
	}

	j.c.computeKeyRange()
	if j.inputVersion != nil && j.c.OutputLevel+1 < version.NumLevels {
		j.c.Grandparents = j.inputVersion.OverlappingFiles(
			j.c.OutputLevel+1, j.c.SmallestUserKey, j.c.LargestUserKey)
	}
	j.oldestAncestorTime = j.computeOldestAncestorTime()
	j.c.MarkFilesBeingCompacted(true)

	j.boundaries = j.planBoundaries()
	ucmp := j.c.Comparator.UserCompare()
	numSlices := len(j.boundaries) + 1
	j.subs = make([]*Subcompaction, numSlices)
	for i := range j.subs {
		var start, end []byte
		if i > 0 {
			start = j.boundaries[i-1]
		}
		if i < len(j.boundaries) {
			end = j.boundaries[i]
		}
		j.subs[i] = &Subcompaction{
			index:   i,
			start:   start,
			end:     end,
			agg:     rangedel.NewCompactionAggregator(ucmp),
			garbage: blob.NewGarbageMeter(),
		}
	}

	j.log.Infof(logging.NSCompact+"job %d compaction_started: %s, reason %s, %d subcompactions",
		j.jobID, j.c.LevelSummary(), j.c.Reason, numSlices)
	j.log.Flush()

	j.state = statePrepared
	return nil
}

func (j *CompactionJob) computeOldestAncestorTime() uint64 {
	oldest := manifest.UnknownTime
	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			t := f.OldestAncestorTime
			if t == manifest.UnknownTime {
				t = f.FileCreationTime
			}
			if t == manifest.UnknownTime {
				continue
			}
			if oldest == manifest.UnknownTime || t < oldest {
				oldest = t
			}
		}
	}
	return oldest
}

func (j *CompactionJob) checksumType() checksum.Type {
	if j.c.ChecksumType == checksum.NoChecksum {
		return checksum.XXH3
	}
	return j.c.ChecksumType
}

// uniqueID derives the per-file unique id from (db id, session id, file
// number).
func (j *CompactionJob) uniqueID(fileNum uint64) [2]uint64 {
	var d checksum.FileDigest
	_, _ = d.Write([]byte(j.opts.DBID))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write([]byte(j.opts.SessionID))
	return [2]uint64{d.Sum64(), fileNum}
}

// Run executes every slice, slice 0 on the calling goroutine and the rest
// on spawned goroutines, then joins, verifies the outputs, and syncs the
// output directories. The database mutex is never held here.
func (j *CompactionJob) Run() error {
	if j.state != statePrepared {
		return fmt.Errorf("compaction: Run from state %s", j.state)
	}
	j.runStartMicros = j.opts.Clock.NowMicros()

	if j.c.IsTrivialMove {
		// Metadata-only move; nothing to merge, verify, or sync.
		j.finishRun()
		return j.status
	}

	var wg sync.WaitGroup
	for _, sub := range j.subs[1:] {
		wg.Add(1)
		go func(s *Subcompaction) {
			defer wg.Done()
			j.runSubcompaction(s)
		}(sub)
	}
	j.runSubcompaction(j.subs[0])
	wg.Wait()

	// Adopt the first non-OK worker status, in slice order so the outcome
	// is deterministic.
	for _, sub := range j.subs {
		if sub.status != nil {
			j.status = sub.status
			break
		}
	}
	for _, sub := range j.subs {
		if sub.ioStatus != nil && j.ioStatus == nil {
			j.ioStatus = sub.ioStatus
		}
	}

	if j.status == nil {
		if err := j.verifyOutputs(j.allOutputs()); err != nil {
			j.status = err
			if IsIOError(err) && j.ioStatus == nil {
				j.ioStatus = err
			}
		}
	}

	if j.status == nil {
		if err := j.syncOutputDirs(); err != nil {
			j.status = err
			j.ioStatus = err
		}
	}

	j.finishRun()
	return j.status
}

func (j *CompactionJob) allOutputs() []*Output {
	var outputs []*Output
	for _, sub := range j.subs {
		outputs = append(outputs, sub.outputs...)
	}
	return outputs
}

func (j *CompactionJob) syncOutputDirs() error {
	if err := j.opts.FS.SyncDir(j.opts.DBPath); err != nil {
		return MarkIO(fmt.Errorf("sync output dir: %w", err))
	}
	if bp := j.opts.blobPath(); bp != j.opts.DBPath {
		if err := j.opts.FS.SyncDir(bp); err != nil {
			return MarkIO(fmt.Errorf("sync blob dir: %w", err))
		}
	}
	return nil
}

// finishRun aggregates stats and emits the buffered finish event.
func (j *CompactionJob) finishRun() {
	j.stats.Micros = j.opts.Clock.NowMicros() - j.runStartMicros
	j.stats.CPUMicros = j.opts.Clock.CPUMicros()
	j.stats.NumInputFiles = j.c.NumInputFiles()
	j.stats.NumSubcompactions = len(j.subs)
	j.stats.OutputCompression = j.c.OutputCompression.String()
	j.stats.FileChecksumFuncName = checksum.FileChecksumFuncName
	j.stats.BytesReadPerLevel = make(map[int]uint64)

	var blobHead, blobTail uint64
	for _, sub := range j.subs {
		j.stats.BytesRead += sub.stats.BytesRead
		j.stats.BytesReadBlob += sub.stats.BytesReadBlob
		j.stats.BytesWritten += sub.stats.BytesWritten
		j.stats.BytesWrittenBlob += sub.stats.BytesWrittenBlob
		j.stats.NumOutputRecords += sub.stats.NumOutputRecords
		j.stats.NumOutputFiles += len(sub.outputs)
		j.stats.NumBlobFiles += len(sub.blobFiles)
		for level, n := range sub.stats.BytesReadPerLevel {
			j.stats.BytesReadPerLevel[level] += n
		}
		j.stats.addIterStats(&sub.iterStats)
		for _, bf := range sub.blobFiles {
			if blobHead == 0 || bf.BlobFileNumber < blobHead {
				blobHead = bf.BlobFileNumber
			}
			if bf.BlobFileNumber > blobTail {
				blobTail = bf.BlobFileNumber
			}
		}
	}

	if j.state == statePrepared {
		j.state = stateRan
	}
	if j.status != nil {
		j.log.Errorf(logging.NSCompact+"job %d compaction_finished: %s, status %v",
			j.jobID, j.c.LevelSummary(), j.status)
	} else if j.stats.NumBlobFiles > 0 {
		j.log.Infof(logging.NSCompact+"job %d compaction_finished: %s, %s, %d subcompactions, blob files [%d..%d]",
			j.jobID, j.c.LevelSummary(), j.stats.OutputCompression,
			j.stats.NumSubcompactions, blobHead, blobTail)
	} else {
		j.log.Infof(logging.NSCompact+"job %d compaction_finished: %s, %s, %d subcompactions, %d output files",
			j.jobID, j.c.LevelSummary(), j.stats.OutputCompression,
			j.stats.NumSubcompactions, j.stats.NumOutputFiles)
	}
	j.log.Flush()
}

// Cleanup releases the input version reference and, when the job failed
// before install, removes the orphaned outputs the way the obsolete-file
// collector would. Terminal; the job cannot be reused.
func (j *CompactionJob) Cleanup() {
	if j.state == stateDone {
		return
	}
	installed := j.state == stateInstalled

	if j.inputVersion != nil && j.ownsVersionRef {
		j.inputVersion.Unref()
	}

	if !installed {
		j.c.MarkFilesBeingCompacted(false)
		for _, sub := range j.subs {
			for _, out := range sub.outputs {
				if j.opts.TableCache != nil {
					j.opts.TableCache.Evict(out.Meta.FD.FileNumber)
				}
				_ = j.opts.FS.Remove(out.Path)
			}
			for _, bf := range sub.blobFiles {
				_ = j.opts.FS.Remove(j.blobFilePath(bf.BlobFileNumber))
			}
		}
	}
	j.state = stateDone
}

func (j *CompactionJob) blobFilePath(fileNum uint64) string {
	return filepath.Join(j.opts.blobPath(), blob.FileName(fileNum))
}
