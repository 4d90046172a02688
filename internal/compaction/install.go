package compaction

import (
	"fmt"

	"github.com/quarrykv/quarrykv/internal/logging"
	"github.com/quarrykv/quarrykv/internal/manifest"
)

// buildVersionEdit assembles the atomic delta: input deletions, output
// additions, blob file additions, the aggregated blob garbage, and the
// round-robin cursor advance when the driving policy asked for one.
func (j *CompactionJob) buildVersionEdit() *manifest.VersionEdit {
	edit := manifest.NewVersionEdit()

	if j.c.IsTrivialMove {
		// Re-level the inputs without rewriting them.
		for _, in := range j.c.Inputs {
			for _, f := range in.Files {
				edit.DeleteFile(in.Level, f.FD.FileNumber)
				edit.AddFile(j.c.OutputLevel, f)
			}
		}
		return edit
	}

	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			edit.DeleteFile(in.Level, f.FD.FileNumber)
		}
	}
	for _, sub := range j.subs {
		for _, out := range sub.outputs {
			edit.AddFile(j.c.OutputLevel, out.Meta)
		}
		for _, bf := range sub.blobFiles {
			edit.AddBlobFile(bf)
		}
	}

	garbage := j.aggregateBlobGarbage()
	for _, g := range garbage.Entries() {
		edit.AddBlobGarbage(g)
	}

	if j.c.IsRoundRobin && j.c.StartLevel() > 0 {
		edit.SetCompactCursor(j.c.StartLevel(), j.c.LargestUserKey)
	}
	return edit
}

// Install applies the version edit under the database mutex via the
// version manager's LogAndApply: either every input disappears and every
// output appears, or nothing changes. Skipped when the job status is
// already non-OK.
func (j *CompactionJob) Install() error {
	if j.state != stateRan {
		return fmt.Errorf("compaction: Install from state %s", j.state)
	}
	if j.status != nil {
		j.state = stateFailed
		return j.status
	}

	edit := j.buildVersionEdit()
	if err := j.opts.Versions.LogAndApply(edit); err != nil {
		j.status = MarkIO(fmt.Errorf("install compaction: %w", err))
		j.ioStatus = j.status
		j.state = stateFailed
		j.log.Errorf(logging.NSCompact+"job %d install failed: %v", j.jobID, err)
		return j.status
	}
	j.c.MarkFilesBeingCompacted(false)
	j.state = stateInstalled
	return nil
}

func (j *CompactionJob) aggregateBlobGarbage() *blobGarbageAggregate {
	agg := &blobGarbageAggregate{}
	for _, sub := range j.subs {
		agg.merge(sub)
	}
	return agg
}

// blobGarbageAggregate folds the per-worker garbage meters.
type blobGarbageAggregate struct {
	entries []manifest.BlobGarbage
	merged  map[uint64]int
}

func (a *blobGarbageAggregate) merge(sub *Subcompaction) {
	if sub.garbage == nil || sub.garbage.IsEmpty() {
		return
	}
	if a.merged == nil {
		a.merged = make(map[uint64]int)
	}
	for _, g := range sub.garbage.Entries() {
		if i, ok := a.merged[g.BlobFileNumber]; ok {
			a.entries[i].GarbageCount += g.GarbageCount
			a.entries[i].GarbageBytes += g.GarbageBytes
			continue
		}
		a.merged[g.BlobFileNumber] = len(a.entries)
		a.entries = append(a.entries, g)
	}
}

func (a *blobGarbageAggregate) Entries() []manifest.BlobGarbage { return a.entries }
