package compaction

import (
	"sort"

	"github.com/quarrykv/quarrykv/internal/logging"
)

// subcompactionFillFraction is the minimum fill fraction of the output
// file size target a slice must justify before it earns its own worker.
const subcompactionFillFraction = 0.8

// planBoundaries computes the ordered user-key boundaries splitting the
// compaction into disjoint slices [-inf, b1), [b1, b2), ..., [bn, +inf).
// A nil result means a single slice.
//
// Candidates come from the input file endpoints (both endpoints for L0
// files, the global range for higher levels) plus the smallest key of
// every output-level file past the first. Each candidate range is weighed
// by the version's approximate size so slices carry similar byte loads.
func (j *CompactionJob) planBoundaries() [][]byte {
	c := j.c
	if c.MaxSubcompactions <= 1 || c.IsTrivialMove {
		return nil
	}
	// User-timestamp-aware comparators disable sub-compactions.
	if c.Comparator.TimestampSize() > 0 {
		return nil
	}

	ucmp := c.Comparator.UserCompare()
	var candidates [][]byte
	add := func(userKey []byte) {
		if userKey != nil {
			candidates = append(candidates, userKey)
		}
	}

	for _, in := range c.Inputs {
		if len(in.Files) == 0 {
			continue
		}
		if in.Level == 0 {
			// L0 files overlap; every endpoint is a real seam.
			for _, f := range in.Files {
				add(f.SmallestUserKey())
				add(f.LargestUserKey())
			}
		} else {
			add(in.Files[0].SmallestUserKey())
			add(in.Files[len(in.Files)-1].LargestUserKey())
		}
	}
	if j.inputVersion != nil {
		outFiles := j.inputVersion.Files(c.OutputLevel)
		for i := 1; i < len(outFiles); i++ {
			add(outFiles[i].SmallestUserKey())
		}
	}

	sort.Slice(candidates, func(i, k int) bool { return ucmp(candidates[i], candidates[k]) < 0 })
	dedup := candidates[:0]
	for i, cand := range candidates {
		if i == 0 || ucmp(cand, dedup[len(dedup)-1]) != 0 {
			dedup = append(dedup, cand)
		}
	}
	if len(dedup) < 2 {
		return nil
	}

	// Weigh each adjacent range; degrade to a single slice when the view
	// cannot answer.
	if j.inputVersion == nil {
		return nil
	}
	type weighted struct {
		end  []byte
		size uint64
	}
	ranges := make([]weighted, 0, len(dedup)-1)
	var total uint64
	for i := 0; i+1 < len(dedup); i++ {
		size, err := j.inputVersion.ApproximateSize(dedup[i], dedup[i+1], c.StartLevel(), c.OutputLevel)
		if err != nil {
			j.log.Warnf(logging.NSCompact+"job %d size estimate failed, single slice: %v", j.jobID, err)
			return nil
		}
		ranges = append(ranges, weighted{end: dedup[i+1], size: size})
		total += size
	}
	if total == 0 {
		return nil
	}

	minSliceBytes := uint64(subcompactionFillFraction * float64(c.MaxOutputFileSize))
	if minSliceBytes == 0 {
		minSliceBytes = 1
	}
	wanted := int((total + minSliceBytes - 1) / minSliceBytes)
	slices := min(wanted, len(ranges), c.MaxSubcompactions)
	if slices <= 1 {
		return nil
	}

	// Greedy sweep: cut whenever the accumulated weight reaches the mean.
	mean := total / uint64(slices)
	var boundaries [][]byte
	var sum uint64
	for i := 0; i+1 < len(ranges) && len(boundaries) < slices-1; i++ {
		sum += ranges[i].size
		if sum >= mean {
			boundaries = append(boundaries, append([]byte(nil), ranges[i].end...))
			sum = 0
		}
	}
	if len(boundaries) == 0 {
		return nil
	}
	return boundaries
}
