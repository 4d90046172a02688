// Package version maintains the logical LSM view: which files live at
// which level, and the version set that applies edits atomically under the
// database mutex.
package version

import (
	"sort"
	"sync/atomic"

	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/manifest"
)

// NumLevels is the number of LSM levels.
const NumLevels = 7

// Version is an immutable snapshot of the LSM file layout. Level 0 files
// may overlap and are ordered newest first; higher levels are sorted by
// smallest key and disjoint.
type Version struct {
	cmp   *dbformat.InternalKeyComparator
	files [NumLevels][]*manifest.FileMetaData

	// cursors hold the round-robin compaction cursor per level.
	cursors [NumLevels]int

	refs atomic.Int32
}

// NewVersion creates an empty version.
func NewVersion(cmp *dbformat.InternalKeyComparator) *Version {
	if cmp == nil {
		cmp = dbformat.DefaultInternalKeyComparator
	}
	return &Version{cmp: cmp}
}

// Ref increments the reference count.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref decrements the reference count.
func (v *Version) Unref() { v.refs.Add(-1) }

// Refs returns the current reference count.
func (v *Version) Refs() int32 { return v.refs.Load() }

// Comparator returns the internal key comparator.
func (v *Version) Comparator() *dbformat.InternalKeyComparator { return v.cmp }

// Files returns the files at a level.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return v.files[level]
}

// NumFiles returns the number of files at a level.
func (v *Version) NumFiles(level int) int { return len(v.Files(level)) }

// LevelBytes returns the total byte size of a level.
func (v *Version) LevelBytes(level int) uint64 {
	var total uint64
	for _, f := range v.Files(level) {
		total += f.FD.FileSize
	}
	return total
}

// NumNonEmptyLevels returns one past the deepest level holding files.
func (v *Version) NumNonEmptyLevels() int {
	for level := NumLevels - 1; level >= 0; level-- {
		if len(v.files[level]) > 0 {
			return level + 1
		}
	}
	return 0
}

// OverlappingFiles returns the files at level whose user-key range
// intersects [smallestUser, largestUser]. Nil bounds are unbounded.
func (v *Version) OverlappingFiles(level int, smallestUser, largestUser []byte) []*manifest.FileMetaData {
	ucmp := v.cmp.UserCompare()
	var out []*manifest.FileMetaData
	for _, f := range v.Files(level) {
		if smallestUser != nil && ucmp(f.LargestUserKey(), smallestUser) < 0 {
			continue
		}
		if largestUser != nil && ucmp(f.SmallestUserKey(), largestUser) > 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ApproximateSize estimates the bytes stored in [startUser, endUser)
// across levels [fromLevel, toLevel]. Files partially covered contribute
// their full size; the estimate is an upper bound, which is what the
// boundary planner wants.
func (v *Version) ApproximateSize(startUser, endUser []byte, fromLevel, toLevel int) (uint64, error) {
	ucmp := v.cmp.UserCompare()
	var total uint64
	for level := fromLevel; level <= toLevel && level < NumLevels; level++ {
		for _, f := range v.files[level] {
			if startUser != nil && ucmp(f.LargestUserKey(), startUser) < 0 {
				continue
			}
			if endUser != nil && ucmp(f.SmallestUserKey(), endUser) >= 0 {
				continue
			}
			total += f.FD.FileSize
		}
	}
	return total, nil
}

// ScoresByCompactionPri returns the sorted per-file scores for a level:
// each file's projected next-level overlap in bytes per KiB of the file,
// offset so scores are always positive.
func (v *Version) ScoresByCompactionPri(level int) []uint64 {
	if level < 0 || level+1 >= NumLevels {
		return nil
	}
	scores := make([]uint64, 0, len(v.files[level]))
	for _, f := range v.files[level] {
		var overlap uint64
		for _, g := range v.OverlappingFiles(level+1, f.SmallestUserKey(), f.LargestUserKey()) {
			overlap += g.FD.FileSize
		}
		if f.FD.FileSize == 0 {
			continue
		}
		scores = append(scores, overlap*1024/f.FD.FileSize+50000)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i] < scores[j] })
	return scores
}

// NextCompactionIndex returns the round-robin cursor for a level.
func (v *Version) NextCompactionIndex(level int) int {
	if level < 0 || level >= NumLevels {
		return 0
	}
	return v.cursors[level]
}

// SetNextCompactionIndex records the round-robin cursor for a level.
func (v *Version) SetNextCompactionIndex(level, index int) {
	if level >= 0 && level < NumLevels {
		v.cursors[level] = index
	}
}

// clone copies the file lists and cursors into a new version.
func (v *Version) clone() *Version {
	nv := NewVersion(v.cmp)
	for level := range v.files {
		nv.files[level] = append([]*manifest.FileMetaData(nil), v.files[level]...)
	}
	nv.cursors = v.cursors
	return nv
}

// sortLevel restores each level's ordering invariant after edits.
func (v *Version) sortLevel(level int) {
	if level == 0 {
		// Newest first: larger sequence numbers, then file numbers.
		sort.SliceStable(v.files[0], func(i, j int) bool {
			a, b := v.files[0][i], v.files[0][j]
			if a.FD.LargestSeqno != b.FD.LargestSeqno {
				return a.FD.LargestSeqno > b.FD.LargestSeqno
			}
			return a.FD.FileNumber > b.FD.FileNumber
		})
		return
	}
	cmp := v.cmp
	sort.SliceStable(v.files[level], func(i, j int) bool {
		return cmp.Compare(v.files[level][i].Smallest, v.files[level][j].Smallest) < 0
	})
}
