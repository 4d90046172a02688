package blob

import (
	"sort"

	"github.com/quarrykv/quarrykv/internal/manifest"
)

// GarbageMeter tallies, per blob file, the records and bytes whose
// referencing keys were dropped during compaction. Each worker owns one
// meter; the job merges them after join.
type GarbageMeter struct {
	garbage map[uint64]*manifest.BlobGarbage
}

// NewGarbageMeter creates an empty meter.
func NewGarbageMeter() *GarbageMeter {
	return &GarbageMeter{garbage: make(map[uint64]*manifest.BlobGarbage)}
}

// Add records one dropped blob reference.
func (m *GarbageMeter) Add(blobFileNumber, bytes uint64) {
	g := m.garbage[blobFileNumber]
	if g == nil {
		g = &manifest.BlobGarbage{BlobFileNumber: blobFileNumber}
		m.garbage[blobFileNumber] = g
	}
	g.GarbageCount++
	g.GarbageBytes += bytes
}

// Merge folds another meter into this one.
func (m *GarbageMeter) Merge(other *GarbageMeter) {
	if other == nil {
		return
	}
	for num, g := range other.garbage {
		mine := m.garbage[num]
		if mine == nil {
			copied := *g
			m.garbage[num] = &copied
			continue
		}
		mine.GarbageCount += g.GarbageCount
		mine.GarbageBytes += g.GarbageBytes
	}
}

// IsEmpty reports whether anything was recorded.
func (m *GarbageMeter) IsEmpty() bool { return len(m.garbage) == 0 }

// Entries returns the increments ordered by blob file number, ready for a
// version edit.
func (m *GarbageMeter) Entries() []manifest.BlobGarbage {
	out := make([]manifest.BlobGarbage, 0, len(m.garbage))
	for _, g := range m.garbage {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlobFileNumber < out[j].BlobFileNumber })
	return out
}
