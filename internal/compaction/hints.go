package compaction

import (
	"sort"
	"sync"
)

// LifetimeRegistry is the bounded, store-owned map from output file number
// to its write-lifetime priority index. The engine receives a reference in
// its options and records into it; the storage layer may map the index to
// a native life-time hint. Advisory only.
type LifetimeRegistry struct {
	mu       sync.Mutex
	capacity int
	hints    map[uint64]int
	order    []uint64
}

// NewLifetimeRegistry creates a registry bounded to capacity entries;
// the oldest recording is evicted when full.
func NewLifetimeRegistry(capacity int) *LifetimeRegistry {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LifetimeRegistry{
		capacity: capacity,
		hints:    make(map[uint64]int),
	}
}

// Record stores the priority index for a file.
func (r *LifetimeRegistry) Record(fileNumber uint64, priorityIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hints[fileNumber]; !ok {
		r.order = append(r.order, fileNumber)
	}
	r.hints[fileNumber] = priorityIndex
	for len(r.hints) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.hints, oldest)
	}
}

// Lookup returns the recorded priority index for a file.
func (r *LifetimeRegistry) Lookup(fileNumber uint64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.hints[fileNumber]
	return idx, ok
}

// Len returns the number of recorded files.
func (r *LifetimeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hints)
}

// planWriteHint derives the advisory priority index for one closed output
// at the job's output level L, when 0 < L < last non-empty level - 1:
// sum the level-L+1 bytes overlapping the output's user-key range, score
// the file as overlap bytes per KiB of output plus a fixed offset, and rank
// the score within the level's sorted score list offset by the round-robin
// compaction cursor.
func (j *CompactionJob) planWriteHint(meta interface {
	SmallestUserKey() []byte
	LargestUserKey() []byte
}, fileSize uint64) (int, bool) {
	v := j.inputVersion
	if v == nil || fileSize == 0 {
		return 0, false
	}
	level := j.c.OutputLevel
	if level <= 0 || level >= v.NumNonEmptyLevels()-2 {
		return 0, false
	}

	var overlap uint64
	for _, f := range v.OverlappingFiles(level+1, meta.SmallestUserKey(), meta.LargestUserKey()) {
		overlap += f.FD.FileSize
	}
	if overlap == 0 {
		return 0, false
	}

	score := overlap*1024/fileSize + 50000
	scores := v.ScoresByCompactionPri(level)
	cursor := v.NextCompactionIndex(level)
	fileIndex := sort.Search(len(scores), func(i int) bool { return scores[i] >= score })
	priority := fileIndex - cursor
	if priority < 0 {
		priority = 0
	}
	return priority, true
}
