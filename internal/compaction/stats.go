package compaction

// IterStats are the per-key decision counters one compaction iterator
// accumulates. Single-writer; aggregated after join.
type IterStats struct {
	NumInputRecords uint64

	DroppedHiddenByNewer  uint64
	DroppedRangeDelete    uint64
	DroppedObsoleteDelete uint64
	DroppedByFilter       uint64
	ChangedByFilter       uint64
	MergedRecords         uint64
	CorruptSkipped        uint64

	NumSingleDelMismatch uint64
	NumSingleDelFallthru uint64
}

// dropped returns the total records the iterator consumed without
// emitting.
func (s *IterStats) dropped() uint64 {
	return s.DroppedHiddenByNewer + s.DroppedRangeDelete +
		s.DroppedObsoleteDelete + s.DroppedByFilter + s.CorruptSkipped
}

// Stats is the per-job statistics block reported after Run.
type Stats struct {
	Micros    uint64
	CPUMicros uint64

	// BytesRead is broken out per source level.
	BytesReadPerLevel map[int]uint64
	BytesRead         uint64
	BytesReadBlob     uint64

	BytesWritten     uint64
	BytesWrittenBlob uint64

	NumInputFiles  int
	NumOutputFiles int
	NumBlobFiles   int

	NumInputRecords  uint64
	NumOutputRecords uint64
	NumDroppedRecords uint64

	NumSingleDelMismatch uint64
	NumSingleDelFallthru uint64

	NumSubcompactions int

	OutputCompression    string
	FileChecksumFuncName string
}

func (s *Stats) addIterStats(is *IterStats) {
	s.NumInputRecords += is.NumInputRecords
	s.NumDroppedRecords += is.dropped()
	s.NumSingleDelMismatch += is.NumSingleDelMismatch
	s.NumSingleDelFallthru += is.NumSingleDelFallthru
}
