package compaction

import (
	"fmt"
	"strings"

	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/compression"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/manifest"
)

// Reason indicates why a compaction was triggered.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonLevelL0FileNumTrigger
	ReasonLevelMaxLevelSize
	ReasonRoundRobinTTL
	ReasonManualCompaction
	ReasonBottommostFiles
)

func (r Reason) String() string {
	switch r {
	case ReasonLevelL0FileNumTrigger:
		return "L0 file count"
	case ReasonLevelMaxLevelSize:
		return "Level size"
	case ReasonRoundRobinTTL:
		return "Round-robin"
	case ReasonManualCompaction:
		return "Manual"
	case ReasonBottommostFiles:
		return "Bottommost files"
	default:
		return "Unknown"
	}
}

// InputLevel groups the input files drawn from one level.
type InputLevel struct {
	Level int
	Files []*manifest.FileMetaData
}

// Compaction is the immutable descriptor handed to the engine by the
// driving policy. The engine never mutates it after Prepare.
type Compaction struct {
	// Inputs are the files to compact, grouped by source level, start
	// level first.
	Inputs []InputLevel

	// OutputLevel is where outputs are written.
	OutputLevel int

	// MaxOutputFileSize is the output-level file size target.
	MaxOutputFileSize uint64

	// MaxGrandparentOverlapBytes bounds the projected next-level overlap
	// per output file before a cut. Zero means 10x the file size target.
	MaxGrandparentOverlapBytes uint64

	// Comparator orders internal keys.
	Comparator *dbformat.InternalKeyComparator

	// MergeOperator folds Merge operands. Required when inputs contain
	// Merge records.
	MergeOperator MergeOperator

	// Filter is the optional user compaction filter.
	Filter Filter

	// Snapshots is the list of live snapshot sequence numbers, ascending.
	Snapshots []dbformat.SequenceNumber

	// EarliestWriteConflictSnapshot guards single-delete pair elision for
	// write-prepared transactions. MaxSequenceNumber when unused; the
	// zero value is normalized to MaxSequenceNumber during Prepare.
	EarliestWriteConflictSnapshot dbformat.SequenceNumber

	// BottommostLevel is true when no older data exists below the output
	// level.
	BottommostLevel bool

	// IsManual marks a manually requested compaction.
	IsManual bool

	// PerKeyPlacement marks the penultimate-level output path; grandparent
	// overlap cuts are disabled there.
	PerKeyPlacement bool

	// StrictSingleDelete turns single-delete contract violations into
	// Corruption instead of counters.
	StrictSingleDelete bool

	// TolerateCorruptKeys skips and counts undecodable input records
	// instead of failing.
	TolerateCorruptKeys bool

	// MaxSubcompactions bounds the parallel slice count.
	MaxSubcompactions int

	// OutputCompression selects the output block codec.
	OutputCompression compression.Type

	// ChecksumType selects the output block checksum.
	ChecksumType checksum.Type

	// Temperature tags output files.
	Temperature manifest.Temperature

	// EnableBlobFiles diverts large Put values into blob sidecars at the
	// output level.
	EnableBlobFiles bool

	// BlobValueThreshold is the minimum value size sent to a blob file.
	BlobValueThreshold uint64

	// TrimHistoryBound drops entries whose user-timestamp is strictly
	// below it. Nil disables trimming.
	TrimHistoryBound []byte

	// IsTrivialMove re-levels the inputs without rewriting them.
	IsTrivialMove bool

	// IsRoundRobin advances the level's compaction cursor on install when
	// the start level is above 0.
	IsRoundRobin bool

	// Reason is logged with the job events.
	Reason Reason

	// RatePriority is handed to the rate limiter on output writes.
	RatePriority int

	// Grandparents are the output-level+1 files overlapping the input key
	// range, set during Prepare.
	Grandparents []*manifest.FileMetaData

	// SmallestUserKey and LargestUserKey bound the input key range, set
	// during Prepare.
	SmallestUserKey []byte
	LargestUserKey  []byte
}

// StartLevel returns the first input level, or -1 when empty.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

// NumInputFiles returns the total input file count.
func (c *Compaction) NumInputFiles() int {
	total := 0
	for _, in := range c.Inputs {
		total += len(in.Files)
	}
	return total
}

// EarliestSnapshot returns the smallest live snapshot, or
// MaxSequenceNumber when none exist.
func (c *Compaction) EarliestSnapshot() dbformat.SequenceNumber {
	if len(c.Snapshots) == 0 {
		return dbformat.MaxSequenceNumber
	}
	return c.Snapshots[0]
}

// computeKeyRange fills SmallestUserKey and LargestUserKey from the input
// file bounds.
func (c *Compaction) computeKeyRange() {
	ucmp := c.Comparator.UserCompare()
	c.SmallestUserKey = nil
	c.LargestUserKey = nil
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			if s := f.SmallestUserKey(); s != nil {
				if c.SmallestUserKey == nil || ucmp(s, c.SmallestUserKey) < 0 {
					c.SmallestUserKey = s
				}
			}
			if l := f.LargestUserKey(); l != nil {
				if c.LargestUserKey == nil || ucmp(l, c.LargestUserKey) > 0 {
					c.LargestUserKey = l
				}
			}
		}
	}
}

// grandparentOverlapLimit returns the configured or defaulted cut bound.
func (c *Compaction) grandparentOverlapLimit() uint64 {
	if c.MaxGrandparentOverlapBytes > 0 {
		return c.MaxGrandparentOverlapBytes
	}
	return 10 * c.MaxOutputFileSize
}

// MarkFilesBeingCompacted flips the runtime flag on every input file.
func (c *Compaction) MarkFilesBeingCompacted(being bool) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			f.BeingCompacted = being
		}
	}
}

// LevelSummary renders the input shape for the job events, e.g.
// "L0 [4 files] + L1 [3 files] -> L1".
func (c *Compaction) LevelSummary() string {
	var b strings.Builder
	for i, in := range c.Inputs {
		if i > 0 {
			b.WriteString(" + ")
		}
		fmt.Fprintf(&b, "L%d [%d files]", in.Level, len(in.Files))
	}
	fmt.Fprintf(&b, " -> L%d", c.OutputLevel)
	return b.String()
}

// validate rejects descriptors the engine cannot run and normalizes the
// unset-value sentinels.
func (c *Compaction) validate() error {
	if c.Comparator == nil {
		return fmt.Errorf("compaction: descriptor has no comparator")
	}
	if c.EarliestWriteConflictSnapshot == 0 {
		c.EarliestWriteConflictSnapshot = dbformat.MaxSequenceNumber
	}
	if len(c.Inputs) == 0 || c.NumInputFiles() == 0 {
		return fmt.Errorf("compaction: descriptor has no input files")
	}
	if c.MaxOutputFileSize == 0 {
		return fmt.Errorf("compaction: zero output file size target")
	}
	for i := 1; i < len(c.Snapshots); i++ {
		if c.Snapshots[i] < c.Snapshots[i-1] {
			return fmt.Errorf("compaction: snapshot list not ascending")
		}
	}
	return nil
}
