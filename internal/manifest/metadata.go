// Package manifest defines the file metadata and version-edit records that
// describe changes to the logical LSM view.
package manifest

import (
	"github.com/quarrykv/quarrykv/internal/dbformat"
)

// Temperature is the storage tier tag carried on a file.
type Temperature uint8

const (
	TemperatureUnknown Temperature = iota
	TemperatureHot
	TemperatureWarm
	TemperatureCold
)

// String returns the name logged for the temperature tier.
func (t Temperature) String() string {
	switch t {
	case TemperatureHot:
		return "hot"
	case TemperatureWarm:
		return "warm"
	case TemperatureCold:
		return "cold"
	default:
		return "unknown"
	}
}

// InvalidBlobFileNumber marks the absence of a blob reference.
const InvalidBlobFileNumber uint64 = 0

// UnknownTime marks an unset creation / ancestor time.
const UnknownTime uint64 = 0

// FileDescriptor identifies an SST file and its size.
type FileDescriptor struct {
	FileNumber    uint64
	PathID        uint32
	FileSize      uint64
	SmallestSeqno dbformat.SequenceNumber
	LargestSeqno  dbformat.SequenceNumber
}

// NewFileDescriptor creates a descriptor with sentinel sequence bounds so
// the first recorded key narrows them.
func NewFileDescriptor(number uint64, pathID uint32, fileSize uint64) FileDescriptor {
	return FileDescriptor{
		FileNumber:    number,
		PathID:        pathID,
		FileSize:      fileSize,
		SmallestSeqno: dbformat.MaxSequenceNumber,
		LargestSeqno:  0,
	}
}

// FileMetaData is the complete metadata for one SST file.
type FileMetaData struct {
	FD       FileDescriptor
	Smallest dbformat.InternalKey
	Largest  dbformat.InternalKey

	NumEntries        uint64
	NumRangeDeletions uint64

	FileCreationTime   uint64
	OldestAncestorTime uint64

	OldestBlobFileNumber uint64

	Temperature          Temperature
	FileChecksum         string
	FileChecksumFuncName string

	// UniqueID is derived from (db id, session id, file number).
	UniqueID [2]uint64

	MarkedForCompaction bool

	// BeingCompacted is runtime state, never persisted.
	BeingCompacted bool
}

// NewFileMetaData creates metadata with default sentinel values.
func NewFileMetaData() *FileMetaData {
	return &FileMetaData{
		FileCreationTime:     UnknownTime,
		OldestAncestorTime:   UnknownTime,
		OldestBlobFileNumber: InvalidBlobFileNumber,
		Temperature:          TemperatureUnknown,
	}
}

// SmallestUserKey returns the user key of the smallest boundary.
func (f *FileMetaData) SmallestUserKey() []byte {
	return dbformat.ExtractUserKey(f.Smallest)
}

// LargestUserKey returns the user key of the largest boundary.
func (f *FileMetaData) LargestUserKey() []byte {
	return dbformat.ExtractUserKey(f.Largest)
}

// ExtendBounds widens the key and sequence bounds to cover key.
func (f *FileMetaData) ExtendBounds(cmp *dbformat.InternalKeyComparator, key dbformat.InternalKey) {
	if len(f.Smallest) == 0 || cmp.Compare(key, f.Smallest) < 0 {
		f.Smallest = key.Clone()
	}
	if len(f.Largest) == 0 || cmp.Compare(key, f.Largest) > 0 {
		f.Largest = key.Clone()
	}
	seq := key.Sequence()
	if seq < f.FD.SmallestSeqno {
		f.FD.SmallestSeqno = seq
	}
	if seq > f.FD.LargestSeqno {
		f.FD.LargestSeqno = seq
	}
}

// BlobFileMetaData is the metadata for one blob sidecar file.
type BlobFileMetaData struct {
	BlobFileNumber uint64
	TotalBlobCount uint64
	TotalBlobBytes uint64
	Checksum       string
}

// BlobGarbage is a per-blob-file garbage increment accumulated during
// compaction.
type BlobGarbage struct {
	BlobFileNumber uint64
	GarbageCount   uint64
	GarbageBytes   uint64
}
