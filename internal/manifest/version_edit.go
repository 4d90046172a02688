// version_edit.go implements the VersionEdit record.
//
// A VersionEdit describes one atomic delta to the LSM view: file deletions,
// file additions, blob file additions, blob garbage increments, and
// compaction cursor advances. It is serialized to the MANIFEST log and
// replayed during recovery.
package manifest

import (
	"errors"
	"fmt"

	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/encoding"
)

// Errors returned during VersionEdit decoding.
var (
	ErrInvalidTag           = errors.New("manifest: invalid tag")
	ErrUnexpectedEndOfInput = errors.New("manifest: unexpected end of input")
)

// Tags identifying fields in the encoded edit. The values are part of the
// MANIFEST format and must not change.
const (
	tagLastSequence   = 4
	tagCompactCursor  = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagNewBlobFile    = 8
	tagBlobGarbage    = 9
	tagNextFileNumber = 10
)

// DeletedFileEntry names a file removed from a level.
type DeletedFileEntry struct {
	Level      int
	FileNumber uint64
}

// NewFileEntry names a file added to a level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// CompactCursor records the round-robin compaction cursor for a level.
type CompactCursor struct {
	Level int
	Key   []byte
}

// VersionEdit is one atomic delta applied to the LSM view.
type VersionEdit struct {
	LastSequence    dbformat.SequenceNumber
	HasLastSequence bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	DeletedFiles []DeletedFileEntry
	NewFiles     []NewFileEntry

	NewBlobFiles []*BlobFileMetaData
	BlobGarbage  []BlobGarbage

	CompactCursors []CompactCursor
}

// NewVersionEdit creates an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

// DeleteFile records the removal of a file from a level.
func (ve *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, FileNumber: fileNumber})
}

// AddFile records the addition of a file to a level.
func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// AddBlobFile records a newly produced blob sidecar.
func (ve *VersionEdit) AddBlobFile(meta *BlobFileMetaData) {
	ve.NewBlobFiles = append(ve.NewBlobFiles, meta)
}

// AddBlobGarbage records a per-blob-file garbage increment.
func (ve *VersionEdit) AddBlobGarbage(g BlobGarbage) {
	ve.BlobGarbage = append(ve.BlobGarbage, g)
}

// SetCompactCursor records the round-robin cursor for a level.
func (ve *VersionEdit) SetCompactCursor(level int, key []byte) {
	ve.CompactCursors = append(ve.CompactCursors, CompactCursor{
		Level: level,
		Key:   append([]byte(nil), key...),
	})
}

// SetLastSequence records the last sequence number at edit time.
func (ve *VersionEdit) SetLastSequence(seq dbformat.SequenceNumber) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// SetNextFileNumber records the file number allocator state.
func (ve *VersionEdit) SetNextFileNumber(n uint64) {
	ve.NextFileNumber = n
	ve.HasNextFileNumber = true
}

// EncodeTo appends the serialized edit to dst.
func (ve *VersionEdit) EncodeTo(dst []byte) []byte {
	if ve.HasLastSequence {
		dst = encoding.AppendVarint32(dst, tagLastSequence)
		dst = encoding.AppendVarint64(dst, uint64(ve.LastSequence))
	}
	if ve.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, tagNextFileNumber)
		dst = encoding.AppendVarint64(dst, ve.NextFileNumber)
	}
	for _, c := range ve.CompactCursors {
		dst = encoding.AppendVarint32(dst, tagCompactCursor)
		dst = encoding.AppendVarint32(dst, uint32(c.Level))
		dst = encoding.AppendLengthPrefixedSlice(dst, c.Key)
	}
	for _, d := range ve.DeletedFiles {
		dst = encoding.AppendVarint32(dst, tagDeletedFile)
		dst = encoding.AppendVarint32(dst, uint32(d.Level))
		dst = encoding.AppendVarint64(dst, d.FileNumber)
	}
	for _, nf := range ve.NewFiles {
		dst = encoding.AppendVarint32(dst, tagNewFile)
		dst = encoding.AppendVarint32(dst, uint32(nf.Level))
		dst = encodeFileMetaData(dst, nf.Meta)
	}
	for _, bf := range ve.NewBlobFiles {
		dst = encoding.AppendVarint32(dst, tagNewBlobFile)
		dst = encoding.AppendVarint64(dst, bf.BlobFileNumber)
		dst = encoding.AppendVarint64(dst, bf.TotalBlobCount)
		dst = encoding.AppendVarint64(dst, bf.TotalBlobBytes)
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(bf.Checksum))
	}
	for _, g := range ve.BlobGarbage {
		dst = encoding.AppendVarint32(dst, tagBlobGarbage)
		dst = encoding.AppendVarint64(dst, g.BlobFileNumber)
		dst = encoding.AppendVarint64(dst, g.GarbageCount)
		dst = encoding.AppendVarint64(dst, g.GarbageBytes)
	}
	return dst
}

func encodeFileMetaData(dst []byte, meta *FileMetaData) []byte {
	dst = encoding.AppendVarint64(dst, meta.FD.FileNumber)
	dst = encoding.AppendVarint32(dst, meta.FD.PathID)
	dst = encoding.AppendVarint64(dst, meta.FD.FileSize)
	dst = encoding.AppendVarint64(dst, uint64(meta.FD.SmallestSeqno))
	dst = encoding.AppendVarint64(dst, uint64(meta.FD.LargestSeqno))
	dst = encoding.AppendLengthPrefixedSlice(dst, meta.Smallest)
	dst = encoding.AppendLengthPrefixedSlice(dst, meta.Largest)
	dst = encoding.AppendVarint64(dst, meta.NumEntries)
	dst = encoding.AppendVarint64(dst, meta.NumRangeDeletions)
	dst = encoding.AppendVarint64(dst, meta.FileCreationTime)
	dst = encoding.AppendVarint64(dst, meta.OldestAncestorTime)
	dst = encoding.AppendVarint64(dst, meta.OldestBlobFileNumber)
	dst = append(dst, byte(meta.Temperature))
	dst = encoding.AppendLengthPrefixedSlice(dst, []byte(meta.FileChecksum))
	dst = encoding.AppendLengthPrefixedSlice(dst, []byte(meta.FileChecksumFuncName))
	dst = encoding.AppendFixed64(dst, meta.UniqueID[0])
	dst = encoding.AppendFixed64(dst, meta.UniqueID[1])
	return dst
}

// DecodeFrom parses an edit serialized by EncodeTo.
func (ve *VersionEdit) DecodeFrom(src []byte) error {
	d := decoder{buf: src}
	for d.remaining() > 0 {
		tag, err := d.varint32()
		if err != nil {
			return err
		}
		switch tag {
		case tagLastSequence:
			v, err := d.varint64()
			if err != nil {
				return err
			}
			ve.LastSequence = dbformat.SequenceNumber(v)
			ve.HasLastSequence = true
		case tagNextFileNumber:
			v, err := d.varint64()
			if err != nil {
				return err
			}
			ve.NextFileNumber = v
			ve.HasNextFileNumber = true
		case tagCompactCursor:
			level, err := d.varint32()
			if err != nil {
				return err
			}
			key, err := d.slice()
			if err != nil {
				return err
			}
			ve.SetCompactCursor(int(level), key)
		case tagDeletedFile:
			level, err := d.varint32()
			if err != nil {
				return err
			}
			num, err := d.varint64()
			if err != nil {
				return err
			}
			ve.DeleteFile(int(level), num)
		case tagNewFile:
			level, err := d.varint32()
			if err != nil {
				return err
			}
			meta, err := d.fileMetaData()
			if err != nil {
				return err
			}
			ve.AddFile(int(level), meta)
		case tagNewBlobFile:
			bf := &BlobFileMetaData{}
			if bf.BlobFileNumber, err = d.varint64(); err != nil {
				return err
			}
			if bf.TotalBlobCount, err = d.varint64(); err != nil {
				return err
			}
			if bf.TotalBlobBytes, err = d.varint64(); err != nil {
				return err
			}
			cs, err := d.slice()
			if err != nil {
				return err
			}
			bf.Checksum = string(cs)
			ve.AddBlobFile(bf)
		case tagBlobGarbage:
			var g BlobGarbage
			if g.BlobFileNumber, err = d.varint64(); err != nil {
				return err
			}
			if g.GarbageCount, err = d.varint64(); err != nil {
				return err
			}
			if g.GarbageBytes, err = d.varint64(); err != nil {
				return err
			}
			ve.AddBlobGarbage(g)
		default:
			return fmt.Errorf("%w: %d", ErrInvalidTag, tag)
		}
	}
	return nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) varint32() (uint32, error) {
	v, n, err := encoding.DecodeVarint32(d.buf[d.off:])
	if err != nil {
		return 0, ErrUnexpectedEndOfInput
	}
	d.off += n
	return v, nil
}

func (d *decoder) varint64() (uint64, error) {
	v, n, err := encoding.DecodeVarint64(d.buf[d.off:])
	if err != nil {
		return 0, ErrUnexpectedEndOfInput
	}
	d.off += n
	return v, nil
}

func (d *decoder) slice() ([]byte, error) {
	v, n, err := encoding.DecodeLengthPrefixedSlice(d.buf[d.off:])
	if err != nil {
		return nil, ErrUnexpectedEndOfInput
	}
	d.off += n
	return append([]byte(nil), v...), nil
}

func (d *decoder) byte() (byte, error) {
	if d.remaining() < 1 {
		return 0, ErrUnexpectedEndOfInput
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) fixed64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrUnexpectedEndOfInput
	}
	v := encoding.DecodeFixed64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) fileMetaData() (*FileMetaData, error) {
	meta := NewFileMetaData()
	var err error
	if meta.FD.FileNumber, err = d.varint64(); err != nil {
		return nil, err
	}
	pathID, err := d.varint32()
	if err != nil {
		return nil, err
	}
	meta.FD.PathID = pathID
	if meta.FD.FileSize, err = d.varint64(); err != nil {
		return nil, err
	}
	smallestSeq, err := d.varint64()
	if err != nil {
		return nil, err
	}
	meta.FD.SmallestSeqno = dbformat.SequenceNumber(smallestSeq)
	largestSeq, err := d.varint64()
	if err != nil {
		return nil, err
	}
	meta.FD.LargestSeqno = dbformat.SequenceNumber(largestSeq)
	if meta.Smallest, err = d.slice(); err != nil {
		return nil, err
	}
	if meta.Largest, err = d.slice(); err != nil {
		return nil, err
	}
	if meta.NumEntries, err = d.varint64(); err != nil {
		return nil, err
	}
	if meta.NumRangeDeletions, err = d.varint64(); err != nil {
		return nil, err
	}
	if meta.FileCreationTime, err = d.varint64(); err != nil {
		return nil, err
	}
	if meta.OldestAncestorTime, err = d.varint64(); err != nil {
		return nil, err
	}
	if meta.OldestBlobFileNumber, err = d.varint64(); err != nil {
		return nil, err
	}
	temp, err := d.byte()
	if err != nil {
		return nil, err
	}
	meta.Temperature = Temperature(temp)
	cs, err := d.slice()
	if err != nil {
		return nil, err
	}
	meta.FileChecksum = string(cs)
	fn, err := d.slice()
	if err != nil {
		return nil, err
	}
	meta.FileChecksumFuncName = string(fn)
	if meta.UniqueID[0], err = d.fixed64(); err != nil {
		return nil, err
	}
	if meta.UniqueID[1], err = d.fixed64(); err != nil {
		return nil, err
	}
	return meta, nil
}
