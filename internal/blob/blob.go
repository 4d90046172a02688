// Package blob implements the blob sidecar files that hold large values
// referenced by BlobIndex records in the main SSTs.
//
// File layout: header, then length-prefixed (key, value) records, then a
// footer with the record count, total value bytes, and an XXH3 digest of
// everything before the footer.
package blob

import (
	"errors"
	"fmt"

	"github.com/quarrykv/quarrykv/internal/encoding"
)

// Magic identifies a blob file, stored in the header and footer.
const Magic uint64 = 0x626c6f62714b5631

var (
	// ErrBadMagic is returned when the header or footer magic mismatches.
	ErrBadMagic = errors.New("blob: bad magic number")

	// ErrBadIndex is returned for undecodable BlobIndex values.
	ErrBadIndex = errors.New("blob: bad blob index")

	// ErrChecksumMismatch is returned when the file digest does not match.
	ErrChecksumMismatch = errors.New("blob: file checksum mismatch")
)

// headerSize is magic plus the file number.
const headerSize = 16

// footerSize is record count, value bytes, digest, magic.
const footerSize = 32

func encodeHeader(fileNumber uint64) []byte {
	dst := make([]byte, 0, headerSize)
	dst = encoding.AppendFixed64(dst, Magic)
	return encoding.AppendFixed64(dst, fileNumber)
}

func encodeFooter(count, valueBytes, digest uint64) []byte {
	dst := make([]byte, 0, footerSize)
	dst = encoding.AppendFixed64(dst, count)
	dst = encoding.AppendFixed64(dst, valueBytes)
	dst = encoding.AppendFixed64(dst, digest)
	return encoding.AppendFixed64(dst, Magic)
}

// Index points at one value inside a blob file. It is stored as the value
// of a BlobIndex record in the main SST.
type Index struct {
	FileNumber uint64
	Offset     uint64
	Size       uint64
}

// Encode serializes the index.
func (idx *Index) Encode() []byte {
	var dst []byte
	dst = encoding.AppendVarint64(dst, idx.FileNumber)
	dst = encoding.AppendVarint64(dst, idx.Offset)
	return encoding.AppendVarint64(dst, idx.Size)
}

// DecodeIndex parses an encoded index.
func DecodeIndex(data []byte) (Index, error) {
	var idx Index
	off := 0
	for _, f := range []*uint64{&idx.FileNumber, &idx.Offset, &idx.Size} {
		v, n, err := encoding.DecodeVarint64(data[off:])
		if err != nil {
			return Index{}, fmt.Errorf("%w: %v", ErrBadIndex, err)
		}
		*f = v
		off += n
	}
	return idx, nil
}

// DecodeIndexFlow is the iterator.BlobIndexDecoder adapter: it reports the
// referenced file number and value size for blob flow accounting.
func DecodeIndexFlow(value []byte) (uint64, uint64, bool) {
	idx, err := DecodeIndex(value)
	if err != nil {
		return 0, 0, false
	}
	return idx.FileNumber, idx.Size, true
}

// FileName returns the blob file name for a file number.
func FileName(fileNumber uint64) string {
	return fmt.Sprintf("%06d.blob", fileNumber)
}
