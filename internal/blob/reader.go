package blob

import (
	"fmt"

	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/encoding"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// Reader reads values back out of one blob file.
type Reader struct {
	file       vfs.RandomAccessFile
	fileNumber uint64

	count      uint64
	valueBytes uint64
}

// NewReader opens a blob file and validates its header and footer framing.
func NewReader(file vfs.RandomAccessFile) (*Reader, error) {
	size := file.Size()
	if size < headerSize+footerSize {
		return nil, fmt.Errorf("blob: file too small (%d bytes)", size)
	}
	header := make([]byte, headerSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("read blob header: %w", err)
	}
	if encoding.DecodeFixed64(header) != Magic {
		return nil, ErrBadMagic
	}
	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, size-footerSize); err != nil {
		return nil, fmt.Errorf("read blob footer: %w", err)
	}
	if encoding.DecodeFixed64(footer[24:]) != Magic {
		return nil, ErrBadMagic
	}
	return &Reader{
		file:       file,
		fileNumber: encoding.DecodeFixed64(header[8:]),
		count:      encoding.DecodeFixed64(footer),
		valueBytes: encoding.DecodeFixed64(footer[8:]),
	}, nil
}

// FileNumber returns the file number recorded in the header.
func (r *Reader) FileNumber() uint64 { return r.fileNumber }

// Count returns the record count recorded in the footer.
func (r *Reader) Count() uint64 { return r.count }

// Get reads the value named by idx.
func (r *Reader) Get(idx Index) ([]byte, error) {
	if idx.FileNumber != r.fileNumber {
		return nil, fmt.Errorf("%w: index names file %d, reader holds %d",
			ErrBadIndex, idx.FileNumber, r.fileNumber)
	}
	value := make([]byte, idx.Size)
	if _, err := r.file.ReadAt(value, int64(idx.Offset)); err != nil {
		return nil, fmt.Errorf("read blob value: %w", err)
	}
	return value, nil
}

// VerifyChecksum re-reads the whole file and compares the digest against
// the footer.
func (r *Reader) VerifyChecksum() error {
	size := r.file.Size()
	body := make([]byte, size-footerSize)
	if _, err := r.file.ReadAt(body, 0); err != nil {
		return fmt.Errorf("read blob body: %w", err)
	}
	var digest checksum.FileDigest
	_, _ = digest.Write(body)

	footer := make([]byte, footerSize)
	if _, err := r.file.ReadAt(footer, size-footerSize); err != nil {
		return fmt.Errorf("read blob footer: %w", err)
	}
	if stored := encoding.DecodeFixed64(footer[16:]); stored != digest.Sum64() {
		return fmt.Errorf("%w: stored %016x computed %016x",
			ErrChecksumMismatch, stored, digest.Sum64())
	}
	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
