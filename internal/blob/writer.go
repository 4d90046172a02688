package blob

import (
	"fmt"

	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/encoding"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// Writer builds one blob sidecar file.
type Writer struct {
	file       vfs.WritableFile
	fileNumber uint64

	digest checksum.FileDigest
	offset uint64

	count      uint64
	valueBytes uint64

	err  error
	done bool
}

// NewWriter starts a blob file on the given handle.
func NewWriter(file vfs.WritableFile, fileNumber uint64) (*Writer, error) {
	w := &Writer{file: file, fileNumber: fileNumber}
	if err := w.write(encodeHeader(fileNumber)); err != nil {
		return nil, fmt.Errorf("blob header: %w", err)
	}
	return w, nil
}

// FileNumber returns the blob file number.
func (w *Writer) FileNumber() uint64 { return w.fileNumber }

// Add appends one (key, value) record and returns the encoded Index that
// replaces the value in the main SST.
func (w *Writer) Add(userKey, value []byte) ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	var rec []byte
	rec = encoding.AppendLengthPrefixedSlice(rec, userKey)
	rec = encoding.AppendLengthPrefixedSlice(rec, value)

	valueOffset := w.offset + uint64(len(rec)) - uint64(len(value))
	if err := w.write(rec); err != nil {
		return nil, fmt.Errorf("blob record: %w", err)
	}
	w.count++
	w.valueBytes += uint64(len(value))

	idx := Index{FileNumber: w.fileNumber, Offset: valueOffset, Size: uint64(len(value))}
	return idx.Encode(), nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 { return w.count }

// Size returns the bytes written so far.
func (w *Writer) Size() uint64 { return w.offset }

// Finish writes the footer, syncs, closes the file, and returns the blob
// file metadata for the version edit.
func (w *Writer) Finish() (*manifest.BlobFileMetaData, error) {
	if w.err != nil {
		_ = w.file.Close()
		return nil, w.err
	}
	if w.done {
		return nil, fmt.Errorf("blob: Finish called twice")
	}
	digest := w.digest.Sum64()
	if err := w.write(encodeFooter(w.count, w.valueBytes, digest)); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("blob footer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("sync blob file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("close blob file: %w", err)
	}
	w.done = true
	return &manifest.BlobFileMetaData{
		BlobFileNumber: w.fileNumber,
		TotalBlobCount: w.count,
		TotalBlobBytes: w.offset,
		Checksum:       fmt.Sprintf("%016x", digest),
	}, nil
}

// Abandon closes the file without a footer. The caller deletes it.
func (w *Writer) Abandon() {
	if !w.done {
		_ = w.file.Close()
		w.done = true
		w.err = fmt.Errorf("blob: writer abandoned")
	}
}

func (w *Writer) write(p []byte) error {
	if _, err := w.file.Write(p); err != nil {
		w.err = err
		return err
	}
	_, _ = w.digest.Write(p)
	w.offset += uint64(len(p))
	return nil
}
