package sstable

import (
	"fmt"

	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/encoding"
	"github.com/quarrykv/quarrykv/internal/rangedel"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// ReaderOptions parameterize table opening.
type ReaderOptions struct {
	// Comparator orders internal keys. Nil means bytewise user keys.
	Comparator *dbformat.InternalKeyComparator

	// VerifyChecksums re-checks block checksums on every read.
	VerifyChecksums bool
}

// Reader provides iteration over one table.
type Reader struct {
	file vfs.RandomAccessFile
	opts ReaderOptions

	csType   checksum.Type
	index    []indexEntry
	rangeDel blockHandle
	props    *Properties
}

// Open reads the footer and index of a table file.
func Open(file vfs.RandomAccessFile, opts ReaderOptions) (*Reader, error) {
	if opts.Comparator == nil {
		opts.Comparator = dbformat.DefaultInternalKeyComparator
	}
	size := file.Size()
	if size < footerSize {
		return nil, ErrTruncated
	}
	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, size-footerSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	indexHandle, rangeDelHandle, propsHandle, csType, err := decodeFooter(footer)
	if err != nil {
		return nil, err
	}

	r := &Reader{file: file, opts: opts, csType: csType, rangeDel: rangeDelHandle}

	idxPayload, err := r.readBlock(indexHandle)
	if err != nil {
		return nil, fmt.Errorf("read index block: %w", err)
	}
	off := 0
	for off < len(idxPayload) {
		lastKey, n, err := encoding.DecodeLengthPrefixedSlice(idxPayload[off:])
		if err != nil {
			return nil, fmt.Errorf("index block: %w", err)
		}
		off += n
		offset, n, err := encoding.DecodeVarint64(idxPayload[off:])
		if err != nil {
			return nil, fmt.Errorf("index block: %w", err)
		}
		off += n
		blockSize, n, err := encoding.DecodeVarint64(idxPayload[off:])
		if err != nil {
			return nil, fmt.Errorf("index block: %w", err)
		}
		off += n
		r.index = append(r.index, indexEntry{
			lastKey: append([]byte(nil), lastKey...),
			handle:  blockHandle{Offset: offset, Size: blockSize},
		})
	}

	propsPayload, err := r.readBlock(propsHandle)
	if err != nil {
		return nil, fmt.Errorf("read properties block: %w", err)
	}
	if r.props, err = decodeProperties(propsPayload); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readBlock(h blockHandle) ([]byte, error) {
	if h.Size < blockTrailerSize {
		return nil, ErrTruncated
	}
	raw := make([]byte, h.Size)
	if _, err := r.file.ReadAt(raw, int64(h.Offset)); err != nil {
		return nil, err
	}
	csType := r.csType
	if !r.opts.VerifyChecksums {
		csType = checksum.NoChecksum
	}
	return openBlock(raw, csType)
}

// Properties returns the decoded table properties.
func (r *Reader) Properties() *Properties { return r.props }

// RangeTombstones decodes the range-del block.
func (r *Reader) RangeTombstones() (*rangedel.List, error) {
	payload, err := r.readBlock(r.rangeDel)
	if err != nil {
		return nil, fmt.Errorf("read range-del block: %w", err)
	}
	list := rangedel.NewList()
	off := 0
	for off < len(payload) {
		start, n, err := encoding.DecodeLengthPrefixedSlice(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("range-del block: %w", err)
		}
		off += n
		end, n, err := encoding.DecodeLengthPrefixedSlice(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("range-del block: %w", err)
		}
		off += n
		seq, n, err := encoding.DecodeVarint64(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("range-del block: %w", err)
		}
		off += n
		list.AddRange(start, end, dbformat.SequenceNumber(seq))
	}
	return list, nil
}

// NewIterator returns a forward iterator over the table's point entries.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator walks a table's data blocks in order.
type Iterator struct {
	r *Reader

	blockIdx int
	block    []byte
	off      int

	key   []byte
	value []byte
	valid bool
	err   error
}

// Valid returns true if positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current internal key.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.value
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	it.valid = false
	if len(it.r.index) == 0 {
		return
	}
	if !it.loadBlock(0) {
		return
	}
	it.parseNext()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.err = nil
	it.valid = false
	cmp := it.r.opts.Comparator
	// First block whose last key is >= target.
	lo, hi := 0, len(it.r.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp.Compare(it.r.index[mid].lastKey, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(it.r.index) {
		return
	}
	if !it.loadBlock(lo) {
		return
	}
	it.parseNext()
	for it.valid && cmp.Compare(it.key, target) < 0 {
		it.Next()
	}
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.parseNext()
}

// Error returns the terminal status.
func (it *Iterator) Error() error { return it.err }

// Close releases the iterator. The reader stays open; ownership of the
// underlying file is the reader's.
func (it *Iterator) Close() error { return nil }

func (it *Iterator) loadBlock(idx int) bool {
	payload, err := it.r.readBlock(it.r.index[idx].handle)
	if err != nil {
		it.err = err
		it.valid = false
		return false
	}
	it.blockIdx = idx
	it.block = payload
	it.off = 0
	return true
}

// parseNext decodes the next record, crossing block boundaries.
func (it *Iterator) parseNext() {
	for it.off >= len(it.block) {
		next := it.blockIdx + 1
		if next >= len(it.r.index) {
			it.valid = false
			return
		}
		if !it.loadBlock(next) {
			return
		}
	}
	keyLen, n, err := encoding.DecodeVarint64(it.block[it.off:])
	if err != nil {
		it.fail(err)
		return
	}
	it.off += n
	valLen, n, err := encoding.DecodeVarint64(it.block[it.off:])
	if err != nil {
		it.fail(err)
		return
	}
	it.off += n
	if uint64(len(it.block)-it.off) < keyLen+valLen {
		it.fail(ErrTruncated)
		return
	}
	it.key = it.block[it.off : it.off+int(keyLen)]
	it.off += int(keyLen)
	it.value = it.block[it.off : it.off+int(valLen)]
	it.off += int(valLen)
	it.valid = true
}

func (it *Iterator) fail(err error) {
	it.err = fmt.Errorf("sstable: corrupt data block: %w", err)
	it.valid = false
}
