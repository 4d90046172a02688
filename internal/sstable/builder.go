package sstable

import (
	"fmt"
	"io"
	"sort"

	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/compression"
	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/encoding"
	"github.com/quarrykv/quarrykv/internal/rangedel"
)

// BuilderOptions parameterize table construction.
type BuilderOptions struct {
	// Comparator orders internal keys. Nil means bytewise user keys.
	Comparator *dbformat.InternalKeyComparator

	// BlockSize is the uncompressed data block target.
	BlockSize int

	// Compression selects the block codec.
	Compression compression.Type

	// ChecksumType selects the block checksum.
	ChecksumType checksum.Type
}

// DefaultBuilderOptions returns the options the engine uses unless the
// descriptor overrides them.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		Comparator:   dbformat.DefaultInternalKeyComparator,
		BlockSize:    4 * 1024,
		Compression:  compression.Snappy,
		ChecksumType: checksum.XXH3,
	}
}

// Properties are the table-level counters recorded in the properties block.
type Properties struct {
	NumEntries        uint64
	NumRangeDeletions uint64
	NumDataBlocks     uint64
	RawKeyBytes       uint64
	RawValueBytes     uint64
	SmallestSeqno     dbformat.SequenceNumber
	LargestSeqno      dbformat.SequenceNumber
	Compression       compression.Type
	ChecksumType      checksum.Type
}

func (p *Properties) encode() []byte {
	var dst []byte
	dst = encoding.AppendVarint64(dst, p.NumEntries)
	dst = encoding.AppendVarint64(dst, p.NumRangeDeletions)
	dst = encoding.AppendVarint64(dst, p.NumDataBlocks)
	dst = encoding.AppendVarint64(dst, p.RawKeyBytes)
	dst = encoding.AppendVarint64(dst, p.RawValueBytes)
	dst = encoding.AppendVarint64(dst, uint64(p.SmallestSeqno))
	dst = encoding.AppendVarint64(dst, uint64(p.LargestSeqno))
	dst = append(dst, byte(p.Compression), byte(p.ChecksumType))
	return dst
}

func decodeProperties(src []byte) (*Properties, error) {
	p := &Properties{}
	fields := []*uint64{
		&p.NumEntries, &p.NumRangeDeletions, &p.NumDataBlocks,
		&p.RawKeyBytes, &p.RawValueBytes,
	}
	off := 0
	for _, f := range fields {
		v, n, err := encoding.DecodeVarint64(src[off:])
		if err != nil {
			return nil, fmt.Errorf("properties block: %w", err)
		}
		*f = v
		off += n
	}
	for _, f := range []*dbformat.SequenceNumber{&p.SmallestSeqno, &p.LargestSeqno} {
		v, n, err := encoding.DecodeVarint64(src[off:])
		if err != nil {
			return nil, fmt.Errorf("properties block: %w", err)
		}
		*f = dbformat.SequenceNumber(v)
		off += n
	}
	if len(src)-off < 2 {
		return nil, ErrTruncated
	}
	p.Compression = compression.Type(src[off])
	p.ChecksumType = checksum.Type(src[off+1])
	return p, nil
}

type indexEntry struct {
	lastKey []byte
	handle  blockHandle
}

// Builder writes one table. The write stream is teed through an XXH3
// digest so Finish can report the whole-file checksum without re-reading.
type Builder struct {
	w    io.Writer
	opts BuilderOptions

	digest checksum.FileDigest
	offset uint64

	block   []byte
	lastKey []byte
	index   []indexEntry

	tombstones []rangedel.Tombstone

	props Properties
	err   error
	done  bool
}

// NewBuilder starts a table written to w.
func NewBuilder(w io.Writer, opts BuilderOptions) *Builder {
	if opts.Comparator == nil {
		opts.Comparator = dbformat.DefaultInternalKeyComparator
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBuilderOptions().BlockSize
	}
	b := &Builder{
		w:    w,
		opts: opts,
	}
	b.props.SmallestSeqno = dbformat.MaxSequenceNumber
	b.props.Compression = opts.Compression
	b.props.ChecksumType = opts.ChecksumType
	return b
}

// Add appends an internal key/value pair. Keys must be strictly increasing
// under the composite order.
func (b *Builder) Add(key, value []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.done {
		return fmt.Errorf("sstable: Add after Finish")
	}
	if b.lastKey != nil && b.opts.Comparator.Compare(key, b.lastKey) <= 0 {
		b.err = fmt.Errorf("%w: %q after %q", ErrOutOfOrder, key, b.lastKey)
		return b.err
	}
	b.block = encoding.AppendVarint64(b.block, uint64(len(key)))
	b.block = encoding.AppendVarint64(b.block, uint64(len(value)))
	b.block = append(b.block, key...)
	b.block = append(b.block, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.props.NumEntries++
	b.props.RawKeyBytes += uint64(len(key))
	b.props.RawValueBytes += uint64(len(value))
	seq := dbformat.ExtractSequenceNumber(key)
	if seq < b.props.SmallestSeqno {
		b.props.SmallestSeqno = seq
	}
	if seq > b.props.LargestSeqno {
		b.props.LargestSeqno = seq
	}

	if len(b.block) >= b.opts.BlockSize {
		return b.flushBlock()
	}
	return nil
}

// AddTombstone records a range tombstone for the range-del block. May be
// called at any point before Finish.
func (b *Builder) AddTombstone(t rangedel.Tombstone) error {
	if b.err != nil {
		return b.err
	}
	if b.done {
		return fmt.Errorf("sstable: AddTombstone after Finish")
	}
	b.tombstones = append(b.tombstones, t)
	b.props.NumRangeDeletions++
	if t.Seq < b.props.SmallestSeqno {
		b.props.SmallestSeqno = t.Seq
	}
	if t.Seq > b.props.LargestSeqno {
		b.props.LargestSeqno = t.Seq
	}
	return nil
}

// NumEntries returns the number of point entries added.
func (b *Builder) NumEntries() uint64 { return b.props.NumEntries }

// NumRangeDeletions returns the number of tombstones added.
func (b *Builder) NumRangeDeletions() uint64 { return b.props.NumRangeDeletions }

// EstimatedSize returns the bytes written so far plus the pending block.
func (b *Builder) EstimatedSize() uint64 {
	return b.offset + uint64(len(b.block))
}

// FileSize returns the final size. Only meaningful after Finish.
func (b *Builder) FileSize() uint64 { return b.offset }

// FileChecksum returns the whole-file digest hex string. Only meaningful
// after Finish.
func (b *Builder) FileChecksum() string { return b.digest.String() }

// Props returns the accumulated properties.
func (b *Builder) Props() Properties { return b.props }

func (b *Builder) write(p []byte) error {
	if _, err := b.w.Write(p); err != nil {
		b.err = err
		return err
	}
	_, _ = b.digest.Write(p)
	b.offset += uint64(len(p))
	return nil
}

func (b *Builder) flushBlock() error {
	if len(b.block) == 0 {
		return nil
	}
	raw, err := buildBlock(b.block, b.opts.Compression, b.opts.ChecksumType)
	if err != nil {
		b.err = err
		return err
	}
	handle := blockHandle{Offset: b.offset, Size: uint64(len(raw))}
	if err := b.write(raw); err != nil {
		return err
	}
	b.index = append(b.index, indexEntry{
		lastKey: append([]byte(nil), b.lastKey...),
		handle:  handle,
	})
	b.props.NumDataBlocks++
	b.block = b.block[:0]
	return nil
}

func (b *Builder) writeMetaBlock(payload []byte) (blockHandle, error) {
	raw, err := buildBlock(payload, compression.None, b.opts.ChecksumType)
	if err != nil {
		b.err = err
		return blockHandle{}, err
	}
	handle := blockHandle{Offset: b.offset, Size: uint64(len(raw))}
	if err := b.write(raw); err != nil {
		return blockHandle{}, err
	}
	return handle, nil
}

// Finish flushes the remaining blocks and writes the footer.
func (b *Builder) Finish() error {
	if b.err != nil {
		return b.err
	}
	if b.done {
		return nil
	}
	if err := b.flushBlock(); err != nil {
		return err
	}

	// Range-del block: tombstones sorted by (start, seq desc).
	ucmp := b.opts.Comparator.UserCompare()
	sort.SliceStable(b.tombstones, func(i, j int) bool {
		if c := ucmp(b.tombstones[i].Start, b.tombstones[j].Start); c != 0 {
			return c < 0
		}
		return b.tombstones[i].Seq > b.tombstones[j].Seq
	})
	var rdPayload []byte
	for _, t := range b.tombstones {
		rdPayload = encoding.AppendLengthPrefixedSlice(rdPayload, t.Start)
		rdPayload = encoding.AppendLengthPrefixedSlice(rdPayload, t.End)
		rdPayload = encoding.AppendVarint64(rdPayload, uint64(t.Seq))
	}
	rangeDelHandle, err := b.writeMetaBlock(rdPayload)
	if err != nil {
		return err
	}

	propsHandle, err := b.writeMetaBlock(b.props.encode())
	if err != nil {
		return err
	}

	var idxPayload []byte
	for _, e := range b.index {
		idxPayload = encoding.AppendLengthPrefixedSlice(idxPayload, e.lastKey)
		idxPayload = encoding.AppendVarint64(idxPayload, e.handle.Offset)
		idxPayload = encoding.AppendVarint64(idxPayload, e.handle.Size)
	}
	indexHandle, err := b.writeMetaBlock(idxPayload)
	if err != nil {
		return err
	}

	if err := b.write(encodeFooter(indexHandle, rangeDelHandle, propsHandle, b.opts.ChecksumType)); err != nil {
		return err
	}
	b.done = true
	return nil
}

// Abandon discards the builder without writing a footer. The caller is
// responsible for deleting the partial file.
func (b *Builder) Abandon() {
	b.done = true
	b.err = fmt.Errorf("sstable: builder abandoned")
}
