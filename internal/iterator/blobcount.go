package iterator

import "github.com/quarrykv/quarrykv/internal/dbformat"

// BlobIndexDecoder decodes a BlobIndex value into the referenced blob file
// number and the stored blob size. ok is false for undecodable values.
type BlobIndexDecoder func(value []byte) (fileNumber uint64, bytes uint64, ok bool)

// BlobFlow is the per-blob-file input flow observed while iterating.
type BlobFlow struct {
	Count uint64
	Bytes uint64
}

// BlobCounting records, per referenced blob file, how many BlobIndex
// records flowed through the iterator and how many blob bytes they
// reference. Compaction uses the flows for blob garbage accounting.
type BlobCounting struct {
	iter   Iterator
	decode BlobIndexDecoder
	flows  map[uint64]*BlobFlow
}

// NewBlobCounting wraps iter with blob flow accounting.
func NewBlobCounting(iter Iterator, decode BlobIndexDecoder) *BlobCounting {
	return &BlobCounting{
		iter:   iter,
		decode: decode,
		flows:  make(map[uint64]*BlobFlow),
	}
}

// Flows returns the per-blob-file flows observed so far.
func (b *BlobCounting) Flows() map[uint64]*BlobFlow { return b.flows }

func (b *BlobCounting) count() {
	if !b.iter.Valid() {
		return
	}
	key := b.iter.Key()
	if dbformat.ExtractValueType(key) != dbformat.TypeBlobIndex {
		return
	}
	fileNum, bytes, ok := b.decode(b.iter.Value())
	if !ok {
		return
	}
	f := b.flows[fileNum]
	if f == nil {
		f = &BlobFlow{}
		b.flows[fileNum] = f
	}
	f.Count++
	f.Bytes += bytes
}

func (b *BlobCounting) Valid() bool   { return b.iter.Valid() }
func (b *BlobCounting) Key() []byte   { return b.iter.Key() }
func (b *BlobCounting) Value() []byte { return b.iter.Value() }

func (b *BlobCounting) SeekToFirst() {
	b.iter.SeekToFirst()
	b.count()
}

func (b *BlobCounting) Seek(target []byte) {
	b.iter.Seek(target)
	b.count()
}

func (b *BlobCounting) Next() {
	b.iter.Next()
	b.count()
}

func (b *BlobCounting) Error() error { return b.iter.Error() }
func (b *BlobCounting) Close() error { return b.iter.Close() }
