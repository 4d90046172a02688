// Package iterator provides the internal-key iterator capability set and
// the wrappers the compaction input stack is built from.
//
// All iterators are forward-only: the capability set is SeekToFirst, Seek,
// Next, Valid, Key, Value, Error. Wrappers are stacked at construction
// time: file/level cursors at the bottom, then the merging iterator, then
// clipping, then optional blob-counting and history-trimming.
package iterator

// Iterator yields (internal key, value) pairs in sorted order.
type Iterator interface {
	// Valid returns true if the iterator is positioned at an entry.
	Valid() bool

	// Key returns the current internal key. Valid until the next move.
	Key() []byte

	// Value returns the current value. Valid until the next move.
	Value() []byte

	// SeekToFirst positions the iterator at the first entry.
	SeekToFirst()

	// Seek positions the iterator at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	Next()

	// Error returns the terminal status. Once non-nil, no further entries
	// are emitted.
	Error() error

	// Close releases resources held by the iterator.
	Close() error
}

// Empty is an iterator over nothing, optionally carrying an error.
type Empty struct {
	Err error
}

func (e *Empty) Valid() bool      { return false }
func (e *Empty) Key() []byte      { return nil }
func (e *Empty) Value() []byte    { return nil }
func (e *Empty) SeekToFirst()     {}
func (e *Empty) Seek([]byte)      {}
func (e *Empty) Next()            {}
func (e *Empty) Error() error     { return e.Err }
func (e *Empty) Close() error     { return nil }
