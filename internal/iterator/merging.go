package iterator

import "container/heap"

// Merging merges multiple sorted child iterators into one sorted stream
// using a min-heap keyed by the current key of each child.
type Merging struct {
	children []Iterator
	cmp      func(a, b []byte) int
	minHeap  iterHeap
	current  int // index into children, -1 if invalid
	err      error
}

// NewMerging creates a merging iterator. cmp compares internal keys.
func NewMerging(children []Iterator, cmp func(a, b []byte) int) *Merging {
	mi := &Merging{
		children: children,
		cmp:      cmp,
		current:  -1,
	}
	mi.minHeap.items = make([]heapItem, 0, len(children))
	mi.minHeap.cmp = cmp
	return mi
}

// Valid returns true if positioned at an entry.
func (mi *Merging) Valid() bool {
	return mi.err == nil && mi.current >= 0 && mi.current < len(mi.children)
}

// Key returns the current key.
func (mi *Merging) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

// Value returns the current value.
func (mi *Merging) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

// SeekToFirst positions at the smallest key across all children.
func (mi *Merging) SeekToFirst() {
	mi.initHeap(func(child Iterator) { child.SeekToFirst() })
}

// Seek positions at the first key >= target.
func (mi *Merging) Seek(target []byte) {
	mi.initHeap(func(child Iterator) { child.Seek(target) })
}

func (mi *Merging) initHeap(position func(Iterator)) {
	mi.err = nil
	mi.minHeap.items = mi.minHeap.items[:0]
	for i, child := range mi.children {
		position(child)
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if child.Valid() {
			mi.minHeap.items = append(mi.minHeap.items, heapItem{index: i, key: child.Key()})
		}
	}
	heap.Init(&mi.minHeap)
	mi.findSmallest()
}

// Next advances to the next entry.
func (mi *Merging) Next() {
	if !mi.Valid() {
		return
	}
	child := mi.children[mi.current]
	child.Next()
	if err := child.Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	if child.Valid() {
		mi.minHeap.items[0].key = child.Key()
		heap.Fix(&mi.minHeap, 0)
	} else {
		heap.Pop(&mi.minHeap)
	}
	mi.findSmallest()
}

// Error returns the terminal status.
func (mi *Merging) Error() error {
	if mi.err != nil {
		return mi.err
	}
	for _, child := range mi.children {
		if err := child.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all children, returning the first error.
func (mi *Merging) Close() error {
	var firstErr error
	for _, child := range mi.children {
		if err := child.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (mi *Merging) findSmallest() {
	if mi.minHeap.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.minHeap.items[0].index
}

type heapItem struct {
	index int
	key   []byte
}

type iterHeap struct {
	items []heapItem
	cmp   func(a, b []byte) int
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].key, h.items[j].key) < 0
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	item, ok := x.(heapItem)
	if !ok {
		return
	}
	h.items = append(h.items, item)
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
