package sstable

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/quarrykv/quarrykv/internal/vfs"
)

// CacheOptions parameterize the table cache.
type CacheOptions struct {
	// Capacity is the maximum number of open readers kept.
	Capacity int

	// ReaderOptions are applied to every opened table.
	ReaderOptions ReaderOptions
}

// DefaultCacheOptions returns the default cache parameters.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{Capacity: 256}
}

// Cache is a shared LRU of open table readers keyed by file number. It is
// internally synchronized; compaction workers and the verifier pool share
// one instance.
type Cache struct {
	fs   vfs.FS
	opts CacheOptions

	mu      sync.Mutex
	readers map[uint64]*cachedReader
	lru     *list.List // front = most recent, holds *cachedReader
}

type cachedReader struct {
	fileNum uint64
	reader  *Reader
	pins    int
	elem    *list.Element
}

// NewCache creates a table cache over fs.
func NewCache(fs vfs.FS, opts CacheOptions) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCacheOptions().Capacity
	}
	return &Cache{
		fs:      fs,
		opts:    opts,
		readers: make(map[uint64]*cachedReader),
		lru:     list.New(),
	}
}

// Get returns a pinned reader for the file, opening it if needed. Callers
// must Release when done.
func (c *Cache) Get(fileNum uint64, path string) (*Reader, error) {
	c.mu.Lock()
	if cr, ok := c.readers[fileNum]; ok {
		cr.pins++
		c.lru.MoveToFront(cr.elem)
		c.mu.Unlock()
		return cr.reader, nil
	}
	c.mu.Unlock()

	file, err := c.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table %d: %w", fileNum, err)
	}
	reader, err := Open(file, c.opts.ReaderOptions)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open table %d: %w", fileNum, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.readers[fileNum]; ok {
		// Lost a race; use the winner and drop ours.
		existing.pins++
		c.lru.MoveToFront(existing.elem)
		go func() { _ = reader.Close() }()
		return existing.reader, nil
	}
	cr := &cachedReader{fileNum: fileNum, reader: reader, pins: 1}
	cr.elem = c.lru.PushFront(cr)
	c.readers[fileNum] = cr
	c.evictLocked()
	return reader, nil
}

// Release unpins a reader returned by Get.
func (c *Cache) Release(fileNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cr, ok := c.readers[fileNum]; ok && cr.pins > 0 {
		cr.pins--
	}
	c.evictLocked()
}

// Evict closes and removes the file's reader, regardless of the LRU.
func (c *Cache) Evict(fileNum uint64) {
	c.mu.Lock()
	cr, ok := c.readers[fileNum]
	if ok {
		delete(c.readers, fileNum)
		c.lru.Remove(cr.elem)
	}
	c.mu.Unlock()
	if ok {
		_ = cr.reader.Close()
	}
}

// Close closes every cached reader.
func (c *Cache) Close() error {
	c.mu.Lock()
	readers := make([]*cachedReader, 0, len(c.readers))
	for _, cr := range c.readers {
		readers = append(readers, cr)
	}
	c.readers = make(map[uint64]*cachedReader)
	c.lru.Init()
	c.mu.Unlock()

	var firstErr error
	for _, cr := range readers {
		if err := cr.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the number of cached readers.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}

func (c *Cache) evictLocked() {
	for len(c.readers) > c.opts.Capacity {
		evicted := false
		for e := c.lru.Back(); e != nil; e = e.Prev() {
			cr := e.Value.(*cachedReader)
			if cr.pins > 0 {
				continue
			}
			delete(c.readers, cr.fileNum)
			c.lru.Remove(e)
			go func(r *Reader) { _ = r.Close() }(cr.reader)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}
