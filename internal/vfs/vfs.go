// Package vfs abstracts the filesystem so tests can interpose fault
// injection and so directory syncs are explicit.
package vfs

import (
	"io"
	"os"
	"path/filepath"
)

// FS is the filesystem interface the engine writes through.
type FS interface {
	// Create creates a new writable file, truncating any existing file.
	Create(name string) (WritableFile, error)

	// Open opens a file for random-access reads.
	Open(name string) (RandomAccessFile, error)

	// Remove deletes a file.
	Remove(name string) error

	// Rename atomically renames a file.
	Rename(oldname, newname string) error

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info.
	Stat(name string) (os.FileInfo, error)

	// Exists reports whether the named file exists.
	Exists(name string) bool

	// SyncDir fsyncs a directory so new file entries are durable.
	SyncDir(path string) error
}

// WritableFile is an append-only file handle.
type WritableFile interface {
	io.Writer
	io.Closer

	// Sync flushes file contents to stable storage.
	Sync() error
}

// RandomAccessFile is a read-only file handle supporting positional reads.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer

	// Size returns the file size in bytes.
	Size() int64
}

type osFS struct{}

// Default returns the operating system filesystem.
func Default() FS {
	return &osFS{}
}

func (fs *osFS) Create(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (fs *osFS) Open(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osRandomAccessFile{f: f, size: info.Size()}, nil
}

func (fs *osFS) Remove(name string) error {
	return os.Remove(name)
}

func (fs *osFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (fs *osFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *osFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (fs *osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (fs *osFS) SyncDir(path string) error {
	d, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

type osWritableFile struct {
	f *os.File
}

func (wf *osWritableFile) Write(p []byte) (int, error) { return wf.f.Write(p) }
func (wf *osWritableFile) Close() error                { return wf.f.Close() }
func (wf *osWritableFile) Sync() error                 { return wf.f.Sync() }

type osRandomAccessFile struct {
	f    *os.File
	size int64
}

func (rf *osRandomAccessFile) ReadAt(p []byte, off int64) (int, error) { return rf.f.ReadAt(p, off) }
func (rf *osRandomAccessFile) Close() error                            { return rf.f.Close() }
func (rf *osRandomAccessFile) Size() int64                             { return rf.size }
