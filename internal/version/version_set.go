package version

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/encoding"
	"github.com/quarrykv/quarrykv/internal/logging"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// VersionSetOptions parameterize a version set.
type VersionSetOptions struct {
	DBPath     string
	FS         vfs.FS
	Comparator *dbformat.InternalKeyComparator
	Logger     logging.Logger
}

// VersionSet owns the current Version and serializes edits to the MANIFEST
// log. LogAndApply holds the database mutex for the duration of the edit;
// either every change in the edit lands or none does.
type VersionSet struct {
	opts VersionSetOptions

	// mu is the database mutex. It is held during LogAndApply and for
	// version-view reads in compaction Prepare; it is never held across
	// compaction Run.
	mu sync.Mutex

	current *Version

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64

	manifestFile vfs.WritableFile

	// obsoleteFiles holds the file numbers removed by applied edits, for
	// the obsolete-file collector.
	obsoleteFiles []uint64
}

// NewVersionSet creates a version set with an empty current version.
func NewVersionSet(opts VersionSetOptions) *VersionSet {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Comparator == nil {
		opts.Comparator = dbformat.DefaultInternalKeyComparator
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	vs := &VersionSet{opts: opts}
	vs.nextFileNumber.Store(2)
	vs.current = NewVersion(opts.Comparator)
	vs.current.Ref()
	return vs
}

// Lock acquires the database mutex. Compaction install runs under it.
func (vs *VersionSet) Lock() { vs.mu.Lock() }

// Unlock releases the database mutex.
func (vs *VersionSet) Unlock() { vs.mu.Unlock() }

// Current returns the current version. The caller must Ref it if the
// reference outlives the database mutex.
func (vs *VersionSet) Current() *Version { return vs.current }

// NewFileNumber allocates the next file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// LastSequence returns the last allocated sequence number.
func (vs *VersionSet) LastSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(vs.lastSequence.Load())
}

// SetLastSequence records the last allocated sequence number.
func (vs *VersionSet) SetLastSequence(seq dbformat.SequenceNumber) {
	vs.lastSequence.Store(uint64(seq))
}

// Install adds a single file to a level through LogAndApply. Tests and
// ingestion use it; compaction assembles its own multi-file edit.
func (vs *VersionSet) Install(level int, meta *manifest.FileMetaData) error {
	edit := manifest.NewVersionEdit()
	edit.AddFile(level, meta)
	return vs.LogAndApply(edit)
}

// LogAndApply serializes the edit to the MANIFEST log, syncs it, and swaps
// in a new current version reflecting the edit. The database mutex is held
// for the whole operation.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logAndApplyLocked(edit)
}

func (vs *VersionSet) logAndApplyLocked(edit *manifest.VersionEdit) error {
	edit.SetNextFileNumber(vs.nextFileNumber.Load())
	edit.SetLastSequence(vs.LastSequence())

	next, err := applyEdit(vs.current, edit)
	if err != nil {
		return err
	}

	if err := vs.writeManifestRecord(edit); err != nil {
		return fmt.Errorf("manifest append: %w", err)
	}

	for _, d := range edit.DeletedFiles {
		vs.obsoleteFiles = append(vs.obsoleteFiles, d.FileNumber)
	}

	prev := vs.current
	next.Ref()
	vs.current = next
	prev.Unref()

	vs.opts.Logger.Debugf(logging.NSManifest+"applied edit: %d deleted, %d added, %d blob files",
		len(edit.DeletedFiles), len(edit.NewFiles), len(edit.NewBlobFiles))
	return nil
}

// writeManifestRecord appends one length-prefixed edit record and syncs.
func (vs *VersionSet) writeManifestRecord(edit *manifest.VersionEdit) error {
	if vs.manifestFile == nil {
		name := filepath.Join(vs.opts.DBPath, "MANIFEST-000001")
		f, err := vs.opts.FS.Create(name)
		if err != nil {
			return err
		}
		vs.manifestFile = f
	}
	payload := edit.EncodeTo(nil)
	record := encoding.AppendVarint64(nil, uint64(len(payload)))
	record = append(record, payload...)
	if _, err := vs.manifestFile.Write(record); err != nil {
		return err
	}
	return vs.manifestFile.Sync()
}

// ObsoleteFiles drains the accumulated obsolete file numbers.
func (vs *VersionSet) ObsoleteFiles() []uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := vs.obsoleteFiles
	vs.obsoleteFiles = nil
	return out
}

// Close closes the MANIFEST log.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile != nil {
		err := vs.manifestFile.Close()
		vs.manifestFile = nil
		return err
	}
	return nil
}

// applyEdit builds the successor version: deletions first, then
// additions, then the ordering invariants and cursor advances.
func applyEdit(base *Version, edit *manifest.VersionEdit) (*Version, error) {
	next := base.clone()

	for _, d := range edit.DeletedFiles {
		if d.Level < 0 || d.Level >= NumLevels {
			return nil, fmt.Errorf("version: delete at invalid level %d", d.Level)
		}
		files := next.files[d.Level]
		found := false
		for i, f := range files {
			if f.FD.FileNumber == d.FileNumber {
				next.files[d.Level] = append(append([]*manifest.FileMetaData(nil), files[:i]...), files[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("version: delete of missing file %d at level %d", d.FileNumber, d.Level)
		}
	}

	touched := map[int]bool{}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= NumLevels {
			return nil, fmt.Errorf("version: add at invalid level %d", nf.Level)
		}
		next.files[nf.Level] = append(next.files[nf.Level], nf.Meta)
		touched[nf.Level] = true
	}
	for level := range touched {
		next.sortLevel(level)
	}

	for _, c := range edit.CompactCursors {
		if c.Level >= 0 && c.Level < NumLevels {
			next.cursors[c.Level] = next.cursors[c.Level] + 1
			if n := len(next.files[c.Level]); n == 0 || next.cursors[c.Level] >= n {
				next.cursors[c.Level] = 0
			}
		}
	}

	return next, nil
}
