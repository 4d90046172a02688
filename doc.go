// Package quarrykv hosts the compaction job engine of a log-structured
// merge-tree key-value store.
//
// The engine takes a set of immutable sorted input files drawn from one or
// two LSM levels and rewrites their surviving records into a new set of
// sorted output files at a chosen output level, in parallel, with
// at-most-once installation into the store's logical version history.
//
// Layout:
//
//   - internal/dbformat:    internal-key encoding, sequence numbers,
//     comparators, snapshot visibility
//   - internal/sstable:     sorted-table builder, reader, shared cache
//   - internal/blob:        blob sidecar files and garbage accounting
//   - internal/rangedel:    range tombstone fragmentation and placement
//   - internal/iterator:    merging, clipping, counting, trimming cursors
//   - internal/manifest:    file metadata and version edits
//   - internal/version:     the logical LSM view and its atomic updates
//   - internal/compaction:  the job engine itself
//
// The write path, flush path, table format internals, block cache, and
// compaction-picking policy are external collaborators and live with the
// embedding store.
package quarrykv
