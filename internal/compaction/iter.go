package compaction

import (
	"fmt"
	"sync/atomic"

	"github.com/quarrykv/quarrykv/internal/dbformat"
	"github.com/quarrykv/quarrykv/internal/iterator"
	"github.com/quarrykv/quarrykv/internal/rangedel"
)

// Iter drives the merged input stream and emits the surviving records.
//
// Per-key decisions, in order: corrupt-record handling, snapshot
// bucketing (at most one record per (user key, bucket); the newest wins),
// range-delete masking, then the kind-specific rules: user filter for
// Put/BlobIndex above all snapshots, merge folding, bottommost delete
// elision, and single-delete pairing. Cancel and shutdown signals are
// checked on every step.
type Iter struct {
	input iterator.Iterator

	cmp  *dbformat.InternalKeyComparator
	ucmp dbformat.UserKeyComparer

	snapshots             []dbformat.SequenceNumber
	earliestWriteConflict dbformat.SequenceNumber
	bottommost            bool
	outputLevel           int

	merge  MergeOperator
	filter Filter

	agg *rangedel.CompactionAggregator

	strictSingleDel bool
	tolerateCorrupt bool

	shuttingDown  *atomic.Bool
	cancelled     *atomic.Bool
	familyDropped *atomic.Bool

	// onBlobDrop observes the value of every dropped BlobIndex record for
	// garbage accounting.
	onBlobDrop func(value []byte)

	stats IterStats

	// Position state.
	key   []byte
	value []byte
	valid bool
	err   error

	// Per-user-key state: the bucket of the last record emitted or
	// consumed for curUserKey; -1 when none yet.
	curUserKey []byte
	lastBucket int

	// skipUntil is the active RemoveAndSkipUntil target, nil when idle.
	skipUntil []byte
}

type iterConfig struct {
	input         iterator.Iterator
	c             *Compaction
	agg           *rangedel.CompactionAggregator
	shuttingDown  *atomic.Bool
	cancelled     *atomic.Bool
	familyDropped *atomic.Bool
	onBlobDrop    func(value []byte)
}

func newIter(cfg iterConfig) *Iter {
	c := cfg.c
	return &Iter{
		input:                 cfg.input,
		cmp:                   c.Comparator,
		ucmp:                  c.Comparator.UserCompare(),
		snapshots:             c.Snapshots,
		earliestWriteConflict: c.EarliestWriteConflictSnapshot,
		bottommost:            c.BottommostLevel,
		outputLevel:           c.OutputLevel,
		merge:                 c.MergeOperator,
		filter:                c.Filter,
		agg:                   cfg.agg,
		strictSingleDel:       c.StrictSingleDelete,
		tolerateCorrupt:       c.TolerateCorruptKeys,
		shuttingDown:          cfg.shuttingDown,
		cancelled:             cfg.cancelled,
		familyDropped:         cfg.familyDropped,
		onBlobDrop:            cfg.onBlobDrop,
		lastBucket:            -1,
	}
}

// Valid returns true when positioned at a surviving record.
func (it *Iter) Valid() bool { return it.valid }

// Key returns the current internal key.
func (it *Iter) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iter) Value() []byte { return it.value }

// Error returns the terminal status.
func (it *Iter) Error() error { return it.err }

// Stats returns the per-key decision counters.
func (it *Iter) Stats() *IterStats { return &it.stats }

// SeekToFirst positions at the first surviving record of the slice.
func (it *Iter) SeekToFirst() {
	if it.filter != nil && !it.filter.IgnoreSnapshots() {
		it.err = fmt.Errorf("%w: compaction filter %q with IgnoreSnapshots=false",
			ErrNotSupported, it.filter.Name())
		return
	}
	it.input.SeekToFirst()
	it.advance()
}

// Next advances to the next surviving record.
func (it *Iter) Next() {
	it.advance()
}

func (it *Iter) checkSignals() error {
	if it.shuttingDown != nil && it.shuttingDown.Load() {
		return ErrShutdownInProgress
	}
	if it.cancelled != nil && it.cancelled.Load() {
		return ErrManualCompactionPaused
	}
	if it.familyDropped != nil && it.familyDropped.Load() {
		return ErrColumnFamilyDropped
	}
	return nil
}

func (it *Iter) fail(err error) {
	it.err = err
	it.valid = false
}

func (it *Iter) dropBlobRef(t dbformat.ValueType, value []byte) {
	if t == dbformat.TypeBlobIndex && it.onBlobDrop != nil {
		it.onBlobDrop(value)
	}
}

// parseCurrent decodes the input's current key. Returns false when the
// record was corrupt and consumed (tolerated) or when the iterator
// terminated.
func (it *Iter) parseCurrent(pk *dbformat.ParsedInternalKey) bool {
	if err := dbformat.ParseInternalKey(it.input.Key(), pk); err != nil {
		if it.tolerateCorrupt {
			it.stats.CorruptSkipped++
			it.stats.NumInputRecords++
			it.input.Next()
			return false
		}
		it.fail(fmt.Errorf("%w: %v", ErrCorruption, err))
		return false
	}
	return true
}

func (it *Iter) advance() {
	it.valid = false
	for it.err == nil && it.input.Valid() {
		if err := it.checkSignals(); err != nil {
			it.fail(err)
			return
		}

		var pk dbformat.ParsedInternalKey
		if !it.parseCurrent(&pk) {
			continue
		}
		it.stats.NumInputRecords++

		if it.skipUntil != nil {
			if it.ucmp(pk.UserKey, it.skipUntil) < 0 {
				it.stats.DroppedByFilter++
				it.dropBlobRef(pk.Type, it.input.Value())
				it.input.Next()
				continue
			}
			it.skipUntil = nil
		}

		// Range tombstones never ride the point stream; they arrive via
		// the aggregator.
		if pk.Type == dbformat.TypeRangeDeletion {
			it.input.Next()
			continue
		}

		if it.curUserKey == nil || it.ucmp(pk.UserKey, it.curUserKey) != 0 {
			it.curUserKey = append(it.curUserKey[:0], pk.UserKey...)
			it.lastBucket = -1
		}

		_, bucket := dbformat.EarliestVisibleSnapshot(pk.Sequence, it.snapshots)

		if bucket == it.lastBucket {
			it.stats.DroppedHiddenByNewer++
			it.dropBlobRef(pk.Type, it.input.Value())
			it.input.Next()
			continue
		}

		if it.agg != nil && it.agg.ShouldDrop(pk.UserKey, pk.Sequence, it.snapshots) {
			it.stats.DroppedRangeDelete++
			it.dropBlobRef(pk.Type, it.input.Value())
			it.lastBucket = bucket
			it.input.Next()
			continue
		}

		switch pk.Type {
		case dbformat.TypeSingleDeletion:
			if it.handleSingleDelete(&pk, bucket) {
				return
			}
		case dbformat.TypeDeletion:
			if it.handleDelete(&pk, bucket) {
				return
			}
		case dbformat.TypeMerge:
			if it.handleMerge(&pk, bucket) {
				return
			}
		default:
			if it.handlePut(&pk, bucket) {
				return
			}
		}
	}
	if it.err == nil {
		if err := it.input.Error(); err != nil {
			it.err = err
		}
	}
}

// emitCurrent copies the input's record out and advances.
func (it *Iter) emitCurrent(bucket int) {
	it.key = append(it.key[:0], it.input.Key()...)
	it.value = append(it.value[:0], it.input.Value()...)
	it.valid = true
	it.lastBucket = bucket
	it.input.Next()
}

// emitKV publishes an already-materialized record; the input is left
// positioned at the next unprocessed entry.
func (it *Iter) emitKV(key, value []byte, bucket int) {
	it.key = append(it.key[:0], key...)
	it.value = append(it.value[:0], value...)
	it.valid = true
	it.lastBucket = bucket
}

// handlePut covers Put and BlobIndex records. Reports true when a record
// was emitted.
func (it *Iter) handlePut(pk *dbformat.ParsedInternalKey, bucket int) bool {
	if it.filter != nil && bucket == len(it.snapshots) {
		decision, newValue, skipUntil := it.filter.Filter(it.outputLevel, pk.UserKey, it.input.Value())
		switch decision {
		case FilterRemove:
			it.stats.DroppedByFilter++
			it.dropBlobRef(pk.Type, it.input.Value())
			it.lastBucket = bucket
			it.input.Next()
			return false
		case FilterChangeValue:
			it.stats.ChangedByFilter++
			key := append([]byte(nil), it.input.Key()...)
			it.input.Next()
			it.emitKV(key, newValue, bucket)
			return true
		case FilterRemoveAndSkipUntil:
			it.stats.DroppedByFilter++
			it.dropBlobRef(pk.Type, it.input.Value())
			it.lastBucket = bucket
			if len(skipUntil) > 0 && it.ucmp(skipUntil, pk.UserKey) > 0 {
				it.skipUntil = append([]byte(nil), skipUntil...)
				it.input.Seek(dbformat.MakeSeekKey(skipUntil))
			} else {
				it.input.Next()
			}
			return false
		}
	}
	it.emitCurrent(bucket)
	return true
}

// handleDelete drops point deletes that sit above every snapshot at the
// bottommost level; nothing below can resurface.
func (it *Iter) handleDelete(pk *dbformat.ParsedInternalKey, bucket int) bool {
	if it.bottommost && bucket == len(it.snapshots) {
		it.stats.DroppedObsoleteDelete++
		it.lastBucket = bucket
		it.input.Next()
		return false
	}
	it.emitCurrent(bucket)
	return true
}

// handleSingleDelete pairs a SingleDelete with the next record of the same
// user key. A same-bucket Put annihilates the pair; a same-bucket non-Put
// is a contract mismatch; no matching record is a fallthrough.
func (it *Iter) handleSingleDelete(pk *dbformat.ParsedInternalKey, bucket int) bool {
	sdKey := append([]byte(nil), it.input.Key()...)
	// pk aliases the input's buffers, which the advance below may recycle.
	userKey := dbformat.ExtractUserKey(sdKey)
	sdSeq := pk.Sequence
	it.input.Next()

	if it.input.Valid() {
		var npk dbformat.ParsedInternalKey
		if err := dbformat.ParseInternalKey(it.input.Key(), &npk); err != nil {
			if !it.tolerateCorrupt {
				it.fail(fmt.Errorf("%w: %v", ErrCorruption, err))
				return false
			}
			// The corrupt neighbor is consumed; the single delete falls
			// through.
			it.stats.CorruptSkipped++
			it.stats.NumInputRecords++
			it.input.Next()
			return it.singleDeleteFallthru(sdKey, bucket)
		}
		if it.ucmp(npk.UserKey, userKey) == 0 {
			_, nbucket := dbformat.EarliestVisibleSnapshot(npk.Sequence, it.snapshots)
			if nbucket == bucket {
				switch npk.Type {
				case dbformat.TypeValue, dbformat.TypeBlobIndex:
					if sdSeq > it.earliestWriteConflict {
						// A write-prepared conflict check may still need
						// the put; keep both records. Clearing the bucket
						// mark lets the put through on the next step.
						it.emitKV(sdKey, nil, bucket)
						it.lastBucket = -1
						return true
					}
					// Pair annihilates.
					it.stats.NumInputRecords++
					it.dropBlobRef(npk.Type, it.input.Value())
					it.lastBucket = bucket
					it.input.Next()
					return false
				default:
					// The put ran through other writes first.
					it.stats.NumSingleDelMismatch++
					if it.strictSingleDel {
						it.fail(fmt.Errorf("%w: single delete paired with %s for key %q",
							ErrCorruption, npk.Type, userKey))
						return false
					}
					it.emitKV(sdKey, nil, bucket)
					return true
				}
			}
			// The neighbor lives in an older bucket a snapshot still
			// observes; the single delete must survive to cover it.
			it.emitKV(sdKey, nil, bucket)
			return true
		}
	} else if err := it.input.Error(); err != nil {
		it.fail(err)
		return false
	}

	return it.singleDeleteFallthru(sdKey, bucket)
}

func (it *Iter) singleDeleteFallthru(sdKey []byte, bucket int) bool {
	it.stats.NumSingleDelFallthru++
	if it.bottommost && bucket == len(it.snapshots) {
		it.lastBucket = bucket
		return false
	}
	it.emitKV(sdKey, nil, bucket)
	return true
}

// handleMerge folds a maximal same-bucket run of Merge records, optionally
// terminated by a Put base, into one Put at the newest sequence of the
// run.
func (it *Iter) handleMerge(pk *dbformat.ParsedInternalKey, bucket int) bool {
	if it.merge == nil {
		it.fail(fmt.Errorf("%w: merge operand for %q without a merge operator",
			ErrNotSupported, pk.UserKey))
		return false
	}

	userKey := append([]byte(nil), pk.UserKey...)
	topSeq := pk.Sequence
	operands := [][]byte{append([]byte(nil), it.input.Value()...)} // newest first
	var base []byte
	it.input.Next()

	for it.input.Valid() {
		var npk dbformat.ParsedInternalKey
		if err := dbformat.ParseInternalKey(it.input.Key(), &npk); err != nil {
			if !it.tolerateCorrupt {
				it.fail(fmt.Errorf("%w: %v", ErrCorruption, err))
				return false
			}
			it.stats.CorruptSkipped++
			it.stats.NumInputRecords++
			it.input.Next()
			continue
		}
		if it.ucmp(npk.UserKey, userKey) != 0 {
			break
		}
		_, nbucket := dbformat.EarliestVisibleSnapshot(npk.Sequence, it.snapshots)
		if nbucket != bucket {
			break
		}
		if it.agg != nil && it.agg.ShouldDrop(npk.UserKey, npk.Sequence, it.snapshots) {
			// A visible range tombstone cuts the run; everything below it
			// is gone.
			it.stats.NumInputRecords++
			it.stats.DroppedRangeDelete++
			it.dropBlobRef(npk.Type, it.input.Value())
			it.input.Next()
			break
		}
		if npk.Type == dbformat.TypeMerge {
			it.stats.NumInputRecords++
			operands = append(operands, append([]byte(nil), it.input.Value()...))
			it.input.Next()
			continue
		}
		if npk.Type == dbformat.TypeValue {
			it.stats.NumInputRecords++
			base = append([]byte(nil), it.input.Value()...)
			it.input.Next()
		} else if npk.Type == dbformat.TypeBlobIndex {
			it.fail(fmt.Errorf("%w: merge atop a blob-indexed value for %q",
				ErrNotSupported, userKey))
			return false
		}
		// Delete kinds terminate the run with no base and are processed
		// on the next advance; the folded put above hides them.
		break
	}
	if it.err != nil {
		return false
	}

	// FullMerge wants operands oldest first.
	for i, j := 0, len(operands)-1; i < j; i, j = i+1, j-1 {
		operands[i], operands[j] = operands[j], operands[i]
	}
	result, ok := it.merge.FullMerge(userKey, base, operands)
	if !ok {
		it.fail(fmt.Errorf("%w: merge operator %q failed for key %q",
			ErrCorruption, it.merge.Name(), userKey))
		return false
	}
	it.stats.MergedRecords += uint64(len(operands))

	folded := dbformat.MakeInternalKey(userKey, topSeq, dbformat.TypeValue)
	it.emitKV(folded, result, bucket)
	return true
}
