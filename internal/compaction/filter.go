package compaction

// FilterDecision is the outcome of a compaction filter callback.
type FilterDecision int

const (
	// FilterKeep keeps the record unchanged.
	FilterKeep FilterDecision = iota

	// FilterRemove drops the record.
	FilterRemove

	// FilterChangeValue replaces the record's value.
	FilterChangeValue

	// FilterRemoveAndSkipUntil drops the record and skips the input
	// forward to the returned user key. The skip is an explicit return
	// variant; the engine advances the input by seeking.
	FilterRemoveAndSkipUntil
)

// Filter is the user compaction filter. It is consulted only for Put and
// BlobIndex records whose sequence is above every snapshot. The engine
// only consumes this interface; implementations must not call back into
// the engine.
type Filter interface {
	// Name identifies the filter in logs.
	Name() string

	// Filter decides the fate of one record. newValue is used when the
	// decision is FilterChangeValue; skipUntil names the user key to skip
	// to when the decision is FilterRemoveAndSkipUntil.
	Filter(level int, userKey, value []byte) (decision FilterDecision, newValue, skipUntil []byte)

	// IgnoreSnapshots must return true. Filters that want snapshot-aware
	// behavior are unsupported; the sub-compaction fails with
	// ErrNotSupported.
	IgnoreSnapshots() bool
}

// MergeOperator folds a run of merge operands for one user key.
type MergeOperator interface {
	// Name identifies the operator in logs.
	Name() string

	// FullMerge combines operands (oldest first) on top of existingValue
	// (nil when the run has no Put beneath it). ok=false fails the
	// sub-compaction with ErrCorruption.
	FullMerge(userKey, existingValue []byte, operands [][]byte) (newValue []byte, ok bool)
}
