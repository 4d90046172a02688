package compaction

import (
	"sync/atomic"
	"time"

	"github.com/quarrykv/quarrykv/internal/logging"
	"github.com/quarrykv/quarrykv/internal/manifest"
	"github.com/quarrykv/quarrykv/internal/sstable"
	"github.com/quarrykv/quarrykv/internal/version"
	"github.com/quarrykv/quarrykv/internal/vfs"
)

// IOPriority constants for the rate limiter.
const (
	IOPriorityLow  = 0 // background work (compaction)
	IOPriorityHigh = 1 // user reads/writes
)

// RateLimiter throttles background I/O. The engine only requests tokens;
// the implementation lives with the store.
type RateLimiter interface {
	Request(bytes int64, priority int)
}

// Clock supplies wall and CPU time for job statistics.
type Clock interface {
	// NowMicros returns wall time in microseconds.
	NowMicros() uint64

	// CPUMicros returns per-thread CPU time in microseconds, or 0 when
	// unavailable.
	CPUMicros() uint64
}

type systemClock struct{}

func (systemClock) NowMicros() uint64 { return uint64(time.Now().UnixMicro()) }
func (systemClock) CPUMicros() uint64 { return 0 }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

// Listener receives job lifecycle callbacks. All methods may be called
// from worker goroutines.
type Listener interface {
	OnSubcompactionBegin(index int)
	OnSubcompactionCompleted(index int, status error)
	OnTableFileCreationStarted(path string, fileNumber uint64)
	OnTableFileCreationFinished(path string, fileNumber uint64, meta *manifest.FileMetaData, status error)
}

// NoopListener is the embeddable do-nothing Listener.
type NoopListener struct{}

func (NoopListener) OnSubcompactionBegin(int)                                             {}
func (NoopListener) OnSubcompactionCompleted(int, error)                                  {}
func (NoopListener) OnTableFileCreationStarted(string, uint64)                            {}
func (NoopListener) OnTableFileCreationFinished(string, uint64, *manifest.FileMetaData, error) {}

// JobOptions wire the engine to the store's collaborators.
type JobOptions struct {
	// DBPath is the directory SST outputs are written to.
	DBPath string

	// BlobPath is the blob output directory. Empty means DBPath.
	BlobPath string

	// FS is the filesystem.
	FS vfs.FS

	// Versions names files, answers size queries, and applies the edit.
	Versions *version.VersionSet

	// InputVersion is the LSM view the inputs were chosen from. Nil means
	// the version set's current version at Prepare time.
	InputVersion *version.Version

	// TableCache is the shared reader cache used for inputs and
	// verification.
	TableCache *sstable.Cache

	// Logger receives the buffered job events.
	Logger logging.Logger

	// Listener receives lifecycle callbacks. Nil disables them.
	Listener Listener

	// RateLimiter throttles output writes. Nil disables throttling.
	RateLimiter RateLimiter

	// Clock supplies timing for statistics.
	Clock Clock

	// ParanoidFileChecks makes the verifier recompute the build-time
	// order/hash validator for every output.
	ParanoidFileChecks bool

	// DBID and SessionID feed the per-file unique id.
	DBID      string
	SessionID string

	// LifetimeRegistry records per-output write-lifetime hints. Nil
	// disables hinting.
	LifetimeRegistry *LifetimeRegistry

	// ShuttingDown is the process-wide cooperative stop signal.
	ShuttingDown *atomic.Bool

	// CancelRequested is the per-job manual-compaction cancel signal.
	CancelRequested *atomic.Bool

	// ColumnFamilyDropped reports whether the owning column family was
	// dropped mid-compaction.
	ColumnFamilyDropped *atomic.Bool
}

func (o *JobOptions) blobPath() string {
	if o.BlobPath != "" {
		return o.BlobPath
	}
	return o.DBPath
}

func (o *JobOptions) withDefaults() JobOptions {
	out := *o
	if out.FS == nil {
		out.FS = vfs.Default()
	}
	if out.Clock == nil {
		out.Clock = SystemClock
	}
	out.Logger = logging.OrDefault(out.Logger)
	if out.ShuttingDown == nil {
		out.ShuttingDown = new(atomic.Bool)
	}
	if out.CancelRequested == nil {
		out.CancelRequested = new(atomic.Bool)
	}
	if out.ColumnFamilyDropped == nil {
		out.ColumnFamilyDropped = new(atomic.Bool)
	}
	return out
}
