package logging

import (
	"fmt"
	"sync"
)

// Buffered collects log lines for one job and flushes them to the
// underlying logger in a single burst. Concurrent jobs each hold their own
// buffer, so interleaved workers do not shred each other's output.
//
// Flush points are chosen by the owner (job start, job finish).
type Buffered struct {
	mu    sync.Mutex
	base  Logger
	lines []bufferedLine
}

type bufferedLine struct {
	level Level
	msg   string
}

// NewBuffered creates a buffer flushing into base.
func NewBuffered(base Logger) *Buffered {
	return &Buffered{base: OrDefault(base)}
}

func (b *Buffered) append(level Level, format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, bufferedLine{level: level, msg: fmt.Sprintf(format, args...)})
}

// Errorf buffers a formatted error message.
func (b *Buffered) Errorf(format string, args ...any) { b.append(LevelError, format, args...) }

// Warnf buffers a formatted warning message.
func (b *Buffered) Warnf(format string, args ...any) { b.append(LevelWarn, format, args...) }

// Infof buffers a formatted informational message.
func (b *Buffered) Infof(format string, args ...any) { b.append(LevelInfo, format, args...) }

// Debugf buffers a formatted debug message.
func (b *Buffered) Debugf(format string, args ...any) { b.append(LevelDebug, format, args...) }

// Flush writes all buffered lines to the underlying logger and clears the
// buffer.
func (b *Buffered) Flush() {
	b.mu.Lock()
	lines := b.lines
	b.lines = nil
	b.mu.Unlock()

	for _, ln := range lines {
		switch ln.level {
		case LevelError:
			b.base.Errorf("%s", ln.msg)
		case LevelWarn:
			b.base.Warnf("%s", ln.msg)
		case LevelDebug:
			b.base.Debugf("%s", ln.msg)
		default:
			b.base.Infof("%s", ln.msg)
		}
	}
}

// Len returns the number of buffered lines.
func (b *Buffered) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
