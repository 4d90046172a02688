package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelWarn)
	l.Debugf("debug line")
	l.Infof("info line")
	l.Warnf("warn line")
	l.Errorf("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Fatalf("low-severity lines leaked through WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN warn line") || !strings.Contains(out, "ERROR error line") {
		t.Fatalf("missing expected lines: %q", out)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	var typedNil *DefaultLogger
	if OrDefault(typedNil) == typedNil {
		t.Fatal("typed-nil logger not replaced")
	}
	l := NewDefaultLogger(LevelInfo)
	if OrDefault(l) != l {
		t.Fatal("valid logger replaced")
	}
}

func TestBufferedFlushKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, LevelDebug)
	b := NewBuffered(base)

	b.Infof("first %d", 1)
	b.Warnf("second")
	b.Debugf("third")
	if buf.Len() != 0 {
		t.Fatal("buffered lines reached the base logger before Flush")
	}
	if b.Len() != 3 {
		t.Fatalf("buffered %d lines, want 3", b.Len())
	}

	b.Flush()
	out := buf.String()
	i1 := strings.Index(out, "first 1")
	i2 := strings.Index(out, "second")
	i3 := strings.Index(out, "third")
	if i1 < 0 || i2 < 0 || i3 < 0 || !(i1 < i2 && i2 < i3) {
		t.Fatalf("flush lost order: %q", out)
	}
	if b.Len() != 0 {
		t.Fatal("buffer not cleared after flush")
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic and must satisfy the interface.
	Discard.Errorf("x")
	Discard.Warnf("x")
	Discard.Infof("x")
	Discard.Debugf("x")
}
