package logging

// Discard is a Logger that drops everything. Useful for tests and for
// callers that only want the buffered event log.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Errorf(string, ...any) {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Debugf(string, ...any) {}
