// Package log provides a minimal leveled logger in the shape the rest of the
// server expects: plain formatted lines to stdout, with audit lines tagged so
// they can be filtered downstream. A mock implementation records lines for
// tests.
package log

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
)

// Logger is the interface used throughout the server for operational and
// audit logging.
type Logger interface {
	Errf(format string, a ...interface{})
	Warningf(format string, a ...interface{})
	Infof(format string, a ...interface{})
	Debugf(format string, a ...interface{})
	AuditInfof(format string, a ...interface{})
	AuditErrf(format string, a ...interface{})
}

// auditTag is prepended to messages that must survive log filtering.
const auditTag = "[AUDIT]"

type stdoutLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutLogger returns a Logger writing to stdout.
func NewStdoutLogger() Logger {
	return &stdoutLogger{out: os.Stdout}
}

func (l *stdoutLogger) logf(level string, format string, a ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s\n", level, fmt.Sprintf(format, a...))
}

func (l *stdoutLogger) Errf(format string, a ...interface{}) {
	l.logf("E:", format, a...)
}

func (l *stdoutLogger) Warningf(format string, a ...interface{}) {
	l.logf("W:", format, a...)
}

func (l *stdoutLogger) Infof(format string, a ...interface{}) {
	l.logf("I:", format, a...)
}

func (l *stdoutLogger) Debugf(format string, a ...interface{}) {
	l.logf("D:", format, a...)
}

func (l *stdoutLogger) AuditInfof(format string, a ...interface{}) {
	l.logf("I: "+auditTag, format, a...)
}

func (l *stdoutLogger) AuditErrf(format string, a ...interface{}) {
	l.logf("E: "+auditTag, format, a...)
}

// Mock is a Logger that stores all log messages in memory to be examined by a
// test.
type Mock struct {
	mu    sync.Mutex
	lines []string
}

// NewMock creates a Mock.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) record(level string, format string, a ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, fmt.Sprintf("%s %s", level, fmt.Sprintf(format, a...)))
}

func (m *Mock) Errf(format string, a ...interface{}) { m.record("E:", format, a...) }

func (m *Mock) Warningf(format string, a ...interface{}) { m.record("W:", format, a...) }

func (m *Mock) Infof(format string, a ...interface{}) { m.record("I:", format, a...) }

func (m *Mock) Debugf(format string, a ...interface{}) { m.record("D:", format, a...) }

func (m *Mock) AuditInfof(format string, a ...interface{}) {
	m.record("I: "+auditTag, format, a...)
}

func (m *Mock) AuditErrf(format string, a ...interface{}) {
	m.record("E: "+auditTag, format, a...)
}

// GetAll returns all recorded log lines.
func (m *Mock) GetAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.lines...)
}

// GetAllMatching returns all recorded log lines matching the provided regexp.
func (m *Mock) GetAllMatching(reString string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	re := regexp.MustCompile(reString)
	var matches []string
	for _, line := range m.lines {
		if re.MatchString(line) {
			matches = append(matches, line)
		}
	}
	return matches
}

// Clear discards all recorded log lines.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
}
