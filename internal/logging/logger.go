// Package logging writes the process log: timestamped lines appended to
// <data-dir>/logs/flowstate.log so runs can be inspected after the fact.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the process log file inside <data-dir>/logs.
const FileName = "flowstate.log"

// Logger appends timestamped lines to a writer.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	prefix string
}

// New creates (or reuses) the log file under dataDir.
func New(dataDir string) (*Logger, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{out: f, closer: f}, nil
}

// NewWriter logs to w, which the Logger does not close.
func NewWriter(w io.Writer) *Logger {
	return &Logger{out: w}
}

// With returns a logger sharing the destination that prefixes every line.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: &lockedWriter{l: l}, prefix: l.prefix + component + ": "}
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	timestamp := time.Now().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s%s\n", timestamp, l.prefix, line)
}

// lockedWriter routes derived loggers through the parent's mutex.
type lockedWriter struct {
	l *Logger
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.out.Write(p)
}
