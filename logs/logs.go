// Package logs implements a small leveled-logging backend used by every
// subsystem in this node. It mirrors the shape of a conventional
// subsystem logger: a shared Backend fans formatted lines out to a set
// of BackendWriters, and each subsystem holds its own Logger with an
// independently adjustable level.
package logs

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Level is a logging priority.
type Level uint32

// Supported logging levels, ordered least to most severe.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
	LevelOff
)

var levelStrings = map[Level]string{
	LevelTrace:    "TRC",
	LevelDebug:    "DBG",
	LevelInfo:     "INF",
	LevelWarn:     "WRN",
	LevelError:    "ERR",
	LevelCritical: "CRT",
	LevelOff:      "OFF",
}

// String returns the three-letter tag for the level.
func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return "UNK"
}

// LevelFromString parses a level name, case-insensitively. It returns
// LevelInfo and false if the string isn't recognized.
func LevelFromString(s string) (l Level, ok bool) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "critical":
		return LevelCritical, true
	case "off":
		return LevelOff, true
	default:
		return LevelInfo, false
	}
}

// BackendWriter receives formatted log lines at or above a minimum
// level. NewAllLevelsBackendWriter and NewErrorBackendWriter build the
// two writers a typical process wires up: one capturing everything,
// one capturing only errors and above.
type BackendWriter struct {
	minLevel Level
	w        io.Writer
}

// NewAllLevelsBackendWriter returns a BackendWriter that receives every
// log line regardless of level.
func NewAllLevelsBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{minLevel: LevelTrace, w: w}
}

// NewErrorBackendWriter returns a BackendWriter that receives only
// LevelError and above.
func NewErrorBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{minLevel: LevelError, w: w}
}

// Backend is the shared fan-out target for every subsystem Logger
// created from it.
type Backend struct {
	mtx     sync.Mutex
	writers []*BackendWriter
}

// NewBackend creates a Backend that writes to the given writers.
func NewBackend(writers []*BackendWriter) *Backend {
	return &Backend{writers: writers}
}

// SetWriters replaces the Backend's writer set, used once the rotating
// log files are ready to take over from the writers the Backend was
// created with.
func (b *Backend) SetWriters(writers []*BackendWriter) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.writers = writers
}

// Logger creates a new subsystem Logger backed by this Backend, tagged
// with subsystemTag, defaulting to LevelInfo.
func (b *Backend) Logger(subsystemTag string) *Logger {
	return &Logger{backend: b, tag: subsystemTag, level: LevelInfo}
}

func (b *Backend) write(level Level, tag, s string) {
	line := fmt.Sprintf("%s [%s] %s: %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, tag, s)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, w := range b.writers {
		if level >= w.minLevel {
			_, _ = io.WriteString(w.w, line)
		}
	}
}

// Close flushes and closes every writer that implements io.Closer.
func (b *Backend) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, w := range b.writers {
		if c, ok := w.w.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Logger is a per-subsystem leveled logger. The zero value discards
// everything until assigned from a Backend, matching the teacher's
// pattern of declaring `var log logs.Logger` before init() runs.
type Logger struct {
	backend *Backend
	tag     string
	level   Level
}

// Backend returns the Logger's backing Backend.
func (l *Logger) Backend() *Backend {
	return l.backend
}

// SetLevel adjusts the minimum level this Logger emits.
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// Level returns the Logger's current minimum level.
func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) log(level Level, format string, args []interface{}) {
	if l == nil || l.backend == nil || level < l.level {
		return
	}
	l.backend.write(level, l.tag, fmt.Sprintf(format, args...))
}

// Tracef logs at LevelTrace.
func (l *Logger) Tracef(format string, args ...interface{}) { l.log(LevelTrace, format, args) }

// Debugf logs at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args) }

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(LevelInfo, format, args) }

// Warnf logs at LevelWarn.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(LevelWarn, format, args) }

// Errorf logs at LevelError.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args) }

// Criticalf logs at LevelCritical.
func (l *Logger) Criticalf(format string, args ...interface{}) { l.log(LevelCritical, format, args) }
