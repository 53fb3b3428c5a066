// Package logger wires the node's subsystem loggers to a shared logs.Backend
// that writes to stdout and a pair of rotating log files. The backend
// starts with no writers, so every log line is discarded until
// InitLogRotators has been called.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"github.com/decentralized-identity/sidetree-sub007/logs"
)

// SubsystemTags enumerates the four-letter identifiers used by every
// package's package-level `log` variable.
var SubsystemTags = struct {
	OBSV, // observer
	PROC, // operation processor / version DAG
	BTCW, // batch writer
	RLIM, // rate limiter
	DLMG, // download manager
	MHSH, // multihash
	MRKL, // merkle tree
	TXST, // transaction store
	CONF, // config
	RSLV string // resolver HTTP dispatch
}{
	OBSV: "OBSV",
	PROC: "PROC",
	BTCW: "BTCW",
	RLIM: "RLIM",
	DLMG: "DLMG",
	MHSH: "MHSH",
	MRKL: "MRKL",
	TXST: "TXST",
	CONF: "CONF",
	RSLV: "RSLV",
}

// BackendLog is the shared logging backend every subsystem logger is
// created from.
var BackendLog = logs.NewBackend(nil)

var (
	// LogRotator rotates the combined (all-levels) log file.
	LogRotator *rotator.Rotator
	// ErrLogRotator rotates the errors-and-above log file.
	ErrLogRotator *rotator.Rotator

	initiated bool

	subsystemLoggers = map[string]*logs.Logger{
		SubsystemTags.OBSV: BackendLog.Logger(SubsystemTags.OBSV),
		SubsystemTags.PROC: BackendLog.Logger(SubsystemTags.PROC),
		SubsystemTags.BTCW: BackendLog.Logger(SubsystemTags.BTCW),
		SubsystemTags.RLIM: BackendLog.Logger(SubsystemTags.RLIM),
		SubsystemTags.DLMG: BackendLog.Logger(SubsystemTags.DLMG),
		SubsystemTags.MHSH: BackendLog.Logger(SubsystemTags.MHSH),
		SubsystemTags.MRKL: BackendLog.Logger(SubsystemTags.MRKL),
		SubsystemTags.TXST: BackendLog.Logger(SubsystemTags.TXST),
		SubsystemTags.CONF: BackendLog.Logger(SubsystemTags.CONF),
		SubsystemTags.RSLV: BackendLog.Logger(SubsystemTags.RSLV),
	}
)

// Get returns the logger registered for the given subsystem tag. Unknown
// tags return an error; callers are expected to pass one of
// SubsystemTags's fields.
func Get(subsystemTag string) (*logs.Logger, error) {
	l, ok := subsystemLoggers[subsystemTag]
	if !ok {
		return nil, fmt.Errorf("no logger registered for subsystem %q", subsystemTag)
	}
	return l, nil
}

// InitLogRotators initializes the rotating log files. It must be called
// once, early in process startup, before any logger emits output that
// should reach disk.
func InitLogRotators(logFile, errLogFile string) error {
	r, err := initLogRotator(logFile)
	if err != nil {
		return err
	}
	er, err := initLogRotator(errLogFile)
	if err != nil {
		return err
	}
	LogRotator, ErrLogRotator = r, er
	BackendLog.SetWriters([]*logs.BackendWriter{
		logs.NewAllLevelsBackendWriter(multiWriter{os.Stdout, LogRotator}),
		logs.NewErrorBackendWriter(multiWriter{os.Stdout, ErrLogRotator}),
	})
	initiated = true
	return nil
}

func initLogRotator(logFile string) (*rotator.Rotator, error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	return r, nil
}

// SetLogLevel sets the level for a single registered subsystem. Unknown
// subsystems are ignored; invalid level names default to info.
func SetLogLevel(subsystemTag, levelName string) {
	l, ok := subsystemLoggers[subsystemTag]
	if !ok {
		return
	}
	level, _ := logs.LevelFromString(levelName)
	l.SetLevel(level)
}

// SetLogLevels sets every registered subsystem to the given level.
func SetLogLevels(levelName string) {
	for tag := range subsystemLoggers {
		SetLogLevel(tag, levelName)
	}
}

// multiWriter fans writes out to several io.Writers, used to keep stdout
// output even once file rotation is active.
type multiWriter []interface {
	Write([]byte) (int, error)
}

func (m multiWriter) Write(p []byte) (int, error) {
	for _, w := range m {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
