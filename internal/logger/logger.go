// Package logger provides the control plane's structured logging. It is a
// file-first logger (the daemon has no terminal UI to protect, unlike the
// teacher TUI this package is adapted from, but pipelines run unattended and
// must not depend on a live stdout), with an optional stdout mirror for
// foreground/debug runs.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
)

// Level represents the logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger implements ifaces.Logger with configurable output and level.
type Logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	file   io.Closer // log file opened by New, nil when not logging to a file
	std    *log.Logger
}

// Config holds logger construction options.
type Config struct {
	Level      Level
	Output     io.Writer
	LogToFile  bool
	LogFile    string
	MirrorStdout bool
}

// New creates a logger from config. A nil config yields an info-level logger
// writing to stdout.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: LevelInfo, Output: os.Stdout}
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var logFile io.Closer
	if cfg.LogToFile && cfg.LogFile != "" {
		dir := filepath.Dir(cfg.LogFile)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = file

		if cfg.MirrorStdout {
			output = io.MultiWriter(os.Stdout, file)
		} else {
			output = file
		}
	}

	return &Logger{
		level:  cfg.Level,
		output: output,
		file:   logFile,
		std:    log.New(output, "", 0),
	}, nil
}

// NewForStateDir creates a logger writing to <stateDir>/dapxd.log, falling
// back to stdout if the directory cannot be created.
func NewForStateDir(level Level, stateDir string, mirrorStdout bool) (*Logger, error) {
	if stateDir == "" {
		stateDir = "."
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		stateDir = "."
	}

	return New(&Config{
		Level:        level,
		LogToFile:    true,
		LogFile:      filepath.Join(stateDir, "dapxd.log"),
		MirrorStdout: mirrorStdout,
	})
}

func (l *Logger) format(level Level, format string, args ...interface{}) string {
	ts := time.Now().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("[%s] [%s] %s", ts, level.String(), fmt.Sprintf(format, args...))
}

// Debug implements ifaces.Logger.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= LevelDebug {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.std.Println(l.format(LevelDebug, format, args...))
	}
}

// Info implements ifaces.Logger.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= LevelInfo {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.std.Println(l.format(LevelInfo, format, args...))
	}
}

// Error implements ifaces.Logger.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= LevelError {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.std.Println(l.format(LevelError, format, args...))
	}
}

// Close closes the log file opened by New, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var _ ifaces.Logger = (*Logger)(nil)

var (
	global     ifaces.Logger
	globalOnce sync.Once
)

// Init initializes the process-wide logger. Safe to call once; subsequent
// calls are no-ops so that tests and the daemon entrypoint can both call it
// without coordinating.
func Init(level Level, stateDir string, mirrorStdout bool) error {
	var err error
	globalOnce.Do(func() {
		var l *Logger
		l, err = NewForStateDir(level, stateDir, mirrorStdout)
		if err != nil {
			global = &simpleStdout{level: level}
			return
		}
		global = l
	})
	return err
}

// Global returns the process-wide logger, creating an info-level stdout
// fallback if Init was never called.
func Global() ifaces.Logger {
	if global == nil {
		global = &simpleStdout{level: LevelInfo}
	}
	return global
}

// simpleStdout is the zero-dependency fallback used before Init or when file
// logging fails to open (e.g. read-only state directory).
type simpleStdout struct {
	level Level
	mu    sync.Mutex
}

func (s *simpleStdout) log(level Level, format string, args ...interface{}) {
	if level < s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(os.Stdout, "[%s] [%s] %s\n", ts, level.String(), fmt.Sprintf(format, args...))
}

func (s *simpleStdout) Debug(format string, args ...interface{}) { s.log(LevelDebug, format, args...) }
func (s *simpleStdout) Info(format string, args ...interface{})  { s.log(LevelInfo, format, args...) }
func (s *simpleStdout) Error(format string, args ...interface{}) { s.log(LevelError, format, args...) }
