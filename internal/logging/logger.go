// Package logging provides structured JSON logging for rooswarm runs.
// A Logger is a thin facade over log/slog: child loggers are derived with
// slog's own handler composition, so persistent attributes (run, worker,
// component) live in the handler chain rather than in per-call state.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// logFileName is the file created inside a run directory.
const logFileName = "rooswarm.log"

// levels maps level names to slog levels. Lookups are case-insensitive;
// unknown names fall back to INFO.
var levels = map[string]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// Logger emits structured JSON log entries. Derived loggers share one
// underlying file; Close on any logger of the family closes it once.
type Logger struct {
	sl   *slog.Logger
	sink *fileSink // shared across derived loggers; nil for stderr/nop
}

// fileSink owns the log file handle for a logger family.
type fileSink struct {
	mu   sync.Mutex
	file *os.File
}

// close syncs and closes the file once; later calls are no-ops.
func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	file := s.file
	s.file = nil

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// NewLogger creates a Logger writing JSON entries at or above the given
// level to {runDir}/rooswarm.log, creating the directory as needed. An
// empty runDir logs to stderr instead.
func NewLogger(runDir string, level string) (*Logger, error) {
	var writer io.Writer = os.Stderr
	var sink *fileSink

	if runDir != "" {
		if err := os.MkdirAll(runDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
		file, err := os.OpenFile(filepath.Join(runDir, logFileName),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
		sink = &fileSink{file: file}
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return &Logger{sl: slog.New(handler), sink: sink}, nil
}

// NopLogger returns a Logger that discards all output.
// Useful for tests and for components constructed without a logger.
func NopLogger() *Logger {
	return &Logger{sl: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// ParseLevel converts a level name to its slog level, defaulting to INFO
// for unrecognized names.
func ParseLevel(level string) slog.Level {
	if lv, ok := levels[strings.ToUpper(level)]; ok {
		return lv
	}
	return slog.LevelInfo
}

// ValidLevels returns the recognized level names.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

// With derives a Logger whose entries all carry the given key-value
// pairs. The attributes are folded into the slog handler, so deriving is
// cheap and the parent is never affected.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{sl: l.sl.With(args...), sink: l.sink}
}

// WithRun derives a Logger tagged with the run ID.
func (l *Logger) WithRun(runID string) *Logger {
	return l.With("run_id", runID)
}

// WithWorker derives a Logger tagged with the worker ID.
func (l *Logger) WithWorker(workerID string) *Logger {
	return l.With("worker_id", workerID)
}

// WithComponent derives a Logger tagged with a component name
// ("scheduler", "pool", "channel", "ratelimit", "review").
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// Debug logs at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }

// Info logs at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) { l.sl.Info(msg, args...) }

// Warn logs at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) { l.sl.Warn(msg, args...) }

// Error logs at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// Close flushes and closes the log file, if this logger family owns one.
// Safe to call on derived loggers and more than once.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.close()
}
