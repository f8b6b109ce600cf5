// Package logging is the daemon's process-wide structured logger: JSON
// records through log/slog, discarded until Setup routes them to stderr
// or to loomd.log in the data directory.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// logFileName is the daemon's log file inside the data directory.
const logFileName = "loomd.log"

// Level represents a logging level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options select where and how verbosely the daemon logs.
type Options struct {
	Level Level

	// DataDir, when set, appends records to <DataDir>/loomd.log.
	DataDir string

	// Writer receives records when DataDir is empty; nil means stderr.
	Writer io.Writer
}

var state struct {
	mu     sync.RWMutex
	logger *slog.Logger
	file   *os.File
}

func init() {
	state.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// Setup installs the process logger. Calling it again replaces the
// previous destination and closes any earlier log file.
func Setup(opts Options) error {
	w := opts.Writer
	var file *os.File

	if opts.DataDir != "" {
		f, err := os.OpenFile(filepath.Join(opts.DataDir, logFileName),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		file = f
		w = f
	} else if w == nil {
		w = os.Stderr
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.file != nil {
		state.file.Close()
	}
	state.file = file
	state.logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: opts.Level.slogLevel(),
	}))
	return nil
}

// Close closes the log file if one is open.
func Close() {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.file != nil {
		state.file.Close()
		state.file = nil
	}
}

func current() *slog.Logger {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.logger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	current().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}
