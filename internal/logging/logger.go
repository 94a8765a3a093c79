// Package logging provides categorized file-based logging for macotron.
// Logs are written to <config root>/logs/ with a separate file per category.
// When debug mode is off no files are created and every call is a no-op, so
// the hot paths (event emission, timer fire) pay only a map lookup.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a log stream.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, shutdown, CLI
	CategoryRuntime  Category = "runtime"  // Script evaluation, events, timers
	CategorySnippets Category = "snippets" // Snippet lifecycle, reload, auto-fix
	CategoryAgent    Category = "agent"    // Agent sessions, tool calls, repairs
	CategoryBackup   Category = "backup"   // Backup/restore/prune
	CategoryReview   Category = "review"   // Capability review decisions
	CategoryServer   Category = "server"   // Debug HTTP surface
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger writes to one category's log file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
)

// Initialize sets up the logging directory under the given config root.
// With debug=false this is a no-op and all loggers stay silent.
func Initialize(configRoot string, debug bool, level string) error {
	loggersMu.Lock()
	enabled = debug
	logLevel = parseLevel(level)
	logsDir = filepath.Join(configRoot, "logs")
	loggersMu.Unlock()

	if !debug {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== macotron logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Get returns (or creates) the logger for a category.
// Returns a no-op logger when debug mode is disabled.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if !enabled || logsDir == "" {
		loggersMu.RUnlock()
		return &Logger{category: category}
	}
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed filenames keep rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Close closes every open log file. Called on shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
		delete(loggers, cat)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// Convenience helpers, one per category, for short call sites in hot paths.

// Runtime logs an info message to the runtime category.
func Runtime(format string, args ...interface{}) { Get(CategoryRuntime).Info(format, args...) }

// RuntimeDebug logs a debug message to the runtime category.
func RuntimeDebug(format string, args ...interface{}) { Get(CategoryRuntime).Debug(format, args...) }

// Snippets logs an info message to the snippets category.
func Snippets(format string, args ...interface{}) { Get(CategorySnippets).Info(format, args...) }

// SnippetsDebug logs a debug message to the snippets category.
func SnippetsDebug(format string, args ...interface{}) {
	Get(CategorySnippets).Debug(format, args...)
}

// Agent logs an info message to the agent category.
func Agent(format string, args ...interface{}) { Get(CategoryAgent).Info(format, args...) }

// Backup logs an info message to the backup category.
func Backup(format string, args ...interface{}) { Get(CategoryBackup).Info(format, args...) }

// Review logs an info message to the review category.
func Review(format string, args ...interface{}) { Get(CategoryReview).Info(format, args...) }

// Server logs an info message to the server category.
func Server(format string, args ...interface{}) { Get(CategoryServer).Info(format, args...) }
