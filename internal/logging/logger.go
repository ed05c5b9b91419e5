// Package logging provides categorized file-based logging for govmon.
// Logs are written to <data>/logs/ with one rotated file per category.
// Client-visible errors are sanitized elsewhere; this package is where
// the unsanitized detail lands.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config, shutdown
	CategoryMonitor   Category = "monitor"   // Update pipeline, classification
	CategoryDynamics  Category = "dynamics"  // Integration, controller adjustments
	CategoryLifecycle Category = "lifecycle" // Status transitions, loop detection
	CategoryStore     Category = "store"     // Persistence, atomic writes
	CategoryLocks     Category = "locks"     // Lock acquisition, stale reaping
	CategoryDialectic Category = "dialectic" // Session state machine
	CategoryKnowledge Category = "knowledge" // Graph stores, searches, relevance
	CategoryTools     Category = "tools"     // Dispatcher, per-call tracing
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger initialization.
type Options struct {
	Dir        string // Directory for log files; empty disables logging
	Level      string // debug/info/warn/error
	JSONFormat bool   // Structured JSON lines instead of text
	MaxSizeMB  int    // Per-file rotation threshold (lumberjack)
	MaxBackups int    // Rotated files kept per category
}

// Logger writes to one category's rotated log file.
type Logger struct {
	category Category
	logger   *log.Logger
	sink     *lumberjack.Logger
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	opts     Options
	active   bool
	logLevel = LevelInfo
)

// Initialize configures the logging directory and level. Safe to call
// once at startup; with an empty Dir all loggers become no-ops.
func Initialize(o Options) {
	mu.Lock()
	defer mu.Unlock()

	opts = o
	active = o.Dir != ""
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	loggers = make(map[Category]*Logger)
}

// entry is the structured JSON line format.
type entry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when logging is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if !active {
		mu.RUnlock()
		return &Logger{category: category}
	}
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 20
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, fmt.Sprintf("%s.log", category)),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	l := &Logger{
		category: category,
		sink:     sink,
		logger:   log.New(sink, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || level < logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		data, err := json.Marshal(entry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     tag,
			Message:   msg,
		})
		if err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s", tag, msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level. Errors are always written when logging is on.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// WithFields writes one structured entry with custom fields.
func (l *Logger) WithFields(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	data, err := json.Marshal(entry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	})
	if err != nil {
		l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
		return
	}
	l.logger.Printf("%s", data)
}

// CloseAll flushes and closes every open log sink. Call at shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.sink != nil {
			l.sink.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer measures an operation's duration for performance logging.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns when the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
