// Package logger is the diagnostic logger used by the demo CLI and by
// internal/bootstrap, adapted from df2redis's internal/logger: the same
// Level/Init/Debug/Info/Warn/Error surface and sync.Once-guarded default
// instance, trimmed to console-only. A library embedded in another
// program has no business opening a log file in whatever directory it
// happens to be run from, so the file sink df2redis used for migration
// audit trails is dropped; everything else about the shape is kept.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Level lists supported log severities.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger writes leveled, timestamped lines to stdout.
type Logger struct {
	mu      sync.Mutex
	console *log.Logger
	level   Level
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init installs the global logger at the given level. Safe to call more
// than once; only the first call takes effect.
func Init(level Level) {
	once.Do(func() {
		defaultLogger = &Logger{console: log.New(os.Stdout, "", 0), level: level}
	})
}

func instance() *Logger {
	if defaultLogger == nil {
		Init(INFO)
	}
	return defaultLogger
}

func emit(level Level, format string, args ...interface{}) {
	l := instance()
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	timestamp := time.Now().Format("2006/01/02 15:04:05")
	l.console.Printf("%s [%s] [rcluster] %s", timestamp, levelNames[level], fmt.Sprintf(format, args...))
}

// Debug logs a debug-level message.
func Debug(format string, args ...interface{}) { emit(DEBUG, format, args...) }

// Info logs an info-level message.
func Info(format string, args ...interface{}) { emit(INFO, format, args...) }

// Warn logs a warning-level message.
func Warn(format string, args ...interface{}) { emit(WARN, format, args...) }

// Error logs an error-level message.
func Error(format string, args ...interface{}) { emit(ERROR, format, args...) }
