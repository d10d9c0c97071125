// Package utils provides shared logging and small helpers used across the proxy.
package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log severity level
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarn    LogLevel = "warn"
	LevelError   LogLevel = "error"
)

// LogEntry is a single captured log line, kept for the admin logs endpoint
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Logger wraps logrus with a bounded history buffer and listener fan-out
type Logger struct {
	mu        sync.Mutex
	log       *logrus.Logger
	history   []LogEntry
	maxLines  int
	listeners []func(LogEntry)
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the process-wide logger singleton
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		l := logrus.New()
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
		l.SetLevel(logrus.InfoLevel)
		globalLogger = &Logger{
			log:      l,
			history:  make([]LogEntry, 0, 1000),
			maxLines: 1000,
		}
	})
	return globalLogger
}

// SetDebug toggles debug-level output
func (l *Logger) SetDebug(enabled bool) {
	if enabled {
		l.log.SetLevel(logrus.DebugLevel)
	} else {
		l.log.SetLevel(logrus.InfoLevel)
	}
}

// IsDebug reports whether debug-level output is enabled
func (l *Logger) IsDebug() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}

// SetLevel applies a named level (debug/info/warn/error)
func (l *Logger) SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		l.Warn("[Logger] Unknown log level %q, keeping %s", level, l.log.GetLevel())
		return
	}
	l.log.SetLevel(parsed)
}

func (l *Logger) record(level LogLevel, msg string) {
	entry := LogEntry{Timestamp: time.Now(), Level: level, Message: msg}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxLines {
		l.history = l.history[len(l.history)-l.maxLines:]
	}
	listeners := make([]func(LogEntry), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(entry)
	}
}

// History returns up to n of the most recent log entries, oldest first
func (l *Logger) History(n int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	out := make([]LogEntry, n)
	copy(out, l.history[len(l.history)-n:])
	return out
}

// AddListener registers a callback invoked for every log entry
func (l *Logger) AddListener(fn func(LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log.Debug(msg)
	if l.IsDebug() {
		l.record(LevelDebug, msg)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log.Info(msg)
	l.record(LevelInfo, msg)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log.Info("✓ " + msg)
	l.record(LevelSuccess, msg)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log.Warn(msg)
	l.record(LevelWarn, msg)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log.Error(msg)
	l.record(LevelError, msg)
}

// Package-level convenience functions

// Debug logs a debug message via the global logger
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Info logs an info message via the global logger
func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Success logs a success message via the global logger
func Success(format string, args ...interface{}) {
	GetLogger().Success(format, args...)
}

// Warn logs a warning message via the global logger
func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Error logs an error message via the global logger
func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// SetDebug toggles debug output on the global logger
func SetDebug(enabled bool) {
	GetLogger().SetDebug(enabled)
}

// IsDebug reports whether the global logger emits debug output
func IsDebug() bool {
	return GetLogger().IsDebug()
}

// SetLevel applies a named level to the global logger
func SetLevel(level string) {
	GetLogger().SetLevel(level)
}
