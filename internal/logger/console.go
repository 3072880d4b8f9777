// Package logger provides logging for bosun components.
//
// The logger package offers leveled structured logging with timestamps and
// thread safety, plus a per-key throttled wrapper used by the branch sync
// path to keep repeated warnings quiet. Color output is
// automatically enabled for terminal output (os.Stdout/os.Stderr).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// Logger is the leveled logging interface consumed by bosun components.
// Implementations must be safe for concurrent use.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ConsoleLogger logs to a writer with [HH:MM:SS] timestamps and thread safety.
// It supports log level filtering to control message verbosity.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// normalizeLogLevel validates and normalizes a log level string.
func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "trace"
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

// levelValue maps a normalized level string to its numeric value.
func levelValue(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// isTerminal reports whether the writer is a TTY that supports color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// shouldLog reports whether a message at the given level passes the filter.
func (l *ConsoleLogger) shouldLog(level int) bool {
	return level >= levelValue(l.logLevel)
}

func (l *ConsoleLogger) logf(level int, tag string, colorize func(format string, a ...interface{}) string, format string, args ...interface{}) {
	if l.writer == nil || !l.shouldLog(level) {
		return
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s%s\n", timestamp, tag, msg)
	if l.colorOutput && colorize != nil {
		line = colorize("[%s] %s%s\n", timestamp, tag, msg)
	}
	fmt.Fprint(l.writer, line)
}

// Tracef logs at trace level.
func (l *ConsoleLogger) Tracef(format string, args ...interface{}) {
	l.logf(levelTrace, "TRACE: ", nil, format, args...)
}

// Debugf logs at debug level.
func (l *ConsoleLogger) Debugf(format string, args ...interface{}) {
	l.logf(levelDebug, "DEBUG: ", nil, format, args...)
}

// Infof logs at info level.
func (l *ConsoleLogger) Infof(format string, args ...interface{}) {
	l.logf(levelInfo, "", nil, format, args...)
}

// Warnf logs at warn level.
func (l *ConsoleLogger) Warnf(format string, args ...interface{}) {
	l.logf(levelWarn, "WARNING: ", color.YellowString, format, args...)
}

// Errorf logs at error level.
func (l *ConsoleLogger) Errorf(format string, args ...interface{}) {
	l.logf(levelError, "ERROR: ", color.RedString, format, args...)
}

// Discard is a Logger that drops all messages. Useful as a default when a
// component is constructed without a logger.
var Discard Logger = &ConsoleLogger{}
