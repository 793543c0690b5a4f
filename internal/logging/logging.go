package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level orders log severities. Messages below a logger's level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(lv))
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every child derived with With.
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	file   *os.File
	stderr io.Writer
}

// Logger writes levelled, timestamped lines. It is passed explicitly to each
// component; the zero value is not usable, use New, Nop or Get.
type Logger struct {
	sink      *sink
	level     Level
	enabled   bool
	component string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the process-wide logger. Debug output goes to a file under
// ~/.productivai/logs when PAI_DEBUG=1 or ~/.productivai/debug exists;
// errors are always echoed to stderr.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{sink: &sink{stderr: os.Stderr}, level: LevelDebug, component: "core"}
		defaultLogger.init()
	})
	return defaultLogger
}

// New returns a logger writing every message at or above level to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{sink: &sink{out: w}, level: level, enabled: w != nil, component: "core"}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sink: &sink{}, level: LevelError + 1}
}

func (l *Logger) init() {
	debugEnv := os.Getenv("PAI_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "productivai log: failed to get home dir: %v\n", err)
		return
	}

	_, debugFileErr := os.Stat(filepath.Join(home, ".productivai", "debug"))
	if debugEnv != "1" && debugFileErr != nil {
		return
	}

	logsDir := filepath.Join(home, ".productivai", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "productivai log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("pai-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "productivai log: failed to open log file %s: %v\n", logPath, err)
		return
	}

	l.sink.file = file
	l.sink.out = file
	l.enabled = true

	if debugEnv == "1" {
		l.logf(LevelInfo, "Logging started (PAI_DEBUG=1)")
	} else {
		l.logf(LevelInfo, "Logging started (~/.productivai/debug exists)")
	}
	l.logf(LevelInfo, "Log file: %s", logPath)
}

// With returns a child logger tagged with component. It shares the parent's output.
func (l *Logger) With(component string) *Logger {
	child := *l
	child.component = component
	return &child
}

// SetLevel changes the minimum level of this logger (children created later inherit it).
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// Enabled returns whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l.enabled && level >= l.level
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.out == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.sink.out, "[%s] %s [%s]: %s\n", timestamp, level, l.component, msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.logf(LevelDebug, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...any) {
	l.logf(LevelInfo, format, args...)
}

// Warn logs a recoverable fault (malformed chunk, malformed marker).
func (l *Logger) Warn(format string, args ...any) {
	l.logf(LevelWarn, format, args...)
}

// Error logs a fatal fault. The process default logger also echoes it to stderr.
func (l *Logger) Error(format string, args ...any) {
	if l.sink.stderr != nil {
		msg := fmt.Sprintf(format, args...)
		l.sink.mu.Lock()
		fmt.Fprintf(l.sink.stderr, "productivai error: %s\n", msg)
		l.sink.mu.Unlock()
	}
	l.logf(LevelError, format, args...)
}

// Request logs an incoming protocol request.
func (l *Logger) Request(action string, raw string) {
	l.logf(LevelDebug, "REQ [%s] %s", action, truncate(raw, 500))
}

// Response logs an outgoing protocol response.
func (l *Logger) Response(msgType string, raw string) {
	l.logf(LevelDebug, "RESP [%s] %s", msgType, truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	l.logf(LevelDebug, "STREAM [%s] %s", eventType, truncate(content, 200))
}

// Close closes the log file, if any.
func (l *Logger) Close() {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file != nil {
		l.sink.file.Close()
		l.sink.file = nil
		l.sink.out = nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
