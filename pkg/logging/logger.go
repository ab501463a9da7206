package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// sink is one destination with its own threshold
type sink struct {
	level  Level
	output io.Writer
	file   *os.File
}

// Logger provides structured logging to one or more sinks.
// A Logger and every logger derived from it with WithField share sinks and
// a write lock, so the signal goroutine and the workflow can log together.
type Logger struct {
	jsonFormat bool
	fields     map[string]interface{}
	component  string

	mu    *sync.Mutex
	sinks *[]sink
	exit  func(int)
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	sinks := []sink{{level: level, output: os.Stdout}}
	return &Logger{
		jsonFormat: jsonFormat,
		fields:     make(map[string]interface{}),
		mu:         &sync.Mutex{},
		sinks:      &sinks,
		exit:       os.Exit,
	}
}

// NewWriterLogger creates a logger writing to w. Used by tests and by the
// status API to capture output.
func NewWriterLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	l := NewLogger(level, jsonFormat)
	(*l.sinks)[0].output = w
	return l
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWriterLogger(io.Discard, FATAL+1, false)
}

// AddFile tees log entries at or above level into path (create or append).
func (l *Logger) AddFile(path string, level Level) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	l.mu.Lock()
	*l.sinks = append(*l.sinks, sink{level: level, output: f, file: f})
	l.mu.Unlock()
	return nil
}

// RemoveFile detaches and closes the sink previously added for path
func (l *Logger) RemoveFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := (*l.sinks)[:0]
	var closeErr error
	for _, s := range *l.sinks {
		if s.file != nil && s.file.Name() == path {
			closeErr = s.file.Close()
			continue
		}
		kept = append(kept, s)
	}
	*l.sinks = kept
	return closeErr
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// log writes a log entry
func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	// Merge logger fields and call fields
	mergedFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range fields {
		mergedFields[k] = v
	}

	line := l.format(level, message, mergedFields)

	l.mu.Lock()
	for _, s := range *l.sinks {
		if level < s.level {
			continue
		}
		fmt.Fprint(s.output, line)
	}
	l.mu.Unlock()

	if level == FATAL {
		l.exit(1)
	}
}

func (l *Logger) format(level Level, message string, fields map[string]interface{}) string {
	now := time.Now()
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: now.Format(time.RFC3339),
			Level:     level.String(),
			Component: l.component,
			Message:   message,
			Fields:    fields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return ""
		}
		return string(data) + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: ", now.Format("2006-01-02 15:04:05"), level.String())
	if l.component != "" {
		fmt.Fprintf(&b, "[%s] ", l.component)
	}
	b.WriteString(message)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteString("\n")
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	// Copy fields to avoid mutation
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	next := *l
	next.fields = newFields
	return &next
}

// WithComponent returns a logger tagging entries with component
func (l *Logger) WithComponent(component string) *Logger {
	next := *l
	next.component = component
	return &next
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL", "CRITICAL":
		return FATAL
	default:
		return INFO
	}
}

// Close closes every file sink
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	kept := (*l.sinks)[:0]
	for _, s := range *l.sinks {
		if s.file == nil {
			kept = append(kept, s)
			continue
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	*l.sinks = kept
	return firstErr
}
