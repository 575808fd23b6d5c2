// Package observability provides structured logging, metrics, and health checks
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of an entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

func (l LogLevel) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps LOG_LEVEL values onto a LogLevel. Unknown values are info.
func ParseLevel(s string) LogLevel {
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

// LogEntry is one JSON line
type LogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Component     string                 `json:"component,omitempty"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Operation     string                 `json:"operation,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes JSON lines tagged with the component and the request's correlation ID.
// Loggers derived with Named or With share one writer and lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  LogLevel
	component string
	static    map[string]interface{}
}

// NewLogger returns an info-level logger on stdout
func NewLogger(component string) *Logger {
	return &Logger{
		mu:        &sync.Mutex{},
		output:    os.Stdout,
		minLevel:  LevelInfo,
		component: component,
	}
}

// WithOutput redirects the logger, mostly for tests
func (l *Logger) WithOutput(w io.Writer) *Logger {
	l.output = w
	return l
}

// WithLevel sets the minimum level written
func (l *Logger) WithLevel(level LogLevel) *Logger {
	l.minLevel = level
	return l
}

// Named returns a logger for a sub-component
func (l *Logger) Named(component string) *Logger {
	child := *l
	child.component = component
	return &child
}

// With returns a logger that adds fields to every entry
func (l *Logger) With(fields map[string]interface{}) *Logger {
	child := *l
	child.static = merge(l.static, fields)
	return &child
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 {
		return extra
	}
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (l *Logger) write(ctx context.Context, entry LogEntry, fields map[string]interface{}) {
	if entry.Level.rank() < l.minLevel.rank() {
		return
	}

	entry.Timestamp = time.Now().UTC()
	entry.Component = l.component
	entry.Fields = merge(l.static, fields)
	if ctx != nil {
		entry.CorrelationID = GetCorrelationID(ctx)
		entry.UserID = GetUserID(ctx)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observability: dropping log entry %q: %v\n", entry.Message, err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write(data)
}

// Debug logs at debug level
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.write(ctx, LogEntry{Level: LevelDebug, Message: message}, fields)
}

// Info logs at info level
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.write(ctx, LogEntry{Level: LevelInfo, Message: message}, fields)
}

// Warn logs at warn level
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.write(ctx, LogEntry{Level: LevelWarn, Message: message}, fields)
}

// Error logs at error level. err may be nil.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := LogEntry{Level: LevelError, Message: message}
	if err != nil {
		entry.Error = err.Error()
	}
	l.write(ctx, entry, fields)
}

// WithOperation runs fn under a correlation ID, logging its outcome and duration
func (l *Logger) WithOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	if GetCorrelationID(ctx) == "" {
		ctx = WithCorrelationID(ctx, uuid.New().String())
	}
	start := time.Now()

	l.write(ctx, LogEntry{Level: LevelDebug, Operation: operation, Message: "Starting operation: " + operation}, nil)

	err := fn(ctx)
	fields := map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		l.write(ctx, LogEntry{Level: LevelError, Operation: operation, Error: err.Error(), Message: "Operation failed: " + operation}, fields)
		return err
	}
	l.write(ctx, LogEntry{Level: LevelInfo, Operation: operation, Message: "Operation completed: " + operation}, fields)
	return nil
}

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	userIDKey        contextKey = "user_id"
)

// WithCorrelationID stores the request's correlation ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the stored correlation ID or ""
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithUserID stores the authenticated user
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID returns the stored user ID or ""
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
