package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/castfeed/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogHubRequest logs an upstream hub call
func (l *Logger) LogHubRequest(op string, fid uint64, duration time.Duration, err error) {
	if err != nil {
		l.Warn("hub request failed",
			"operation", op,
			"fid", fid,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("hub request",
			"operation", op,
			"fid", fid,
			"duration_ms", duration.Milliseconds())
	}
}

// LogIngest logs the outcome of processing one inbound message
func (l *Logger) LogIngest(kind, key, outcome string, duration time.Duration) {
	l.Debug("message ingested",
		"kind", kind,
		"key", key,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds())
}

// LogFanout logs a fan-out pass
func (l *Logger) LogFanout(castKey string, writes, failed int) {
	if failed > 0 {
		l.Warn("fan-out completed with failures",
			"cast", castKey,
			"writes", writes,
			"failed", failed)
	} else {
		l.Debug("fan-out completed",
			"cast", castKey,
			"writes", writes)
	}
}

// LogReconcile logs a finished reconciliation pass for one account
func (l *Logger) LogReconcile(fid uint64, writes int, duration time.Duration, err error) {
	if err != nil {
		l.Error("reconciliation failed",
			"fid", fid,
			"writes", writes,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Info("reconciliation completed",
			"fid", fid,
			"writes", writes,
			"duration_ms", duration.Milliseconds())
	}
}

// LogReconcileMismatch logs a store that still disagrees with the hub after repair
func (l *Logger) LogReconcileMismatch(fid uint64, kind, store string, expected, actual int) {
	l.Error("reconciliation mismatch",
		"fid", fid,
		"kind", kind,
		"store", store,
		"expected", expected,
		"actual", actual)
}

// LogCacheOperation logs a cache operation
func (l *Logger) LogCacheOperation(op string, key string, hit bool) {
	l.Debug("cache operation",
		"operation", op,
		"key", key,
		"hit", hit)
}

// LogQueueJob logs a job leaving the queue
func (l *Logger) LogQueueJob(jobID, kind string, attempt int, err error) {
	if err != nil {
		l.Warn("job failed",
			"job", jobID,
			"kind", kind,
			"attempt", attempt,
			"error", err)
	} else {
		l.Debug("job done",
			"job", jobID,
			"kind", kind,
			"attempt", attempt)
	}
}

// LogAPIRequest logs a read API request
func (l *Logger) LogAPIRequest(method, path string, status int, duration time.Duration) {
	l.Info("api request",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", duration.Milliseconds())
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, config map[string]interface{}) {
	l.Info("castfeed starting",
		"version", version,
		"commit", commit,
		"config", config)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("castfeed shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	// Create a default logger for early startup
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Helper functions for common logging patterns

// Info logs an info message
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}
