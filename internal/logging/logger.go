package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"ssh-fleet/internal/target"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress non-error output
}

// Logger wraps slog.Logger for ssh-fleet's dispatch events
type Logger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: convertLogLevel(config.Level),
	}

	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	case FormatText:
		handler = slog.NewTextHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// convertLogLevel converts our LogLevel to slog.Level
func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	case LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return // Suppress non-error output in quiet mode
	}
	l.logger.Info(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// InfoContext logs an informational message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

// ErrorContext logs an error message with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// LogDispatchStart logs the start of a dispatch run
func (l *Logger) LogDispatchStart(hostCount, bound int, connectTimeout, commandTimeout time.Duration) {
	l.Info("dispatch started",
		"host_count", hostCount,
		"bound", bound,
		"connect_timeout", connectTimeout.String(),
		"command_timeout", commandTimeout.String(),
	)
}

// LogDispatchComplete logs the end of a dispatch run
func (l *Logger) LogDispatchComplete(duration time.Duration) {
	l.Info("dispatch drained",
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogAttemptKilled logs a forced termination decided by a timeout sweep
func (l *Logger) LogAttemptKilled(tgt target.Target, reason string, elapsed time.Duration) {
	l.Info("attempt killed",
		"host", tgt.Host,
		"port", tgt.Port,
		"reason", reason,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// LogAttemptStartFailed logs a host whose transport process could not start
func (l *Logger) LogAttemptStartFailed(tgt target.Target, err error) {
	l.Error("attempt start failed",
		"host", tgt.Host,
		"port", tgt.Port,
		"error", err.Error(),
	)
}

// LogAttemptFinished logs one attempt's completion
func (l *Logger) LogAttemptFinished(tgt target.Target, exitCode int, connected bool, duration time.Duration) {
	l.Info("attempt finished",
		"host", tgt.Host,
		"port", tgt.Port,
		"exit_code", exitCode,
		"connected", connected,
		"duration_ms", duration.Milliseconds(),
		// Note: the command itself is never logged
	)
}

// LogHeartbeat logs a status snapshot of the currently active attempts
func (l *Logger) LogHeartbeat(snapshot string) {
	l.Info("dispatch status", "active", snapshot)
}

// LogConnectionWarning logs security warnings for connections
func (l *Logger) LogConnectionWarning(hostname string, message string) {
	l.logger.Warn("connection security warning",
		"host", hostname,
		"warning", message,
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Info("configuration loaded",
		"source", source,
	)
}

// LogConfigError logs configuration errors
func (l *Logger) LogConfigError(source string, err error) {
	l.Error("configuration error",
		"source", source,
		"error", err.Error(),
	)
}

// LogTargetParsing logs target parsing information
func (l *Logger) LogTargetParsing(source string, count int) {
	l.Info("targets parsed",
		"source", source,
		"count", count,
	)
}

// LogTargetParsingError logs target parsing errors
func (l *Logger) LogTargetParsingError(source string, err error) {
	l.Error("target parsing failed",
		"source", source,
		"error", err.Error(),
	)
}

// IsQuiet returns whether the logger is in quiet mode
func (l *Logger) IsQuiet() bool {
	return l.config.Quiet
}

// NewLoggerFromConfig creates a logger from application configuration
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	var level LogLevel
	switch logLevel {
	case "error":
		level = LevelError
	default:
		level = LevelInfo
	}

	var format LogFormat
	switch logFormat {
	case "json":
		format = FormatJSON
	default:
		format = FormatText
	}

	return NewLogger(Config{
		Level:  level,
		Format: format,
		Quiet:  quiet,
	})
}
