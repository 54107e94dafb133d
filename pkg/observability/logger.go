package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l LogLevel) toLogrusLevel() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLogLevel maps a config string (debug, info, warn, error) to a LogLevel.
// Unknown values fall back to InfoLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides structured JSON logging backed by logrus
type Logger struct {
	entry *logrus.Entry
	level LogLevel
}

// NewLogger creates a new structured JSON logger
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(level.toLogrusLevel())
	base.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})

	return &Logger{
		entry: logrus.NewEntry(base),
		level: level,
	}
}

// Level returns the minimum level this logger emits
func (l *Logger) Level() LogLevel {
	return l.level
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		entry: l.entry.WithField(key, value),
		level: l.level,
	}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		entry: l.entry.WithFields(logrus.Fields(fields)),
		level: l.level,
	}
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.entry.Debug(message)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.entry.Info(message)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.entry.Warn(message)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(message string) {
	l.entry.Error(message)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// NopLogger returns a logger that discards everything. Used as the default
// when a component is constructed without one.
func NopLogger() *Logger {
	return NewLogger(ErrorLevel, io.Discard)
}

type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// OrgIDKey is the context key for the authenticated organization
	OrgIDKey contextKey = "org_id"
	// UserIDKey is the context key for user ID
	UserIDKey contextKey = "user_id"
	// LoggerKey is the context key for the logger
	LoggerKey contextKey = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithOrgID adds an organization ID to the context
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrgIDKey, orgID)
}

// GetOrgID retrieves the organization ID from context
func GetOrgID(ctx context.Context) string {
	if orgID, ok := ctx.Value(OrgIDKey).(string); ok {
		return orgID
	}
	return ""
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetLogger retrieves the logger from context
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerKey).(*Logger); ok {
		return logger
	}
	return NewLogger(InfoLevel, os.Stdout)
}

// FromContext creates a logger carrying the request, org and user IDs from
// context along with the active trace ids.
func FromContext(ctx context.Context) *Logger {
	logger := GetLogger(ctx)

	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}
	if orgID := GetOrgID(ctx); orgID != "" {
		logger = logger.WithField("org_id", orgID)
	}
	if userID := GetUserID(ctx); userID != "" {
		logger = logger.WithField("user_id", userID)
	}

	return UpdateLoggerWithTraceContext(ctx, logger)
}
