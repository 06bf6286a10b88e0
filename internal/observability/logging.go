// Package observability provides the engine's structured logging and
// metrics, grounded on the same log/slog + Prometheus idiom used throughout
// the rest of the stack.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is a typed context key for correlation fields threaded through
// the logger.
type ContextKey string

const (
	SessionIDKey ContextKey = "session_id"
	AgentUUIDKey ContextKey = "agent_uuid"
	RequestIDKey ContextKey = "request_id"
)

// LogConfig configures a Logger.
type LogConfig struct {
	Level          string // debug|info|warn|error
	Format         string // json|text
	Output         io.Writer
	AddSource      bool
	RedactPatterns []string
}

// DefaultRedactPatterns catches the same secret shapes the rest of the
// stack redacts before they reach a log line: bearer tokens, API keys, and
// database connection strings carrying credentials.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|authorization|bearer|secret|password|token)\s*[:=]\s*\S+`,
	`postgres(?:ql)?://[^:]+:[^@]+@`,
}

// Logger wraps a *slog.Logger with context-correlation and redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// New builds a Logger from cfg. An empty cfg produces text-format, info
// level, stderr output with the default redaction patterns.
func New(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.RedactPatterns == nil {
		cfg.RedactPatterns = DefaultRedactPatterns
	}

	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	l := &Logger{logger: slog.New(handler)}
	for _, pat := range cfg.RedactPatterns {
		if re, err := regexp.Compile(pat); err == nil {
			l.redacts = append(l.redacts, re)
		}
	}
	return l
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext pulls correlation fields out of ctx and returns a Logger that
// attaches them to every subsequent call.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{}
	if v, ok := ctx.Value(SessionIDKey).(int64); ok {
		attrs = append(attrs, "session_id", v)
	}
	if v, ok := ctx.Value(AgentUUIDKey).(string); ok && v != "" {
		attrs = append(attrs, "agent_uuid", v)
	}
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(attrs...), redacts: l.redacts}
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "$1=[REDACTED]")
	}
	return s
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	msg = l.redact(msg)
	for i := 0; i+1 < len(args); i += 2 {
		if s, ok := args[i+1].(string); ok {
			args[i+1] = l.redact(s)
		}
	}
	l.logger.Log(context.Background(), level, msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// Slog returns the underlying *slog.Logger for packages (like replay.Engine)
// that accept a plain *slog.Logger rather than this wrapper.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// WriteLine implements the engine's Debug log sink interface, letting the
// Logger double as a scrollback-adjacent debug writer.
func (l *Logger) WriteLine(line string) {
	l.Info(line)
}
