// Package logging wraps log/slog with request/session correlation and
// secret redaction, matching the runtime's ambient logging idiom: a thin
// slog wrapper rather than a third-party structured-logging library, since
// that is how this stack's own services log everywhere, including the ones
// that pull in zerolog and logrus only as transitive dependencies of other
// packages.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type used for context values this package injects.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	SessionIDKey ContextKey = "session_id"
	UserIDKey    ContextKey = "user_id"
)

// Config controls how a Logger is built.
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     io.Writer
	AddSource  bool
	RedactKeys []string
}

// DefaultRedactKeys lists the field-name substrings treated as sensitive:
// their values are replaced with "[REDACTED]" wherever they appear as a
// structured log attribute key.
var DefaultRedactKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"private_key", "privatekey", "authorization", "credential",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`[Bb]earer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
}

// Logger is a context-aware, redacting wrapper around *slog.Logger.
type Logger struct {
	base       *slog.Logger
	level      *slog.LevelVar
	redactKeys []string
}

// New builds a Logger per Config. The minimum level is held in a
// slog.LevelVar so SetLevel can adjust verbosity while the process runs,
// without rebuilding the handler — used by config.Watch's hot-reload path.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level := &slog.LevelVar{}
	level.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	keys := cfg.RedactKeys
	if keys == nil {
		keys = DefaultRedactKeys
	}
	return &Logger{base: slog.New(handler), level: level, redactKeys: keys}
}

// SetLevel adjusts the minimum level every already-built Logger (including
// ones derived via WithContext) logs at, taking effect on the next call.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// ParseLevel maps the configuration file's level strings to slog.Level,
// defaulting to Info for anything unrecognized rather than failing boot
// over a typo in a hot-reloaded field.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithContext returns a child logger carrying request/session/user
// correlation extracted from ctx, grouped under "context" in the output.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok && v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		attrs = append(attrs, "user_id", v)
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{base: l.base.With(slog.Group("context", attrs...)), level: l.level, redactKeys: l.redactKeys}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) { l.log(ctx, slog.LevelDebug, msg, args) }
func (l *Logger) Info(ctx context.Context, msg string, args ...any)  { l.log(ctx, slog.LevelInfo, msg, args) }
func (l *Logger) Warn(ctx context.Context, msg string, args ...any)  { l.log(ctx, slog.LevelWarn, msg, args) }
func (l *Logger) Error(ctx context.Context, msg string, args ...any) { l.log(ctx, slog.LevelError, msg, args) }

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	logger := l.WithContext(ctx)
	logger.base.Log(ctx, level, redactString(msg, l.redactKeys), redactArgs(args, l.redactKeys)...)
}

func redactArgs(args []any, keys []string) []any {
	out := make([]any, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i += 2 {
		keyName, ok := out[i].(string)
		if !ok {
			continue
		}
		for _, k := range keys {
			if strings.Contains(strings.ToLower(keyName), k) {
				out[i+1] = "[REDACTED]"
				break
			}
		}
		if s, ok := out[i+1].(string); ok {
			out[i+1] = redactString(s, keys)
		}
	}
	return out
}

func redactString(s string, _ []string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
