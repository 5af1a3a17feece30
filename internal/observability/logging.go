// Package observability provides structured logging and Prometheus metrics
// for the conversation pipeline.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with context correlation and secret redaction.
//
// Correlation ids (chat, user, thread) are pulled from the context when
// present so every component logs consistent fields without threading them
// manually.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer
}

type contextKey string

const (
	// ChatIDKey correlates log lines to a Telegram chat.
	ChatIDKey contextKey = "chat_id"

	// UserIDKey correlates log lines to a user.
	UserIDKey contextKey = "user_id"

	// ThreadIDKey correlates log lines to an internal thread.
	ThreadIDKey contextKey = "thread_id"
)

// defaultRedactPatterns covers the secrets that can plausibly end up in a
// log argument: provider keys, bot tokens, passwords.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`\b\d{8,10}:[a-zA-Z0-9_-]{35}\b`, // telegram bot token
	`(?i)(password|secret)[\s:=]+\S+`,
}

// NewLogger creates a structured logger. Invalid or empty level falls back
// to info; empty format falls back to json.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns))
	for _, p := range defaultRedactPatterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// NewNopLogger returns a logger that discards everything. For tests.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// WithChat returns a context carrying the chat id for correlation.
func WithChat(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// WithUser returns a context carrying the user id for correlation.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithThread returns a context carrying the thread id for correlation.
func WithThread(ctx context.Context, threadID int64) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// Debug logs at debug level with context correlation.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	args = append(args, correlationArgs(ctx)...)
	for i := 1; i < len(args); i += 2 {
		if s, ok := args[i].(string); ok {
			args[i] = l.redact(s)
		}
	}
	l.logger.Log(ctx, level, l.redact(msg), args...)
}

func correlationArgs(ctx context.Context) []any {
	var args []any
	if v := ctx.Value(ChatIDKey); v != nil {
		args = append(args, "chat_id", v)
	}
	if v := ctx.Value(UserIDKey); v != nil {
		args = append(args, "user_id", v)
	}
	if v := ctx.Value(ThreadIDKey); v != nil {
		args = append(args, "thread_id", v)
	}
	return args
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
