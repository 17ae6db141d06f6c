// Package logging provides structured logging with slog for biolock.
//
// Features:
//   - Text and JSON output formats
//   - Component-scoped loggers
//   - Sensitive data redaction (secrets, keys, tokens never reach the log)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// sensitiveKeys are attribute keys whose values are always redacted.
var sensitiveKeys = []string{
	"secret", "password", "otk", "token", "key", "embedding",
}

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "text" or "json".
	Format string

	// Output is the destination writer. Defaults to stderr.
	Output io.Writer

	// Component tags every record with a component name.
	Component string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    "text",
		Component: "biolock",
	}
}

var (
	defaultLogger *slog.Logger
	loggerOnce    sync.Once
)

// Default returns the global biolock logger.
func Default() *slog.Logger {
	loggerOnce.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// SetDefault replaces the global logger.
func SetDefault(l *slog.Logger) {
	loggerOnce.Do(func() {})
	defaultLogger = l
	slog.SetDefault(l)
}

// New creates a logger from cfg.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return slog.New(handler)
}

// Component returns a child of the default logger tagged with a component.
func Component(name string) *slog.Logger {
	return Default().With(slog.String("component", name))
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

func shouldRedact(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if lower == s || strings.HasSuffix(lower, "_"+s) {
			return true
		}
	}
	return false
}
