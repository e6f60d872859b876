// Package debug provides category-based debug logging for taskrun.
//
// Categories select which subsystems emit verbose output (TASKRUN_DEBUG or
// config). The log level and format are set once at startup
// (TASKRUN_LOG_LEVEL, TASKRUN_LOG_FORMAT or config).
//
// Usage:
//
//	debug.Log("completion", "request", "url", url, "model", model)
//	if debug.Enabled("executor") { /* expensive formatting */ }
//
// Categories: completion, executor, safety, pathguard, history, auth, http, mcp, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LevelTrace is below slog.LevelDebug. At TRACE, generated code and full
// completion bodies are logged.
const LevelTrace = slog.LevelDebug - 4

// categories is read-only after Init.
var categories map[string]bool

func init() {
	categories = parseCategories(os.Getenv("TASKRUN_DEBUG"))
}

// Options mirrors the logging section of the config file.
type Options struct {
	Categories string
	Level      string
	Format     string
}

// Init configures categories and installs the default slog logger.
// Environment variables override opts.
func Init(opts Options) *slog.Logger {
	return initWithWriter(opts, os.Stderr)
}

func initWithWriter(opts Options, w io.Writer) *slog.Logger {
	cats := envOr("TASKRUN_DEBUG", opts.Categories)
	categories = parseCategories(cats)

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(envOr("TASKRUN_LOG_LEVEL", opts.Level))}

	var handler slog.Handler
	if strings.EqualFold(envOr("TASKRUN_LOG_FORMAT", opts.Format), "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message for the given category.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
func Trace(category string, msg string, args ...any) {
	if !TraceIsEnabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories in sorted order.
func Categories() []string {
	result := make([]string, 0, len(categories))
	for k := range categories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Truncate returns s truncated to maxLen bytes, with "..." appended if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
