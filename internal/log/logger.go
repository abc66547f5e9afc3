package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger writing JSON to stderr.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	once.Do(func() {
		install(os.Stderr, level)
	})
}

// SetupWriter replaces the global logger with one writing to w. The CLI uses it
// for --log-file, tests use it to capture output.
func SetupWriter(w io.Writer, level string) {
	once.Do(func() {})
	install(w, level)
}

func install(w io.Writer, level string) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	logger = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(logger)
}

// ParseLevel maps a textual level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithPipeline returns a logger tagged with a pipeline run.
func WithPipeline(runID, workflow string) *slog.Logger {
	return Get().With(slog.String("run_id", runID), slog.String("workflow", workflow))
}

// WithJob returns base (or the global logger) with the job field set.
func WithJob(base *slog.Logger, job string) *slog.Logger {
	if base == nil {
		base = Get()
	}
	return base.With(slog.String("job", job))
}

// WithStep returns base (or the global logger) with step index and name set.
func WithStep(base *slog.Logger, index int, name string) *slog.Logger {
	if base == nil {
		base = Get()
	}
	return base.With(slog.Int("step_index", index), slog.String("step", name))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
