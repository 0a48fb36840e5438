package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger. Dispatch decisions are
// reconstructed from these lines in production, so every component logs
// structured key/value pairs (request_id, driver_id, round) rather than
// formatted strings; AddSource points incident reviews at the emitting
// line.
func NewLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	return slog.New(handler).With("app", "tow-dispatch")
}

// ParseLevel maps the LOG_LEVEL setting onto a slog level. Unrecognized
// values fall back to info instead of failing startup.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
