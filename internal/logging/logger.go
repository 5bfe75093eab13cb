package logging

import (
	"io"
	"log/slog"
	"strings"
)

// secretKeys are attribute keys whose values are never written.
var secretKeys = map[string]struct{}{
	"api_key":       {},
	"client_secret": {},
	"access_token":  {},
	"refresh_token": {},
	"master_secret": {},
	"new_secret":    {},
	"password":      {},
}

// RedactSecrets is a slog ReplaceAttr hook that masks attributes named after
// secret fields, whatever group they are nested in.
func RedactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// ParseLevel maps "debug", "info", "warn" and "error" to a level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
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

// New builds the process logger: JSON records on w, correlation IDs from the
// context, secret attributes redacted.
func New(w io.Writer, level slog.Level) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: RedactSecrets,
	})
	return slog.New(NewCorrelationHandler(inner))
}
