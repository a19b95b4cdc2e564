// Package util packages various small cross-cutting helpers.
package util

import (
	"context"
	"log/slog"
)

// log/slog does not implement trace logging by default, but is flexible enough
// to add one below the Debug level.
const (
	LogLevelTrace = slog.Level(-8)
)

// TraceLog sends trace-level logging to a log/slog.Logger.
func TraceLog(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LogLevelTrace, msg, args...)
}
