// Package logging builds the process-wide structured logger.
//
// Grounded on pkg/observability/init.go's buildLogger: a level-gated
// slog.Handler over stderr, chosen between JSON and text encoding. The
// teacher wraps its handler in a tracing decorator that injects
// OTel span/trace ids; this pipeline is a single-process batch worker
// with no distributed trace consumer, so that wrapper is dropped
// rather than carried as unused weight.
package logging

import (
	"log/slog"
	"os"

	"github.com/nameearly/sharpsplat/internal/config"
)

// New builds a *slog.Logger from the given logging configuration.
// Unrecognized levels fall back to info; unrecognized formats fall back
// to JSON.
func New(cfg config.LoggingConfig) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
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
