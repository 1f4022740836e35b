package semdex

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with semdex-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithModel adds a model id field to the logger.
func (l *Logger) WithModel(modelID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("model", modelID),
	}
}

// WithOwner adds an owner id field to the logger.
func (l *Logger) WithOwner(ownerID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("owner", ownerID),
	}
}

// WithK adds a k (result count) field to the logger.
func (l *Logger) WithK(k int) *Logger {
	return &Logger{
		Logger: l.Logger.With("k", k),
	}
}

// WithDimension adds a dimension field to the logger.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{
		Logger: l.Logger.With("dimension", dim),
	}
}

// LogIndex logs an owner (re)index operation.
func (l *Logger) LogIndex(ctx context.Context, ownerID string, items int, epoch uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index failed",
			"owner", ownerID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "index completed",
			"owner", ownerID,
			"items", items,
			"epoch", epoch,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, probed bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
			"probed", probed,
		)
	}
}

// LogRemove logs an owner removal.
func (l *Logger) LogRemove(ctx context.Context, ownerID string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remove failed",
			"owner", ownerID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remove completed",
			"owner", ownerID,
		)
	}
}

// LogCentroidRefresh logs a coarse quantizer retraining.
func (l *Logger) LogCentroidRefresh(ctx context.Context, modelID string, nlist, rows int, err error) {
	if err != nil {
		l.WarnContext(ctx, "centroid refresh failed",
			"model", modelID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "centroid refresh completed",
			"model", modelID,
			"nlist", nlist,
			"rows", rows,
		)
	}
}
