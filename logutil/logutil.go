package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace sits below debug and is used for per-tensor detail.
const LevelTrace slog.Level = slog.LevelDebug - 4

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
}

// Setup installs a logger writing to w as the slog default and returns it.
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	logger := NewLogger(w, level)
	slog.SetDefault(logger)
	return logger
}

// NewLogger returns a text logger that names custom levels and shortens
// source paths to the file name.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: rewriteAttr,
	}))
}

func rewriteAttr(_ []string, attr slog.Attr) slog.Attr {
	switch v := attr.Value.Any().(type) {
	case slog.Level:
		if attr.Key == slog.LevelKey {
			if name, ok := levelNames[v]; ok {
				attr.Value = slog.StringValue(name)
			}
		}
	case *slog.Source:
		if attr.Key == slog.SourceKey && v != nil {
			v.File = filepath.Base(v.File)
		}
	}
	return attr
}

// Trace logs at LevelTrace on the default logger.
func Trace(msg string, args ...any) {
	trace(context.Background(), msg, args)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	trace(ctx, msg, args)
}

// trace must be called directly by an exported logging function so the
// recorded source is that function's caller.
func trace(ctx context.Context, msg string, args []any) {
	logger := slog.Default()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	r.Add(args...)
	_ = logger.Handler().Handle(ctx, r)
}
