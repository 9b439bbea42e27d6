package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l.
func NewSlogHandler(l *Logger) slog.Handler {
	return &slogAdapter{log: l}
}

// NewStdLogger returns a *log.Logger that writes through l at level. It is
// meant for library hooks such as http.Server.ErrorLog.
func NewStdLogger(l *Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogAdapter struct {
	log    *Logger
	prefix string
	attrs  []string
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	current := h.log.GetLevel()
	return current != LevelNone && fromSlog(level) >= current
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	parts := append([]string{record.Message}, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		parts = appendAttr(parts, h.prefix, attr)
		return true
	})
	msg := strings.TrimSpace(strings.Join(parts, " "))
	h.log.log(fromSlog(record.Level), "%s", msg)
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogAdapter{log: h.log, prefix: h.prefix, attrs: append([]string(nil), h.attrs...)}
	for _, attr := range attrs {
		next.attrs = appendAttr(next.attrs, h.prefix, attr)
	}
	return next
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogAdapter{log: h.log, prefix: h.prefix + name + ".", attrs: h.attrs}
}

func fromSlog(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func appendAttr(parts []string, prefix string, attr slog.Attr) []string {
	if attr.Equal(slog.Attr{}) {
		return parts
	}
	if attr.Value.Kind() == slog.KindGroup {
		for _, nested := range attr.Value.Group() {
			parts = appendAttr(parts, prefix+attr.Key+".", nested)
		}
		return parts
	}
	return append(parts, fmt.Sprintf("%s%s=%v", prefix, attr.Key, attr.Value))
}
