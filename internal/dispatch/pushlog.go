package dispatch

import (
	"context"
	"log/slog"

	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/wire"
)

// pushLogHandler tees handler log records to the session's push channel as
// log notifications while still emitting them through the base handler.
// Push failures are swallowed; logging must never fail an invocation.
type pushLogHandler struct {
	base slog.Handler
	sess *sessions.Session
}

var _ slog.Handler = (*pushLogHandler)(nil)

func (h *pushLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *pushLogHandler) Handle(ctx context.Context, r slog.Record) error {
	data := map[string]any{"message": r.Message}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	_ = h.sess.Push(ctx, wire.LogNotificationMethod, wire.LogNotificationParams{
		Level: levelFor(r.Level),
		Data:  data,
	})
	return h.base.Handle(ctx, r)
}

func (h *pushLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &pushLogHandler{base: h.base.WithAttrs(attrs), sess: h.sess}
}

func (h *pushLogHandler) WithGroup(name string) slog.Handler {
	return &pushLogHandler{base: h.base.WithGroup(name), sess: h.sess}
}

func levelFor(l slog.Level) wire.LogLevel {
	switch {
	case l >= slog.LevelError:
		return wire.LogLevelError
	case l >= slog.LevelWarn:
		return wire.LogLevelWarning
	case l >= slog.LevelInfo:
		return wire.LogLevelInfo
	default:
		return wire.LogLevelDebug
	}
}
