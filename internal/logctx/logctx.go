package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates an slog.Handler so that request, session, and invocation
// metadata stashed on the context is attached to every record emitted under
// that context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("mode", sd.Mode),
			slog.String("state", sd.State),
		))
	}

	if rm, ok := ctx.Value(rpcDataKey{}).(*RPCData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rm.Method),
			slog.String("id", rm.ID),
			slog.String("type", rm.Type),
		))
	}

	if id, ok := ctx.Value(invokeDataKey{}).(*InvokeData); ok {
		r.AddAttrs(slog.Group("invoke",
			slog.String("kind", id.Kind),
			slog.String("name", id.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one inbound transport request.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a record belongs to.
type SessionData struct {
	SessionID string
	Mode      string
	State     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcDataKey struct{}

// RPCData describes the protocol frame being processed.
type RPCData struct {
	Method string
	ID     string
	Type   string
}

func WithRPCData(ctx context.Context, data *RPCData) context.Context {
	return context.WithValue(ctx, rpcDataKey{}, data)
}

type invokeDataKey struct{}

// InvokeData names the capability being invoked.
type InvokeData struct {
	Kind string
	Name string
}

func WithInvokeData(ctx context.Context, data *InvokeData) context.Context {
	return context.WithValue(ctx, invokeDataKey{}, data)
}
