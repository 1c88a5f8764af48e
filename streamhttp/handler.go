// Package streamhttp implements the stateful HTTP transport: POST carries
// requests in, replies stream back as server-sent events, GET opens the
// session's push channel, DELETE terminates the session. Session identity
// travels in the Toolhost-Session-Id header, never in request bodies.
package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/toolhost/toolhost-go/internal/dispatch"
	"github.com/toolhost/toolhost-go/internal/hostauth"
	"github.com/toolhost/toolhost-go/internal/jsonrpc"
	"github.com/toolhost/toolhost-go/internal/logctx"
	"github.com/toolhost/toolhost-go/internal/weborigin"
	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/wire"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDHeader     = "Toolhost-Session-Id"
	lastEventIDHeader   = "Last-Event-ID"
	authorizationHeader = "Authorization"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeSessionError rejects a request whose session id is missing, unknown,
// or already closed. The HTTP status stays 404 so closed ids are
// indistinguishable from unknown ones; the body carries the protocol
// session error code instead of the raw status.
func writeSessionError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": int(jsonrpc.ErrorCodeSessionError), "message": msg}})
}

// Handler serves the stateful HTTP transport.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	manager  *sessions.Manager
	dispatch *dispatch.Dispatcher
	auth     hostauth.Authenticator
	origins  weborigin.AllowList
	path     string
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator requires a valid bearer token on every call.
func WithAuthenticator(a hostauth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithAllowedOrigins extends the origin allow-list beyond the loopback
// default. Entries are host[:port] values matched against the Origin header.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		for _, o := range origins {
			h.origins.Add(o)
		}
	}
}

// WithEndpointPath sets the serving path. Defaults to "/rpc".
func WithEndpointPath(path string) Option {
	return func(h *Handler) {
		if path != "" {
			h.path = path
		}
	}
}

// New constructs the transport over a session manager and dispatcher.
func New(manager *sessions.Manager, d *dispatch.Dispatcher, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	h := &Handler{
		log:      slog.Default(),
		manager:  manager,
		dispatch: d,
		origins:  make(weborigin.AllowList),
		path:     "/rpc",
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.path), h.handleDelete)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkOrigin enforces the browser origin allow-list on every call.
func (h *Handler) checkOrigin(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	origin := r.Header.Get("Origin")
	if h.origins.Allows(origin) {
		return true
	}
	h.log.WarnContext(ctx, "origin.rejected", slog.String("origin", origin))
	writeJSONError(w, http.StatusForbidden, "origin not allowed")
	return false
}

// checkAuthentication validates the bearer token when an authenticator is
// configured. Returns false after writing the rejection.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.auth == nil {
		return true
	}
	header := r.Header.Get(authorizationHeader)
	if header == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "authorization required")
		return false
	}
	tok, ok := hostauth.BearerToken(header)
	if !ok || tok == "" {
		h.log.InfoContext(ctx, "auth.check.malformed")
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return false
	}
	if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !h.checkOrigin(ctx, r, w) {
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.handleHandshake(ctx, w, &msg, start)
		return
	}

	sess, err := h.manager.Get(sessID)
	if err != nil {
		writeSessionError(w, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		Mode:      string(sess.Mode()),
		State:     string(sess.State()),
	})

	req := msg.AsRequest()
	if req == nil {
		// Client response frames have no server-side correlation here.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.drop")
		return
	}

	switch wire.Method(req.Method) {
	case wire.HandshakeMethod:
		writeJSONError(w, http.StatusConflict, "session already established")
		h.log.WarnContext(ctx, "session.handshake.redundant")
		return
	case wire.TerminateMethod:
		closed, err := h.manager.Terminate(ctx, sessID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to terminate session")
			h.log.ErrorContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
			return
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, wire.TerminateResult{Closed: closed})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(resp)
		h.log.InfoContext(ctx, "session.terminate.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if req.ID.IsNil() {
		sess.Touch()
		if err := h.dispatch.HandleNotification(ctx, sess, req); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	if err := sess.BeginRequest(); err != nil {
		writeSessionError(w, "session not found")
		h.log.InfoContext(ctx, "session.closing.reject")
		return
	}
	defer sess.EndRequest()

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// The dispatcher finishes the invocation even if the client goes away;
	// only the reply write is bound to the request context.
	res, err := h.dispatch.HandleRequest(context.WithoutCancel(ctx), sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	b, mErr := json.Marshal(res)
	if mErr != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", mErr.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleHandshake establishes a new session for a POST without a session id.
func (h *Handler) handleHandshake(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || wire.Method(req.Method) != wire.HandshakeMethod {
		writeSessionError(w, "expected handshake request")
		h.log.InfoContext(ctx, "session.handshake.invalid")
		return
	}
	var hs wire.HandshakeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &hs); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid handshake params")
			h.log.InfoContext(ctx, "session.handshake.params.fail", slog.String("err", err.Error()))
			return
		}
	}
	sess, err := h.manager.Handshake(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to establish session")
		h.log.ErrorContext(ctx, "session.handshake.fail", slog.String("err", err.Error()))
		return
	}
	result := h.dispatch.Handshake(ctx, &hs)
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode handshake response")
		return
	}
	w.Header().Set(sessionIDHeader, sess.ID())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.handshake.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.handshake.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet opens the session's push channel as an SSE stream, resuming after
// Last-Event-ID when the client reconnects.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, r, w) {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, err := h.manager.Get(sessID)
	if err != nil {
		writeSessionError(w, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		Mode:      string(sess.Mode()),
		State:     string(sess.State()),
	})

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	if err := sess.Stream(ctx, lastEventID, func(cbCtx context.Context, msgID string, data []byte) error {
		if err := writeSSEEvent(wf, msgID, data); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	}); err != nil && !errors.Is(err, context.Canceled) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates the session named by the session header. Repeating
// the call for an already-closed session succeeds.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.checkOrigin(ctx, r, w) {
		return
	}
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	if _, err := h.manager.Terminate(ctx, sessID); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one SSE frame, id line included when msgID is set, and
// flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
