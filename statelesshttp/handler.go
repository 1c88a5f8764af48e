// Package statelesshttp implements the stateless HTTP transport: every POST
// is a complete conversation served by a synthesized session that is
// discarded after the reply. No session identifier is ever issued or
// accepted, and nothing survives between requests.
package statelesshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
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

var jsonMediaType = contenttype.NewMediaType("application/json")

// Handler serves the stateless HTTP transport.
type Handler struct {
	log      *slog.Logger
	manager  *sessions.Manager
	dispatch *dispatch.Dispatcher
	auth     hostauth.Authenticator
	origins  weborigin.AllowList
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

// New constructs the transport over a session manager and dispatcher.
func New(manager *sessions.Manager, d *dispatch.Dispatcher, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	h := &Handler{log: slog.Default(), manager: manager, dispatch: d, origins: make(weborigin.AllowList)}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "stateless transport accepts POST only")
		return
	}
	if origin := r.Header.Get("Origin"); !h.origins.Allows(origin) {
		h.log.WarnContext(ctx, "origin.rejected", slog.String("origin", origin))
		writeJSONError(w, http.StatusForbidden, "origin not allowed")
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
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String(), Type: msg.Type()})

	// Each request gets its own ephemeral session, gone after the reply.
	// Push-dependent facilities silently degrade inside the dispatcher.
	sess := h.manager.Synthesize(sessions.ModeStateless)
	defer h.manager.Discard(ctx, sess)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Mode: string(sess.Mode()), State: string(sess.State())})

	if req.ID.IsNil() {
		if err := h.dispatch.HandleNotification(ctx, sess, req); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var res *jsonrpc.Response
	switch wire.Method(req.Method) {
	case wire.TerminateMethod:
		// There is no session to terminate; acknowledge for symmetry.
		res, err = jsonrpc.NewResultResponse(req.ID, wire.TerminateResult{Closed: false})
	default:
		res, err = h.dispatch.HandleRequest(ctx, sess, req)
	}
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.auth == nil {
		return true
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "authorization required")
		return false
	}
	tok, ok := hostauth.BearerToken(header)
	if !ok || tok == "" {
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

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
