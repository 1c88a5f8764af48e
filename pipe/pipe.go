// Package pipe implements the pipe transport: newline-delimited JSON-RPC
// frames over a reader/writer pair, stdin and stdout by default. The process
// lifetime is the session: one implicit session is active from start to EOF,
// and no handshake or session id is exchanged on the wire.
package pipe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/toolhost/toolhost-go/internal/dispatch"
	"github.com/toolhost/toolhost-go/internal/jsonrpc"
	"github.com/toolhost/toolhost-go/internal/logctx"
	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/wire"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 16 * 1024 * 1024

// Handler is a single-connection pipe transport.
type Handler struct {
	log      *slog.Logger
	manager  *sessions.Manager
	dispatch *dispatch.Dispatcher
	r        io.Reader
	w        io.Writer

	writeMu sync.Mutex
	served  bool
}

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger. Pipe transports must never log to stdout;
// the default writes to stderr.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// New constructs a pipe Handler with defaults and applies options.
func New(manager *sessions.Manager, d *dispatch.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		log:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		manager:  manager,
		dispatch: d,
		r:        os.Stdin,
		w:        os.Stdout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

// Serve runs the event loop until EOF on the reader or ctx is canceled.
// Requests are handled concurrently; response and push frames are serialized
// onto the writer by a mutex. Safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if h.served {
		return errors.New("pipe: Serve called twice")
	}
	h.served = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := h.manager.Synthesize(sessions.ModePipe)
	defer h.manager.Discard(ctx, sess)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		Mode:      string(sess.Mode()),
		State:     string(sess.State()),
	})

	// Forward push-channel frames (progress, logs, resource updates) onto
	// the writer alongside responses.
	go func() {
		err := sess.Stream(ctx, "", func(cbCtx context.Context, msgID string, data []byte) error {
			return h.writeFrame(data)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.ErrorContext(ctx, "pipe.push.fail", slog.String("err", err.Error()))
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := append([]byte(nil), line...)

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
			resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message: "+err.Error(), nil)
			if err := h.writeJSONRPC(resp); err != nil {
				return err
			}
			continue
		}

		req := msg.AsRequest()
		if req == nil {
			h.log.DebugContext(ctx, "response.inbound.drop")
			continue
		}

		rctx := logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String(), Type: msg.Type()})

		if req.ID.IsNil() {
			if err := h.dispatch.HandleNotification(rctx, sess, req); err != nil {
				h.log.ErrorContext(rctx, "notification.inbound.fail", slog.String("err", err.Error()))
			}
			continue
		}

		if wire.Method(req.Method) == wire.TerminateMethod {
			// The pipe session lives for the process; acknowledge and keep
			// serving until EOF.
			resp, err := jsonrpc.NewResultResponse(req.ID, wire.TerminateResult{Closed: false})
			if err == nil {
				err = h.writeJSONRPC(resp)
			}
			if err != nil {
				return err
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.dispatch.HandleRequest(rctx, sess, req)
			if err != nil {
				h.log.ErrorContext(rctx, "rpc.inbound.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
			}
			if err := h.writeJSONRPC(res); err != nil {
				h.log.ErrorContext(rctx, "pipe.write.fail", slog.String("err", err.Error()))
				cancel()
			}
		}()
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return ctx.Err()
}

func (h *Handler) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.writeFrame(b)
}

// writeFrame emits one newline-terminated frame under the write mutex so
// concurrent handlers can never interleave partial frames.
func (h *Handler) writeFrame(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	_, err := h.w.Write([]byte("\n"))
	return err
}
