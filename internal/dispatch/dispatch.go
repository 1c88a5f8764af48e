// Package dispatch routes decoded protocol messages to registered capability
// handlers. It owns argument validation, execution-context assembly, handler
// timeouts, and normalization of handler return values. Dispatcher state is
// read-only after construction, so it is safe to run fully in parallel
// across sessions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/toolhost/toolhost-go/content"
	"github.com/toolhost/toolhost-go/internal/jsonrpc"
	"github.com/toolhost/toolhost-go/internal/logctx"
	"github.com/toolhost/toolhost-go/invoke"
	"github.com/toolhost/toolhost-go/registry"
	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/wire"
)

const defaultHandlerTimeout = 30 * time.Second

// Dispatcher routes inbound requests to the registry's capability handlers.
type Dispatcher struct {
	log     *slog.Logger
	reg     *registry.Registry
	norm    *content.Normalizer
	info    wire.ServerInfo
	instr   string
	sampler invoke.SampleFunc
	timeout time.Duration
	logging bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithServerInfo sets the identity reported during the handshake.
func WithServerInfo(info wire.ServerInfo) Option {
	return func(d *Dispatcher) { d.info = info }
}

// WithInstructions sets the instructions string returned by the handshake.
func WithInstructions(instr string) Option {
	return func(d *Dispatcher) { d.instr = instr }
}

// WithSampler declares the sampling feature and binds its callback.
func WithSampler(fn invoke.SampleFunc) Option {
	return func(d *Dispatcher) { d.sampler = fn }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogPushes enables forwarding handler log records to the session's push
// channel as log notifications.
func WithLogPushes(enabled bool) Option {
	return func(d *Dispatcher) { d.logging = enabled }
}

// New constructs a Dispatcher over a registry and normalizer.
func New(reg *registry.Registry, norm *content.Normalizer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:     slog.Default(),
		reg:     reg,
		norm:    norm,
		timeout: defaultHandlerTimeout,
		logging: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Features reports the capability surface advertised during the handshake.
func (d *Dispatcher) Features() wire.ServerFeatures {
	return wire.ServerFeatures{
		Tools:     d.reg.Count(wire.KindTool) > 0,
		Prompts:   d.reg.Count(wire.KindPrompt) > 0,
		Resources: d.reg.Count(wire.KindResource) > 0,
		Sampling:  d.sampler != nil,
		Logging:   d.logging,
	}
}

// Handshake validates the handshake request and builds its result. It never
// touches user handlers and cannot fail from handler logic.
func (d *Dispatcher) Handshake(ctx context.Context, req *wire.HandshakeRequest) *wire.HandshakeResult {
	return &wire.HandshakeResult{
		ProtocolVersion: wire.ProtocolVersion,
		Features:        d.Features(),
		ServerInfo:      d.info,
		Instructions:    d.instr,
	}
}

// HandleRequest dispatches one request frame against a session and returns
// the response frame. Transport-level concerns (session resolution, origin
// checks, terminate) are the caller's job; by the time a frame reaches here
// the session is valid.
func (d *Dispatcher) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String(), Type: "request"})

	switch wire.Method(req.Method) {
	case wire.HandshakeMethod:
		var hs wire.HandshakeRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &hs); err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid handshake params", nil), nil
			}
		}
		return jsonrpc.NewResultResponse(req.ID, d.Handshake(ctx, &hs))

	case wire.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, wire.EmptyResult{})

	case wire.ToolsListMethod:
		var lr wire.ListToolsRequest
		decodeParams(req.Params, &lr)
		items, next := d.reg.List(wire.KindTool, lr.Cursor)
		res := wire.ListToolsResult{Tools: make([]wire.ToolDescriptor, 0, len(items))}
		for _, rec := range items {
			res.Tools = append(res.Tools, wire.ToolDescriptor{Name: rec.Name, Description: rec.Description, ParameterSchema: rec.Schema})
		}
		res.NextCursor = next
		return jsonrpc.NewResultResponse(req.ID, res)

	case wire.PromptsListMethod:
		var lr wire.ListPromptsRequest
		decodeParams(req.Params, &lr)
		items, next := d.reg.List(wire.KindPrompt, lr.Cursor)
		res := wire.ListPromptsResult{Prompts: make([]wire.PromptDescriptor, 0, len(items))}
		for _, rec := range items {
			res.Prompts = append(res.Prompts, wire.PromptDescriptor{Name: rec.Name, Description: rec.Description, ParameterSchema: rec.Schema})
		}
		res.NextCursor = next
		return jsonrpc.NewResultResponse(req.ID, res)

	case wire.ResourcesListMethod:
		var lr wire.ListResourcesRequest
		decodeParams(req.Params, &lr)
		items, next := d.reg.List(wire.KindResource, lr.Cursor)
		res := wire.ListResourcesResult{Resources: make([]wire.ResourceDescriptor, 0, len(items))}
		for _, rec := range items {
			res.Resources = append(res.Resources, wire.ResourceDescriptor{Name: rec.Name, URI: rec.URI, Description: rec.Description, MimeType: rec.MimeType})
		}
		res.NextCursor = next
		return jsonrpc.NewResultResponse(req.ID, res)

	case wire.ToolsCallMethod:
		var call wire.CallToolRequest
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params", nil), nil
		}
		return d.invokeCapability(ctx, sess, req, wire.KindTool, call.Name, call.Arguments, call.Meta)

	case wire.PromptsGetMethod:
		var get wire.GetPromptRequest
		if err := json.Unmarshal(req.Params, &get); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid prompt params", nil), nil
		}
		return d.invokeCapability(ctx, sess, req, wire.KindPrompt, get.Name, get.Arguments, get.Meta)

	case wire.ResourcesReadMethod:
		var read wire.ReadResourceRequest
		if err := json.Unmarshal(req.Params, &read); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resource params", nil), nil
		}
		if read.Name == "" && read.URI != "" {
			rec, err := d.reg.LookupResourceByURI(read.URI)
			if err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUnknownCapability, fmt.Sprintf("unknown resource uri %q", read.URI), nil), nil
			}
			read.Name = rec.Name
		}
		return d.invokeCapability(ctx, sess, req, wire.KindResource, read.Name, read.Arguments, read.Meta)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
	}
}

// HandleNotification accepts inbound notifications. The runtime currently
// has no client-originated notifications that require action.
func (d *Dispatcher) HandleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	d.log.DebugContext(ctx, "notification.inbound.ignore", slog.String("method", req.Method))
	return nil
}

func (d *Dispatcher) invokeCapability(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, kind wire.CapabilityKind, name string, args json.RawMessage, meta *wire.RequestMeta) (*jsonrpc.Response, error) {
	ctx = logctx.WithInvokeData(ctx, &logctx.InvokeData{Kind: string(kind), Name: name})

	rec, err := d.reg.Lookup(kind, name)
	if err != nil {
		d.log.InfoContext(ctx, "invoke.unknown")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUnknownCapability, fmt.Sprintf("unknown %s %q", kind, name), nil), nil
	}

	if errs := rec.ValidateArguments(args); len(errs) > 0 {
		d.log.InfoContext(ctx, "invoke.validation.fail", slog.Int("failures", len(errs)))
		return jsonrpc.NewResultResponse(req.ID, validationResult(errs))
	}

	inv := d.buildContext(sess, req, meta)
	result := d.runHandler(ctx, inv, rec, args)
	return jsonrpc.NewResultResponse(req.ID, result)
}

// buildContext assembles the per-invocation execution context, binding the
// optional facilities only when the mode and declared features support them.
func (d *Dispatcher) buildContext(sess *sessions.Session, req *jsonrpc.Request, meta *wire.RequestMeta) *invoke.Context {
	m := invoke.Meta{RequestID: req.ID.String()}
	opts := []invoke.Option{}

	logger := d.log
	if d.logging && sess != nil {
		logger = slog.New(&pushLogHandler{base: d.log.Handler(), sess: sess})
	}
	opts = append(opts, invoke.WithLogger(logger))

	if meta != nil && meta.ProgressToken != nil {
		m.ProgressToken = meta.ProgressToken
		if sess != nil {
			opts = append(opts, invoke.WithProgress(&sessionProgressReporter{sess: sess, token: meta.ProgressToken}))
		}
	}
	if d.sampler != nil {
		opts = append(opts, invoke.WithSampler(d.sampler))
	}
	if d.reg.Count(wire.KindResource) > 0 {
		opts = append(opts, invoke.WithResourceReader(d.readResource))
	}
	opts = append(opts, invoke.WithMeta(m))
	return invoke.New(opts...)
}

// readResource is the read-back callback bound into execution contexts. It
// runs the resource handler outside any session scope.
func (d *Dispatcher) readResource(ctx context.Context, name string) ([]wire.ContentBlock, error) {
	rec, err := d.reg.Lookup(wire.KindResource, name)
	if err != nil {
		return nil, err
	}
	v, err := rec.Handler(ctx, invoke.New(invoke.WithLogger(d.log)), nil)
	if err != nil {
		return nil, err
	}
	return d.norm.Normalize(v)
}

type handlerOutcome struct {
	value any
	err   error
}

// runHandler invokes the record's handler under the configured deadline and
// converts whatever comes back into an invocation result. Failures never
// escape as transport errors: they become isError results with a
// distinguishing code and a sanitized message.
func (d *Dispatcher) runHandler(ctx context.Context, inv *invoke.Context, rec *registry.Record, args json.RawMessage) *wire.InvocationResult {
	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	outcome := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.ErrorContext(ctx, "invoke.handler.panic", slog.Any("panic", r))
				outcome <- handlerOutcome{err: errors.New("internal error in handler")}
			}
		}()
		v, err := rec.Handler(hctx, inv, args)
		outcome <- handlerOutcome{value: v, err: err}
	}()

	select {
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			d.log.WarnContext(ctx, "invoke.timeout", slog.Duration("timeout", d.timeout))
			// The wait is abandoned; the handler goroutine observes hctx
			// cancellation and its eventual result is discarded.
			return errorResult(wire.ErrorCodeTimeout, fmt.Sprintf("Error: handler exceeded %s deadline", d.timeout))
		}
		return errorResult(wire.ErrorCodeExecution, "Error: invocation canceled")
	case out := <-outcome:
		if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			d.log.WarnContext(ctx, "invoke.timeout", slog.Duration("timeout", d.timeout))
			return errorResult(wire.ErrorCodeTimeout, fmt.Sprintf("Error: handler exceeded %s deadline", d.timeout))
		}
		if out.err != nil {
			d.log.InfoContext(ctx, "invoke.handler.fail", slog.String("err", out.err.Error()))
			return errorResult(wire.ErrorCodeExecution, "Error: "+out.err.Error())
		}
		blocks, err := d.norm.Normalize(out.value)
		if err != nil {
			d.log.WarnContext(ctx, "invoke.normalize.fail", slog.String("err", err.Error()))
			return errorResult(wire.ErrorCodeExecution, "Error: "+err.Error())
		}
		return &wire.InvocationResult{Content: blocks}
	}
}

func errorResult(code, msg string) *wire.InvocationResult {
	return &wire.InvocationResult{
		Content:   []wire.ContentBlock{wire.TextBlock(msg)},
		IsError:   true,
		ErrorCode: code,
	}
}

// validationResult reports every failing field, never a partial message.
func validationResult(errs []error) *wire.InvocationResult {
	var b strings.Builder
	b.WriteString("Invalid arguments:")
	for _, err := range errs {
		b.WriteString("\n- ")
		b.WriteString(err.Error())
	}
	return &wire.InvocationResult{
		Content:   []wire.ContentBlock{wire.TextBlock(b.String())},
		IsError:   true,
		ErrorCode: wire.ErrorCodeValidation,
	}
}

func decodeParams(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	// List params are optional; a malformed cursor restarts pagination
	// rather than failing the request.
	_ = json.Unmarshal(raw, v)
}

// sessionProgressReporter pushes progress notifications over the session's
// serialized push channel.
type sessionProgressReporter struct {
	sess  *sessions.Session
	token wire.ProgressToken
}

func (p *sessionProgressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	params := wire.ProgressNotificationParams{ProgressToken: p.token, Progress: progress, Message: message}
	if total > 0 {
		params.Total = total
	}
	return p.sess.Push(ctx, wire.ProgressNotificationMethod, params)
}
