// Package toolhost is a runtime for serving tool, prompt, and resource
// capabilities to LLM orchestrators over JSON-RPC. One Server definition runs
// unchanged over three transports: stateful HTTP with server-sent events,
// stateless HTTP, and a newline-delimited pipe.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/toolhost/toolhost-go/content"
	"github.com/toolhost/toolhost-go/internal/dispatch"
	"github.com/toolhost/toolhost-go/internal/hostauth"
	"github.com/toolhost/toolhost-go/internal/logctx"
	"github.com/toolhost/toolhost-go/invoke"
	"github.com/toolhost/toolhost-go/pipe"
	"github.com/toolhost/toolhost-go/registry"
	"github.com/toolhost/toolhost-go/resourcefs"
	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/sessions/memoryhost"
	"github.com/toolhost/toolhost-go/statelesshttp"
	"github.com/toolhost/toolhost-go/streamhttp"
	"github.com/toolhost/toolhost-go/wire"
)

// Handler executes one capability invocation. See registry.Handler.
type Handler = registry.Handler

// Server ties the registry, session manager, dispatcher, and transports
// together. Construct with New, register capabilities, then serve.
type Server struct {
	log          *slog.Logger
	info         wire.ServerInfo
	instructions string

	reg     *registry.Registry
	norm    *content.Normalizer
	manager *sessions.Manager
	disp    *dispatch.Dispatcher

	host    sessions.SessionHost
	auth    hostauth.Authenticator
	sampler invoke.SampleFunc
	fsp     *resourcefs.Provider

	handlerTimeout time.Duration
	grace          time.Duration
	idleTTL        time.Duration
	sweepEvery     time.Duration
	contentRoot    string
	endpointPath   string
	allowedOrigins []string
	pageSize       int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the identity reported in handshakes.
func WithServerInfo(name, version string) Option {
	return func(s *Server) { s.info = wire.ServerInfo{Name: name, Version: version} }
}

// WithInstructions sets the handshake instructions string.
func WithInstructions(instr string) Option {
	return func(s *Server) { s.instructions = instr }
}

// WithSessionHost sets the push-channel backend. Defaults to the in-memory
// host; use the redishost package to run behind a load balancer.
func WithSessionHost(h sessions.SessionHost) Option {
	return func(s *Server) {
		if h != nil {
			s.host = h
		}
	}
}

// WithAuthenticator requires bearer tokens on the HTTP transports.
func WithAuthenticator(a hostauth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithSampler declares the sampling feature and binds its callback.
func WithSampler(fn invoke.SampleFunc) Option {
	return func(s *Server) { s.sampler = fn }
}

// WithHandlerTimeout bounds each capability invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handlerTimeout = d
		}
	}
}

// WithGracePeriod bounds the in-flight drain when sessions close.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithIdleTTL sets the idle timeout for stateful sessions.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// WithContentRoot sets the directory file-hint content is resolved against.
func WithContentRoot(dir string) Option {
	return func(s *Server) { s.contentRoot = dir }
}

// WithEndpointPath sets the stateful HTTP serving path. Defaults to "/rpc".
func WithEndpointPath(path string) Option {
	return func(s *Server) { s.endpointPath = path }
}

// WithAllowedOrigins extends the browser origin allow-list beyond loopback.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = append(s.allowedOrigins, origins...) }
}

// WithPageSize sets the list page size.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New constructs a Server. Register capabilities before serving; the registry
// seals when the first transport starts.
func New(opts ...Option) *Server {
	s := &Server{
		log:            slog.Default(),
		info:           wire.ServerInfo{Name: "toolhost"},
		handlerTimeout: 30 * time.Second,
		grace:          10 * time.Second,
		idleTTL:        30 * time.Minute,
		sweepEvery:     time.Minute,
		endpointPath:   "/rpc",
		pageSize:       50,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.New(logctx.Handler{Handler: s.log.Handler()})
	if s.host == nil {
		s.host = memoryhost.New()
	}
	s.reg = registry.New(registry.WithPageSize(s.pageSize))
	return s
}

// Registry exposes the capability registry for direct registration.
func (s *Server) Registry() *registry.Registry { return s.reg }

// RegisterTool registers a tool capability.
func (s *Server) RegisterTool(name, description string, schema *jsonschema.Schema, h Handler) error {
	return s.reg.Register(wire.KindTool, name, description, schema, h)
}

// RegisterPrompt registers a prompt capability.
func (s *Server) RegisterPrompt(name, description string, schema *jsonschema.Schema, h Handler) error {
	return s.reg.Register(wire.KindPrompt, name, description, schema, h)
}

// RegisterResource registers a resource capability.
func (s *Server) RegisterResource(name, description, uri, mimeType string, h Handler) error {
	return s.reg.RegisterResource(name, description, uri, mimeType, h)
}

// ServeDirectory registers every file under dir as a resource and, once the
// server runs, watches the directory and pushes resource-updated
// notifications to live sessions.
func (s *Server) ServeDirectory(dir string, opts ...resourcefs.Option) error {
	fsp, err := resourcefs.New(dir, append([]resourcefs.Option{resourcefs.WithLogger(s.log)}, opts...)...)
	if err != nil {
		return err
	}
	if err := fsp.Register(s.reg); err != nil {
		return err
	}
	s.fsp = fsp
	if s.contentRoot == "" {
		s.contentRoot = fsp.Root()
	}
	return nil
}

// seal freezes the registry and builds the runtime components. Idempotent.
func (s *Server) seal() {
	if s.reg.Sealed() {
		return
	}
	s.reg.Seal()
	s.norm = content.New(content.WithLogger(s.log), content.WithRoot(s.contentRoot))
	s.manager = sessions.NewManager(s.host,
		sessions.WithLogger(s.log),
		sessions.WithGracePeriod(s.grace),
		sessions.WithIdleTTL(s.idleTTL),
	)
	dopts := []dispatch.Option{
		dispatch.WithLogger(s.log),
		dispatch.WithServerInfo(s.info),
		dispatch.WithInstructions(s.instructions),
		dispatch.WithHandlerTimeout(s.handlerTimeout),
	}
	if s.sampler != nil {
		dopts = append(dopts, dispatch.WithSampler(s.sampler))
	}
	s.disp = dispatch.New(s.reg, s.norm, dopts...)
}

// StatefulHandler returns the stateful HTTP transport as an http.Handler.
func (s *Server) StatefulHandler() (http.Handler, error) {
	s.seal()
	opts := []streamhttp.Option{
		streamhttp.WithLogger(s.log),
		streamhttp.WithEndpointPath(s.endpointPath),
		streamhttp.WithAllowedOrigins(s.allowedOrigins),
	}
	if s.auth != nil {
		opts = append(opts, streamhttp.WithAuthenticator(s.auth))
	}
	return streamhttp.New(s.manager, s.disp, opts...)
}

// StatelessHandler returns the stateless HTTP transport as an http.Handler.
func (s *Server) StatelessHandler() (http.Handler, error) {
	s.seal()
	opts := []statelesshttp.Option{statelesshttp.WithLogger(s.log)}
	if s.auth != nil {
		opts = append(opts, statelesshttp.WithAuthenticator(s.auth))
	}
	return statelesshttp.New(s.manager, s.disp, opts...)
}

// ServePipe runs the pipe transport until EOF or ctx cancellation.
func (s *Server) ServePipe(ctx context.Context, opts ...pipe.Option) error {
	s.seal()
	h := pipe.New(s.manager, s.disp, append([]pipe.Option{pipe.WithLogger(s.log)}, opts...)...)
	return h.Serve(ctx)
}

// ListenAndServe runs an HTTP server on addr with the chosen transport until
// ctx is canceled, then shuts down gracefully: stop accepting, drain
// in-flight work, close sessions.
func (s *Server) ListenAndServe(ctx context.Context, addr string, stateless bool) error {
	var handler http.Handler
	var err error
	if stateless {
		handler, err = s.StatelessHandler()
	} else {
		handler, err = s.StatefulHandler()
	}
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server.listen", slog.String("addr", addr), slog.Bool("stateless", stateless))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if !stateless {
		g.Go(func() error {
			s.manager.RunJanitor(gctx, s.sweepEvery)
			return nil
		})
	}
	if s.fsp != nil && !stateless {
		g.Go(func() error {
			err := s.fsp.Watch(gctx, func(nctx context.Context, name, uri string) {
				s.manager.Broadcast(nctx, wire.ResourceUpdatedNotificationMethod,
					wire.ResourceUpdatedNotificationParams{Name: name, URI: uri})
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server.shutdown.force", slog.String("err", err.Error()))
		}
		s.manager.Shutdown(shutdownCtx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// TextResult wraps a plain string for handlers that want to be explicit about
// returning text content.
func TextResult(text string) []wire.ContentBlock {
	return []wire.ContentBlock{wire.TextBlock(text)}
}

// JSONResult marshals v into a single text block.
func JSONResult(v any) ([]wire.ContentBlock, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []wire.ContentBlock{wire.TextBlock(string(b))}, nil
}
