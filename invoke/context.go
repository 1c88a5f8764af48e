// Package invoke defines the per-invocation execution context handed to
// capability handlers. A Context is assembled fresh for every invocation and
// lives only for its duration; optional facilities (progress, sampling,
// resource read-back) are present only when the serving mode and declared
// server features support them.
package invoke

import (
	"context"
	"errors"
	"log/slog"

	"github.com/toolhost/toolhost-go/wire"
)

var (
	// ErrProgressUnavailable is returned by ReportProgress when the request
	// carried no progress token or the session has no push channel.
	ErrProgressUnavailable = errors.New("progress reporting unavailable for this invocation")
	// ErrSamplingUnavailable is returned by Sample when the server did not
	// declare the sampling feature at startup.
	ErrSamplingUnavailable = errors.New("sampling unavailable: feature not declared")
	// ErrResourceReadbackUnavailable is returned by ReadResource when no
	// read-back binding exists for this invocation.
	ErrResourceReadbackUnavailable = errors.New("resource read-back unavailable for this invocation")
)

// ProgressReporter delivers progress pushes for one in-flight invocation.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

// SampleFunc requests a model completion from the connected orchestrator.
type SampleFunc func(ctx context.Context, req *wire.SampleRequest) (*wire.SampleResult, error)

// ReadResourceFunc reads a registered resource back into the handler.
type ReadResourceFunc func(ctx context.Context, name string) ([]wire.ContentBlock, error)

// Meta carries per-request metadata into the handler.
type Meta struct {
	RequestID     string
	ProgressToken wire.ProgressToken
}

// Context is the execution context for a single capability invocation.
type Context struct {
	log          *slog.Logger
	progress     ProgressReporter
	sample       SampleFunc
	readResource ReadResourceFunc
	meta         Meta
}

// Option configures a Context during assembly.
type Option func(*Context)

// WithLogger binds the invocation's logger sink.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithProgress binds a progress reporter. Only bound when the request carried
// a progress token.
func WithProgress(p ProgressReporter) Option {
	return func(c *Context) { c.progress = p }
}

// WithSampler binds the sampling callback.
func WithSampler(fn SampleFunc) Option {
	return func(c *Context) { c.sample = fn }
}

// WithResourceReader binds the resource read-back callback.
func WithResourceReader(fn ReadResourceFunc) Option {
	return func(c *Context) { c.readResource = fn }
}

// WithMeta sets the request metadata.
func WithMeta(meta Meta) Option {
	return func(c *Context) { c.meta = meta }
}

// New assembles a Context. Callers outside the dispatcher generally only need
// this for tests.
func New(opts ...Option) *Context {
	c := &Context{log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns the invocation's logger sink. Never nil.
func (c *Context) Logger() *slog.Logger { return c.log }

// Meta returns the request metadata.
func (c *Context) Meta() Meta { return c.meta }

// SupportsProgress reports whether progress pushes reach the caller.
func (c *Context) SupportsProgress() bool { return c.progress != nil }

// ReportProgress pushes a progress update correlated with this invocation's
// progress token.
func (c *Context) ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if c.progress == nil {
		return ErrProgressUnavailable
	}
	return c.progress.Report(ctx, progress, total, message)
}

// Sample requests a model completion from the orchestrator.
func (c *Context) Sample(ctx context.Context, req *wire.SampleRequest) (*wire.SampleResult, error) {
	if c.sample == nil {
		return nil, ErrSamplingUnavailable
	}
	return c.sample(ctx, req)
}

// ReadResource reads a registered resource by name.
func (c *Context) ReadResource(ctx context.Context, name string) ([]wire.ContentBlock, error) {
	if c.readResource == nil {
		return nil, ErrResourceReadbackUnavailable
	}
	return c.readResource(ctx, name)
}
