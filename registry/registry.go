// Package registry holds the capability records a toolhost server exposes:
// tools, prompts, and resources. A Registry is populated before serving
// begins, sealed by the server when it starts, and immutable thereafter.
// Construct one per server instance; there is no process-global registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/toolhost/toolhost-go/invoke"
	"github.com/toolhost/toolhost-go/wire"
)

var (
	// ErrSealed is returned by Register once serving has started.
	ErrSealed = errors.New("registry is sealed: registration after serving started")
	// ErrDuplicateName is returned when a name is already registered for the kind.
	ErrDuplicateName = errors.New("capability name already registered for kind")
	// ErrNotFound is returned by Lookup when no record matches.
	ErrNotFound = errors.New("capability not found")
)

// Handler executes one capability invocation. The returned value may be a
// []wire.ContentBlock, a string, raw bytes, a content hint, or any JSON-
// serializable value; the content normalizer converts it into protocol
// content blocks. A returned error becomes an isError invocation result.
type Handler func(ctx context.Context, inv *invoke.Context, args json.RawMessage) (any, error)

// Record is one registered capability. Immutable once the registry is sealed.
type Record struct {
	Kind        wire.CapabilityKind
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Handler     Handler

	// URI and MimeType only apply to resource records.
	URI      string
	MimeType string

	resolved *jsonschema.Resolved
}

// ValidateArguments checks args against the record's parameter schema. It
// returns one error per failing field (field path + reason) so callers can
// report every failure, never a partial message. A record without a schema
// accepts anything.
func (r *Record) ValidateArguments(args json.RawMessage) []error {
	if r.resolved == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return []error{fmt.Errorf("arguments: %w", err)}
	}
	// The structural pass names every failing top-level field. The resolved
	// schema is the backstop for keywords the pass does not cover.
	if errs := structuralErrors(r.Schema, v); len(errs) > 0 {
		return errs
	}
	if err := r.resolved.Validate(v); err != nil {
		return []error{err}
	}
	return nil
}

// Registry is a pure lookup table of capability records. Safe for concurrent
// reads after Seal; registration itself is serialized by an internal mutex.
type Registry struct {
	mu       sync.RWMutex
	sealed   bool
	records  map[wire.CapabilityKind]map[string]*Record
	ordered  map[wire.CapabilityKind][]*Record
	pageSize int
}

// Option configures a Registry.
type Option func(*Registry)

// WithPageSize sets the page size used by List. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records:  make(map[wire.CapabilityKind]map[string]*Record),
		ordered:  make(map[wire.CapabilityKind][]*Record),
		pageSize: 50,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a capability record. It fails if the kind is unknown, the
// name is already taken for that kind, the schema does not resolve, or the
// registry has been sealed.
func (r *Registry) Register(kind wire.CapabilityKind, name, description string, schema *jsonschema.Schema, handler Handler) error {
	rec := &Record{Kind: kind, Name: name, Description: description, Schema: schema, Handler: handler}
	return r.add(rec)
}

// RegisterResource adds a resource record carrying a URI and mime type
// alongside the usual fields.
func (r *Registry) RegisterResource(name, description, uri, mimeType string, handler Handler) error {
	rec := &Record{Kind: wire.KindResource, Name: name, Description: description, URI: uri, MimeType: mimeType, Handler: handler}
	return r.add(rec)
}

func (r *Registry) add(rec *Record) error {
	if !wire.IsValidCapabilityKind(rec.Kind) {
		return fmt.Errorf("unknown capability kind %q", rec.Kind)
	}
	if rec.Name == "" {
		return fmt.Errorf("capability name must not be empty")
	}
	if rec.Handler == nil {
		return fmt.Errorf("capability %q: handler must not be nil", rec.Name)
	}
	if rec.Schema != nil {
		resolved, err := rec.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("capability %q: invalid parameter schema: %w", rec.Name, err)
		}
		rec.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	byName := r.records[rec.Kind]
	if byName == nil {
		byName = make(map[string]*Record)
		r.records[rec.Kind] = byName
	}
	if _, exists := byName[rec.Name]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicateName, rec.Kind, rec.Name)
	}
	byName[rec.Name] = rec
	r.ordered[rec.Kind] = append(r.ordered[rec.Kind], rec)
	return nil
}

// Seal freezes the registry. Called by the server when serving starts;
// idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup finds a record by kind and name.
func (r *Registry) Lookup(kind wire.CapabilityKind, name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[kind][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}
	return rec, nil
}

// LookupResourceByURI finds a resource record by its declared URI.
func (r *Registry) LookupResourceByURI(uri string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.ordered[wire.KindResource] {
		if rec.URI != "" && rec.URI == uri {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: resource uri %q", ErrNotFound, uri)
}

// Count returns the number of records registered for the kind.
func (r *Registry) Count(kind wire.CapabilityKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered[kind])
}

// List returns one page of records for the kind in registration order. The
// cursor is the opaque string returned by a previous call; an unparsable or
// out-of-range cursor restarts from the beginning.
func (r *Registry) List(kind wire.CapabilityKind, cursor string) (items []*Record, nextCursor string) {
	r.mu.RLock()
	all := r.ordered[kind]
	pageSize := r.pageSize
	r.mu.RUnlock()

	start := parseCursor(cursor)
	if start < 0 || start > len(all) {
		start = 0
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	items = make([]*Record, end-start)
	copy(items, all[start:end])
	if end < len(all) {
		return items, strconv.Itoa(end)
	}
	return items, ""
}

func parseCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil {
		return 0
	}
	return n
}
