// Package resourcefs exposes a directory tree as registered resources and
// watches it for changes. Each regular file under the root becomes one
// resource whose handler reads the file at invocation time; a filesystem
// watcher turns writes into resource-updated notifications pushed to live
// sessions.
package resourcefs

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/toolhost/toolhost-go/content"
	"github.com/toolhost/toolhost-go/invoke"
	"github.com/toolhost/toolhost-go/registry"
)

// NotifyFunc receives one update signal per changed resource.
type NotifyFunc func(ctx context.Context, name, uri string)

// Provider registers a directory's files as resources.
type Provider struct {
	log      *slog.Logger
	root     string
	baseURI  string
	debounce time.Duration

	mu         sync.Mutex
	debouncers map[string]*debouncer
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithBaseURI sets the URI prefix used for resource URIs. Defaults to "fs://".
func WithBaseURI(base string) Option {
	return func(p *Provider) { p.baseURI = strings.TrimRight(base, "/") }
}

// WithDebounce sets the per-file update debounce interval. Zero disables
// debouncing. Defaults to 250ms.
func WithDebounce(d time.Duration) Option {
	return func(p *Provider) { p.debounce = d }
}

// New constructs a Provider over an OS directory. The root must exist;
// symlinks in the root path are resolved so containment checks hold.
func New(root string, opts ...Option) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}
	p := &Provider{
		log:        slog.Default(),
		root:       abs,
		baseURI:    "fs:/",
		debounce:   250 * time.Millisecond,
		debouncers: make(map[string]*debouncer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the resolved root directory.
func (p *Provider) Root() string { return p.root }

// Register walks the root and registers every regular file as a resource.
// Handlers read the file at invocation time through the content layer, so
// reads see current contents and stay confined to the root.
func (p *Provider) Register(reg *registry.Registry) error {
	var rels []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return nil
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %q: %w", p.root, err)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		abs := filepath.Join(p.root, filepath.FromSlash(rel))
		mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(rel)))
		handler := func(ctx context.Context, inv *invoke.Context, args json.RawMessage) (any, error) {
			return content.File(abs, mt), nil
		}
		if err := reg.RegisterResource(rel, "", p.relToURI(rel), mt, handler); err != nil {
			return fmt.Errorf("register resource %q: %w", rel, err)
		}
	}
	return nil
}

// Watch runs a filesystem watcher over the root until ctx ends, invoking
// notify for each changed file after debouncing. Directories created while
// watching are added to the watch set.
func (p *Provider) Watch(ctx context.Context, notify NotifyFunc) error {
	if notify == nil {
		return fmt.Errorf("notify func is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	addDirs := func() error {
		return filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			return w.Add(path)
		})
	}
	if err := addDirs(); err != nil {
		p.log.WarnContext(ctx, "resourcefs.watch.add.fail", slog.String("err", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				p.markUpdated(ctx, ev.Name, notify)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.WarnContext(ctx, "resourcefs.watch.err", slog.String("err", err.Error()))
		}
	}
}

// markUpdated debounces rapid successive writes to the same file before
// firing the notification.
func (p *Provider) markUpdated(ctx context.Context, path string, notify NotifyFunc) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return
	}
	rel = filepath.ToSlash(rel)
	uri := p.relToURI(rel)

	p.mu.Lock()
	db, ok := p.debouncers[rel]
	if !ok {
		db = &debouncer{interval: p.debounce, fire: func() {
			p.log.DebugContext(ctx, "resourcefs.updated", slog.String("name", rel))
			notify(ctx, rel, uri)
		}}
		p.debouncers[rel] = db
	}
	p.mu.Unlock()
	db.trigger()
}

func (p *Provider) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return p.baseURI + "/" + strings.Join(segs, "/")
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
	d.fire()
}
