package resourcefs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toolhost/toolhost-go/content"
	"github.com/toolhost/toolhost-go/registry"
	"github.com/toolhost/toolhost-go/wire"
)

func writeFile(t *testing.T, dir, rel, body string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegisterWalksTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "readme.md", "# hi")
	writeFile(t, dir, "docs/guide.txt", "guide")
	writeFile(t, dir, "docs/deep/notes.txt", "notes")

	p, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := p.Register(reg); err != nil {
		t.Fatal(err)
	}
	reg.Seal()

	if n := reg.Count(wire.KindResource); n != 3 {
		t.Fatalf("expected 3 resources, got %d", n)
	}
	page, _ := reg.List(wire.KindResource, "")
	want := []string{"docs/deep/notes.txt", "docs/guide.txt", "readme.md"}
	for i, rec := range page {
		if rec.Name != want[i] {
			t.Fatalf("resource %d: want %q, got %q", i, want[i], rec.Name)
		}
	}
	rec, err := reg.Lookup(wire.KindResource, "readme.md")
	if err != nil {
		t.Fatal(err)
	}
	if rec.URI != "fs://readme.md" {
		t.Fatalf("uri %q", rec.URI)
	}
	if rec.MimeType == "" {
		t.Fatal("markdown file should get a mime type")
	}
}

func TestRegisteredHandlerReadsCurrentContents(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "live.txt", "v1")

	p, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := p.Register(reg); err != nil {
		t.Fatal(err)
	}
	reg.Seal()

	rec, err := reg.Lookup(wire.KindResource, "live.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := rec.Handler(context.Background(), nil, json.RawMessage(nil))
	if err != nil {
		t.Fatal(err)
	}
	// The handler hands back a lazily-read file hint, not a snapshot.
	hint, ok := out.(content.Hint)
	if !ok || hint.Kind != content.HintFile {
		t.Fatalf("handler returned %T, expected a file hint", out)
	}
	b, err := os.ReadFile(hint.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "v2" {
		t.Fatalf("expected current contents, got %q", b)
	}
}

func TestSymlinksSkipped(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "real.txt", "real")
	if err := os.Symlink(target, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	p, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := p.Register(reg); err != nil {
		t.Fatal(err)
	}
	reg.Seal()
	if n := reg.Count(wire.KindResource); n != 1 {
		t.Fatalf("expected symlink to be skipped, got %d resources", n)
	}
}

func TestNewRejectsMissingOrFileRoot(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing root")
	}
	path := writeFile(t, t.TempDir(), "f.txt", "x")
	if _, err := New(path); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestURIEscaping(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "with space.txt", "x")

	p, err := New(dir, WithBaseURI("memo://files"))
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := p.Register(reg); err != nil {
		t.Fatal(err)
	}
	rec, err := reg.Lookup(wire.KindResource, "with space.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.URI != "memo://files/with%20space.txt" {
		t.Fatalf("uri %q", rec.URI)
	}
}

func TestWatchNotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "watched.txt", "v1")

	p, err := New(dir, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type update struct{ name, uri string }
	got := make(chan update, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Watch(ctx, func(_ context.Context, name, uri string) {
			got <- update{name, uri}
		})
	}()

	// Let the watcher attach before mutating the tree.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-got:
		if u.name != "watched.txt" {
			t.Fatalf("notified for %q", u.name)
		}
		if u.uri != "fs://watched.txt" {
			t.Fatalf("uri %q", u.uri)
		}
	case <-ctx.Done():
		t.Fatal("no notification before timeout")
	}

	cancel()
	wg.Wait()
}

func TestWatchDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bursty.txt", "v0")

	p, err := New(dir, WithDebounce(150*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Watch(ctx, func(_ context.Context, name, _ string) { got <- name })
	}()

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("burst"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("no notification before timeout")
	}
	// The burst collapses into one signal; nothing else should follow.
	select {
	case name := <-got:
		t.Fatalf("unexpected second notification for %q", name)
	case <-time.After(400 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}
