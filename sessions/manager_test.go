package sessions

import (
	"context"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(nil, append([]ManagerOption{WithGracePeriod(50 * time.Millisecond)}, opts...)...)
}

func TestHandshakeCreatesActiveSession(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Handshake(context.Background())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("session id must not be empty")
	}
	if s.State() != StateActive {
		t.Fatalf("expected Active, got %v", s.State())
	}
	if s.Mode() != ModeStateful {
		t.Fatalf("expected stateful mode, got %v", s.Mode())
	}
	got, err := m.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("get after handshake: %v", err)
	}
}

func TestHandshakeIDsAreUnique(t *testing.T) {
	m := newTestManager(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := m.Handshake(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %s", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("nope"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Handshake(context.Background())

	closed, err := m.Terminate(context.Background(), s.ID())
	if err != nil || !closed {
		t.Fatalf("first terminate: closed=%v err=%v", closed, err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected Closed, got %v", s.State())
	}

	closed, err = m.Terminate(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("second terminate must succeed, got %v", err)
	}
	if closed {
		t.Fatal("second terminate must report closed=false")
	}

	// A closed session resolves like an unknown one.
	if _, err := m.Get(s.ID()); err != ErrSessionNotFound {
		t.Fatalf("closed session must not resolve, got %v", err)
	}
}

func TestTerminateUnknownSessionSucceeds(t *testing.T) {
	m := newTestManager(t)
	closed, err := m.Terminate(context.Background(), "ghost")
	if err != nil || closed {
		t.Fatalf("terminating unknown id: closed=%v err=%v", closed, err)
	}
}

func TestBeginRequestAfterCloseFails(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Handshake(context.Background())
	if err := s.BeginRequest(); err != nil {
		t.Fatalf("begin on active: %v", err)
	}
	s.EndRequest()

	if _, err := m.Terminate(context.Background(), s.ID()); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginRequest(); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestTerminateDrainsInflight(t *testing.T) {
	m := NewManager(nil, WithGracePeriod(time.Second))
	s, _ := m.Handshake(context.Background())

	if err := s.BeginRequest(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.EndRequest()
		close(done)
	}()

	closed, err := m.Terminate(context.Background(), s.ID())
	if err != nil || !closed {
		t.Fatalf("terminate: closed=%v err=%v", closed, err)
	}
	select {
	case <-done:
	default:
		t.Fatal("terminate returned before in-flight request ended")
	}
}

func TestSynthesizeStateless(t *testing.T) {
	m := newTestManager(t)
	s := m.Synthesize(ModeStateless)
	if s.State() != StateActive {
		t.Fatalf("synthesized session must be active, got %v", s.State())
	}
	// Synthesized sessions never enter the map.
	if _, err := m.Get(s.ID()); err != ErrSessionNotFound {
		t.Fatalf("synthesized session must not resolve by id, got %v", err)
	}
	// Push is a silent no-op without a host.
	if err := s.Push(context.Background(), "notifications/progress", map[string]int{"n": 1}); err != nil {
		t.Fatalf("stateless push must drop silently, got %v", err)
	}
	m.Discard(context.Background(), s)
	if s.State() != StateClosed {
		t.Fatalf("expected Closed after discard, got %v", s.State())
	}
}

func TestSweepIdle(t *testing.T) {
	m := newTestManager(t, WithIdleTTL(10*time.Millisecond))
	s, _ := m.Handshake(context.Background())
	fresh, _ := m.Handshake(context.Background())

	// Backdate the first session only.
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	n := m.SweepIdle(context.Background(), time.Now())
	if n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if _, err := m.Get(s.ID()); err != ErrSessionNotFound {
		t.Fatal("idle session should be gone")
	}
	if _, err := m.Get(fresh.ID()); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}

func TestShutdownClosesAll(t *testing.T) {
	m := newTestManager(t)
	var ids []string
	for i := 0; i < 5; i++ {
		s, _ := m.Handshake(context.Background())
		ids = append(ids, s.ID())
	}
	m.Shutdown(context.Background())
	if m.Len() != 0 {
		t.Fatalf("expected empty manager, got %d", m.Len())
	}
	for _, id := range ids {
		if _, err := m.Get(id); err != ErrSessionNotFound {
			t.Fatalf("session %s should be gone", id)
		}
	}
}
