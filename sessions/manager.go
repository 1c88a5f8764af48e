package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolhost/toolhost-go/wire"
)

const (
	defaultIdleTTL    = 30 * time.Minute
	defaultGrace      = 10 * time.Second
	defaultSweepEvery = time.Minute
)

// Manager owns the session-identifier-to-session mapping and enforces the
// per-mode lifecycle rules. It is the only component that mutates the
// session map; all access is guarded by its mutex.
type Manager struct {
	log   *slog.Logger
	host  SessionHost
	grace time.Duration
	ttl   time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithGracePeriod bounds the drain wait applied when a session closes.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithIdleTTL sets how long a stateful session may sit idle before the sweep
// closes it.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// NewManager constructs a Manager backed by the given host.
func NewManager(host SessionHost, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      slog.Default(),
		host:     host,
		grace:    defaultGrace,
		ttl:      defaultIdleTTL,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handshake mints a new stateful session with an unguessable id and
// transitions it straight to Active.
func (m *Manager) Handshake(ctx context.Context) (*Session, error) {
	s := &Session{
		id:           uuid.NewString(),
		mode:         ModeStateful,
		state:        StateUninitialized,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		host:         m.host,
	}
	if m.host != nil {
		if err := m.host.OpenSession(ctx, s.id); err != nil {
			return nil, fmt.Errorf("open session log: %w", err)
		}
	}
	s.activate()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session.create", slog.String("session_id", s.id))
	return s, nil
}

// Get resolves a session id presented by a client. Closed sessions resolve
// like unknown ids: the caller must not be able to distinguish them.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.State() == StateClosed {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Synthesize builds an ephemeral session for a stateless request or the pipe
// transport. Synthesized sessions never enter the session map; stateless ones
// are discarded after the reply. The pipe session uses the host so its push
// channel works for the process lifetime.
func (m *Manager) Synthesize(mode Mode) *Session {
	s := &Session{
		id:           uuid.NewString(),
		mode:         mode,
		state:        StateUninitialized,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
	if mode == ModePipe && m.host != nil {
		if err := m.host.OpenSession(context.Background(), s.id); err != nil {
			// The pipe session degrades to silent pushes rather than failing
			// process startup.
			m.log.Warn("session.open.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		} else {
			s.host = m.host
		}
	}
	s.activate()
	return s
}

// Terminate closes a session: Closing, drain up to the grace period, Closed,
// host cleanup. Idempotent — terminating an unknown or already-closed id
// succeeds and reports closed=false.
func (m *Manager) Terminate(ctx context.Context, id string) (closed bool, err error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return m.close(ctx, s), nil
}

func (m *Manager) close(ctx context.Context, s *Session) bool {
	if !s.beginClose() {
		return false
	}
	if !s.finishClose(m.grace) {
		m.log.WarnContext(ctx, "session.close.drain_timeout", slog.String("session_id", s.id))
	}
	if m.host != nil {
		if err := m.host.CleanupSession(context.WithoutCancel(ctx), s.id); err != nil {
			m.log.ErrorContext(ctx, "session.cleanup.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
	}
	m.log.InfoContext(ctx, "session.close", slog.String("session_id", s.id))
	return true
}

// Discard releases a synthesized session after its single request.
func (m *Manager) Discard(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	s.beginClose()
	s.finishClose(0)
	if s.host != nil {
		if err := s.host.CleanupSession(context.WithoutCancel(ctx), s.id); err != nil {
			m.log.WarnContext(ctx, "session.cleanup.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
	}
}

// Broadcast pushes a notification to every live session's push channel.
// Failures on individual sessions are logged and do not stop the fan-out.
func (m *Manager) Broadcast(ctx context.Context, method wire.Method, params any) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		if err := s.Push(ctx, method, params); err != nil {
			m.log.WarnContext(ctx, "session.push.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
	}
}

// Len returns the number of live stateful sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepIdle closes sessions whose last activity predates the idle TTL.
// Returns the number of sessions closed.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.ttl {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.log.InfoContext(ctx, "session.sweep.idle", slog.String("session_id", s.id))
		m.close(ctx, s)
	}
	return len(idle)
}

// RunJanitor sweeps idle sessions periodically until ctx is canceled.
func (m *Manager) RunJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultSweepEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.SweepIdle(ctx, now)
		}
	}
}

// Shutdown marks every session Closing, drains in-flight dispatcher calls up
// to the grace period per session, then force-closes remaining channels.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.close(ctx, s)
		}()
	}
	wg.Wait()
}
