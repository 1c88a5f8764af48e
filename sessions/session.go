package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/toolhost/toolhost-go/internal/jsonrpc"
	"github.com/toolhost/toolhost-go/wire"
)

// Session is server-side state bound to one client conversation. Safe for
// concurrent use: writes to the push channel are serialized by a per-session
// mutex so concurrent invocations can never corrupt stream framing.
type Session struct {
	id   string
	mode Mode

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	lastActivity time.Time
	inflight     sync.WaitGroup

	writeMu sync.Mutex
	host    SessionHost
}

// ID returns the opaque session identifier. Stateless transports must never
// surface it to the client.
func (s *Session) ID() string { return s.id }

// Mode returns the transport mode the session is bound to.
func (s *Session) Mode() Mode { return s.mode }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent request.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records request activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// BeginRequest registers an in-flight dispatcher call so termination can
// drain it. Fails once the session is closing or closed.
func (s *Session) BeginRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrSessionClosed
	}
	s.lastActivity = time.Now()
	s.inflight.Add(1)
	return nil
}

// EndRequest releases an in-flight registration.
func (s *Session) EndRequest() {
	s.inflight.Done()
}

// activate transitions Uninitialized → Active.
func (s *Session) activate() {
	s.mu.Lock()
	if s.state == StateUninitialized {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// beginClose transitions to Closing. Reports false if already past Active.
func (s *Session) beginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return false
	}
	s.state = StateClosing
	return true
}

// finishClose waits up to grace for in-flight requests bound to the session,
// then marks it Closed. Returns false if the grace period expired with work
// still running; the session is closed regardless.
func (s *Session) finishClose(grace time.Duration) bool {
	drained := waitTimeout(&s.inflight, grace)
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return drained
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if d <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// Push serializes a notification frame onto the session's ordered push
// channel. Concurrent callers are serialized by the per-session write mutex.
func (s *Session) Push(ctx context.Context, method wire.Method, params any) error {
	if s.host == nil {
		// Stateless sessions have no push channel; drop silently so handler
		// code can report progress without caring about mode.
		return nil
	}
	req, err := jsonrpc.NewRequest(nil, string(method), params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.host.PublishSession(ctx, s.id, b)
	return err
}

// Stream delivers the session's push channel to handler, resuming after
// lastEventID when set. Blocks until ctx ends, the handler errors, or the
// session is cleaned up.
func (s *Session) Stream(ctx context.Context, lastEventID string, handler MessageHandlerFunction) error {
	if s.host == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.host.SubscribeSession(ctx, s.id, lastEventID, handler)
}
