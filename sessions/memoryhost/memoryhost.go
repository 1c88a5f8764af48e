// Package memoryhost provides an in-memory sessions.SessionHost for
// single-node deployments and tests.
package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/toolhost/toolhost-go/sessions"
)

var _ sessions.SessionHost = (*Host)(nil)

// Host is an in-memory SessionHost. Each session keeps an ordered message
// log so late or reconnecting subscribers can resume from a last event id.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
	counter  atomic.Int64
}

type sessionLog struct {
	mu          sync.Mutex
	messages    []message
	subscribers map[*subscriber]struct{}
	closed      bool
}

type message struct {
	id   string
	data []byte
}

type subscriber struct {
	ch   chan message
	done chan struct{}
}

// New constructs an empty Host.
func New() *Host {
	return &Host{sessions: make(map[string]*sessionLog)}
}

// OpenSession creates the session's message log. Logs exist only between
// OpenSession and CleanupSession: a publish or subscribe outside that window
// is refused, so a straggling push after cleanup cannot recreate the log.
func (h *Host) OpenSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = &sessionLog{subscribers: make(map[*subscriber]struct{})}
	}
	return nil
}

func (h *Host) lookup(sessionID string) (*sessionLog, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sl, ok := h.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, sessions.ErrSessionNotFound)
	}
	return sl, nil
}

// PublishSession appends data to the session log and fans it out to live
// subscribers in order.
func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	msg := message{
		id:   strconv.FormatInt(h.counter.Add(1), 10),
		data: append([]byte(nil), data...),
	}

	sl, err := h.lookup(sessionID)
	if err != nil {
		return "", err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed {
		return "", fmt.Errorf("session %s: log closed", sessionID)
	}
	sl.messages = append(sl.messages, msg)
	for sub := range sl.subscribers {
		// Buffered per subscriber; a subscriber that can't keep up is
		// detached rather than blocking the publisher.
		select {
		case sub.ch <- msg:
		default:
			delete(sl.subscribers, sub)
			close(sub.done)
		}
	}
	return msg.id, nil
}

// SubscribeSession replays messages after lastEventID, then delivers new
// messages until ctx ends, the handler errors, or the session is cleaned up.
func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sl, err := h.lookup(sessionID)
	if err != nil {
		return err
	}

	sub := &subscriber{ch: make(chan message, 64), done: make(chan struct{})}

	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return fmt.Errorf("session %s: log closed", sessionID)
	}
	start := len(sl.messages)
	if lastEventID != "" {
		found := false
		for i := range sl.messages {
			if sl.messages[i].id == lastEventID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			sl.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
	}
	replay := make([]message, len(sl.messages)-start)
	copy(replay, sl.messages[start:])
	sl.subscribers[sub] = struct{}{}
	sl.mu.Unlock()

	defer func() {
		sl.mu.Lock()
		delete(sl.subscribers, sub)
		sl.mu.Unlock()
	}()

	for _, m := range replay {
		if err := handler(ctx, m.id, m.data); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return nil
		case m := <-sub.ch:
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
		}
	}
}

// CleanupSession discards the log and wakes subscribers with a clean stop.
func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	sl, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	sl.mu.Lock()
	sl.closed = true
	for sub := range sl.subscribers {
		delete(sl.subscribers, sub)
		close(sub.done)
	}
	sl.mu.Unlock()
	return nil
}
