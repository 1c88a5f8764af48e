// Package sessions owns the session model for the toolhost runtime: the
// session-id-to-channel mapping, per-mode lifecycle rules, per-session write
// serialization, and idle/shutdown cleanup. The session map held by the
// Manager is the runtime's only cross-request shared mutable state.
package sessions

import "errors"

// Mode is the transport mode a session is bound to.
type Mode string

const (
	// ModeStateful sessions are created by a handshake and shared by every
	// later request bearing their id.
	ModeStateful Mode = "stateful"
	// ModeStateless sessions are synthesized per request and discarded after
	// the reply; their id is never surfaced.
	ModeStateless Mode = "stateless"
	// ModePipe is the single implicit session for the process lifetime.
	ModePipe Mode = "pipe"
)

// State is a session lifecycle state. Transitions only move forward:
// Uninitialized → Active → Closing → Closed.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed indicates a request arrived for a session that is
	// closing or closed.
	ErrSessionClosed = errors.New("session is closed")
)
