package sessions

import "context"

// MessageHandlerFunction handles ordered messages for a session's push
// stream. A returned error terminates the subscription with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SessionHost is the backing store for per-session push-channel messaging.
// Messages published to a session id are delivered in order to any
// subscriber; lastEventID allows a reconnecting subscriber to resume.
// Implementations must be safe for concurrent use; the in-memory host serves
// single-node deployments and the Redis host serves horizontal scale.
type SessionHost interface {
	// OpenSession prepares the session's message log. Hosts that track logs
	// in process refuse publishes and subscribes for ids that were never
	// opened or were already cleaned up, so a straggling publish cannot
	// recreate a discarded session.
	OpenSession(ctx context.Context, sessionID string) error
	// PublishSession appends data to the session's ordered message log and
	// returns the assigned event id.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers messages after lastEventID (or only new
	// messages when empty) until ctx ends or the handler errors.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession discards the session's log and wakes any subscribers.
	CleanupSession(ctx context.Context, sessionID string) error
}
