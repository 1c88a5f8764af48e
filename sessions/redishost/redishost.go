// Package redishost provides a Redis-streams-backed sessions.SessionHost so
// the stateful transport can run behind a load balancer: any node can accept
// a request for a session whose push channel lives in Redis.
package redishost

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/toolhost/toolhost-go/sessions"
)

var _ sessions.SessionHost = (*Host)(nil)

// Config for the Redis-backed SessionHost. Defaults load via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TOOLHOST_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"TOOLHOST_SESSIONS_KEY_PREFIX,default=toolhost:sessions:"`
	// StreamTTL bounds how long an idle session stream is retained.
	// ENV: TOOLHOST_SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"TOOLHOST_SESSIONS_STREAM_TTL,default=1h"`
}

// Host is a Redis-streams SessionHost.
type Host struct {
	client    *redis.Client
	keyPrefix string
	streamTTL time.Duration
}

// New constructs a Host and verifies connectivity with a ping.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "toolhost:sessions:"
	}
	ttl := cfg.StreamTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Host{client: cl, keyPrefix: prefix, streamTTL: ttl}, nil
}

// NewFromEnv builds a Host with Config populated from the environment.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redishost config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

// OpenSession is a no-op: streams are created lazily on first publish and a
// stream recreated by a publish after cleanup expires via the stream TTL.
func (h *Host) OpenSession(ctx context.Context, sessionID string) error { return nil }

// PublishSession appends data to the session's stream. Redis assigns the
// monotonic event id.
func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	key := h.streamKey(sessionID)
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	// Refresh retention on every write; idle streams expire on their own.
	_ = h.client.Expire(ctx, key, h.streamTTL).Err()
	return id, nil
}

// SubscribeSession tails the session stream with blocking reads, resuming
// after lastEventID when provided.
func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	cursor := lastEventID
	if cursor == "" {
		cursor = "$"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread %s: %w", key, err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				cursor = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = fmt.Appendf(nil, "%v", v)
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

// CleanupSession deletes the session stream. Best-effort: the stream also
// expires via TTL.
func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := h.client.Del(c, h.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", h.streamKey(sessionID), err)
	}
	return nil
}
