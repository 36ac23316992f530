package domain

import (
	"context"
	"time"
)

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long a denied caller should wait; zero when unknown.
	RetryAfter time.Duration
}

// RateLimiter admits requests into a shared sliding window per bucket.
type RateLimiter interface {
	Allow(ctx context.Context, bucket string, limit int, window time.Duration) (RateDecision, error)
}

// LockManager hands out exclusive leases that expire after ttl.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRevRange(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}

// Message is a pub/sub delivery with the concrete channel it arrived on, which
// matters for pattern subscriptions.
type Message struct {
	Channel string
	Payload []byte
}
