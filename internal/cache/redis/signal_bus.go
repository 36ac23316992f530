package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// streamMaxLen caps cycle-report streams; trimming is approximate.
	streamMaxLen int64 = 1000
	// subscriberBuffer is the per-subscription delivery backlog.
	subscriberBuffer = 128
	payloadField     = "payload"
)

// SignalBus implements domain.SignalBus. Stake and match notifications use
// Pub/Sub and cycle reports use a capped stream.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on every matching channel when it is a
// glob such as "ch:match:*". Deliveries carry the concrete channel. The
// returned channel closes once ctx ends or the connection is torn down.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.Message, error) {
	subscribe := sb.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = sb.rdb.PSubscribe
	}
	ps := subscribe(ctx, channel)

	// Wait for the confirmation so publishes after return are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan domain.Message, subscriberBuffer)
	go relay(ctx, ps, out)
	return out, nil
}

func relay(ctx context.Context, ps *redis.PubSub, out chan<- domain.Message) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel(redis.WithChannelSize(subscriberBuffer))
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- domain.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return
		}
	}
}

// StreamAppend adds payload to stream and trims it to about streamMaxLen.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// StreamRevRange returns up to count entries, newest first. Entries without
// a payload field are skipped.
func (sb *SignalBus) StreamRevRange(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	entries, err := sb.rdb.XRevRangeN(ctx, stream, "+", "-", int64(count)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xrevrange %s: %w", stream, err)
	}

	out := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		if data, ok := payloadOf(e); ok {
			out = append(out, domain.StreamMessage{ID: e.ID, Payload: data})
		}
	}
	return out, nil
}

func payloadOf(e redis.XMessage) ([]byte, bool) {
	switch v := e.Values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}

var _ domain.SignalBus = (*SignalBus)(nil)
