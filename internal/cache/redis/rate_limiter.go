package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

var slidingWindow = redis.NewScript(slidingWindowLua)

// RateLimiter implements domain.RateLimiter with one sorted set per bucket
// under the "rl:" namespace, so every API replica shares the same window.
type RateLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), now: time.Now}
}

// Allow admits one request into the bucket's window if it has room.
func (rl *RateLimiter) Allow(ctx context.Context, bucket string, limit int, window time.Duration) (domain.RateDecision, error) {
	now := rl.now().UnixMicro()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, rl.rdb, []string{"rl:" + bucket},
		now, window.Microseconds(), limit, member).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", bucket, err)
	}
	if len(res) != 3 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: got %d values from script", bucket, len(res))
	}
	return decide(res[0] == 1, int(res[1]), res[2], now, limit, window), nil
}

// decide turns the script's reply into a decision. A denied caller waits
// until the oldest request in the window ages out.
func decide(admitted bool, used int, oldest, now int64, limit int, window time.Duration) domain.RateDecision {
	d := domain.RateDecision{Allowed: admitted, Remaining: max(0, limit-used)}
	if !admitted && oldest > 0 {
		wait := time.Duration(oldest+window.Microseconds()-now) * time.Microsecond
		d.RetryAfter = max(wait, 0)
	}
	return d
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
