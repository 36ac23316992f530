package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1]. A holder
// whose lease expired must not delete the next holder's lease.
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseTimeout bounds the release call, which runs on a fresh context
// because the caller's is usually cancelled by then.
const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager as leases under "lease:<key>".
// The lease value names the holder so operators can see which replica owns
// the poller.
type LockManager struct {
	rdb    *redis.Client
	holder string
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &LockManager{rdb: c.Underlying(), holder: fmt.Sprintf("%s/%d", host, os.Getpid())}
}

// Acquire takes the lease for key or fails with domain.ErrLockHeld, wrapped
// with the current holder's identity. The returned release is safe to call
// more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lease := "lease:" + key
	token := lm.holder + "/" + uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, lease, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", key, err)
	}
	if !ok {
		owner, err := lm.rdb.Get(ctx, lease).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			owner = "unknown"
		}
		return nil, fmt.Errorf("redis: acquire %s: %w (holder %s)", key, domain.ErrLockHeld, owner)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseIfOwner.Run(rctx, lm.rdb, []string{lease}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
