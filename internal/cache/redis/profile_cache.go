package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultProfileTTL = 5 * time.Minute

// ProfileCache is a read-through cache in front of a domain.ProfileStore.
// Profiles are owned by another system and change rarely, so a short TTL is
// the only invalidation.
//
// Key schema:
//
//	profile:{address} - JSON-encoded domain.Profile
type ProfileCache struct {
	rdb  *redis.Client
	next domain.ProfileStore
	ttl  time.Duration
}

// NewProfileCache wraps next. A non-positive ttl selects the default.
func NewProfileCache(c *Client, next domain.ProfileStore, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	return &ProfileCache{rdb: c.Underlying(), next: next, ttl: ttl}
}

func profileKey(a domain.Address) string { return "profile:" + a.String() }

// GetProfiles serves hits from Redis and fetches misses from the backing
// store in one call. Cache failures degrade to the backing store.
func (pc *ProfileCache) GetProfiles(ctx context.Context, wallets []domain.Address) (map[domain.Address]domain.Profile, error) {
	out := make(map[domain.Address]domain.Profile, len(wallets))
	if len(wallets) == 0 {
		return out, nil
	}

	keys := make([]string, len(wallets))
	for i, w := range wallets {
		keys[i] = profileKey(w)
	}

	var misses []domain.Address
	vals, err := pc.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		misses = wallets
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				misses = append(misses, wallets[i])
				continue
			}
			var p domain.Profile
			if err := json.Unmarshal([]byte(s), &p); err != nil {
				misses = append(misses, wallets[i])
				continue
			}
			out[wallets[i]] = p
		}
	}

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := pc.next.GetProfiles(ctx, misses)
	if err != nil {
		return nil, err
	}

	pipe := pc.rdb.Pipeline()
	for addr, p := range fetched {
		out[addr] = p
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("redis: marshal profile %s: %w", addr, err)
		}
		pipe.Set(ctx, profileKey(addr), data, pc.ttl)
	}
	// Best effort; the caller already has the data.
	_, _ = pipe.Exec(ctx)

	return out, nil
}

var _ domain.ProfileStore = (*ProfileCache)(nil)
