package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
)

// CursorStore keeps poll cursors in memory.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewCursorStore returns an empty CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]uint64)}
}

// GetCursor returns domain.ErrNotFound when key was never saved.
func (c *CursorStore) GetCursor(_ context.Context, key string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cursors[key]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

// SaveCursor stores block unless a larger value is already stored.
func (c *CursorStore) SaveCursor(_ context.Context, key string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.cursors[key]; ok && cur > block {
		return nil
	}
	c.cursors[key] = block
	return nil
}

// ProfileStore is a fixed set of profiles.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[domain.Address]domain.Profile
}

// NewProfileStore returns a ProfileStore seeded with profiles.
func NewProfileStore(profiles ...domain.Profile) *ProfileStore {
	ps := &ProfileStore{profiles: make(map[domain.Address]domain.Profile)}
	for _, p := range profiles {
		ps.profiles[p.WalletAddress] = p
	}
	return ps
}

// Put adds or replaces a profile.
func (p *ProfileStore) Put(profile domain.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[profile.WalletAddress] = profile
}

// GetProfiles returns the known profiles among wallets.
func (p *ProfileStore) GetProfiles(_ context.Context, wallets []domain.Address) (map[domain.Address]domain.Profile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[domain.Address]domain.Profile, len(wallets))
	for _, w := range wallets {
		if prof, ok := p.profiles[w]; ok {
			out[w] = prof
		}
	}
	return out, nil
}

// AuditStore is an in-memory append-only log.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends an entry.
func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	out := make([]domain.AuditEntry, len(a.entries))
	copy(out, a.entries)
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, opts), nil
}

var (
	_ domain.CursorStore  = (*CursorStore)(nil)
	_ domain.ProfileStore = (*ProfileStore)(nil)
	_ domain.AuditStore   = (*AuditStore)(nil)
)
