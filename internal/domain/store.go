package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Status StakeStatus // empty means any status
	Since  *time.Time
	Until  *time.Time
}

// StakeStatusStore is the mirror's synchronization surface. All concurrency
// correctness of the engine is pushed down into these primitives.
type StakeStatusStore interface {
	// GetStake returns ErrNotFound when no row exists for the pair.
	GetStake(ctx context.Context, staker, target Address) (StakeRecord, error)
	// UpsertStake inserts the record as Pending or overwrites an existing row
	// with fields from a not-older event. It returns the stored row.
	UpsertStake(ctx context.Context, rec StakeRecord) (StakeRecord, error)
	// UpdateStatus sets to only when the current status is from. It reports
	// whether the row changed.
	UpdateStatus(ctx context.Context, staker, target Address, from, to StakeStatus, at time.Time) (bool, error)
	// InsertMatchIfAbsent creates the match unless one exists for the pair,
	// and reports whether this call created it.
	InsertMatchIfAbsent(ctx context.Context, m MatchRecord) (bool, error)
}

// StakeQueryStore serves read-side lookups for presentation collaborators.
type StakeQueryStore interface {
	ListByStaker(ctx context.Context, staker Address, opts ListOpts) ([]StakeRecord, error)
	ListByTarget(ctx context.Context, target Address, opts ListOpts) ([]StakeRecord, error)
	ListByStatus(ctx context.Context, status StakeStatus, opts ListOpts) ([]StakeRecord, error)
	GetMatch(ctx context.Context, a, b Address) (MatchRecord, error)
	ListMatches(ctx context.Context, user Address, opts ListOpts) ([]MatchRecord, error)
}

// MirrorStore is everything the engine and the API need from the mirror.
type MirrorStore interface {
	StakeStatusStore
	StakeQueryStore
}

// CursorStore persists the poll cursor per (chain, contract) key.
type CursorStore interface {
	// GetCursor returns ErrNotFound when no cursor was ever saved.
	GetCursor(ctx context.Context, key string) (uint64, error)
	// SaveCursor stores block unless a larger value is already stored.
	SaveCursor(ctx context.Context, key string, block uint64) error
}

// ProfileStore reads profiles for joins.
type ProfileStore interface {
	GetProfiles(ctx context.Context, wallets []Address) (map[Address]Profile, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
