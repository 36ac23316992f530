package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/habitplatform/matchsync/internal/domain"
)

// CursorStore implements domain.CursorStore on sync_cursors.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a CursorStore backed by pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// GetCursor returns domain.ErrNotFound when key was never saved.
func (s *CursorStore) GetCursor(ctx context.Context, key string) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT last_block FROM sync_cursors WHERE key = $1`, key).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get cursor %s: %w", key, err)
	}
	return uint64(block), nil
}

// SaveCursor stores block unless a larger value is already stored.
func (s *CursorStore) SaveCursor(ctx context.Context, key string, block uint64) error {
	const query = `
		INSERT INTO sync_cursors (key, last_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = NOW()
		WHERE sync_cursors.last_block <= EXCLUDED.last_block`

	if _, err := s.pool.Exec(ctx, query, key, int64(block)); err != nil {
		return fmt.Errorf("postgres: save cursor %s=%d: %w", key, block, err)
	}
	return nil
}

var _ domain.CursorStore = (*CursorStore)(nil)
