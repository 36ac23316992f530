package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/habitplatform/matchsync/internal/domain"
)

// ProfileStore reads the users table owned by the onboarding flow.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a ProfileStore backed by pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

// GetProfiles returns the profiles that exist among wallets. Wallet addresses
// written by the onboarding flow may not be lowercased, so the comparison is
// on lower(wallet_address).
func (s *ProfileStore) GetProfiles(ctx context.Context, wallets []domain.Address) (map[domain.Address]domain.Profile, error) {
	out := make(map[domain.Address]domain.Profile, len(wallets))
	if len(wallets) == 0 {
		return out, nil
	}

	keys := make([]string, len(wallets))
	for i, w := range wallets {
		keys[i] = w.String()
	}

	const query = `
		SELECT lower(wallet_address), name, role, avatar_url, bio
		FROM users
		WHERE lower(wallet_address) = ANY($1)`

	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("postgres: get profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      domain.Profile
			wallet string
		)
		if err := rows.Scan(&wallet, &p.Name, &p.Role, &p.AvatarURL, &p.Bio); err != nil {
			return nil, fmt.Errorf("postgres: scan profile: %w", err)
		}
		addr, err := domain.ParseAddress(wallet)
		if err != nil {
			continue
		}
		p.WalletAddress = addr
		out[addr] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get profiles rows: %w", err)
	}
	return out, nil
}

var _ domain.ProfileStore = (*ProfileStore)(nil)
