package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/habitplatform/matchsync/internal/domain"
)

const matchSelectCols = `user_a, user_b, matched_at, chat_room_id, created_at`

func scanMatch(row pgx.Row) (domain.MatchRecord, error) {
	var (
		m            domain.MatchRecord
		userA, userB string
	)
	if err := row.Scan(&userA, &userB, &m.MatchedAt, &m.ChatRoomID, &m.CreatedAt); err != nil {
		return domain.MatchRecord{}, err
	}
	var err error
	if m.UserA, err = domain.ParseAddress(userA); err != nil {
		return domain.MatchRecord{}, err
	}
	if m.UserB, err = domain.ParseAddress(userB); err != nil {
		return domain.MatchRecord{}, err
	}
	return m, nil
}

// GetMatch returns the match for the unordered pair or domain.ErrNotFound.
func (s *StakeStore) GetMatch(ctx context.Context, a, b domain.Address) (domain.MatchRecord, error) {
	lo, hi := domain.CanonicalPair(a, b)
	query := `SELECT ` + matchSelectCols + ` FROM matches WHERE user_a = $1 AND user_b = $2`

	m, err := scanMatch(s.pool.QueryRow(ctx, query, lo.String(), hi.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MatchRecord{}, domain.ErrNotFound
		}
		return domain.MatchRecord{}, fmt.Errorf("postgres: get match %s: %w", domain.ChatRoomID(lo, hi), err)
	}
	return m, nil
}

// ListMatches returns the matches user takes part in, newest first.
func (s *StakeStore) ListMatches(ctx context.Context, user domain.Address, opts domain.ListOpts) ([]domain.MatchRecord, error) {
	query := `SELECT ` + matchSelectCols + ` FROM matches WHERE (user_a = $1 OR user_b = $1)`
	args := []any{user.String()}
	argIdx := 2
	if opts.Since != nil {
		query += fmt.Sprintf(" AND matched_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	query += " ORDER BY matched_at DESC"
	query, args = appendPaging(query, args, argIdx, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches for %s: %w", user, err)
	}
	defer rows.Close()

	var out []domain.MatchRecord
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list matches rows: %w", err)
	}
	return out, nil
}
