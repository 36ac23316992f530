package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/habitplatform/matchsync/internal/domain"
)

// StakeStore implements domain.MirrorStore on the stakes and matches tables.
type StakeStore struct {
	pool *pgxpool.Pool
}

// NewStakeStore creates a StakeStore backed by pool.
func NewStakeStore(pool *pgxpool.Pool) *StakeStore {
	return &StakeStore{pool: pool}
}

const stakeSelectCols = `staker, target, amount::text, status, created_at, matched_at,
	tx_hash, block_number, log_index, updated_at`

func scanStake(row pgx.Row) (domain.StakeRecord, error) {
	var (
		rec            domain.StakeRecord
		staker, target string
		amount, status string
		block          int64
		logIndex       int32
	)
	if err := row.Scan(&staker, &target, &amount, &status, &rec.CreatedAt, &rec.MatchedAt,
		&rec.TxHash, &block, &logIndex, &rec.UpdatedAt); err != nil {
		return domain.StakeRecord{}, err
	}

	var err error
	if rec.Staker, err = domain.ParseAddress(staker); err != nil {
		return domain.StakeRecord{}, err
	}
	if rec.Target, err = domain.ParseAddress(target); err != nil {
		return domain.StakeRecord{}, err
	}
	if rec.Status, err = domain.ParseStakeStatus(status); err != nil {
		return domain.StakeRecord{}, err
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.StakeRecord{}, fmt.Errorf("invalid amount %q", amount)
	}
	rec.Amount = amt
	rec.Position = domain.LogPosition{Block: uint64(block), LogIndex: uint(logIndex)}
	return rec, nil
}

func scanStakeRows(rows pgx.Rows) ([]domain.StakeRecord, error) {
	defer rows.Close()
	var out []domain.StakeRecord
	for rows.Next() {
		rec, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetStake returns the row for (staker, target) or domain.ErrNotFound.
func (s *StakeStore) GetStake(ctx context.Context, staker, target domain.Address) (domain.StakeRecord, error) {
	query := `SELECT ` + stakeSelectCols + ` FROM stakes WHERE staker = $1 AND target = $2`
	rec, err := scanStake(s.pool.QueryRow(ctx, query, staker.String(), target.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StakeRecord{}, domain.ErrNotFound
		}
		return domain.StakeRecord{}, fmt.Errorf("postgres: get stake %s->%s: %w", staker, target, err)
	}
	return rec, nil
}

// UpsertStake inserts a Pending row or overwrites the stored one when the
// incoming event is not older. A replay of the same transaction never changes
// status; a new transaction after a terminal status restarts the lifecycle.
func (s *StakeStore) UpsertStake(ctx context.Context, rec domain.StakeRecord) (domain.StakeRecord, error) {
	if rec.Staker.IsZero() || rec.Target.IsZero() {
		return domain.StakeRecord{}, fmt.Errorf("postgres: upsert stake: %w", domain.ErrInvalidAddress)
	}

	query := `
		INSERT INTO stakes (staker, target, amount, status, created_at, tx_hash, block_number, log_index, updated_at)
		VALUES ($1, $2, $3::numeric, 'pending', $4, $5, $6, $7, NOW())
		ON CONFLICT (staker, target) DO UPDATE SET
			amount       = EXCLUDED.amount,
			created_at   = EXCLUDED.created_at,
			block_number = EXCLUDED.block_number,
			log_index    = EXCLUDED.log_index,
			status       = CASE
				WHEN stakes.status IN ('refunded', 'released') AND stakes.tx_hash <> EXCLUDED.tx_hash
				THEN 'pending' ELSE stakes.status END,
			matched_at   = CASE
				WHEN stakes.status IN ('refunded', 'released') AND stakes.tx_hash <> EXCLUDED.tx_hash
				THEN NULL ELSE stakes.matched_at END,
			tx_hash      = EXCLUDED.tx_hash,
			updated_at   = NOW()
		WHERE (EXCLUDED.block_number, EXCLUDED.log_index) >= (stakes.block_number, stakes.log_index)
		RETURNING ` + stakeSelectCols

	stored, err := scanStake(s.pool.QueryRow(ctx, query,
		rec.Staker.String(), rec.Target.String(), rec.AmountString(), rec.CreatedAt.UTC(),
		rec.TxHash, int64(rec.Position.Block), int32(rec.Position.LogIndex),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// The stored row is newer; the conflict update was skipped.
		return s.GetStake(ctx, rec.Staker, rec.Target)
	}
	if err != nil {
		return domain.StakeRecord{}, fmt.Errorf("postgres: upsert stake %s: %w", rec.Pair(), err)
	}
	return stored, nil
}

// UpdateStatus sets to only when the current status is from.
func (s *StakeStore) UpdateStatus(ctx context.Context, staker, target domain.Address, from, to domain.StakeStatus, at time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("postgres: update status %s -> %s: %w", from, to, domain.ErrIllegalTransition)
	}

	const query = `
		UPDATE stakes SET
			status     = $4,
			matched_at = CASE WHEN $4 = 'matched' THEN $5 ELSE matched_at END,
			updated_at = NOW()
		WHERE staker = $1 AND target = $2 AND status = $3`

	tag, err := s.pool.Exec(ctx, query, staker.String(), target.String(), string(from), string(to), at.UTC())
	if err != nil {
		return false, fmt.Errorf("postgres: update stake %s->%s %s -> %s: %w", staker, target, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertMatchIfAbsent relies on the matches_pair_unique constraint; the
// losing writer sees no returned row.
func (s *StakeStore) InsertMatchIfAbsent(ctx context.Context, m domain.MatchRecord) (bool, error) {
	if !m.UserA.Less(m.UserB) {
		return false, fmt.Errorf("postgres: insert match: pair %s/%s is not canonical", m.UserA, m.UserB)
	}

	const query = `
		INSERT INTO matches (user_a, user_b, matched_at, chat_room_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_a, user_b) DO NOTHING
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query, m.UserA.String(), m.UserB.String(), m.MatchedAt.UTC(), m.ChatRoomID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: insert match %s: %w", m.ChatRoomID, err)
	}
	return true, nil
}

// ListByStaker returns outgoing stakes, newest first.
func (s *StakeStore) ListByStaker(ctx context.Context, staker domain.Address, opts domain.ListOpts) ([]domain.StakeRecord, error) {
	return s.list(ctx, "staker = $1", staker.String(), opts, "created_at DESC, block_number DESC, log_index DESC")
}

// ListByTarget returns incoming stakes, newest first.
func (s *StakeStore) ListByTarget(ctx context.Context, target domain.Address, opts domain.ListOpts) ([]domain.StakeRecord, error) {
	return s.list(ctx, "target = $1", target.String(), opts, "created_at DESC, block_number DESC, log_index DESC")
}

// ListByStatus returns rows in status, least recently updated first.
func (s *StakeStore) ListByStatus(ctx context.Context, status domain.StakeStatus, opts domain.ListOpts) ([]domain.StakeRecord, error) {
	opts.Status = ""
	return s.list(ctx, "status = $1", string(status), opts, "updated_at ASC, block_number ASC, log_index ASC")
}

func (s *StakeStore) list(ctx context.Context, where string, key any, opts domain.ListOpts, order string) ([]domain.StakeRecord, error) {
	query := `SELECT ` + stakeSelectCols + ` FROM stakes WHERE ` + where
	args := []any{key}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY " + order
	query, args = appendPaging(query, args, argIdx, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stakes: %w", err)
	}
	out, err := scanStakeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stakes: %w", err)
	}
	return out, nil
}

func appendPaging(query string, args []any, argIdx int, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

var _ domain.MirrorStore = (*StakeStore)(nil)
