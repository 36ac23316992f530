// Package memory implements the mirror, cursor, profile and audit stores in
// process memory. It keeps the same uniqueness and conditional-update
// semantics as the Postgres store and backs tests and local runs.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
)

type matchKey struct{ a, b domain.Address }

// Store is a mutex-guarded mirror store.
type Store struct {
	mu      sync.Mutex
	stakes  map[domain.Pair]domain.StakeRecord
	matches map[matchKey]domain.MatchRecord
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		stakes:  make(map[domain.Pair]domain.StakeRecord),
		matches: make(map[matchKey]domain.MatchRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func copyStake(r domain.StakeRecord) domain.StakeRecord {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	if r.MatchedAt != nil {
		t := *r.MatchedAt
		r.MatchedAt = &t
	}
	return r
}

// GetStake returns the row for (staker, target).
func (s *Store) GetStake(_ context.Context, staker, target domain.Address) (domain.StakeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stakes[domain.Pair{Staker: staker, Target: target}]
	if !ok {
		return domain.StakeRecord{}, domain.ErrNotFound
	}
	return copyStake(rec), nil
}

// UpsertStake inserts rec as Pending or overwrites the stored row when rec's
// position is not older. A new transaction arriving after a terminal status
// resets the row to Pending.
func (s *Store) UpsertStake(_ context.Context, rec domain.StakeRecord) (domain.StakeRecord, error) {
	if rec.Staker.IsZero() || rec.Target.IsZero() {
		return domain.StakeRecord{}, fmt.Errorf("memory: upsert stake: %w", domain.ErrInvalidAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Pair()
	now := s.now()
	existing, ok := s.stakes[key]
	if !ok {
		rec = copyStake(rec)
		rec.Status = domain.StakeStatusPending
		rec.MatchedAt = nil
		rec.UpdatedAt = now
		s.stakes[key] = rec
		return copyStake(rec), nil
	}

	if rec.Position.Before(existing.Position) {
		return copyStake(existing), nil
	}

	next := existing
	next.Amount = rec.Amount
	next.CreatedAt = rec.CreatedAt
	next.Position = rec.Position
	if existing.Status.IsTerminal() && existing.TxHash != rec.TxHash {
		next.Status = domain.StakeStatusPending
		next.MatchedAt = nil
	}
	next.TxHash = rec.TxHash
	next.UpdatedAt = now
	next = copyStake(next)
	s.stakes[key] = next
	return copyStake(next), nil
}

// UpdateStatus moves the row from -> to only when it is currently from.
func (s *Store) UpdateStatus(_ context.Context, staker, target domain.Address, from, to domain.StakeStatus, at time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("memory: update status %s -> %s: %w", from, to, domain.ErrIllegalTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.Pair{Staker: staker, Target: target}
	rec, ok := s.stakes[key]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	if to == domain.StakeStatusMatched {
		t := at.UTC()
		rec.MatchedAt = &t
	}
	rec.UpdatedAt = s.now()
	s.stakes[key] = rec
	return true, nil
}

// InsertMatchIfAbsent stores m unless the pair already has a match.
func (s *Store) InsertMatchIfAbsent(_ context.Context, m domain.MatchRecord) (bool, error) {
	if !m.UserA.Less(m.UserB) {
		return false, fmt.Errorf("memory: insert match: pair %s/%s is not canonical", m.UserA, m.UserB)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := matchKey{m.UserA, m.UserB}
	if _, ok := s.matches[key]; ok {
		return false, nil
	}
	m.CreatedAt = s.now()
	s.matches[key] = m
	return true, nil
}

// GetMatch returns the match for the unordered pair.
func (s *Store) GetMatch(_ context.Context, a, b domain.Address) (domain.MatchRecord, error) {
	lo, hi := domain.CanonicalPair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchKey{lo, hi}]
	if !ok {
		return domain.MatchRecord{}, domain.ErrNotFound
	}
	return m, nil
}

// ListByStaker returns outgoing stakes, newest first.
func (s *Store) ListByStaker(_ context.Context, staker domain.Address, opts domain.ListOpts) ([]domain.StakeRecord, error) {
	return s.listStakes(func(r domain.StakeRecord) bool { return r.Staker == staker }, opts, newestFirst), nil
}

// ListByTarget returns incoming stakes, newest first.
func (s *Store) ListByTarget(_ context.Context, target domain.Address, opts domain.ListOpts) ([]domain.StakeRecord, error) {
	return s.listStakes(func(r domain.StakeRecord) bool { return r.Target == target }, opts, newestFirst), nil
}

// ListByStatus returns stakes in status, least recently updated first.
func (s *Store) ListByStatus(_ context.Context, status domain.StakeStatus, opts domain.ListOpts) ([]domain.StakeRecord, error) {
	opts.Status = status
	return s.listStakes(func(domain.StakeRecord) bool { return true }, opts, stalestFirst), nil
}

func newestFirst(a, b domain.StakeRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return b.Position.Before(a.Position)
}

func stalestFirst(a, b domain.StakeRecord) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	return a.Position.Before(b.Position)
}

func (s *Store) listStakes(match func(domain.StakeRecord) bool, opts domain.ListOpts, less func(a, b domain.StakeRecord) bool) []domain.StakeRecord {
	s.mu.Lock()
	var out []domain.StakeRecord
	for _, r := range s.stakes {
		if !match(r) {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, copyStake(r))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return paginate(out, opts)
}

// ListMatches returns every match user takes part in, newest first.
func (s *Store) ListMatches(_ context.Context, user domain.Address, opts domain.ListOpts) ([]domain.MatchRecord, error) {
	s.mu.Lock()
	var out []domain.MatchRecord
	for _, m := range s.matches {
		if m.UserA == user || m.UserB == user {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	return paginate(out, opts), nil
}

// MatchCount returns the number of stored matches.
func (s *Store) MatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matches)
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var _ domain.MirrorStore = (*Store)(nil)
