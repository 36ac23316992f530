package service

import (
	"context"
	"fmt"

	"github.com/habitplatform/matchsync/internal/domain"
)

// QueryService serves read-side lookups for presentation collaborators:
// mirror reads joined with profiles, and direct ledger reads.
type QueryService struct {
	store    domain.StakeQueryStore
	profiles domain.ProfileStore
	reader   domain.ChainStakeReader
}

// NewQueryService creates a QueryService. profiles and reader may be nil.
func NewQueryService(store domain.StakeQueryStore, profiles domain.ProfileStore, reader domain.ChainStakeReader) *QueryService {
	return &QueryService{store: store, profiles: profiles, reader: reader}
}

// Incoming returns stakes targeting addr with each staker's profile.
func (q *QueryService) Incoming(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.StakeView, error) {
	stakes, err := q.store.ListByTarget(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("service: incoming stakes for %s: %w", addr, err)
	}
	return q.stakeViews(ctx, stakes, func(r domain.StakeRecord) domain.Address { return r.Staker })
}

// Outgoing returns stakes placed by addr with each target's profile.
func (q *QueryService) Outgoing(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.StakeView, error) {
	stakes, err := q.store.ListByStaker(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("service: outgoing stakes for %s: %w", addr, err)
	}
	return q.stakeViews(ctx, stakes, func(r domain.StakeRecord) domain.Address { return r.Target })
}

func (q *QueryService) stakeViews(ctx context.Context, stakes []domain.StakeRecord, other func(domain.StakeRecord) domain.Address) ([]domain.StakeView, error) {
	wallets := make([]domain.Address, 0, len(stakes))
	for _, s := range stakes {
		wallets = append(wallets, other(s))
	}
	profiles, err := q.lookup(ctx, wallets)
	if err != nil {
		return nil, err
	}

	views := make([]domain.StakeView, len(stakes))
	for i, s := range stakes {
		views[i] = domain.StakeView{Stake: s, Profile: profileRef(profiles, other(s))}
	}
	return views, nil
}

// Matches returns the matches addr takes part in with both profiles.
func (q *QueryService) Matches(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.MatchView, error) {
	matches, err := q.store.ListMatches(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("service: matches for %s: %w", addr, err)
	}
	wallets := make([]domain.Address, 0, 2*len(matches))
	for _, m := range matches {
		wallets = append(wallets, m.UserA, m.UserB)
	}
	profiles, err := q.lookup(ctx, wallets)
	if err != nil {
		return nil, err
	}

	views := make([]domain.MatchView, len(matches))
	for i, m := range matches {
		views[i] = domain.MatchView{
			Match:    m,
			ProfileA: profileRef(profiles, m.UserA),
			ProfileB: profileRef(profiles, m.UserB),
		}
	}
	return views, nil
}

// LedgerStake reads a stake straight from the ledger.
func (q *QueryService) LedgerStake(ctx context.Context, staker, target domain.Address) (domain.LedgerStake, error) {
	if q.reader == nil {
		return domain.LedgerStake{}, fmt.Errorf("service: ledger reads disabled")
	}
	return q.reader.GetStatus(ctx, staker, target)
}

// LedgerMatch reads a pair's match state straight from the ledger.
func (q *QueryService) LedgerMatch(ctx context.Context, a, b domain.Address) (domain.LedgerMatch, error) {
	if q.reader == nil {
		return domain.LedgerMatch{}, fmt.Errorf("service: ledger reads disabled")
	}
	return q.reader.IsMatched(ctx, a, b)
}

func (q *QueryService) lookup(ctx context.Context, wallets []domain.Address) (map[domain.Address]domain.Profile, error) {
	if q.profiles == nil || len(wallets) == 0 {
		return nil, nil
	}
	seen := make(map[domain.Address]struct{}, len(wallets))
	unique := wallets[:0:0]
	for _, w := range wallets {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		unique = append(unique, w)
	}
	profiles, err := q.profiles.GetProfiles(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("service: load profiles: %w", err)
	}
	return profiles, nil
}

func profileRef(profiles map[domain.Address]domain.Profile, addr domain.Address) *domain.Profile {
	p, ok := profiles[addr]
	if !ok {
		return nil
	}
	return &p
}
