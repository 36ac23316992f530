package service

import (
	"context"
	"testing"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryJoinsProfiles(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for _, ev := range []domain.LedgerEvent{
		placedEvent(alice, bob, 100),
		placedEvent(carol, bob, 101),
		placedEvent(bob, alice, 102),
	} {
		_, err := h.place(ctx, ev)
		require.NoError(t, err)
	}

	profiles := memory.NewProfileStore(
		domain.Profile{WalletAddress: alice, Name: "Alice", Role: "coach"},
		domain.Profile{WalletAddress: bob, Name: "Bob", Role: "member"},
	)
	q := NewQueryService(h.store, profiles, nil)

	incoming, err := q.Incoming(ctx, bob, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, incoming, 2)
	// Newest first; carol has no profile.
	assert.Equal(t, carol, incoming[0].Stake.Staker)
	assert.Nil(t, incoming[0].Profile)
	require.NotNil(t, incoming[1].Profile)
	assert.Equal(t, "Alice", incoming[1].Profile.Name)

	pending, err := q.Incoming(ctx, bob, domain.ListOpts{Status: domain.StakeStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, carol, pending[0].Stake.Staker)

	outgoing, err := q.Outgoing(ctx, bob, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	require.NotNil(t, outgoing[0].Profile)
	assert.Equal(t, alice, outgoing[0].Profile.WalletAddress)

	matches, err := q.Matches(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Alice", matches[0].ProfileA.Name)
	assert.Equal(t, "Bob", matches[0].ProfileB.Name)
}

func TestQueryWithoutProfiles(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	q := NewQueryService(h.store, nil, nil)
	views, err := q.Outgoing(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Nil(t, views[0].Profile)

	_, err = q.LedgerStake(ctx, alice, bob)
	assert.Error(t, err)
}

func TestQueryLedgerReads(t *testing.T) {
	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusMatched)
	reader.setMatched(alice, bob, placedEvent(alice, bob, 1).Timestamp)

	q := NewQueryService(memory.New(), nil, reader)
	st, err := q.LedgerStake(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusMatched, st.Status)

	m, err := q.LedgerMatch(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.True(t, m.Matched)
}
