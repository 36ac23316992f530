package service

import (
	"context"
	"testing"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPlacedIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := placedEvent(alice, bob, 100)

	first, outcome, err := h.sync.ApplyPlaced(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.StakeStatusPending, first.Status)

	second, outcome, err := h.sync.ApplyPlaced(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, first.Staker, second.Staker)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, 0, first.Amount.Cmp(second.Amount))
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	assert.Equal(t, []string{domain.StakeChannel(bob)}, h.bus.channels(), "replay does not notify again")
}

func TestApplyPlacedCanonicalizesAddresses(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, _, err := h.sync.ApplyPlaced(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	rec, err := h.store.GetStake(ctx, domain.MustParseAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"), domain.MustParseAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	require.NoError(t, err)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", rec.Target.String())
}

func TestApplyPlacedRejectsBadPairs(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, _, err := h.sync.ApplyPlaced(ctx, placedEvent(alice, alice, 1))
	assert.Error(t, err)
	_, _, err = h.sync.ApplyPlaced(ctx, placedEvent(domain.ZeroAddress, alice, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestRefundPendingStake(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	refund := pairEvent(domain.EventStakeRefunded, alice, bob, 200, 0)
	outcome, err := h.sync.ApplyRefunded(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = h.sync.ApplyRefunded(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	rec, err := h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusRefunded, rec.Status)
}

func TestRefundForMatchedPairIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)
	res, err := h.place(ctx, placedEvent(bob, alice, 101))
	require.NoError(t, err)
	require.True(t, res.Matched)

	outcome, err := h.sync.ApplyRefunded(ctx, pairEvent(domain.EventStakeRefunded, alice, bob, 300, 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	rec, err := h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusMatched, rec.Status)

	entries, err := h.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inconsistency", entries[0].Event)
	assert.Equal(t, []string{"inconsistency"}, h.alerter.events)
}

func TestRefundWithoutRowIsGap(t *testing.T) {
	h := newHarness()
	outcome, err := h.sync.ApplyRefunded(context.Background(), pairEvent(domain.EventStakeRefunded, alice, bob, 5, 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGap, outcome)
	assert.Empty(t, h.alerter.events)
}

func TestReleaseBothDirections(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)
	_, err = h.place(ctx, placedEvent(bob, alice, 101))
	require.NoError(t, err)

	outcome, err := h.sync.ApplyReleased(ctx, pairEvent(domain.EventStakeReleased, bob, alice, 500, 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	for _, p := range []domain.Pair{{Staker: alice, Target: bob}, {Staker: bob, Target: alice}} {
		rec, err := h.store.GetStake(ctx, p.Staker, p.Target)
		require.NoError(t, err)
		assert.Equal(t, domain.StakeStatusReleased, rec.Status)
	}
}

func TestReleaseOfPendingIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	outcome, err := h.sync.ApplyReleased(ctx, pairEvent(domain.EventStakeReleased, alice, bob, 200, 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	rec, err := h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusPending, rec.Status)
}

func TestReplayedRefundDoesNotTouchNewStake(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)
	refund := pairEvent(domain.EventStakeRefunded, alice, bob, 200, 0)
	_, err = h.sync.ApplyRefunded(ctx, refund)
	require.NoError(t, err)

	// A fresh stake after the refund starts a new lifecycle.
	rec, outcome, err := h.sync.ApplyPlaced(ctx, placedEvent(alice, bob, 300))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.StakeStatusPending, rec.Status)

	outcome, err = h.sync.ApplyRefunded(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	rec, err = h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusPending, rec.Status)
}
