package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessOrdersKindsBeforePositions(t *testing.T) {
	f := newFixture(newFakeLedger(0))
	// The ledger's Matched event arrives in the same batch as both stakes,
	// listed first.
	events := []domain.LedgerEvent{
		pairEvent(domain.EventStakeMatched, bob, alice, 101, 1),
		staked(bob, alice, 101, 0),
		staked(alice, bob, 100, 0),
	}

	report := f.dispatcher.Process(context.Background(), 100, 101, events)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.Matches)
	assert.Equal(t, 1, report.Counts[domain.EventStakeMatched])
	assert.Equal(t, 2, report.Outcomes["applied"])
	assert.Equal(t, 1, report.Outcomes["duplicate"])
	assert.Equal(t, 1, f.store.MatchCount())
}

func TestProcessRefundAfterMatchIsRejected(t *testing.T) {
	f := newFixture(newFakeLedger(0))
	events := []domain.LedgerEvent{
		staked(alice, bob, 100, 0),
		staked(bob, alice, 101, 0),
		pairEvent(domain.EventStakeRefunded, alice, bob, 102, 0),
	}

	report := f.dispatcher.Process(context.Background(), 100, 102, events)
	assert.Equal(t, 1, report.Outcomes["rejected"])

	rec, err := f.store.GetStake(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusMatched, rec.Status)
}

func TestProcessRefundBeforeReverseStakeCreatesNoMatch(t *testing.T) {
	f := newFixture(newFakeLedger(0))
	ctx := context.Background()
	events := []domain.LedgerEvent{
		staked(alice, bob, 100, 0),
		pairEvent(domain.EventStakeRefunded, alice, bob, 150, 0),
		staked(bob, alice, 151, 0),
	}

	report := f.dispatcher.Process(ctx, 100, 151, events)
	assert.Empty(t, report.Failures)
	assert.Zero(t, report.Matches)
	assert.Equal(t, 3, report.Outcomes["applied"])
	assert.Zero(t, f.store.MatchCount())

	rec, err := f.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusRefunded, rec.Status)
	rec, err = f.store.GetStake(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusPending, rec.Status)
}

func TestProcessRestakeAfterRefundStillMatches(t *testing.T) {
	f := newFixture(newFakeLedger(0))
	events := []domain.LedgerEvent{
		staked(alice, bob, 100, 0),
		pairEvent(domain.EventStakeRefunded, alice, bob, 150, 0),
		staked(alice, bob, 160, 0),
		staked(bob, alice, 170, 0),
	}

	report := f.dispatcher.Process(context.Background(), 100, 170, events)
	assert.Equal(t, 1, report.Matches)
	assert.Equal(t, 1, f.store.MatchCount())
}

func TestLifecyclesClosedBefore(t *testing.T) {
	h := newLifecycles([]domain.LedgerEvent{
		staked(alice, bob, 100, 0),
		pairEvent(domain.EventStakeRefunded, alice, bob, 150, 0),
		pairEvent(domain.EventStakeReleased, bob, alice, 200, 3),
	})
	ab := domain.Pair{Staker: alice, Target: bob}

	assert.False(t, h.closedBefore(ab, domain.LogPosition{Block: 120}))
	assert.True(t, h.closedBefore(ab, domain.LogPosition{Block: 151}))
	assert.False(t, h.closedBefore(ab.Reverse(), domain.LogPosition{Block: 200, LogIndex: 3}))
	assert.True(t, h.closedBefore(ab.Reverse(), domain.LogPosition{Block: 200, LogIndex: 4}))
}

func TestProcessReleaseClosesBothDirections(t *testing.T) {
	f := newFixture(newFakeLedger(0))
	events := []domain.LedgerEvent{
		staked(alice, bob, 100, 0),
		staked(bob, alice, 101, 0),
		pairEvent(domain.EventStakeReleased, alice, bob, 300, 0),
	}

	report := f.dispatcher.Process(context.Background(), 100, 300, events)
	assert.Empty(t, report.Failures)
	for _, p := range []domain.Pair{{Staker: alice, Target: bob}, {Staker: bob, Target: alice}} {
		rec, err := f.store.GetStake(context.Background(), p.Staker, p.Target)
		require.NoError(t, err)
		assert.Equal(t, domain.StakeStatusReleased, rec.Status)
	}
}

func TestDispatchJournalsRange(t *testing.T) {
	f := newFixture(newFakeLedger(101, mutualStakes()...))
	_, err := f.dispatcher.Dispatch(context.Background(), 100, 101)
	require.NoError(t, err)

	recorded := f.journal.ranges[[2]uint64{100, 101}]
	assert.Len(t, recorded, 2)
}

func TestDispatchSurvivesJournalFailure(t *testing.T) {
	f := newFixture(newFakeLedger(101, mutualStakes()...))
	f.journal.err = errors.New("bucket unavailable")

	report, err := f.dispatcher.Dispatch(context.Background(), 100, 101)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matches)
}

func TestReplayRebuildsMirror(t *testing.T) {
	f := newFixture(newFakeLedger(101, mutualStakes()...))
	_, err := f.dispatcher.Dispatch(context.Background(), 100, 101)
	require.NoError(t, err)

	// A fresh mirror rebuilt from the journal alone.
	fresh := newFixture(newFakeLedger(0))
	replayer := NewReplayer(f.journal, fresh.dispatcher, testLogger())

	report, err := replayer.Replay(context.Background(), 100, 101)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matches)
	assert.Equal(t, 1, fresh.store.MatchCount())
	assert.Empty(t, fresh.ledger.fetchCalls())

	// Replaying again changes nothing.
	report, err = replayer.Replay(context.Background(), 100, 101)
	require.NoError(t, err)
	assert.Zero(t, report.Matches)
	assert.Equal(t, 1, fresh.store.MatchCount())
}

func TestReplayRejectsInvertedRange(t *testing.T) {
	f := newFixture(newFakeLedger(0))
	_, err := NewReplayer(f.journal, f.dispatcher, testLogger()).Replay(context.Background(), 10, 5)
	assert.Error(t, err)
}
