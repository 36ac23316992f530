package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestCanTransition(t *testing.T) {
	legal := [][2]StakeStatus{
		{StakeStatusNone, StakeStatusPending},
		{StakeStatusPending, StakeStatusMatched},
		{StakeStatusPending, StakeStatusRefunded},
		{StakeStatusMatched, StakeStatusReleased},
	}
	for _, tr := range legal {
		assert.Truef(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]StakeStatus{
		{StakeStatusMatched, StakeStatusPending},
		{StakeStatusMatched, StakeStatusRefunded},
		{StakeStatusRefunded, StakeStatusPending},
		{StakeStatusReleased, StakeStatusMatched},
		{StakeStatusPending, StakeStatusReleased},
		{StakeStatusPending, StakeStatusPending},
	}
	for _, tr := range illegal {
		assert.Falsef(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStakeStatusFromLedger(t *testing.T) {
	st, err := StakeStatusFromLedger(4)
	require.NoError(t, err)
	assert.Equal(t, StakeStatusReleased, st)
	assert.True(t, st.IsTerminal())

	_, err = StakeStatusFromLedger(5)
	assert.Error(t, err)

	parsed, err := ParseStakeStatus("pending")
	require.NoError(t, err)
	assert.Equal(t, StakeStatusPending, parsed)
	_, err = ParseStakeStatus("bogus")
	assert.Error(t, err)
}

func TestLogPositionOrder(t *testing.T) {
	a := LogPosition{Block: 5, LogIndex: 9}
	b := LogPosition{Block: 6, LogIndex: 0}
	c := LogPosition{Block: 6, LogIndex: 1}
	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, c.Before(b))
	assert.False(t, b.Before(b))
}
