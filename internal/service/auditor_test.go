package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu      sync.Mutex
	stakes  map[domain.Pair]domain.LedgerStake
	matches map[string]domain.LedgerMatch
	err     error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		stakes:  make(map[domain.Pair]domain.LedgerStake),
		matches: make(map[string]domain.LedgerMatch),
	}
}

func (r *fakeReader) setStatus(staker, target domain.Address, st domain.StakeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stakes[domain.Pair{Staker: staker, Target: target}] = domain.LedgerStake{Status: st}
}

func (r *fakeReader) setMatched(a, b domain.Address, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[domain.ChatRoomID(a, b)] = domain.LedgerMatch{Matched: true, MatchedAt: at}
}

func (r *fakeReader) GetStatus(_ context.Context, staker, target domain.Address) (domain.LedgerStake, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.LedgerStake{}, r.err
	}
	st, ok := r.stakes[domain.Pair{Staker: staker, Target: target}]
	if !ok {
		return domain.LedgerStake{Status: domain.StakeStatusNone}, nil
	}
	return st, nil
}

func (r *fakeReader) IsMatched(_ context.Context, a, b domain.Address) (domain.LedgerMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.LedgerMatch{}, r.err
	}
	return r.matches[domain.ChatRoomID(a, b)], nil
}

func newTestAuditor(h *harness, reader domain.ChainStakeReader, repair bool) *Auditor {
	return NewAuditor(h.store, reader, h.audit, h.alerter, nil,
		AuditorConfig{BatchSize: 10, Repair: repair}, testLogger())
}

func TestAuditNoDrift(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusPending)

	report, err := newTestAuditor(h, reader, true).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, AuditReport{Checked: 1}, report)
	assert.Empty(t, h.alerter.events)
}

func TestAuditReportsDriftWithoutRepair(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusRefunded)

	report, err := newTestAuditor(h, reader, false).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Zero(t, report.Repaired)

	rec, err := h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusPending, rec.Status)

	entries, err := h.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "drift", entries[0].Event)
	assert.Equal(t, string(domain.StakeStatusRefunded), entries[0].Detail["ledger_status"])
	assert.Equal(t, []string{notify.EventDrift}, h.alerter.events)
}

func TestAuditRepairsRefund(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusRefunded)

	report, err := newTestAuditor(h, reader, true).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	rec, err := h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusRefunded, rec.Status)
}

func TestAuditRepairsMissedMatch(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	// Rows written without detection, as if the match step had failed.
	_, _, err := h.sync.ApplyPlaced(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)
	_, _, err = h.sync.ApplyPlaced(ctx, placedEvent(bob, alice, 101))
	require.NoError(t, err)

	matchedAt := time.Unix(1700000101, 0).UTC()
	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusMatched)
	reader.setStatus(bob, alice, domain.StakeStatusMatched)
	reader.setMatched(alice, bob, matchedAt)

	report, err := newTestAuditor(h, reader, true).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drifted)
	assert.Equal(t, 2, report.Repaired)

	m, err := h.store.GetMatch(ctx, bob, alice)
	require.NoError(t, err)
	assert.True(t, m.MatchedAt.Equal(matchedAt))
	assert.Equal(t, 1, h.store.MatchCount())
}

func TestAuditNeverJumpsStates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusReleased)

	report, err := newTestAuditor(h, reader, true).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Zero(t, report.Repaired)

	rec, err := h.store.GetStake(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StakeStatusPending, rec.Status)
}

func TestAuditCountsReadErrors(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)
	_, err = h.place(ctx, placedEvent(carol, bob, 101))
	require.NoError(t, err)

	reader := newFakeReader()
	reader.err = errors.New("rpc down")

	report, err := newTestAuditor(h, reader, true).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Errors)
	assert.Zero(t, report.Drifted)
}

type failingAuditStore struct{ err error }

func (s failingAuditStore) Log(context.Context, string, map[string]any) error { return s.err }

func (s failingAuditStore) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, s.err
}

func TestAuditLogsSinkFailures(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.place(ctx, placedEvent(alice, bob, 100))
	require.NoError(t, err)

	reader := newFakeReader()
	reader.setStatus(alice, bob, domain.StakeStatusRefunded)
	h.alerter.err = errors.New("webhook 503")

	var logs bytes.Buffer
	a := NewAuditor(h.store, reader, failingAuditStore{err: errors.New("audit table locked")}, h.alerter, nil,
		AuditorConfig{BatchSize: 10}, slog.New(slog.NewTextHandler(&logs, nil)))

	report, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, []string{notify.EventDrift}, h.alerter.events)

	out := logs.String()
	assert.Contains(t, out, "audit log write failed")
	assert.Contains(t, out, "audit table locked")
	assert.Contains(t, out, "drift alert failed")
	assert.Contains(t, out, "webhook 503")
}

func TestAuditorRunDisabled(t *testing.T) {
	h := newHarness()
	a := NewAuditor(h.store, newFakeReader(), nil, nil, nil, AuditorConfig{}, testLogger())
	assert.NoError(t, a.Run(context.Background()))
}
