package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
)

// MatchResult describes what a detection attempt did.
type MatchResult struct {
	// Matched is true when both stakes are (now) Matched.
	Matched bool
	// Created is true when this call inserted the match record.
	Created bool
	Match   domain.MatchRecord
}

// MatchDetector turns mutual stakes into exactly one match record. It takes
// no lock: two concurrent detections for the same pair both call
// InsertMatchIfAbsent, the store's uniqueness constraint picks one winner, and
// both then perform the same conditional Pending -> Matched flips.
type MatchDetector struct {
	store   domain.StakeStatusStore
	bus     domain.SignalBus
	signals *Signals
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewMatchDetector creates a MatchDetector. bus and m may be nil.
func NewMatchDetector(store domain.StakeStatusStore, bus domain.SignalBus, signals *Signals, m *metrics.Metrics, logger *slog.Logger) *MatchDetector {
	return &MatchDetector{
		store:   store,
		bus:     bus,
		signals: signals,
		metrics: m,
		logger:  logger.With(slog.String("component", "match_detector")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// matchable reports whether a row can take part in forming a match. A row
// already Matched counts so that a detection interrupted between its two
// flips completes on replay.
func matchable(st domain.StakeStatus) bool {
	return st == domain.StakeStatusPending || st == domain.StakeStatusMatched
}

// Detect checks for the reverse of own and, when both directions are live,
// materializes the match. It is called right after own was upserted.
func (d *MatchDetector) Detect(ctx context.Context, own domain.StakeRecord) (MatchResult, error) {
	if !matchable(own.Status) {
		return MatchResult{}, nil
	}
	reverse, err := d.store.GetStake(ctx, own.Target, own.Staker)
	if errors.Is(err, domain.ErrNotFound) {
		return MatchResult{}, nil
	}
	if err != nil {
		return MatchResult{}, fmt.Errorf("service: detect %s: read reverse: %w", own.Pair(), err)
	}
	if !matchable(reverse.Status) {
		return MatchResult{}, nil
	}

	// The ledger formed the match when the later of the two stakes landed.
	matchedAt := own.CreatedAt
	if reverse.CreatedAt.After(matchedAt) {
		matchedAt = reverse.CreatedAt
	}
	if matchedAt.IsZero() {
		matchedAt = d.now()
	}
	return d.materialize(ctx, own.Staker, own.Target, matchedAt)
}

// Confirm handles the ledger's own Matched event for (userA, userB). Rows
// that are missing are left alone; a row in a terminal state is reported.
func (d *MatchDetector) Confirm(ctx context.Context, ev domain.LedgerEvent) (MatchResult, Outcome, error) {
	if err := validatePair(ev); err != nil {
		return MatchResult{}, "", err
	}

	outcome := OutcomeApplied
	for _, pair := range []domain.Pair{{Staker: ev.From, Target: ev.To}, {Staker: ev.To, Target: ev.From}} {
		rec, err := d.store.GetStake(ctx, pair.Staker, pair.Target)
		if errors.Is(err, domain.ErrNotFound) {
			d.logger.WarnContext(ctx, "matched event without mirror stake",
				slog.String("pair", pair.String()),
				slog.String("tx_hash", ev.TxHash),
			)
			outcome = worse(outcome, OutcomeGap)
			continue
		}
		if err != nil {
			return MatchResult{}, "", fmt.Errorf("service: confirm %s: %w", pair, err)
		}
		if ev.Position.Before(rec.Position) {
			// The row was restaked after this event; it belongs to an
			// earlier lifecycle.
			return MatchResult{}, OutcomeDuplicate, nil
		}
		if !matchable(rec.Status) {
			d.signals.Inconsistency(ctx, ev, pair, rec.Status)
			return MatchResult{}, OutcomeRejected, nil
		}
	}

	matchedAt := ev.Timestamp
	if matchedAt.IsZero() {
		matchedAt = d.now()
	}
	res, err := d.materialize(ctx, ev.From, ev.To, matchedAt)
	if err != nil {
		return MatchResult{}, "", err
	}
	if !res.Created && outcome == OutcomeApplied {
		outcome = OutcomeDuplicate
	}
	return res, outcome, nil
}

// materialize inserts the match if absent and flips both directions.
func (d *MatchDetector) materialize(ctx context.Context, a, b domain.Address, matchedAt time.Time) (MatchResult, error) {
	m := domain.NewMatchRecord(a, b, matchedAt)

	created, err := d.store.InsertMatchIfAbsent(ctx, m)
	if err != nil {
		return MatchResult{}, fmt.Errorf("service: insert match %s: %w", m.ChatRoomID, err)
	}

	for _, pair := range []domain.Pair{{Staker: a, Target: b}, {Staker: b, Target: a}} {
		if _, err := d.store.UpdateStatus(ctx, pair.Staker, pair.Target,
			domain.StakeStatusPending, domain.StakeStatusMatched, m.MatchedAt); err != nil {
			return MatchResult{}, fmt.Errorf("service: flip %s to matched: %w", pair, err)
		}
	}

	res := MatchResult{Matched: true, Created: created, Match: m}
	if !created {
		return res, nil
	}

	d.metrics.MatchCreated()
	d.logger.InfoContext(ctx, "match created",
		slog.String("user_a", m.UserA.String()),
		slog.String("user_b", m.UserB.String()),
		slog.String("chat_room_id", m.ChatRoomID),
	)
	note := domain.MatchNotification{
		Type:       "match_created",
		UserA:      m.UserA,
		UserB:      m.UserB,
		ChatRoomID: m.ChatRoomID,
		MatchedAt:  m.MatchedAt,
	}
	publishJSON(ctx, d.bus, d.logger, domain.MatchChannel(m.UserA), note)
	publishJSON(ctx, d.bus, d.logger, domain.MatchChannel(m.UserB), note)
	return res, nil
}
