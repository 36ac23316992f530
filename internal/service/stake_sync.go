package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/habitplatform/matchsync/internal/domain"
)

// StakeSync applies single ledger events to the stake mirror. Every method is
// idempotent: re-applying an event leaves the mirror as it was.
type StakeSync struct {
	store   domain.StakeStatusStore
	bus     domain.SignalBus
	signals *Signals
	logger  *slog.Logger
}

// NewStakeSync creates a StakeSync. bus may be nil.
func NewStakeSync(store domain.StakeStatusStore, bus domain.SignalBus, signals *Signals, logger *slog.Logger) *StakeSync {
	return &StakeSync{
		store:   store,
		bus:     bus,
		signals: signals,
		logger:  logger.With(slog.String("component", "stake_sync")),
	}
}

func validatePair(ev domain.LedgerEvent) error {
	if ev.From.IsZero() || ev.To.IsZero() {
		return fmt.Errorf("service: %s event %s: %w", ev.Kind, ev.TxHash, domain.ErrInvalidAddress)
	}
	if ev.From == ev.To {
		return fmt.Errorf("service: %s event %s: self-stake %s", ev.Kind, ev.TxHash, ev.From)
	}
	return nil
}

// ApplyPlaced upserts the stake row for a Staked event and returns the stored
// row. A row whose transaction differs from the previous one triggers a
// stake notification for the target.
func (s *StakeSync) ApplyPlaced(ctx context.Context, ev domain.LedgerEvent) (domain.StakeRecord, Outcome, error) {
	if err := validatePair(ev); err != nil {
		return domain.StakeRecord{}, "", err
	}

	prev, err := s.store.GetStake(ctx, ev.From, ev.To)
	fresh := errors.Is(err, domain.ErrNotFound)
	if err != nil && !fresh {
		return domain.StakeRecord{}, "", fmt.Errorf("service: apply placed %s->%s: %w", ev.From, ev.To, err)
	}
	if !fresh && prev.TxHash != ev.TxHash && !ev.Position.Before(prev.Position) {
		fresh = true
	}

	amount := ev.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	stored, err := s.store.UpsertStake(ctx, domain.StakeRecord{
		Staker:    ev.From,
		Target:    ev.To,
		Amount:    amount,
		CreatedAt: ev.Timestamp,
		TxHash:    ev.TxHash,
		Position:  ev.Position,
	})
	if err != nil {
		return domain.StakeRecord{}, "", fmt.Errorf("service: apply placed %s->%s: %w", ev.From, ev.To, err)
	}

	if !fresh {
		return stored, OutcomeDuplicate, nil
	}

	s.logger.InfoContext(ctx, "stake recorded",
		slog.String("staker", ev.From.String()),
		slog.String("target", ev.To.String()),
		slog.String("amount", amount.String()),
		slog.String("tx_hash", ev.TxHash),
		slog.Uint64("block", ev.Position.Block),
	)
	publishJSON(ctx, s.bus, s.logger, domain.StakeChannel(ev.To), domain.StakeNotification{
		Type:   "stake_received",
		Staker: ev.From,
		Target: ev.To,
		Amount: amount.String(),
		TxHash: ev.TxHash,
	})
	return stored, OutcomeApplied, nil
}

// ApplyRefunded moves (from, to) Pending -> Refunded.
func (s *StakeSync) ApplyRefunded(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	if err := validatePair(ev); err != nil {
		return "", err
	}
	return s.transition(ctx, ev, domain.Pair{Staker: ev.From, Target: ev.To},
		domain.StakeStatusPending, domain.StakeStatusRefunded)
}

// ApplyReleased moves both directions of the pair Matched -> Released. The
// combined outcome is the least favourable of the two.
func (s *StakeSync) ApplyReleased(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	if err := validatePair(ev); err != nil {
		return "", err
	}
	pair := domain.Pair{Staker: ev.From, Target: ev.To}

	first, err := s.transition(ctx, ev, pair, domain.StakeStatusMatched, domain.StakeStatusReleased)
	if err != nil {
		return "", err
	}
	second, err := s.transition(ctx, ev, pair.Reverse(), domain.StakeStatusMatched, domain.StakeStatusReleased)
	if err != nil {
		return "", err
	}
	return worse(first, second), nil
}

var outcomeRank = map[Outcome]int{
	OutcomeApplied:   0,
	OutcomeDuplicate: 1,
	OutcomeGap:       2,
	OutcomeRejected:  3,
}

func worse(a, b Outcome) Outcome {
	if outcomeRank[b] > outcomeRank[a] {
		return b
	}
	return a
}

// transition performs a conditional status change. Events older than the
// row's originating stake belong to a previous lifecycle and are skipped, so a
// replayed refund cannot touch a newer stake on the same pair.
func (s *StakeSync) transition(ctx context.Context, ev domain.LedgerEvent, pair domain.Pair, from, to domain.StakeStatus) (Outcome, error) {
	current, err := s.store.GetStake(ctx, pair.Staker, pair.Target)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "no mirror row for ledger event",
			slog.String("kind", string(ev.Kind)),
			slog.String("pair", pair.String()),
			slog.String("tx_hash", ev.TxHash),
		)
		return OutcomeGap, nil
	}
	if err != nil {
		return "", fmt.Errorf("service: %s %s: %w", ev.Kind, pair, err)
	}
	if ev.Position.Before(current.Position) {
		return OutcomeDuplicate, nil
	}

	ok, err := s.store.UpdateStatus(ctx, pair.Staker, pair.Target, from, to, ev.Timestamp)
	if err != nil {
		return "", fmt.Errorf("service: %s %s: %w", ev.Kind, pair, err)
	}
	if ok {
		s.logger.InfoContext(ctx, "stake status updated",
			slog.String("pair", pair.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("tx_hash", ev.TxHash),
		)
		return OutcomeApplied, nil
	}

	// Lost a race or the row was already past from; read it again.
	current, err = s.store.GetStake(ctx, pair.Staker, pair.Target)
	if err != nil {
		return "", fmt.Errorf("service: %s %s: read back: %w", ev.Kind, pair, err)
	}
	if current.Status == to {
		return OutcomeDuplicate, nil
	}
	s.signals.Inconsistency(ctx, ev, pair, current.Status)
	return OutcomeRejected, nil
}
