package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
	"github.com/habitplatform/matchsync/internal/service"
)

// Dispatcher fetches the ledger events of a block range and applies them to
// the mirror in a fixed order: placed, matched, refunded, released, and by
// ledger position within a kind.
type Dispatcher struct {
	ledger   domain.Ledger
	sync     *service.StakeSync
	detector *service.MatchDetector
	journal  domain.Journal
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. journal and m may be nil.
func NewDispatcher(
	ledger domain.Ledger,
	sync *service.StakeSync,
	detector *service.MatchDetector,
	journal domain.Journal,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		sync:     sync,
		detector: detector,
		journal:  journal,
		metrics:  m,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Fetch retrieves all four event kinds for [from, to] concurrently. Any fetch
// failure fails the whole range. Logs the ledger could not decode come back
// as failures and do not.
func (d *Dispatcher) Fetch(ctx context.Context, from, to uint64) ([]domain.LedgerEvent, []domain.EventFailure, error) {
	batches := make([][]domain.LedgerEvent, len(domain.EventKindsInOrder))
	undecoded := make([][]domain.EventFailure, len(domain.EventKindsInOrder))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range domain.EventKindsInOrder {
		g.Go(func() error {
			events, err := d.ledger.FetchLogs(gctx, kind, from, to)
			var bad *domain.UndecodableLogs
			if errors.As(err, &bad) {
				undecoded[i] = bad.Failures
				err = nil
			}
			if err != nil {
				return fmt.Errorf("pipeline: fetch %s logs %d-%d: %w", kind, from, to, err)
			}
			batches[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var out []domain.LedgerEvent
	var failures []domain.EventFailure
	for i := range batches {
		out = append(out, batches[i]...)
		failures = append(failures, undecoded[i]...)
	}
	orderEvents(out)
	return out, failures, nil
}

// Dispatch fetches and processes one range, then journals the decoded events.
// A journal failure is logged and never fails the range.
func (d *Dispatcher) Dispatch(ctx context.Context, from, to uint64) (domain.CycleReport, error) {
	events, undecoded, err := d.Fetch(ctx, from, to)
	if err != nil {
		return domain.CycleReport{}, err
	}

	report := d.Process(ctx, from, to, events)
	for _, f := range undecoded {
		d.logger.ErrorContext(ctx, "undecodable ledger log skipped",
			slog.String("kind", string(f.Kind)),
			slog.String("tx_hash", f.TxHash),
			slog.Uint64("block", f.Position.Block),
			slog.String("error", f.Error),
		)
		d.metrics.EventHandled(f.Kind, false)
		report.Counts[f.Kind]++
	}
	report.Failures = append(undecoded, report.Failures...)

	if d.journal != nil {
		if err := d.journal.Record(ctx, from, to, events); err != nil {
			d.logger.WarnContext(ctx, "journal write failed",
				slog.Uint64("from_block", from),
				slog.Uint64("to_block", to),
				slog.String("error", err.Error()),
			)
		}
	}
	return report, nil
}

// Process applies already decoded events. Each event is handled on its own;
// a failure is recorded in the report and processing continues.
func (d *Dispatcher) Process(ctx context.Context, from, to uint64, events []domain.LedgerEvent) domain.CycleReport {
	report := domain.CycleReport{
		ID:        uuid.NewString(),
		FromBlock: from,
		ToBlock:   to,
		Counts:    make(map[domain.EventKind]int, len(domain.EventKindsInOrder)),
		Outcomes:  make(map[string]int),
		StartedAt: time.Now().UTC(),
	}

	ordered := make([]domain.LedgerEvent, len(events))
	copy(ordered, events)
	orderEvents(ordered)
	history := newLifecycles(ordered)

	for _, ev := range ordered {
		report.Counts[ev.Kind]++
		outcome, created, err := d.apply(ctx, ev, history)
		d.metrics.EventHandled(ev.Kind, err == nil)
		if err != nil {
			d.logger.ErrorContext(ctx, "event apply failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("tx_hash", ev.TxHash),
				slog.Uint64("block", ev.Position.Block),
				slog.String("error", err.Error()),
			)
			report.Failures = append(report.Failures, domain.EventFailure{
				Kind:     ev.Kind,
				Position: ev.Position,
				TxHash:   ev.TxHash,
				Error:    err.Error(),
			})
			continue
		}
		report.Outcomes[string(outcome)]++
		if created {
			report.Matches++
		}
	}

	report.Duration = time.Since(report.StartedAt)
	return report
}

// apply routes one event and reports its outcome and whether it created a
// match.
func (d *Dispatcher) apply(ctx context.Context, ev domain.LedgerEvent, history lifecycles) (service.Outcome, bool, error) {
	switch ev.Kind {
	case domain.EventStakePlaced:
		rec, outcome, err := d.sync.ApplyPlaced(ctx, ev)
		if err != nil {
			return "", false, err
		}
		// Refunds are applied after every placement, so the mirror may still
		// show a reverse stake the ledger had already closed when ev landed.
		reverse := domain.Pair{Staker: ev.To, Target: ev.From}
		if history.closedBefore(reverse, ev.Position) {
			d.logger.DebugContext(ctx, "reverse stake closed earlier in range, no match",
				slog.String("pair", reverse.String()),
				slog.String("tx_hash", ev.TxHash),
			)
			return outcome, false, nil
		}
		res, err := d.detector.Detect(ctx, rec)
		if err != nil {
			return "", false, err
		}
		return outcome, res.Created, nil

	case domain.EventStakeMatched:
		res, outcome, err := d.detector.Confirm(ctx, ev)
		if err != nil {
			return "", false, err
		}
		return outcome, res.Created, nil

	case domain.EventStakeRefunded:
		outcome, err := d.sync.ApplyRefunded(ctx, ev)
		return outcome, false, err

	case domain.EventStakeReleased:
		outcome, err := d.sync.ApplyReleased(ctx, ev)
		return outcome, false, err

	default:
		return "", false, fmt.Errorf("pipeline: unknown event kind %q", ev.Kind)
	}
}

// lifecycles holds, per directed pair, the batch's events that open or close
// a stake, in ledger order.
type lifecycles map[domain.Pair][]domain.LedgerEvent

func newLifecycles(events []domain.LedgerEvent) lifecycles {
	l := make(lifecycles)
	for _, ev := range events {
		pair := domain.Pair{Staker: ev.From, Target: ev.To}
		switch ev.Kind {
		case domain.EventStakePlaced, domain.EventStakeRefunded:
			l[pair] = append(l[pair], ev)
		case domain.EventStakeReleased:
			l[pair] = append(l[pair], ev)
			l[pair.Reverse()] = append(l[pair.Reverse()], ev)
		}
	}
	for _, evs := range l {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Position.Before(evs[j].Position) })
	}
	return l
}

// closedBefore reports whether the last event for pair before pos in the
// batch refunded or released the stake.
func (l lifecycles) closedBefore(pair domain.Pair, pos domain.LogPosition) bool {
	last := domain.EventKind("")
	for _, ev := range l[pair] {
		if !ev.Position.Before(pos) {
			break
		}
		last = ev.Kind
	}
	return last == domain.EventStakeRefunded || last == domain.EventStakeReleased
}

var kindRank = func() map[domain.EventKind]int {
	m := make(map[domain.EventKind]int, len(domain.EventKindsInOrder))
	for i, k := range domain.EventKindsInOrder {
		m[k] = i
	}
	return m
}()

func orderEvents(events []domain.LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		return a.Position.Before(b.Position)
	})
}
