package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
	"github.com/habitplatform/matchsync/internal/notify"
	"github.com/habitplatform/matchsync/internal/service"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// CursorKey identifies the persisted cursor, usually chain id and contract.
	CursorKey string
	Interval  time.Duration
	// Confirmations keeps the cursor this many blocks behind the head.
	Confirmations uint64
	// MaxBlocksPerCycle caps a range; 0 means unbounded.
	MaxBlocksPerCycle uint64
	// StartBlock is the first block to sync when no cursor exists; 0 starts
	// at the current head.
	StartBlock uint64
	// LockTTL enables the leader lock when the poller has a LockManager.
	LockTTL time.Duration
	// AlertAfter raises an operator alert after this many consecutive failed
	// cycles; 0 disables it.
	AlertAfter int
}

// Status is a snapshot of the poller's progress.
type Status struct {
	Cursor      uint64              `json:"cursor"`
	Head        uint64              `json:"head"`
	LastReport  *domain.CycleReport `json:"last_report,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	LastErrorAt *time.Time          `json:"last_error_at,omitempty"`
}

// Poller owns the sync cursor and drives the Dispatcher over consecutive block
// ranges. Cycles run serially; the cursor only moves after a range was fully
// dispatched and the new value was persisted.
type Poller struct {
	ledger     domain.Ledger
	dispatcher *Dispatcher
	cursors    domain.CursorStore
	locks      domain.LockManager
	bus        domain.SignalBus
	alerter    service.Alerter
	metrics    *metrics.Metrics
	cfg        PollerConfig
	logger     *slog.Logger
	encode     func(any) ([]byte, error)

	cursor   uint64
	loaded   bool
	failures int

	mu     sync.RWMutex
	status Status
}

// NewPoller creates a Poller. locks, bus, alerter and m may be nil.
func NewPoller(
	ledger domain.Ledger,
	dispatcher *Dispatcher,
	cursors domain.CursorStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	alerter service.Alerter,
	m *metrics.Metrics,
	cfg PollerConfig,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		ledger:     ledger,
		dispatcher: dispatcher,
		cursors:    cursors,
		locks:      locks,
		bus:        bus,
		alerter:    alerter,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "poller")),
		encode:     json.Marshal,
	}
}

// Cursor returns the last fully processed block.
func (p *Poller) Cursor() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.Cursor
}

// Status returns a snapshot of the poller's progress.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Run executes a cycle immediately and then on every interval until ctx is
// cancelled. Cancellation stops scheduling; a cycle already running finishes
// on a detached context.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller starting",
		slog.Duration("interval", p.cfg.Interval),
		slog.String("cursor_key", p.cfg.CursorKey),
	)

	p.tick(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", slog.Uint64("cursor", p.Cursor()))
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.RunCycle(context.WithoutCancel(ctx)); err != nil {
		p.logger.ErrorContext(ctx, "sync cycle failed", slog.String("error", err.Error()))
	}
}

// RunCycle processes [cursor+1, target] once. On any error the cursor is left
// unchanged and the same range is retried next cycle.
func (p *Poller) RunCycle(ctx context.Context) (domain.CycleReport, error) {
	start := time.Now()

	if p.locks != nil && p.cfg.LockTTL > 0 {
		unlock, err := p.locks.Acquire(ctx, "poller:"+p.cfg.CursorKey, p.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			p.logger.DebugContext(ctx, "poller lock busy, skipping cycle", slog.String("reason", err.Error()))
			return domain.CycleReport{Skipped: true, StartedAt: start.UTC()}, nil
		}
		if err != nil {
			return domain.CycleReport{}, p.fail(ctx, start, fmt.Errorf("pipeline: acquire poller lock: %w", err))
		}
		defer unlock()

		// Another replica may have advanced the cursor while it held the lock.
		p.loaded = false
	}

	report, err := p.runCycle(ctx, start)
	if err != nil {
		return domain.CycleReport{}, p.fail(ctx, start, err)
	}
	p.succeed(ctx, start, report)
	return report, nil
}

func (p *Poller) runCycle(ctx context.Context, start time.Time) (domain.CycleReport, error) {
	head, err := p.ledger.CurrentHeight(ctx)
	if err != nil {
		return domain.CycleReport{}, fmt.Errorf("pipeline: read head: %w", err)
	}
	if err := p.loadCursor(ctx, head); err != nil {
		return domain.CycleReport{}, err
	}

	target := p.target(head)
	p.setProgress(head)
	if target <= p.cursor {
		return domain.CycleReport{
			FromBlock: p.cursor + 1,
			ToBlock:   p.cursor,
			StartedAt: start.UTC(),
			Skipped:   true,
		}, nil
	}

	from := p.cursor + 1
	report, err := p.dispatcher.Dispatch(ctx, from, target)
	if err != nil {
		return domain.CycleReport{}, err
	}
	if err := p.cursors.SaveCursor(ctx, p.cfg.CursorKey, target); err != nil {
		return domain.CycleReport{}, fmt.Errorf("pipeline: save cursor %d: %w", target, err)
	}
	p.cursor = target
	p.setProgress(head)
	report.StartedAt = start.UTC()
	report.Duration = time.Since(start)
	return report, nil
}

// target is the last block this cycle may process.
func (p *Poller) target(head uint64) uint64 {
	if head < p.cfg.Confirmations {
		return p.cursor
	}
	target := head - p.cfg.Confirmations
	if limit := p.cfg.MaxBlocksPerCycle; limit > 0 && target > p.cursor+limit {
		target = p.cursor + limit
	}
	return target
}

// loadCursor reads the persisted cursor once. Without one the poller starts
// at StartBlock, or at the confirmed head when StartBlock is 0.
func (p *Poller) loadCursor(ctx context.Context, head uint64) error {
	if p.loaded {
		return nil
	}
	stored, err := p.cursors.GetCursor(ctx, p.cfg.CursorKey)
	switch {
	case err == nil:
		if stored > p.cursor {
			p.cursor = stored
		}
	case errors.Is(err, domain.ErrNotFound):
		switch {
		case p.cfg.StartBlock > 0:
			p.cursor = p.cfg.StartBlock - 1
		case head > p.cfg.Confirmations:
			p.cursor = head - p.cfg.Confirmations
		}
		p.logger.InfoContext(ctx, "no stored cursor, starting fresh",
			slog.Uint64("cursor", p.cursor),
			slog.Uint64("start_block", p.cfg.StartBlock),
		)
	default:
		return fmt.Errorf("pipeline: load cursor %s: %w", p.cfg.CursorKey, err)
	}
	p.loaded = true
	return nil
}

func (p *Poller) setProgress(head uint64) {
	p.mu.Lock()
	p.status.Cursor = p.cursor
	p.status.Head = head
	p.mu.Unlock()
	p.metrics.Progress(p.cursor, head)
}

func (p *Poller) succeed(ctx context.Context, start time.Time, report domain.CycleReport) {
	p.failures = 0
	if report.Skipped {
		return
	}
	p.metrics.CycleOutcome("ok", time.Since(start).Seconds())

	p.mu.Lock()
	p.status.LastReport = &report
	p.mu.Unlock()

	attrs := []any{
		slog.Uint64("from_block", report.FromBlock),
		slog.Uint64("to_block", report.ToBlock),
		slog.Int("matches_created", report.Matches),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("duration", report.Duration),
	}
	for _, kind := range domain.EventKindsInOrder {
		attrs = append(attrs, slog.Int(string(kind), report.Counts[kind]))
	}
	p.logger.InfoContext(ctx, "sync cycle complete", attrs...)

	if p.bus == nil {
		return
	}
	payload, err := p.encode(report)
	if err != nil {
		p.logger.WarnContext(ctx, "cycle report encode failed", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.StreamAppend(ctx, domain.CycleStream, payload); err != nil {
		p.logger.WarnContext(ctx, "cycle report append failed", slog.String("error", err.Error()))
	}
}

func (p *Poller) fail(ctx context.Context, start time.Time, err error) error {
	p.failures++
	p.metrics.CycleOutcome("failed", time.Since(start).Seconds())

	now := time.Now().UTC()
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.status.LastErrorAt = &now
	p.mu.Unlock()

	if p.alerter != nil && p.cfg.AlertAfter > 0 && p.failures == p.cfg.AlertAfter {
		msg := fmt.Sprintf("%d consecutive sync cycles failed at cursor %d: %v", p.failures, p.cursor, err)
		if nerr := p.alerter.Notify(ctx, notify.EventCycleFailure, "Sync stalled", msg); nerr != nil {
			p.logger.WarnContext(ctx, "cycle failure alert failed", slog.String("error", nerr.Error()))
		}
	}
	return err
}
