package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
	"github.com/habitplatform/matchsync/internal/notify"
	"github.com/habitplatform/matchsync/internal/pipeline"
	"github.com/habitplatform/matchsync/internal/server"
	"github.com/habitplatform/matchsync/internal/server/handler"
	"github.com/habitplatform/matchsync/internal/server/ws"
	"github.com/habitplatform/matchsync/internal/service"
)

// SyncMode runs the poller and the drift auditor without the HTTP API.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")
	a.announce(ctx, deps)

	g, ctx := errgroup.WithContext(ctx)
	a.startSync(ctx, g, deps)
	return g.Wait()
}

// ServerMode serves the read API over a mirror that another process syncs.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode syncs and serves in one process. The API reports the in-process
// poller's progress.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	a.announce(ctx, deps)

	g, ctx := errgroup.WithContext(ctx)
	poller := a.startSync(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, poller)
	return g.Wait()
}

// ReplayMode re-applies journaled events for the configured block range and
// returns. The poll cursor is left untouched.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	from, to := a.cfg.Replay.FromBlock, a.cfg.Replay.ToBlock
	a.logger.InfoContext(ctx, "starting replay mode",
		slog.Uint64("from_block", from),
		slog.Uint64("to_block", to),
	)
	if deps.Journal == nil {
		return fmt.Errorf("app: replay: no event journal configured")
	}

	replayer := pipeline.NewReplayer(deps.Journal, a.newDispatcher(deps), a.logger)
	report, err := replayer.Replay(ctx, from, to)
	if err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}

	a.logger.InfoContext(ctx, "replay complete",
		slog.String("cycle_id", report.ID),
		slog.Int("events", countEvents(report)),
		slog.Int("failures", len(report.Failures)),
		slog.Int("matches_created", report.Matches),
		slog.Any("outcomes", report.Outcomes),
	)
	return nil
}

// newDispatcher builds the event pipeline: state machine, match detector and
// journal share one signals sink.
func (a *App) newDispatcher(deps *Dependencies) *pipeline.Dispatcher {
	signals := service.NewSignals(deps.Audit, deps.Notifier, deps.Metrics, a.logger)
	stakeSync := service.NewStakeSync(deps.Store, deps.SignalBus, signals, a.logger)
	detector := service.NewMatchDetector(deps.Store, deps.SignalBus, signals, deps.Metrics, a.logger)

	var ledger domain.Ledger
	if deps.Ledger != nil {
		ledger = deps.Ledger
	}
	return pipeline.NewDispatcher(ledger, stakeSync, detector, deps.Journal, deps.Metrics, a.logger)
}

// startSync launches the poller and auditor under an orchestrator and returns
// the poller for status reporting.
func (a *App) startSync(ctx context.Context, g *errgroup.Group, deps *Dependencies) *pipeline.Poller {
	sc := a.cfg.Sync

	var locks domain.LockManager
	if sc.LeaderLock {
		locks = deps.LockManager
	}

	poller := pipeline.NewPoller(
		deps.Ledger,
		a.newDispatcher(deps),
		deps.Cursors,
		locks,
		deps.SignalBus,
		deps.Notifier,
		deps.Metrics,
		pipeline.PollerConfig{
			CursorKey:         a.cfg.CursorKey(),
			Interval:          sc.Interval.Duration,
			Confirmations:     sc.Confirmations,
			MaxBlocksPerCycle: sc.MaxBlocksPerCycle,
			StartBlock:        sc.StartBlock,
			LockTTL:           sc.LockTTL.Duration,
			AlertAfter:        sc.AlertAfter,
		},
		a.logger,
	)

	var auditor pipeline.Runner
	if a.cfg.Audit.Interval.Duration > 0 {
		auditor = service.NewAuditor(
			deps.Store, deps.Ledger, deps.Audit, deps.Notifier, deps.Metrics,
			service.AuditorConfig{
				Interval:  a.cfg.Audit.Interval.Duration,
				BatchSize: a.cfg.Audit.BatchSize,
				Repair:    a.cfg.Audit.Repair,
			},
			a.logger,
		)
	}

	orch := pipeline.NewOrchestrator(poller, auditor, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return poller
}

// startHTTPServer registers the read API and its WebSocket hub. progress is
// nil when no poller runs in this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, poller *pipeline.Poller) {
	sc := a.cfg.Server

	var progress handler.PollerStatus
	if poller != nil {
		progress = poller
	}
	var reader domain.ChainStakeReader
	if deps.Ledger != nil {
		reader = deps.Ledger
	}
	queries := service.NewQueryService(deps.Store, deps.Profiles, reader)

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Status:  handler.NewStatusHandler(strings.ToLower(a.cfg.Mode), progress, deps.SignalBus, a.logger),
		Stakes:  handler.NewStakeHandler(queries, a.logger),
		Metrics: metrics.Handler(),
	}
	if reader != nil {
		handlers.Chain = handler.NewChainHandler(queries, a.cfg.Chain.CallTimeout.Duration, a.logger)
	}

	// WebSocket hub requires the Redis SignalBus.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, sc.CORSOrigins, a.logger)
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:            sc.Port,
		CORSOrigins:     sc.CORSOrigins,
		APIKey:          sc.APIKey,
		ChainReadLimit:  sc.ChainReadLimit,
		ChainReadWindow: sc.ChainReadWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// announce sends the startup notification. Delivery problems are logged by
// the notifier and never block startup.
func (a *App) announce(ctx context.Context, deps *Dependencies) {
	msg := fmt.Sprintf("mode=%s contract=%s chain=%d", a.cfg.Mode, a.cfg.Chain.ContractAddress, a.cfg.Chain.ChainID)
	if err := deps.Notifier.Notify(ctx, notify.EventStartup, "matchsync started", msg); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
	}
}

func countEvents(report domain.CycleReport) int {
	n := 0
	for _, c := range report.Counts {
		n += c
	}
	return n
}
