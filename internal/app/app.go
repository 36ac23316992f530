// Package app wires the engine's stores, caches, journal, ledger client and
// pipelines from configuration and runs them in the selected mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/habitplatform/matchsync/internal/config"
)

// runner executes one operating mode until ctx ends or the mode finishes.
type runner func(a *App, ctx context.Context, deps *Dependencies) error

var runners = map[string]runner{
	config.ModeSync:   (*App).SyncMode,
	config.ModeServer: (*App).ServerMode,
	config.ModeFull:   (*App).FullMode,
	config.ModeReplay: (*App).ReplayMode,
}

// App owns the configuration and the cleanup of whatever Run wired.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	release func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run wires dependencies and blocks in the configured mode. Call Close
// afterwards, whatever Run returned.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := runners[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", mode),
		slog.String("cursor_key", a.cfg.CursorKey()),
	)
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.mu.Lock()
	a.release = cleanup
	a.mu.Unlock()

	return run(a, ctx, deps)
}

// Close releases connections opened by Run. Repeated calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	release := a.release
	a.release = nil
	a.mu.Unlock()

	if release != nil {
		a.logger.Info("releasing resources")
		release()
	}
}
