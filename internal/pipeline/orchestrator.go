package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Orchestrator runs the sync loops: the poller and, when configured, the
// drift auditor.
type Orchestrator struct {
	poller  Runner
	auditor Runner
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator. auditor may be nil.
func NewOrchestrator(poller, auditor Runner, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		poller:  poller,
		auditor: auditor,
		logger:  logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every loop as a goroutine in an errgroup. If a loop returns a
// non-context error, the group cancels the shared context and Run returns
// that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("sync orchestrator starting", slog.Bool("auditor", o.auditor != nil))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.poller.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		if err != nil {
			return fmt.Errorf("poller: %w", err)
		}
		return nil
	})

	if o.auditor != nil {
		g.Go(func() error {
			err := o.auditor.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err != nil {
				return fmt.Errorf("auditor: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("sync orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("sync orchestrator stopped cleanly")
	return nil
}
