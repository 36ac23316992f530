package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
	"github.com/habitplatform/matchsync/internal/notify"
)

// AuditReport summarizes one drift audit pass.
type AuditReport struct {
	Checked  int
	Drifted  int
	Repaired int
	Errors   int
}

// Auditor compares live mirror rows with direct ledger reads. It closes the
// gaps left by per-event failures, which the poller never retries.
type Auditor struct {
	store    domain.MirrorStore
	reader   domain.ChainStakeReader
	audit    domain.AuditStore
	alerter  Alerter
	metrics  *metrics.Metrics
	repair   bool
	batch    int
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// AuditorConfig configures an Auditor.
type AuditorConfig struct {
	Interval  time.Duration
	BatchSize int
	Repair    bool
}

// NewAuditor creates an Auditor. audit, alerter and m may be nil.
func NewAuditor(store domain.MirrorStore, reader domain.ChainStakeReader, audit domain.AuditStore, alerter Alerter, m *metrics.Metrics, cfg AuditorConfig, logger *slog.Logger) *Auditor {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Auditor{
		store:    store,
		reader:   reader,
		audit:    audit,
		alerter:  alerter,
		metrics:  m,
		repair:   cfg.Repair,
		batch:    batch,
		interval: cfg.Interval,
		logger:   logger.With(slog.String("component", "auditor")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run audits every interval until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	if a.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := a.RunOnce(ctx)
			if err != nil {
				a.logger.ErrorContext(ctx, "drift audit failed", slog.String("error", err.Error()))
				continue
			}
			a.logger.InfoContext(ctx, "drift audit complete",
				slog.Int("checked", report.Checked),
				slog.Int("drifted", report.Drifted),
				slog.Int("repaired", report.Repaired),
				slog.Int("errors", report.Errors),
			)
		}
	}
}

// RunOnce samples the stalest Pending and Matched rows and checks each
// against the ledger.
func (a *Auditor) RunOnce(ctx context.Context) (AuditReport, error) {
	var report AuditReport
	for _, status := range []domain.StakeStatus{domain.StakeStatusPending, domain.StakeStatusMatched} {
		rows, err := a.store.ListByStatus(ctx, status, domain.ListOpts{Limit: a.batch})
		if err != nil {
			return report, fmt.Errorf("service: audit list %s: %w", status, err)
		}
		for _, rec := range rows {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			a.check(ctx, rec, &report)
		}
	}

	if report.Drifted > 0 && a.alerter != nil {
		msg := fmt.Sprintf("%d of %d sampled rows differ from the ledger (%d repaired)",
			report.Drifted, report.Checked, report.Repaired)
		if err := a.alerter.Notify(ctx, notify.EventDrift, "Mirror drift detected", msg); err != nil {
			a.logger.WarnContext(ctx, "drift alert failed", slog.String("error", err.Error()))
		}
	}
	return report, nil
}

func (a *Auditor) check(ctx context.Context, rec domain.StakeRecord, report *AuditReport) {
	report.Checked++
	ledger, err := a.reader.GetStatus(ctx, rec.Staker, rec.Target)
	if err != nil {
		report.Errors++
		a.logger.WarnContext(ctx, "ledger read failed",
			slog.String("pair", rec.Pair().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if ledger.Status == rec.Status {
		return
	}

	report.Drifted++
	a.metrics.Drift()
	repaired := a.repair && a.apply(ctx, rec, ledger)
	if repaired {
		report.Repaired++
	}

	a.logger.WarnContext(ctx, "mirror drift",
		slog.String("pair", rec.Pair().String()),
		slog.String("mirror_status", string(rec.Status)),
		slog.String("ledger_status", string(ledger.Status)),
		slog.Bool("repaired", repaired),
	)
	if a.audit != nil {
		detail := map[string]any{
			"staker":        rec.Staker.String(),
			"target":        rec.Target.String(),
			"mirror_status": string(rec.Status),
			"ledger_status": string(ledger.Status),
			"repaired":      repaired,
		}
		if err := a.audit.Log(ctx, "drift", detail); err != nil {
			a.logger.ErrorContext(ctx, "audit log write failed",
				slog.String("pair", rec.Pair().String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// apply moves the row one legal step toward the ledger's status. It never
// jumps states and never moves backwards.
func (a *Auditor) apply(ctx context.Context, rec domain.StakeRecord, ledger domain.LedgerStake) bool {
	if !domain.CanTransition(rec.Status, ledger.Status) {
		return false
	}

	at := a.now()
	if ledger.Status == domain.StakeStatusMatched {
		m, err := a.reader.IsMatched(ctx, rec.Staker, rec.Target)
		if err != nil || !m.Matched {
			return false
		}
		if !m.MatchedAt.IsZero() {
			at = m.MatchedAt
		}
		if _, err := a.store.InsertMatchIfAbsent(ctx, domain.NewMatchRecord(rec.Staker, rec.Target, at)); err != nil {
			a.logger.ErrorContext(ctx, "repair match insert failed", slog.String("error", err.Error()))
			return false
		}
	}

	ok, err := a.store.UpdateStatus(ctx, rec.Staker, rec.Target, rec.Status, ledger.Status, at)
	if err != nil {
		a.logger.ErrorContext(ctx, "repair update failed", slog.String("error", err.Error()))
		return false
	}
	return ok
}
