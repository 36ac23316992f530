package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
	"github.com/habitplatform/matchsync/internal/notify"
)

// Alerter delivers operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Outcome classifies how a single ledger event landed in the mirror.
type Outcome string

const (
	// OutcomeApplied means the mirror changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the mirror already reflected the event.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeGap means the mirror has no row the event could apply to.
	OutcomeGap Outcome = "gap"
	// OutcomeRejected means the row is in a state the transition cannot
	// leave; it is reported as an inconsistency.
	OutcomeRejected Outcome = "rejected"
)

// Signals records inconsistency signals: a log line, an audit row, a metric
// and an operator alert. Any of the sinks may be nil.
type Signals struct {
	audit   domain.AuditStore
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSignals creates a Signals.
func NewSignals(audit domain.AuditStore, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Signals {
	return &Signals{
		audit:   audit,
		alerter: alerter,
		metrics: m,
		logger:  logger.With(slog.String("component", "signals")),
	}
}

// Inconsistency reports a ledger event the mirror refused to apply.
func (s *Signals) Inconsistency(ctx context.Context, ev domain.LedgerEvent, pair domain.Pair, current domain.StakeStatus) {
	s.logger.WarnContext(ctx, "ledger event rejected by mirror state",
		slog.String("kind", string(ev.Kind)),
		slog.String("pair", pair.String()),
		slog.String("mirror_status", string(current)),
		slog.String("tx_hash", ev.TxHash),
		slog.Uint64("block", ev.Position.Block),
	)
	s.metrics.Inconsistency(ev.Kind)

	detail := map[string]any{
		"kind":          string(ev.Kind),
		"staker":        pair.Staker.String(),
		"target":        pair.Target.String(),
		"mirror_status": string(current),
		"tx_hash":       ev.TxHash,
		"block":         ev.Position.Block,
		"log_index":     ev.Position.LogIndex,
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "inconsistency", detail); err != nil {
			s.logger.ErrorContext(ctx, "audit log write failed", slog.String("error", err.Error()))
		}
	}
	if s.alerter != nil {
		msg := fmt.Sprintf("%s event for %s (tx %s, block %d) found mirror status %q",
			ev.Kind, pair, ev.TxHash, ev.Position.Block, current)
		if err := s.alerter.Notify(ctx, notify.EventInconsistency, "Mirror inconsistency", msg); err != nil {
			s.logger.WarnContext(ctx, "inconsistency alert failed", slog.String("error", err.Error()))
		}
	}
}

// publishJSON marshals v onto channel. Notifications are best effort.
func publishJSON(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel string, v any) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logger.ErrorContext(ctx, "marshal notification", slog.String("error", err.Error()))
		return
	}
	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "publish notification failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
