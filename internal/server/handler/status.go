package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/pipeline"
)

// PollerStatus exposes the in-process poller's progress. It is nil in server
// mode, where reports come from the shared stream instead.
type PollerStatus interface {
	Status() pipeline.Status
}

// ReportStream reads recent cycle reports.
type ReportStream interface {
	StreamRevRange(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

// StatusHandler serves sync progress for operators and collaborators.
type StatusHandler struct {
	mode     string
	progress PollerStatus
	reports  ReportStream
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler. progress and reports may be nil.
func NewStatusHandler(mode string, progress PollerStatus, reports ReportStream, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:     mode,
		progress: progress,
		reports:  reports,
		logger:   logHandler(logger, "status"),
	}
}

// GetStatus responds with the mode, local poller progress and the most
// recent cycle reports.
// GET /api/status?limit=5
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"mode": h.mode}
	if h.progress != nil {
		resp["poller"] = h.progress.Status()
	}

	if h.reports != nil {
		opts, _ := parseListOpts(r)
		count := 5
		if r.URL.Query().Has("limit") {
			count = opts.Limit
		}
		msgs, err := h.reports.StreamRevRange(r.Context(), domain.CycleStream, count)
		if err != nil {
			h.logger.WarnContext(r.Context(), "read cycle reports failed", slog.String("error", err.Error()))
		}
		reports := make([]json.RawMessage, 0, len(msgs))
		for _, m := range msgs {
			if json.Valid(m.Payload) {
				reports = append(reports, json.RawMessage(m.Payload))
			}
		}
		resp["recent_cycles"] = reports
	}

	writeJSON(w, http.StatusOK, resp)
}
