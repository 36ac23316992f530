package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
)

// LedgerQueries defines the direct ledger reads the chain handler requires.
type LedgerQueries interface {
	LedgerStake(ctx context.Context, staker, target domain.Address) (domain.LedgerStake, error)
	LedgerMatch(ctx context.Context, a, b domain.Address) (domain.LedgerMatch, error)
}

// ChainHandler serves strongly consistent reads straight from the ledger for
// collaborators that cannot wait for the mirror.
type ChainHandler struct {
	ledger  LedgerQueries
	timeout time.Duration
	logger  *slog.Logger
}

// NewChainHandler creates a ChainHandler. Each read is bounded by timeout.
func NewChainHandler(ledger LedgerQueries, timeout time.Duration, logger *slog.Logger) *ChainHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChainHandler{ledger: ledger, timeout: timeout, logger: logHandler(logger, "chain")}
}

func (h *ChainHandler) pair(w http.ResponseWriter, r *http.Request, first, second string) (domain.Address, domain.Address, bool) {
	a, err := pathAddress(r, first)
	if err != nil {
		writeError(w, http.StatusBadRequest, first+": "+err.Error())
		return a, a, false
	}
	b, err := pathAddress(r, second)
	if err != nil {
		writeError(w, http.StatusBadRequest, second+": "+err.Error())
		return a, b, false
	}
	if a == b {
		writeError(w, http.StatusBadRequest, "addresses must differ")
		return a, b, false
	}
	return a, b, true
}

// GetStake reads one directional stake from the ledger.
// GET /api/chain/stakes/{staker}/{target}
func (h *ChainHandler) GetStake(w http.ResponseWriter, r *http.Request) {
	staker, target, ok := h.pair(w, r, "staker", "target")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	st, err := h.ledger.LedgerStake(ctx, staker, target)
	if err != nil {
		h.logger.ErrorContext(ctx, "ledger stake read failed",
			slog.String("staker", staker.String()),
			slog.String("target", target.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "ledger read failed")
		return
	}

	amount := "0"
	if st.Amount != nil {
		amount = st.Amount.String()
	}
	resp := map[string]any{
		"staker": staker,
		"target": target,
		"status": st.Status,
		"amount": amount,
	}
	if !st.Timestamp.IsZero() {
		resp["timestamp"] = st.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMatch reads a pair's match state from the ledger.
// GET /api/chain/matches/{a}/{b}
func (h *ChainHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	a, b, ok := h.pair(w, r, "a", "b")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	m, err := h.ledger.LedgerMatch(ctx, a, b)
	if err != nil {
		h.logger.ErrorContext(ctx, "ledger match read failed",
			slog.String("pair", domain.ChatRoomID(a, b)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "ledger read failed")
		return
	}

	lo, hi := domain.CanonicalPair(a, b)
	resp := map[string]any{
		"user_a":       lo,
		"user_b":       hi,
		"chat_room_id": domain.ChatRoomID(lo, hi),
		"matched":      m.Matched,
		"released":     m.Released,
	}
	if !m.MatchedAt.IsZero() {
		resp["matched_at"] = m.MatchedAt
	}
	writeJSON(w, http.StatusOK, resp)
}
