package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
)

// StakeQueries defines the read-side lookups the stake handler requires.
type StakeQueries interface {
	Incoming(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.StakeView, error)
	Outgoing(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.StakeView, error)
	Matches(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.MatchView, error)
}

// StakeHandler serves mirror reads for presentation collaborators.
type StakeHandler struct {
	queries StakeQueries
	logger  *slog.Logger
}

// NewStakeHandler creates a StakeHandler.
func NewStakeHandler(queries StakeQueries, logger *slog.Logger) *StakeHandler {
	return &StakeHandler{queries: queries, logger: logHandler(logger, "stakes")}
}

type stakeJSON struct {
	Staker    domain.Address  `json:"staker"`
	Target    domain.Address  `json:"target"`
	Amount    string          `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	MatchedAt *time.Time      `json:"matched_at,omitempty"`
	TxHash    string          `json:"tx_hash"`
	Block     uint64          `json:"block_number"`
	Profile   *domain.Profile `json:"profile"`
}

type matchJSON struct {
	UserA      domain.Address  `json:"user_a"`
	UserB      domain.Address  `json:"user_b"`
	ChatRoomID string          `json:"chat_room_id"`
	MatchedAt  time.Time       `json:"matched_at"`
	ProfileA   *domain.Profile `json:"profile_a"`
	ProfileB   *domain.Profile `json:"profile_b"`
}

func toStakeJSON(v domain.StakeView) stakeJSON {
	return stakeJSON{
		Staker:    v.Stake.Staker,
		Target:    v.Stake.Target,
		Amount:    v.Stake.AmountString(),
		Status:    string(v.Stake.Status),
		CreatedAt: v.Stake.CreatedAt,
		MatchedAt: v.Stake.MatchedAt,
		TxHash:    v.Stake.TxHash,
		Block:     v.Stake.Position.Block,
		Profile:   v.Profile,
	}
}

// Incoming lists stakes targeting an address.
// GET /api/stakes/incoming?address=0x...&status=pending
func (h *StakeHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	h.listStakes(w, r, "incoming", h.queries.Incoming)
}

// Outgoing lists stakes an address has placed.
// GET /api/stakes/outgoing?address=0x...&status=pending
func (h *StakeHandler) Outgoing(w http.ResponseWriter, r *http.Request) {
	h.listStakes(w, r, "outgoing", h.queries.Outgoing)
}

type stakeLister func(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.StakeView, error)

func (h *StakeHandler) listStakes(w http.ResponseWriter, r *http.Request, direction string, list stakeLister) {
	addr, err := queryAddress(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := list(r.Context(), addr, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list stakes failed",
			slog.String("direction", direction),
			slog.String("address", addr.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list stakes")
		return
	}

	out := make([]stakeJSON, len(views))
	for i, v := range views {
		out[i] = toStakeJSON(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": out})
}

// Matches lists the matches an address takes part in.
// GET /api/matches?address=0x...
func (h *StakeHandler) Matches(w http.ResponseWriter, r *http.Request) {
	addr, err := queryAddress(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := h.queries.Matches(r.Context(), addr, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list matches failed",
			slog.String("address", addr.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list matches")
		return
	}

	out := make([]matchJSON, len(views))
	for i, v := range views {
		out[i] = matchJSON{
			UserA:      v.Match.UserA,
			UserB:      v.Match.UserB,
			ChatRoomID: v.Match.ChatRoomID,
			MatchedAt:  v.Match.MatchedAt,
			ProfileA:   v.ProfileA,
			ProfileB:   v.ProfileB,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}
