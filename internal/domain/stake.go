package domain

import (
	"fmt"
	"math/big"
	"time"
)

// StakeStatus tracks the stake lifecycle for one ordered pair.
type StakeStatus string

const (
	StakeStatusNone     StakeStatus = "none"
	StakeStatusPending  StakeStatus = "pending"
	StakeStatusMatched  StakeStatus = "matched"
	StakeStatusRefunded StakeStatus = "refunded"
	StakeStatusReleased StakeStatus = "released"
)

// ledgerStatusOrder mirrors the contract's StakeStatus enum (uint8).
var ledgerStatusOrder = []StakeStatus{
	StakeStatusNone,
	StakeStatusPending,
	StakeStatusMatched,
	StakeStatusRefunded,
	StakeStatusReleased,
}

// StakeStatusFromLedger converts the contract enum value.
func StakeStatusFromLedger(v uint8) (StakeStatus, error) {
	if int(v) >= len(ledgerStatusOrder) {
		return StakeStatusNone, fmt.Errorf("unknown ledger stake status %d", v)
	}
	return ledgerStatusOrder[v], nil
}

// ParseStakeStatus validates a status string from the store or a query.
func ParseStakeStatus(s string) (StakeStatus, error) {
	for _, st := range ledgerStatusOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return StakeStatusNone, fmt.Errorf("unknown stake status %q", s)
}

// IsTerminal reports whether no further transition can leave this status
// within the current lifecycle.
func (s StakeStatus) IsTerminal() bool {
	return s == StakeStatusRefunded || s == StakeStatusReleased
}

// legalTransitions lists every permitted single step.
var legalTransitions = map[StakeStatus][]StakeStatus{
	StakeStatusNone:    {StakeStatusPending},
	StakeStatusPending: {StakeStatusMatched, StakeStatusRefunded},
	StakeStatusMatched: {StakeStatusReleased},
}

// CanTransition reports whether from -> to is a single legal step.
func CanTransition(from, to StakeStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LogPosition locates a ledger event. Positions order events totally.
type LogPosition struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"log_index"`
}

// Before reports whether p precedes q on the ledger.
func (p LogPosition) Before(q LogPosition) bool {
	if p.Block != q.Block {
		return p.Block < q.Block
	}
	return p.LogIndex < q.LogIndex
}

// StakeRecord is the off-chain mirror of one directional stake.
type StakeRecord struct {
	Staker    Address
	Target    Address
	Amount    *big.Int // token base units
	Status    StakeStatus
	CreatedAt time.Time // ledger timestamp of the stake
	MatchedAt *time.Time
	TxHash    string
	Position  LogPosition
	UpdatedAt time.Time
}

// Pair returns the record's ordered key.
func (r StakeRecord) Pair() Pair {
	return Pair{Staker: r.Staker, Target: r.Target}
}

// AmountString renders the amount for storage; nil amounts become "0".
func (r StakeRecord) AmountString() string {
	if r.Amount == nil {
		return "0"
	}
	return r.Amount.String()
}
