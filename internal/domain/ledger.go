package domain

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// EventKind names one of the contract events the engine consumes.
type EventKind string

const (
	EventStakePlaced   EventKind = "Staked"
	EventStakeMatched  EventKind = "Matched"
	EventStakeRefunded EventKind = "Refunded"
	EventStakeReleased EventKind = "Released"
)

// EventKindsInOrder is the fixed per-cycle processing order. A stake seen in
// the same batch as its resulting match is applied before the match.
var EventKindsInOrder = []EventKind{
	EventStakePlaced,
	EventStakeMatched,
	EventStakeRefunded,
	EventStakeReleased,
}

// LedgerEvent is a decoded contract log. From/To carry the two indexed
// addresses: (from, to) for Staked and Refunded, (userA, userB) for Matched
// and Released. Timestamp is zero for kinds that carry none.
type LedgerEvent struct {
	Kind      EventKind   `json:"kind"`
	Position  LogPosition `json:"position"`
	TxHash    string      `json:"tx_hash"`
	From      Address     `json:"from"`
	To        Address     `json:"to"`
	Amount    *big.Int    `json:"amount,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// Ledger is the polled read surface of the chain.
type Ledger interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	// FetchLogs may return *UndecodableLogs alongside the events that did
	// decode; any other error fails the whole range.
	FetchLogs(ctx context.Context, kind EventKind, fromBlock, toBlock uint64) ([]LedgerEvent, error)
}

// UndecodableLogs lists fetched logs that could not be decoded. Retrying the
// range cannot fix them, so they are reported like failed events.
type UndecodableLogs struct {
	Failures []EventFailure
}

func (e *UndecodableLogs) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Error
	}
	return fmt.Sprintf("%d undecodable logs, first: %s", len(e.Failures), e.Failures[0].Error)
}

// LedgerStake is the ledger's direct answer for one ordered pair.
type LedgerStake struct {
	Status    StakeStatus
	Amount    *big.Int
	Timestamp time.Time
}

// LedgerMatch is the ledger's direct answer for an unordered pair.
type LedgerMatch struct {
	Matched   bool
	MatchedAt time.Time
	Released  bool
}

// ChainStakeReader performs strongly consistent reads straight from the
// ledger. Implementations do not retry; callers own timeouts.
type ChainStakeReader interface {
	GetStatus(ctx context.Context, staker, target Address) (LedgerStake, error)
	IsMatched(ctx context.Context, userA, userB Address) (LedgerMatch, error)
}
