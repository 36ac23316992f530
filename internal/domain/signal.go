package domain

import "time"

// Channel prefixes for change notifications. Each message is published once
// per interested address so subscribers filter by channel alone.
const (
	MatchChannelPrefix = "ch:match:"
	StakeChannelPrefix = "ch:stake:"

	// CycleStream holds recent cycle reports, newest last.
	CycleStream = "stream:cycles"
)

// MatchChannel is the channel notified when addr gains a match.
func MatchChannel(addr Address) string { return MatchChannelPrefix + addr.String() }

// StakeChannel is the channel notified when someone stakes on addr.
func StakeChannel(addr Address) string { return StakeChannelPrefix + addr.String() }

// MatchNotification is published on both participants' match channels.
type MatchNotification struct {
	Type       string    `json:"type"` // "match_created"
	UserA      Address   `json:"user_a"`
	UserB      Address   `json:"user_b"`
	ChatRoomID string    `json:"chat_room_id"`
	MatchedAt  time.Time `json:"matched_at"`
}

// StakeNotification is published on the target's stake channel.
type StakeNotification struct {
	Type   string  `json:"type"` // "stake_received"
	Staker Address `json:"staker"`
	Target Address `json:"target"`
	Amount string  `json:"amount"`
	TxHash string  `json:"tx_hash"`
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	ID        string            `json:"id"`
	FromBlock uint64            `json:"from_block"`
	ToBlock   uint64            `json:"to_block"`
	Counts    map[EventKind]int `json:"counts"`
	Outcomes  map[string]int    `json:"outcomes,omitempty"`
	Failures  []EventFailure    `json:"failures,omitempty"`
	Matches   int               `json:"matches_created"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Skipped   bool              `json:"skipped,omitempty"`
}

// EventFailure records a log that could not be applied.
type EventFailure struct {
	Kind     EventKind   `json:"kind"`
	Position LogPosition `json:"position"`
	TxHash   string      `json:"tx_hash"`
	Error    string      `json:"error"`
}
