package domain

import "time"

// MatchRecord is a confirmed mutual stake. UserA is always the smaller
// address; ChatRoomID is derived from the pair and never stored independently
// of it.
type MatchRecord struct {
	UserA      Address
	UserB      Address
	MatchedAt  time.Time
	ChatRoomID string
	CreatedAt  time.Time
}

// NewMatchRecord builds a canonical match for two parties in any order.
func NewMatchRecord(a, b Address, matchedAt time.Time) MatchRecord {
	lo, hi := CanonicalPair(a, b)
	return MatchRecord{
		UserA:      lo,
		UserB:      hi,
		MatchedAt:  matchedAt.UTC(),
		ChatRoomID: ChatRoomID(lo, hi),
	}
}

// Counterparty returns the other participant, or false when user is not part
// of the match.
func (m MatchRecord) Counterparty(user Address) (Address, bool) {
	switch user {
	case m.UserA:
		return m.UserB, true
	case m.UserB:
		return m.UserA, true
	default:
		return ZeroAddress, false
	}
}

// Profile is the read-only public profile of a wallet owner, owned by the
// onboarding collaborator.
type Profile struct {
	WalletAddress Address `json:"wallet_address"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	AvatarURL     string  `json:"avatar_url,omitempty"`
	Bio           string  `json:"bio,omitempty"`
}

// StakeView is a stake joined with the counterparty's profile.
type StakeView struct {
	Stake   StakeRecord
	Profile *Profile
}

// MatchView is a match joined with both participants' profiles.
type MatchView struct {
	Match    MatchRecord
	ProfileA *Profile
	ProfileB *Profile
}
