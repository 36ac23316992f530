package domain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a canonical party identity: a fixed-width 20-byte account
// address. Its string form is always "0x" followed by 40 lowercase hex digits,
// which is the key used by every off-chain table.
type Address [common.AddressLength]byte

// ZeroAddress is the all-zero address. It is never a valid party.
var ZeroAddress Address

// ParseAddress canonicalizes s into an Address. It accepts mixed-case
// (checksummed) input with or without the 0x prefix and surrounding
// whitespace; anything that is not exactly 20 bytes of hex is rejected.
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	// HexToAddress pads or crops silently, so the shape is checked first.
	if !common.IsHexAddress(raw) {
		return ZeroAddress, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address(common.HexToAddress(raw)), nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromCommon converts a go-ethereum address.
func AddressFromCommon(a common.Address) Address {
	return Address(a)
}

// Common returns the go-ethereum form, used when encoding contract calls.
func (a Address) Common() common.Address {
	return common.Address(a)
}

// String returns the canonical lowercase form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Less orders addresses by their canonical string, which for fixed-width
// lowercase hex is the same as byte order.
func (a Address) Less(b Address) bool {
	return a.String() < b.String()
}

// MarshalText implements encoding.TextMarshaler so addresses serialize as
// their canonical string in JSON and TOML.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Pair is an ordered (staker, target) key.
type Pair struct {
	Staker Address
	Target Address
}

// Reverse returns the pair staked in the opposite direction.
func (p Pair) Reverse() Pair {
	return Pair{Staker: p.Target, Target: p.Staker}
}

// Canonical returns the unordered form of the pair with the smaller address
// first.
func (p Pair) Canonical() (Address, Address) {
	return CanonicalPair(p.Staker, p.Target)
}

func (p Pair) String() string {
	return p.Staker.String() + "->" + p.Target.String()
}

// CanonicalPair returns (min, max) of two addresses.
func CanonicalPair(a, b Address) (Address, Address) {
	if b.Less(a) {
		return b, a
	}
	return a, b
}

// ChatRoomID derives the chat-room identifier for two parties. It depends only
// on the unordered pair, so either party computes the same value.
func ChatRoomID(a, b Address) string {
	lo, hi := CanonicalPair(a, b)
	return lo.String() + "_" + hi.String()
}
