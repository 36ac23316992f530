package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/habitplatform/matchsync/internal/domain"
)

// stakeMatchABI covers the read functions and events the engine consumes.
const stakeMatchABI = `[
  {"type":"function","name":"getStakeStatus","stateMutability":"view",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"}],
   "outputs":[{"name":"status","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"timestamp","type":"uint256"}]},
  {"type":"function","name":"isMatched","stateMutability":"view",
   "inputs":[{"name":"userA","type":"address"},{"name":"userB","type":"address"}],
   "outputs":[{"name":"matched","type":"bool"},{"name":"matchedAt","type":"uint256"},{"name":"released","type":"bool"}]},
  {"type":"event","name":"Staked","anonymous":false,
   "inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},
             {"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"timestamp","type":"uint256"}]},
  {"type":"event","name":"Matched","anonymous":false,
   "inputs":[{"indexed":true,"name":"userA","type":"address"},{"indexed":true,"name":"userB","type":"address"},
             {"indexed":false,"name":"timestamp","type":"uint256"}]},
  {"type":"event","name":"Refunded","anonymous":false,
   "inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},
             {"indexed":false,"name":"amount","type":"uint256"}]},
  {"type":"event","name":"Released","anonymous":false,
   "inputs":[{"indexed":true,"name":"userA","type":"address"},{"indexed":true,"name":"userB","type":"address"},
             {"indexed":false,"name":"amount","type":"uint256"}]}
]`

var contractABI = mustParseABI(stakeMatchABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// eventFor returns the ABI event for kind.
func eventFor(kind domain.EventKind) (abi.Event, error) {
	ev, ok := contractABI.Events[string(kind)]
	if !ok {
		return abi.Event{}, fmt.Errorf("chain: unknown event kind %q", kind)
	}
	return ev, nil
}
