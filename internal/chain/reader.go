package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/habitplatform/matchsync/internal/domain"
)

// GetStatus reads getStakeStatus(staker, target) at the latest block.
func (c *Client) GetStatus(ctx context.Context, staker, target domain.Address) (domain.LedgerStake, error) {
	out, err := c.view(ctx, "getStakeStatus", staker, target)
	if err != nil {
		return domain.LedgerStake{}, err
	}
	if len(out) != 3 {
		return domain.LedgerStake{}, fmt.Errorf("chain: getStakeStatus: expected 3 outputs, got %d", len(out))
	}

	raw, ok := out[0].(uint8)
	if !ok {
		return domain.LedgerStake{}, fmt.Errorf("chain: getStakeStatus: status has type %T", out[0])
	}
	status, err := domain.StakeStatusFromLedger(raw)
	if err != nil {
		return domain.LedgerStake{}, fmt.Errorf("chain: getStakeStatus: %w", err)
	}
	amount, _ := out[1].(*big.Int)
	ts, _ := out[2].(*big.Int)

	return domain.LedgerStake{
		Status:    status,
		Amount:    amount,
		Timestamp: unixOrZero(ts),
	}, nil
}

// IsMatched reads isMatched(userA, userB). The contract answers for the
// unordered pair.
func (c *Client) IsMatched(ctx context.Context, userA, userB domain.Address) (domain.LedgerMatch, error) {
	out, err := c.view(ctx, "isMatched", userA, userB)
	if err != nil {
		return domain.LedgerMatch{}, err
	}
	if len(out) != 3 {
		return domain.LedgerMatch{}, fmt.Errorf("chain: isMatched: expected 3 outputs, got %d", len(out))
	}
	matched, _ := out[0].(bool)
	at, _ := out[1].(*big.Int)
	released, _ := out[2].(bool)

	return domain.LedgerMatch{
		Matched:   matched,
		MatchedAt: unixOrZero(at),
		Released:  released,
	}, nil
}

func (c *Client) view(ctx context.Context, method string, a, b domain.Address) ([]any, error) {
	input, err := contractABI.Pack(method, a.Common(), b.Common())
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	contract := c.contract
	raw, err := c.backend.CallContract(cctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

func unixOrZero(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

var _ domain.ChainStakeReader = (*Client)(nil)
