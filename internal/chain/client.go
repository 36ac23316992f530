// Package chain reads the stake-match contract: event logs for the poller and
// direct view calls for strongly consistent lookups.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/habitplatform/matchsync/internal/domain"
	"golang.org/x/time/rate"
)

// Backend is the subset of the Ethereum RPC the engine uses. *ethclient.Client
// satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Config configures a Client.
type Config struct {
	Contract common.Address
	// RequestsPerSecond throttles RPC calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// CallTimeout bounds each individual RPC call when positive.
	CallTimeout time.Duration
}

// Client implements domain.Ledger and domain.ChainStakeReader for one
// contract. It never retries; the poller's next cycle is the retry.
type Client struct {
	backend  Backend
	contract common.Address
	limiter  *rate.Limiter
	timeout  time.Duration
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	c, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return c, nil
}

// NewClient wraps backend for the configured contract.
func NewClient(backend Backend, cfg Config) *Client {
	c := &Client{
		backend:  backend,
		contract: cfg.Contract,
		timeout:  cfg.CallTimeout,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Contract returns the watched contract address.
func (c *Client) Contract() domain.Address {
	return domain.AddressFromCommon(c.contract)
}

// call waits for the rate limiter and applies the per-call timeout.
func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("chain: rate limit: %w", err)
		}
	}
	if c.timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		return cctx, cancel, nil
	}
	return ctx, func() {}, nil
}

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	n, err := c.backend.BlockNumber(cctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// FetchLogs returns every log of kind emitted by the contract in the
// inclusive range, decoded and in ledger order. Kinds without a timestamp
// field take the timestamp of their block. Logs that fail to decode are
// skipped and returned as *domain.UndecodableLogs next to the rest.
func (c *Client) FetchLogs(ctx context.Context, kind domain.EventKind, fromBlock, toBlock uint64) ([]domain.LedgerEvent, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	ev, err := eventFor(kind)
	if err != nil {
		return nil, err
	}

	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(cctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ev.ID}},
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("chain: filter %s logs [%d,%d]: %w", kind, fromBlock, toBlock, err)
	}

	out := make([]domain.LedgerEvent, 0, len(logs))
	var bad []domain.EventFailure
	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		decoded, err := decodeLog(kind, ev, lg)
		if err != nil {
			bad = append(bad, domain.EventFailure{
				Kind:     kind,
				Position: domain.LogPosition{Block: lg.BlockNumber, LogIndex: lg.Index},
				TxHash:   lg.TxHash.Hex(),
				Error:    err.Error(),
			})
			continue
		}
		if decoded.Timestamp.IsZero() {
			ts, err := c.blockTime(ctx, lg.BlockNumber, blockTimes)
			if err != nil {
				return nil, err
			}
			decoded.Timestamp = ts
		}
		out = append(out, decoded)
	}
	sortEvents(out)
	if len(bad) > 0 {
		return out, &domain.UndecodableLogs{Failures: bad}
	}
	return out, nil
}

func (c *Client) blockTime(ctx context.Context, block uint64, cache map[uint64]time.Time) (time.Time, error) {
	if ts, ok := cache[block]; ok {
		return ts, nil
	}
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer cancel()

	header, err := c.backend.HeaderByNumber(cctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", block, err)
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("chain: header %d missing", block)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	cache[block] = ts
	return ts, nil
}

var _ domain.Ledger = (*Client)(nil)
