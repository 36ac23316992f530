package chain

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/habitplatform/matchsync/internal/domain"
)

// decodeLog turns a raw log into a LedgerEvent. Both addresses are indexed
// and read from topics; the remaining fields come from the data section.
func decodeLog(kind domain.EventKind, ev abi.Event, lg gethtypes.Log) (domain.LedgerEvent, error) {
	if len(lg.Topics) < 3 {
		return domain.LedgerEvent{}, fmt.Errorf("chain: %s log %s/%d: expected 3 topics, got %d",
			kind, lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}
	if lg.Topics[0] != ev.ID {
		return domain.LedgerEvent{}, fmt.Errorf("chain: %s log %s/%d: topic mismatch", kind, lg.TxHash.Hex(), lg.Index)
	}

	fields := make(map[string]any)
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(fields, lg.Data); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("chain: unpack %s log %s/%d: %w", kind, lg.TxHash.Hex(), lg.Index, err)
	}

	out := domain.LedgerEvent{
		Kind:     kind,
		Position: domain.LogPosition{Block: lg.BlockNumber, LogIndex: lg.Index},
		TxHash:   lg.TxHash.Hex(),
		From:     domain.AddressFromCommon(common.BytesToAddress(lg.Topics[1].Bytes())),
		To:       domain.AddressFromCommon(common.BytesToAddress(lg.Topics[2].Bytes())),
	}
	if v, ok := fields["amount"].(*big.Int); ok {
		out.Amount = v
	}
	if v, ok := fields["timestamp"].(*big.Int); ok && v.Sign() > 0 {
		out.Timestamp = time.Unix(v.Int64(), 0).UTC()
	}
	return out, nil
}

func sortEvents(evs []domain.LedgerEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Position.Before(evs[j].Position)
	})
}
