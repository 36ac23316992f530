package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/store/memory"
)

var (
	alice = domain.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = domain.MustParseAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	carol = domain.MustParseAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu  sync.Mutex
	out []published
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, published{channel, payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan domain.Message, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRevRange(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.out))
	for i, p := range b.out {
		out[i] = p.channel
	}
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (a *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return a.err
}

type harness struct {
	store    *memory.Store
	audit    *memory.AuditStore
	bus      *fakeBus
	alerter  *fakeAlerter
	sync     *StakeSync
	detector *MatchDetector
}

func newHarness() *harness {
	h := &harness{
		store:   memory.New(),
		audit:   memory.NewAuditStore(),
		bus:     &fakeBus{},
		alerter: &fakeAlerter{},
	}
	signals := NewSignals(h.audit, h.alerter, nil, testLogger())
	h.sync = NewStakeSync(h.store, h.bus, signals, testLogger())
	h.detector = NewMatchDetector(h.store, h.bus, signals, nil, testLogger())
	return h
}

func placedEvent(from, to domain.Address, block uint64) domain.LedgerEvent {
	return domain.LedgerEvent{
		Kind:      domain.EventStakePlaced,
		Position:  domain.LogPosition{Block: block},
		TxHash:    txFor(block, 0),
		From:      from,
		To:        to,
		Amount:    big.NewInt(1_000_000),
		Timestamp: time.Unix(1700000000+int64(block), 0).UTC(),
	}
}

func pairEvent(kind domain.EventKind, from, to domain.Address, block uint64, index uint) domain.LedgerEvent {
	return domain.LedgerEvent{
		Kind:      kind,
		Position:  domain.LogPosition{Block: block, LogIndex: index},
		TxHash:    txFor(block, index),
		From:      from,
		To:        to,
		Amount:    big.NewInt(1_000_000),
		Timestamp: time.Unix(1700000000+int64(block), 0).UTC(),
	}
}

func txFor(block uint64, index uint) string {
	return "0x" + big.NewInt(int64(block*100+uint64(index))).Text(16)
}

// place applies a Staked event and runs detection, as the dispatcher does.
func (h *harness) place(ctx context.Context, ev domain.LedgerEvent) (MatchResult, error) {
	rec, _, err := h.sync.ApplyPlaced(ctx, ev)
	if err != nil {
		return MatchResult{}, err
	}
	return h.detector.Detect(ctx, rec)
}
