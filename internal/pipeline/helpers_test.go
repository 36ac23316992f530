package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/service"
	"github.com/habitplatform/matchsync/internal/store/memory"
)

var (
	alice = domain.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = domain.MustParseAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

const cursorKey = "84532:0x20e7979abdde55f098a4ec77edf2079685278f27"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fetchCall struct {
	kind     domain.EventKind
	from, to uint64
}

type fakeLedger struct {
	mu        sync.Mutex
	head      uint64
	headErr   error
	fetches   map[domain.EventKind]error
	undecoded map[domain.EventKind][]domain.EventFailure
	events    []domain.LedgerEvent
	calls     []fetchCall

	// hold runs before each fetch, outside the lock. A non-nil return is
	// the fetch error.
	hold func(ctx context.Context) error
}

func newFakeLedger(head uint64, events ...domain.LedgerEvent) *fakeLedger {
	return &fakeLedger{
		head:      head,
		events:    events,
		fetches:   make(map[domain.EventKind]error),
		undecoded: make(map[domain.EventKind][]domain.EventFailure),
	}
}

func (l *fakeLedger) CurrentHeight(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.headErr
}

func (l *fakeLedger) FetchLogs(ctx context.Context, kind domain.EventKind, from, to uint64) ([]domain.LedgerEvent, error) {
	if l.hold != nil {
		if err := l.hold(ctx); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fetchCall{kind, from, to})
	if err := l.fetches[kind]; err != nil {
		return nil, err
	}
	var out []domain.LedgerEvent
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Position.Block >= from && ev.Position.Block <= to {
			out = append(out, ev)
		}
	}
	if bad := l.undecoded[kind]; len(bad) > 0 {
		return out, &domain.UndecodableLogs{Failures: bad}
	}
	return out, nil
}

func (l *fakeLedger) fetchCalls() []fetchCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fetchCall(nil), l.calls...)
}

type memJournal struct {
	mu     sync.Mutex
	ranges map[[2]uint64][]domain.LedgerEvent
	err    error
}

func newMemJournal() *memJournal {
	return &memJournal{ranges: make(map[[2]uint64][]domain.LedgerEvent)}
}

func (j *memJournal) Record(_ context.Context, from, to uint64, events []domain.LedgerEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.ranges[[2]uint64{from, to}] = append([]domain.LedgerEvent(nil), events...)
	return nil
}

func (j *memJournal) Load(_ context.Context, from, to uint64) ([]domain.LedgerEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.LedgerEvent
	for _, events := range j.ranges {
		for _, ev := range events {
			if ev.Position.Block >= from && ev.Position.Block <= to {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

type fakeLocks struct {
	held bool
	err  error
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type streamBus struct {
	mu      sync.Mutex
	streams map[string][][]byte
}

func (b *streamBus) Publish(context.Context, string, []byte) error { return nil }

func (b *streamBus) Subscribe(context.Context, string) (<-chan domain.Message, error) {
	return nil, errors.New("not supported")
}

func (b *streamBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = make(map[string][][]byte)
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *streamBus) StreamRevRange(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *streamBus) entries(stream string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[stream]
}

type countingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *countingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type fixture struct {
	ledger     *fakeLedger
	store      *memory.Store
	cursors    *memory.CursorStore
	journal    *memJournal
	bus        *streamBus
	alerter    *countingAlerter
	dispatcher *Dispatcher
}

func newFixture(ledger *fakeLedger) *fixture {
	f := &fixture{
		ledger:  ledger,
		store:   memory.New(),
		cursors: memory.NewCursorStore(),
		journal: newMemJournal(),
		bus:     &streamBus{},
		alerter: &countingAlerter{},
	}
	f.dispatcher = f.newDispatcher(f.store)
	return f
}

func (f *fixture) newDispatcher(store *memory.Store) *Dispatcher {
	signals := service.NewSignals(memory.NewAuditStore(), nil, nil, testLogger())
	return NewDispatcher(f.ledger,
		service.NewStakeSync(store, nil, signals, testLogger()),
		service.NewMatchDetector(store, nil, signals, nil, testLogger()),
		f.journal, nil, testLogger())
}

func (f *fixture) poller(cfg PollerConfig, locks domain.LockManager) *Poller {
	if cfg.CursorKey == "" {
		cfg.CursorKey = cursorKey
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	return NewPoller(f.ledger, f.dispatcher, f.cursors, locks, f.bus, f.alerter, nil, cfg, testLogger())
}

func (f *fixture) storedCursor() (uint64, error) {
	return f.cursors.GetCursor(context.Background(), cursorKey)
}

func staked(from, to domain.Address, block uint64, index uint) domain.LedgerEvent {
	return domain.LedgerEvent{
		Kind:      domain.EventStakePlaced,
		Position:  domain.LogPosition{Block: block, LogIndex: index},
		TxHash:    txHash(block, index),
		From:      from,
		To:        to,
		Amount:    big.NewInt(1_000_000),
		Timestamp: time.Unix(1700000000+int64(block), 0).UTC(),
	}
}

func pairEvent(kind domain.EventKind, a, b domain.Address, block uint64, index uint) domain.LedgerEvent {
	ev := staked(a, b, block, index)
	ev.Kind = kind
	return ev
}

func txHash(block uint64, index uint) string {
	return "0x" + big.NewInt(int64(block)*1000+int64(index)).Text(16)
}
