package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/pipeline"
	"github.com/habitplatform/matchsync/internal/server/handler"
	"github.com/habitplatform/matchsync/internal/service"
	"github.com/habitplatform/matchsync/internal/store/memory"
)

var (
	alice = domain.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = domain.MustParseAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	carol = domain.MustParseAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReader struct {
	err error
}

func (f *fakeReader) GetStatus(_ context.Context, _, _ domain.Address) (domain.LedgerStake, error) {
	if f.err != nil {
		return domain.LedgerStake{}, f.err
	}
	return domain.LedgerStake{
		Status:    domain.StakeStatusPending,
		Amount:    big.NewInt(5_000_000),
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}, nil
}

func (f *fakeReader) IsMatched(_ context.Context, _, _ domain.Address) (domain.LedgerMatch, error) {
	if f.err != nil {
		return domain.LedgerMatch{}, f.err
	}
	return domain.LedgerMatch{Matched: true, MatchedAt: time.Unix(1700000100, 0).UTC()}, nil
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	n     int
	seen  map[string]int
	err   error
	wait  time.Duration
	calls int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (domain.RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return domain.RateDecision{}, l.err
	}
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	if l.seen[key] > l.n {
		return domain.RateDecision{RetryAfter: l.wait}, nil
	}
	return domain.RateDecision{Allowed: true, Remaining: l.n - l.seen[key]}, nil
}

type fakeProgress struct{}

func (fakeProgress) Status() pipeline.Status {
	return pipeline.Status{Cursor: 120, Head: 130}
}

type reportStream struct {
	msgs []domain.StreamMessage
}

func (s *reportStream) StreamRevRange(_ context.Context, _ string, count int) ([]domain.StreamMessage, error) {
	if count < len(s.msgs) {
		return s.msgs[:count], nil
	}
	return s.msgs, nil
}

type testServer struct {
	store   *memory.Store
	reader  *fakeReader
	limiter *countingLimiter
	handler http.Handler
}

func seedStake(t *testing.T, store *memory.Store, from, to domain.Address, block uint64) {
	t.Helper()
	_, err := store.UpsertStake(context.Background(), domain.StakeRecord{
		Staker:    from,
		Target:    to,
		Amount:    big.NewInt(1_000_000),
		CreatedAt: time.Unix(1700000000+int64(block), 0).UTC(),
		TxHash:    "0xtx",
		Position:  domain.LogPosition{Block: block},
	})
	require.NoError(t, err)
}

func newTestServer(t *testing.T, apiKey string, health map[string]handler.HealthCheck) *testServer {
	t.Helper()
	ts := &testServer{
		store:   memory.New(),
		reader:  &fakeReader{},
		limiter: &countingLimiter{n: 2},
	}
	profiles := memory.NewProfileStore(domain.Profile{WalletAddress: alice, Name: "Alice", Role: "athlete"})
	queries := service.NewQueryService(ts.store, profiles, ts.reader)
	logger := testLogger()

	stream := &reportStream{msgs: []domain.StreamMessage{
		{ID: "2-0", Payload: []byte(`{"id":"b","from_block":11,"to_block":20}`)},
		{ID: "1-0", Payload: []byte(`{"id":"a","from_block":1,"to_block":10}`)},
	}}
	srv := NewServer(Config{
		Port:            0,
		CORSOrigins:     []string{"https://app.example"},
		APIKey:          apiKey,
		ChainReadLimit:  2,
		ChainReadWindow: time.Minute,
	}, Handlers{
		Health:  handler.NewHealthHandler(health, logger),
		Status:  handler.NewStatusHandler("full", fakeProgress{}, stream, logger),
		Stakes:  handler.NewStakeHandler(queries, logger),
		Chain:   handler.NewChainHandler(queries, time.Second, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics\n")) }),
	}, nil, ts.limiter, logger)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) get(t *testing.T, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.0.0.7:5555"
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "", map[string]handler.HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	rec := ts.get(t, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"store": "ok"}, body["dependencies"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthDegraded(t *testing.T) {
	ts := newTestServer(t, "", map[string]handler.HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := ts.get(t, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"store": "ok", "redis": "down"}, body["dependencies"])
}

func TestIncomingAndOutgoingStakes(t *testing.T) {
	ts := newTestServer(t, "", nil)
	seedStake(t, ts.store, alice, bob, 10)
	seedStake(t, ts.store, carol, bob, 11)

	rec := ts.get(t, "/api/stakes/incoming?address=0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	require.Equal(t, http.StatusOK, rec.Code)
	var incoming struct {
		Stakes []struct {
			Staker  string          `json:"staker"`
			Status  string          `json:"status"`
			Amount  string          `json:"amount"`
			Block   uint64          `json:"block_number"`
			Profile *domain.Profile `json:"profile"`
		} `json:"stakes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &incoming))
	require.Len(t, incoming.Stakes, 2)
	assert.Equal(t, carol.String(), incoming.Stakes[0].Staker)
	assert.Nil(t, incoming.Stakes[0].Profile)
	assert.Equal(t, alice.String(), incoming.Stakes[1].Staker)
	require.NotNil(t, incoming.Stakes[1].Profile)
	assert.Equal(t, "Alice", incoming.Stakes[1].Profile.Name)
	assert.Equal(t, "pending", incoming.Stakes[1].Status)
	assert.Equal(t, "1000000", incoming.Stakes[1].Amount)
	assert.Equal(t, uint64(10), incoming.Stakes[1].Block)

	rec = ts.get(t, "/api/stakes/outgoing?address="+alice.String())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["stakes"], 1)

	rec = ts.get(t, "/api/stakes/outgoing?address="+alice.String()+"&status=matched")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Empty(t, body["stakes"])
}

func TestStakeQueryValidation(t *testing.T) {
	ts := newTestServer(t, "", nil)
	for _, target := range []string{
		"/api/stakes/incoming",
		"/api/stakes/incoming?address=0x1234",
		"/api/stakes/outgoing?address=" + alice.String() + "&status=lost",
		"/api/matches?address=" + alice.String() + "&since=yesterday",
	} {
		rec := ts.get(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Contains(t, decode(t, rec), "error", target)
	}
}

func TestMatchesList(t *testing.T) {
	ts := newTestServer(t, "", nil)
	at := time.Unix(1700000200, 0).UTC()
	created, err := ts.store.InsertMatchIfAbsent(context.Background(), domain.NewMatchRecord(bob, alice, at))
	require.NoError(t, err)
	require.True(t, created)

	rec := ts.get(t, "/api/matches?address="+bob.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Matches []struct {
			UserA      string          `json:"user_a"`
			UserB      string          `json:"user_b"`
			ChatRoomID string          `json:"chat_room_id"`
			MatchedAt  time.Time       `json:"matched_at"`
			ProfileA   *domain.Profile `json:"profile_a"`
			ProfileB   *domain.Profile `json:"profile_b"`
		} `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Matches, 1)
	m := body.Matches[0]
	assert.Equal(t, alice.String(), m.UserA)
	assert.Equal(t, bob.String(), m.UserB)
	assert.Equal(t, alice.String()+"_"+bob.String(), m.ChatRoomID)
	assert.True(t, at.Equal(m.MatchedAt))
	require.NotNil(t, m.ProfileA)
	assert.Equal(t, "Alice", m.ProfileA.Name)
	assert.Nil(t, m.ProfileB)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, "", nil)
	rec := ts.get(t, "/api/status?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode   string          `json:"mode"`
		Poller pipeline.Status `json:"poller"`
		Recent []struct {
			ID string `json:"id"`
		} `json:"recent_cycles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "full", body.Mode)
	assert.Equal(t, uint64(120), body.Poller.Cursor)
	assert.Equal(t, uint64(130), body.Poller.Head)
	require.Len(t, body.Recent, 1)
	assert.Equal(t, "b", body.Recent[0].ID)
}

func TestChainReads(t *testing.T) {
	ts := newTestServer(t, "", nil)

	rec := ts.get(t, "/api/chain/stakes/"+alice.String()+"/"+bob.String())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "5000000", body["amount"])

	rec = ts.get(t, "/api/chain/matches/"+bob.String()+"/"+alice.String())
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["matched"])
	assert.Equal(t, alice.String(), body["user_a"])
	assert.Equal(t, alice.String()+"_"+bob.String(), body["chat_room_id"])
}

func TestChainReadErrors(t *testing.T) {
	ts := newTestServer(t, "", nil)
	ts.limiter.n = 100

	rec := ts.get(t, "/api/chain/stakes/"+alice.String()+"/"+alice.String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.get(t, "/api/chain/stakes/nope/"+bob.String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.reader.err = errors.New("rpc timeout")
	rec = ts.get(t, "/api/chain/matches/"+alice.String()+"/"+bob.String())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChainReadsAreRateLimited(t *testing.T) {
	ts := newTestServer(t, "", nil)
	path := "/api/chain/stakes/" + alice.String() + "/" + bob.String()

	rec := ts.get(t, path)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, ts.get(t, path).Code)
	rec = ts.get(t, path)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "chain:10.0.0.7", firstKey(ts.limiter.seen))

	// Mirror reads are not limited.
	assert.Equal(t, http.StatusOK, ts.get(t, "/api/stakes/incoming?address="+bob.String()).Code)
	assert.Equal(t, 3, ts.limiter.calls)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	ts := newTestServer(t, "", nil)
	ts.limiter.n = 0
	ts.limiter.wait = 2500 * time.Millisecond

	rec := ts.get(t, "/api/chain/matches/"+alice.String()+"/"+bob.String())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func firstKey(m map[string]int) string {
	for k := range m {
		return k
	}
	return ""
}

func TestRateLimiterFailureFailsOpen(t *testing.T) {
	ts := newTestServer(t, "", nil)
	ts.limiter.err = errors.New("redis down")
	rec := ts.get(t, "/api/chain/matches/"+alice.String()+"/"+bob.String())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, "secret", nil)
	target := "/api/matches?address=" + alice.String()

	assert.Equal(t, http.StatusUnauthorized, ts.get(t, target).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.get(t, target, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, ts.get(t, target, "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, ts.get(t, target, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, ts.get(t, target+"&api_key=secret").Code)

	// Probes and scrapes stay open.
	assert.Equal(t, http.StatusOK, ts.get(t, "/api/health").Code)
	assert.Equal(t, http.StatusOK, ts.get(t, "/metrics").Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/matches", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = ts.get(t, "/api/health", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWritesAreNotRouted(t *testing.T) {
	ts := newTestServer(t, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/matches?address="+alice.String(), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
