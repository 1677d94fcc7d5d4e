package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"monad-trench-bot/internal/config"
	"monad-trench-bot/internal/monitor"
	"monad-trench-bot/internal/notify"
	"monad-trench-bot/internal/trigger"
)

const testToken = "0x1111111111111111111111111111111111111111"

func testConfig(marketURL string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: "test"},
		Market: config.MarketConfig{
			BaseURL:     marketURL,
			MarketsPath: "/markets",
			Timeout:     time.Second,
			Retry:       config.RetryConfig{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		Chain: config.ChainConfig{
			RPCURL:         "http://127.0.0.1:1",
			ChainID:        10143,
			NativeSymbol:   "tMON",
			TokenDecimals:  18,
			CallTimeout:    200 * time.Millisecond,
			ReceiptTimeout: time.Second,
		},
		Execution: config.ExecutionConfig{
			Simulation:         true,
			PaperBalance:       10,
			Slippage:           0.01,
			DefaultSnipeAmount: 0.1,
		},
		Watcher: config.WatcherConfig{
			PollInterval:     time.Second,
			FetchConcurrency: 2,
			FetchTimeout:     time.Second,
		},
		Registry: config.RegistryConfig{Backend: config.RegistryBackendSQLite},
		Database: config.DatabaseConfig{InMemory: true, MaxOpenConns: 1},
	}
}

func newTestRuntime(t *testing.T, price *atomic.Value) *Runtime {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"markets": []map[string]any{{"baseMint": testToken, "price": price.Load().(string)}},
		})
	}))
	t.Cleanup(srv.Close)

	rt, err := NewRuntime(context.Background(), testConfig(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func postCommand(t *testing.T, h http.Handler, owner, text string) commandResponse {
	t.Helper()

	body, err := json.Marshal(commandRequest{Owner: owner, Text: text})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/command", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp commandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRuntime_SnipeFiresThroughWatcher(t *testing.T) {
	price := &atomic.Value{}
	price.Store("0.8")
	rt := newTestRuntime(t, price)
	h := newMonitorHandler(rt, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Contains(t, postCommand(t, h, "7", "/createwallet").Reply, "Wallet Created!")
	assert.Contains(t, postCommand(t, h, "7", "/snipe "+testToken+" 0.5 1").Reply, "Sniper set!")

	report, err := rt.Watcher.Cycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fired)

	price.Store("0.5")
	report, err = rt.Watcher.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fired, 1)
	assert.True(t, rt.Simulator.Balance("7").Equal(decimal.NewFromInt(9)))

	got, err := rt.Registry.Get(ctx, report.Fired[0])
	require.NoError(t, err)
	assert.Equal(t, trigger.StatusFired, got.Status)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications?owner=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []notify.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, notify.KindFired, pending[0].Kind)

	events, err := rt.Monitor.ListEvents(ctx, monitor.Query{Type: monitor.EventExecution, Owner: "7"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMonitorHandler_Triggers(t *testing.T) {
	price := &atomic.Value{}
	price.Store("1")
	rt := newTestRuntime(t, price)
	h := newMonitorHandler(rt, zaptest.NewLogger(t))

	postCommand(t, h, "9", "/watch "+testToken+" 2")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/triggers?owner=9", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []trigger.Trigger
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, trigger.KindWatchAlert, listed[0].Kind)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/triggers", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?type=trigger_added", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []monitor.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 1)
}

func TestMonitorHandler_OutboxStatsDoNotDrain(t *testing.T) {
	price := &atomic.Value{}
	price.Store("1")
	rt := newTestRuntime(t, price)
	h := newMonitorHandler(rt, zaptest.NewLogger(t))

	require.NoError(t, rt.Outbox.Notify(context.Background(), notify.Notification{
		Owner:   "5",
		Kind:    notify.KindAlert,
		Message: "price alert",
	}))

	stats := func() outboxStats {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outbox?owner=5", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var got outboxStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		return got
	}

	assert.Equal(t, outboxStats{Owner: "5", Pending: 1}, stats())
	assert.Equal(t, 1, stats().Pending, "reading stats must not consume notifications")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications?owner=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, stats().Pending)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outbox", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitorHandler_CommandValidation(t *testing.T) {
	price := &atomic.Value{}
	price.Store("1")
	rt := newTestRuntime(t, price)
	h := newMonitorHandler(rt, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/command", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/command", bytes.NewReader([]byte(`{"owner":"1","text":"hi"}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	price := &atomic.Value{}
	price.Store("1")
	rt := newTestRuntime(t, price)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(rt, zaptest.NewLogger(t)).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRuntime_UnknownBackend(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Registry.Backend = "redis"
	_, err := NewRuntime(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
