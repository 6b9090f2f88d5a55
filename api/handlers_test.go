/*
handlers_test.go - HTTP API tests

Runs the full stack (SQLite in memory, cache, notification engine, hub,
fetch coordinator) behind httptest and drives it through the routes.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/balance"
	"github.com/warp/token-ledger/cache"
	"github.com/warp/token-ledger/fetch"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/metrics"
	"github.com/warp/token-ledger/notify"
	"github.com/warp/token-ledger/store/sqlite"
	"github.com/warp/token-ledger/subscription"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	*httptest.Server
	store         *sqlite.Store
	ledger        *ledger.Service
	notifications *notify.Engine
	hub           *subscription.Hub
	externalCalls *int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New("ledger_test")
	c := cache.New(cache.Options{}, cache.PrometheusHooks(m))
	bus := ledger.NewBus()
	svc := ledger.NewService(store, store, ledger.ServiceOptions{Invalidator: c, Bus: bus, Metrics: m})

	var engine *notify.Engine
	hub := subscription.NewHub(func(ctx context.Context, accountID ledger.AccountID) ([]notify.Notification, error) {
		return engine.List(ctx, accountID, 0)
	}, subscription.HubOptions{Preferences: store})
	engine = notify.NewEngine(store, notify.Options{Publisher: hub, Preferences: hub, Metrics: m})
	engine.Attach(bus)

	var calls int32
	source := fetch.SourceFunc(func(_ context.Context, meterID ledger.MeterID) (fetch.Reading, error) {
		atomic.AddInt32(&calls, 1)
		return fetch.Reading{MeterID: meterID, Balance: decimal.NewFromInt(42), Source: "test"}, nil
	})
	coordinator := fetch.NewCoordinator(source, fetch.Options{Metrics: m})
	reader := balance.NewReader(svc, coordinator, balance.Options{Cache: c, Directory: store})

	h := NewHandler(Deps{
		Ledger:        svc,
		Reader:        reader,
		Notifications: engine,
		Hub:           hub,
		Meters:        store,
		Health:        store.Ping,
	})
	srv := httptest.NewServer(NewRouter(h, RouterOptions{CORSOrigins: []string{"*"}, Metrics: m.Handler()}))
	t.Cleanup(srv.Close)

	return &testServer{
		Server:        srv,
		store:         store,
		ledger:        svc,
		notifications: engine,
		hub:           hub,
		externalCalls: &calls,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *testServer) registerMeter(t *testing.T, account, meter string) {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/accounts/"+account+"/meters", RegisterMeterRequest{MeterID: meter})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
}

func (s *testServer) transact(t *testing.T, typ string, amount int64) TransactionResultDTO {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-1/transactions",
		TransactionRequest{Type: typ, Amount: decimal.NewFromInt(amount)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[TransactionResultDTO](t, body)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAPI_PurchaseAndBalance(t *testing.T) {
	// GIVEN: a registered meter
	// WHEN: tokens are purchased and the balance read twice
	// THEN: the balance reflects the purchase and the second read is cached

	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")

	res := s.transact(t, "purchase", 100)
	assert.True(t, res.Success)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, res.TransactionID, res.Transaction.ID)

	resp, body := s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := decode[BalanceDTO](t, body)
	assert.True(t, b.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "ledger", b.Source)
	assert.False(t, b.CacheHit)

	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/balance", nil)
	assert.True(t, decode[BalanceDTO](t, body).CacheHit)

	s.transact(t, "consumption", 30)
	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/balance", nil)
	b = decode[BalanceDTO](t, body)
	assert.False(t, b.CacheHit)
	assert.True(t, b.Balance.Equal(decimal.NewFromInt(70)))
}

func TestAPI_TransactionErrors(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")
	s.registerMeter(t, "acct-2", "meter-2")

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"negative amount", "/api/accounts/acct-1/meters/meter-1/transactions",
			TransactionRequest{Type: "purchase", Amount: decimal.NewFromInt(-5)}, http.StatusBadRequest, "invalid_argument"},
		{"unknown type", "/api/accounts/acct-1/meters/meter-1/transactions",
			TransactionRequest{Type: "gift", Amount: decimal.NewFromInt(5)}, http.StatusBadRequest, "invalid_argument"},
		{"malformed body", "/api/accounts/acct-1/meters/meter-1/transactions",
			"not an object", http.StatusBadRequest, "invalid_argument"},
		{"meter of another account", "/api/accounts/acct-1/meters/meter-2/transactions",
			TransactionRequest{Type: "purchase", Amount: decimal.NewFromInt(5)}, http.StatusForbidden, "ownership"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			e := decode[ErrorResponse](t, body)
			assert.Equal(t, tc.kind, e.Error)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestAPI_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")

	req := TransactionRequest{Type: "purchase", Amount: decimal.NewFromInt(10), IdempotencyKey: "pay-77"}
	resp, _ := s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-1/transactions", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-1/transactions", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate", decode[ErrorResponse](t, body).Error)
}

func TestAPI_TransactionsNewestFirst(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")
	s.transact(t, "purchase", 100)
	s.transact(t, "consumption", 10)
	s.transact(t, "refund", 5)

	resp, body := s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txs := decode[[]TransactionDTO](t, body)
	require.Len(t, txs, 2)
	assert.Equal(t, "refund", txs[0].Type)
	assert.Equal(t, "consumption", txs[1].Type)

	resp, _ = s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/transactions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/accounts/acct-9/meters/meter-1/transactions", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_AnalyticsAndThreshold(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")
	s.transact(t, "purchase", 200)
	s.transact(t, "consumption", 40)

	resp, body := s.do(t, http.MethodPut, "/api/accounts/acct-1/meters/meter-1/threshold",
		ThresholdRequest{Threshold: decimal.NewFromInt(150)})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[BalanceRecordDTO](t, body).LowBalanceThreshold.Equal(decimal.NewFromInt(150)))

	resp, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/analytics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a := decode[AnalyticsDTO](t, body)
	assert.True(t, a.TotalPurchased.Equal(decimal.NewFromInt(200)))
	assert.True(t, a.TotalConsumed.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 2, a.TransactionCount)
	assert.True(t, a.Consistent)

	// balance view picks up the new threshold: SetThreshold invalidated the cache
	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/balance", nil)
	assert.True(t, decode[BalanceDTO](t, body).LowBalanceThreshold.Equal(decimal.NewFromInt(150)))
}

// =============================================================================
// EXTERNAL CHECK
// =============================================================================

func TestAPI_ExternalCheckRateLimited(t *testing.T) {
	// GIVEN: a successful external check
	// WHEN: a second, unforced check follows immediately
	// THEN: 429 with Retry-After, and no second external call

	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")

	resp, body := s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-1/external-check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[ExternalReadingDTO](t, body).Balance.Equal(decimal.NewFromInt(42)))

	resp, body = s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-1/external-check", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "300", resp.Header.Get("Retry-After"))
	e := decode[ErrorResponse](t, body)
	assert.Equal(t, "rate_limited", e.Error)
	assert.Equal(t, 300, e.RetryAfterSeconds)
	assert.Contains(t, e.Message, "5 minutes")
	assert.Equal(t, int32(1), atomic.LoadInt32(s.externalCalls))

	resp, _ = s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-1/external-check?force=true", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(s.externalCalls))
}

func TestAPI_BalanceFromExternalWhenLedgerEmpty(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")

	resp, body := s.do(t, http.MethodGet, "/api/accounts/acct-1/meters/meter-1/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	b := decode[BalanceDTO](t, body)
	assert.Equal(t, "external", b.Source)
	assert.Equal(t, ledger.UnknownDaysRemaining, b.EstimatedDaysRemaining)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestAPI_NotificationLifecycle(t *testing.T) {
	// GIVEN: consumption that crosses into the low and critical bands
	// THEN: two notifications, newest first, which can be read and deleted

	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")
	s.transact(t, "purchase", 100)
	s.transact(t, "consumption", 60) // 40: low
	s.transact(t, "consumption", 25) // 15: critical

	resp, body := s.do(t, http.MethodGet, "/api/accounts/acct-1/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ns := decode[[]NotificationDTO](t, body)
	require.Len(t, ns, 2)
	assert.Equal(t, "high", ns[0].Severity)
	assert.Equal(t, "medium", ns[1].Severity)
	assert.False(t, ns[0].IsRead)

	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/notifications/status", nil)
	st := decode[StatusDTO](t, body)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Unread)

	resp, body = s.do(t, http.MethodPost, "/api/notifications/"+ns[1].ID+"/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[NotificationDTO](t, body).IsRead)

	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/notifications/status", nil)
	assert.Equal(t, 1, decode[StatusDTO](t, body).Unread)

	_, body = s.do(t, http.MethodDelete, "/api/accounts/acct-1/notifications/read", nil)
	assert.Equal(t, 1, decode[CountDTO](t, body).Count)

	_, body = s.do(t, http.MethodPost, "/api/accounts/acct-1/notifications/read-all", nil)
	assert.Equal(t, 1, decode[CountDTO](t, body).Count)

	resp, _ = s.do(t, http.MethodDelete, "/api/notifications/"+ns[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(t, http.MethodDelete, "/api/notifications/"+ns[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, body).Error)
}

func TestAPI_Preferences(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-1")

	_, body := s.do(t, http.MethodGet, "/api/accounts/acct-1/notifications/preferences", nil)
	assert.True(t, decode[PreferencesDTO](t, body).Enabled)

	resp, _ := s.do(t, http.MethodPut, "/api/accounts/acct-1/notifications/preferences",
		PreferencesDTO{Enabled: true, Muted: []string{"urgent"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPut, "/api/accounts/acct-1/notifications/preferences",
		PreferencesDTO{Enabled: true, Muted: []string{"medium"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// saved, not just held by a live registry
	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/notifications/preferences", nil)
	assert.Equal(t, []string{"medium"}, decode[PreferencesDTO](t, body).Muted)
	saved, err := s.store.GetPreferences(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []notify.Severity{notify.SeverityMedium}, saved.Muted)

	s.transact(t, "purchase", 100)
	s.transact(t, "consumption", 60) // low band, medium: muted

	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/notifications", nil)
	assert.Empty(t, decode[[]NotificationDTO](t, body))
}

// =============================================================================
// MISC
// =============================================================================

func TestAPI_MetersAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.registerMeter(t, "acct-1", "meter-b")
	s.registerMeter(t, "acct-1", "meter-a")

	resp, body := s.do(t, http.MethodPost, "/api/accounts/acct-2/meters", RegisterMeterRequest{MeterID: "meter-a"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))

	_, body = s.do(t, http.MethodGet, "/api/accounts/acct-1/meters", nil)
	meters := decode[[]MeterDTO](t, body)
	require.Len(t, meters, 2)
	assert.Equal(t, "meter-a", meters[0].MeterID)

	resp, _ = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/accounts/acct-1/meters/meter-a/transactions",
		TransactionRequest{Type: "purchase", Amount: decimal.NewFromInt(5)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ledger_test_transactions_total")
}

func TestAPI_Scenarios(t *testing.T) {
	s := newTestServer(t)

	_, body := s.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, body), len(scenarios))

	resp, body := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "depleting"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	first := decode[ScenarioLoadDTO](t, body)
	assert.Equal(t, 4, first.Applied)

	_, body = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "depleting"})
	second := decode[ScenarioLoadDTO](t, body)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 4, second.Skipped)

	_, body = s.do(t, http.MethodGet, "/api/accounts/demo-depleting/notifications", nil)
	ns := decode[[]NotificationDTO](t, body)
	require.Len(t, ns, 3)
	assert.Equal(t, "depleted", ns[0].Type)

	resp, _ = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
