package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceresolver/internal/cache"
	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
	"priceresolver/internal/pricing"
	"priceresolver/internal/resolver"
	"priceresolver/internal/router"
	"priceresolver/internal/scheduler"
	"priceresolver/internal/testutil"
	"priceresolver/internal/tracker"
)

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	live := testutil.NewPriceClient(router.SourceLiveEquity, map[price.Ticker]string{"RELIANCE": "2500.5", "TCS": "3800"})
	hist := &testutil.StubClient{
		SourceID: router.SourceHistoricalEquity,
		BulkFunc: func(_ context.Context, keys []price.Key) (fetcher.Batch, error) {
			b := fetcher.NewBatch(len(keys))
			for _, k := range keys {
				if k.Ticker == "TCS" && !k.AsOf.IsLive() {
					b.Add(testutil.NewRecord(k, "3500", router.SourceHistoricalEquity))
				}
			}
			return b, nil
		},
	}
	rt := router.New(router.NewHeuristicClassifier(nil, nil), router.DefaultTable(), live, hist)
	c := cache.New(time.Minute)
	tr := tracker.New(1)
	res := resolver.New(rt, c, tr)
	sched := scheduler.New(res, c, time.Hour)
	svc := pricing.New(res, c, tr, pricing.WithRefreshStatus(sched))

	server := httptest.NewServer(New(svc, sched, nil, opts...))
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, method, url string, into any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	server := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, server.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth_DatabaseDown(t *testing.T) {
	var down atomic.Bool
	server := newTestServer(t, WithPinger(pingFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("connection refused")
		}
		return nil
	})))

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, server.URL+"/healthz", &body))

	down.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, http.MethodGet, server.URL+"/healthz", &body))
	assert.Equal(t, "unavailable", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestGetPrice(t *testing.T) {
	server := newTestServer(t)

	var rec map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, server.URL+"/api/prices/reliance", &rec))
	assert.Equal(t, "RELIANCE", rec["ticker"])
	assert.Equal(t, "2500.5", rec["price"])
	assert.Equal(t, "live", rec["as_of"])

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodGet, server.URL+"/api/prices/XYZ", &errBody))
	assert.Contains(t, errBody["error"], "all sources exhausted")

	assert.Equal(t, http.StatusGone, getJSON(t, http.MethodGet, server.URL+"/api/prices/XYZ", &errBody))
}

func TestGetPrices(t *testing.T) {
	server := newTestServer(t)

	var body struct {
		Prices map[string]map[string]any `json:"prices"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, server.URL+"/api/prices?tickers=RELIANCE,TCS,XYZ", &body))
	require.Len(t, body.Prices, 3)
	assert.Equal(t, "3800", body.Prices["TCS"]["price"])
	assert.NotEmpty(t, body.Prices["XYZ"]["error"])
	assert.Nil(t, body.Prices["XYZ"]["price"])

	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, server.URL+"/api/prices", nil))
}

func TestGetHistory(t *testing.T) {
	server := newTestServer(t)

	var rec map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, server.URL+"/api/prices/TCS/history?date=2024-01-15", &rec))
	assert.Equal(t, "3500", rec["price"])
	assert.Equal(t, "2024-01-15", rec["as_of"])

	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, server.URL+"/api/prices/TCS/history?date=15-01-2024", nil))
}

func TestRefreshAndReactivate(t *testing.T) {
	server := newTestServer(t)

	var rec map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, server.URL+"/api/prices/TCS/refresh", &rec))
	assert.Equal(t, "3800", rec["price"])

	var run scheduler.Run
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, server.URL+"/api/refresh", &run))
	assert.Equal(t, 1, run.Refreshed)

	getJSON(t, http.MethodGet, server.URL+"/api/prices/XYZ", nil)

	var status pricing.Status
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, server.URL+"/api/status", &status))
	assert.Equal(t, []price.Ticker{"XYZ"}, status.InactiveTickers)
	assert.Equal(t, 1, status.CachedEntries)
	assert.NotNil(t, status.LastRefresh)

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, server.URL+"/api/tickers/xyz/reactivate", &body))
	assert.Equal(t, true, body["reactivated"])
	assert.Equal(t, "XYZ", body["ticker"])
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestServer(t)
	resp, err := http.Post(server.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pricing.ErrInvalidTicker, http.StatusBadRequest},
		{resolver.ErrTickerDeactivated, http.StatusGone},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fetcher.NewNotFoundError("s", "x"), http.StatusNotFound},
		{fetcher.NewRateLimitError("s", 429), http.StatusTooManyRequests},
		{fetcher.NewUnauthorizedError("s", 401), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
