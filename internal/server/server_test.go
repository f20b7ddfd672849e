package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/repository"
	"github.com/quantdb/quantdb/internal/service"
)

// fakeFacade stubs the service facade with per-test function fields.
// Unset fields answer with zero values.
type fakeFacade struct {
	daily      func(ctx context.Context, symbol, start, end, adjust string) (service.BarsResult, error)
	indexBars  func(ctx context.Context, symbol, start, end, period string) (service.IndexBarsResult, error)
	realtime   func(ctx context.Context, symbol string) (service.SnapshotResult, error)
	batch      func(ctx context.Context, symbols []string) (service.BatchResult, error)
	info       func(ctx context.Context, symbol string, force bool) (service.AssetResult, error)
	summary    func(ctx context.Context, symbol string) (service.FinancialResult, error)
	indicators func(ctx context.Context, symbol string) (service.FinancialResult, error)
	stats      func(ctx context.Context) (service.CacheStatsResult, error)
	clear      func(ctx context.Context, scope, symbol string) (service.ClearResult, error)
}

func (f *fakeFacade) GetDailyBars(ctx context.Context, symbol, start, end, adjust string) (service.BarsResult, error) {
	if f.daily == nil {
		return service.BarsResult{}, nil
	}
	return f.daily(ctx, symbol, start, end, adjust)
}

func (f *fakeFacade) GetIndexBars(ctx context.Context, symbol, start, end, period string) (service.IndexBarsResult, error) {
	if f.indexBars == nil {
		return service.IndexBarsResult{}, nil
	}
	return f.indexBars(ctx, symbol, start, end, period)
}

func (f *fakeFacade) GetRealtime(ctx context.Context, symbol string) (service.SnapshotResult, error) {
	if f.realtime == nil {
		return service.SnapshotResult{}, nil
	}
	return f.realtime(ctx, symbol)
}

func (f *fakeFacade) GetRealtimeBatch(ctx context.Context, symbols []string) (service.BatchResult, error) {
	if f.batch == nil {
		return service.BatchResult{}, nil
	}
	return f.batch(ctx, symbols)
}

func (f *fakeFacade) GetAssetInfo(ctx context.Context, symbol string, force bool) (service.AssetResult, error) {
	if f.info == nil {
		return service.AssetResult{}, nil
	}
	return f.info(ctx, symbol, force)
}

func (f *fakeFacade) GetFinancialSummary(ctx context.Context, symbol string) (service.FinancialResult, error) {
	if f.summary == nil {
		return service.FinancialResult{}, nil
	}
	return f.summary(ctx, symbol)
}

func (f *fakeFacade) GetFinancialIndicators(ctx context.Context, symbol string) (service.FinancialResult, error) {
	if f.indicators == nil {
		return service.FinancialResult{}, nil
	}
	return f.indicators(ctx, symbol)
}

func (f *fakeFacade) CacheStats(ctx context.Context) (service.CacheStatsResult, error) {
	if f.stats == nil {
		return service.CacheStatsResult{}, nil
	}
	return f.stats(ctx)
}

func (f *fakeFacade) ClearCache(ctx context.Context, scope, symbol string) (service.ClearResult, error) {
	if f.clear == nil {
		return service.ClearResult{}, nil
	}
	return f.clear(ctx, scope, symbol)
}

// testEnvelope decodes either response shape.
type testEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  *service.Meta   `json:"meta"`
	Error *apiError       `json:"error"`
}

func newTestServer(t *testing.T, f Facade, mutate func(*Deps)) *httptest.Server {
	t.Helper()

	log := zerolog.Nop()
	deps := Deps{Facade: f, Hub: monitor.NewHub(log)}
	if mutate != nil {
		mutate(&deps)
	}

	srv := New(Config{Port: 0, DevMode: true}, deps, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, testEnvelope) {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env testEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestDailyBarsRoute(t *testing.T) {
	var gotSymbol, gotStart, gotEnd, gotAdjust string
	f := &fakeFacade{
		daily: func(_ context.Context, symbol, start, end, adjust string) (service.BarsResult, error) {
			gotSymbol, gotStart, gotEnd, gotAdjust = symbol, start, end, adjust
			return service.BarsResult{
				Bars: []domain.DailyBar{{Symbol: "600519.SH", Close: 1810.5}},
				Meta: service.Meta{RequestID: "r1", Outcome: domain.OutcomeHit, CacheHit: true, Rows: 1},
			}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	resp, env := doRequest(t, ts, http.MethodGet,
		"/api/v1/stocks/600519/daily?start=2024-01-02&end=2024-01-10&adjust=qfq", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "600519", gotSymbol)
	assert.Equal(t, "2024-01-02", gotStart)
	assert.Equal(t, "2024-01-10", gotEnd)
	assert.Equal(t, "qfq", gotAdjust)

	var bars []domain.DailyBar
	require.NoError(t, json.Unmarshal(env.Data, &bars))
	require.Len(t, bars, 1)
	assert.Equal(t, "600519.SH", bars[0].Symbol)

	require.NotNil(t, env.Meta)
	assert.Equal(t, domain.OutcomeHit, env.Meta.Outcome)
	assert.True(t, env.Meta.CacheHit)
}

func TestDailyBarsNoTradingDaysIs200(t *testing.T) {
	f := &fakeFacade{
		daily: func(context.Context, string, string, string, string) (service.BarsResult, error) {
			return service.BarsResult{
				Bars: []domain.DailyBar{},
				Meta: service.Meta{Outcome: domain.OutcomeHit, CacheHit: true, Reason: "no_trading_days"},
			}, domain.ErrNoTradingDays
		},
	}
	ts := newTestServer(t, f, nil)

	resp, env := doRequest(t, ts, http.MethodGet,
		"/api/v1/stocks/600519/daily?start=2024-01-06&end=2024-01-07", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(env.Data)))
	require.NotNil(t, env.Meta)
	assert.Equal(t, "no_trading_days", env.Meta.Reason)
	assert.Nil(t, env.Error)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid symbol", fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, "xx"), http.StatusBadRequest, "invalid_symbol"},
		{"validation", fmt.Errorf("%w: bad start date", domain.ErrValidation), http.StatusBadRequest, "validation"},
		{"calendar range", domain.ErrCalendarRange, http.StatusBadRequest, "calendar_range"},
		{"overloaded", domain.ErrUpstreamOverloaded, http.StatusTooManyRequests, "upstream_overloaded"},
		{"upstream failure", &domain.UpstreamError{Op: "fetch_realtime", Code: domain.UpstreamCodeTransient, Message: "timeout", Retryable: true}, http.StatusBadGateway, "upstream_fail"},
		{"data unavailable", fmt.Errorf("%w: no cached quote", domain.ErrDataUnavailable), http.StatusServiceUnavailable, "data_unavailable"},
		{"cancelled", context.DeadlineExceeded, http.StatusBadGateway, "cancelled"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFacade{
				realtime: func(context.Context, string) (service.SnapshotResult, error) {
					return service.SnapshotResult{}, tt.err
				},
			}
			ts := newTestServer(t, f, nil)

			resp, env := doRequest(t, ts, http.MethodGet, "/api/v1/stocks/600519/realtime", nil)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
			if tt.wantStatus == http.StatusInternalServerError {
				// Raw internal errors stay out of responses.
				assert.Equal(t, "internal error", env.Error.Message)
			} else {
				assert.NotEmpty(t, env.Error.Message)
			}
		})
	}
}

func TestRealtimeRoute(t *testing.T) {
	f := &fakeFacade{
		realtime: func(_ context.Context, symbol string) (service.SnapshotResult, error) {
			return service.SnapshotResult{
				Snapshot: &domain.RealtimeSnapshot{Symbol: "600519.SH", Price: 1822.0},
				Stale:    true,
				Meta:     service.Meta{Outcome: domain.OutcomePartial, Stale: true, Reason: "stale_fallback"},
			}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	resp, env := doRequest(t, ts, http.MethodGet, "/api/v1/stocks/600519/realtime", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap domain.RealtimeSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, 1822.0, snap.Price)
	require.NotNil(t, env.Meta)
	assert.True(t, env.Meta.Stale)
	assert.Equal(t, "stale_fallback", env.Meta.Reason)
}

func TestRealtimeBatchRoute(t *testing.T) {
	var gotSymbols []string
	f := &fakeFacade{
		batch: func(_ context.Context, symbols []string) (service.BatchResult, error) {
			gotSymbols = symbols
			return service.BatchResult{
				Entries: []service.BatchEntry{
					{Symbol: "600519.SH", Snapshot: &domain.RealtimeSnapshot{Price: 1822}},
					{Symbol: "00700.HK", Error: "invalid_symbol"},
				},
				Meta: service.Meta{Outcome: domain.OutcomePartial},
			}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	body := strings.NewReader(`{"symbols": ["600519", "00700.HK"]}`)
	resp, env := doRequest(t, ts, http.MethodPost, "/api/v1/realtime/batch", body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"600519", "00700.HK"}, gotSymbols)

	var entries []service.BatchEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "invalid_symbol", entries[1].Error)
}

func TestRealtimeBatchMalformedBody(t *testing.T) {
	ts := newTestServer(t, &fakeFacade{}, nil)

	resp, env := doRequest(t, ts, http.MethodPost, "/api/v1/realtime/batch",
		strings.NewReader(`{"symbols": [`))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation", env.Error.Code)
}

func TestAssetInfoRefreshParam(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantForce bool
	}{
		{"default is cached read", "/api/v1/stocks/600519/info", false},
		{"refresh=true forces upstream", "/api/v1/stocks/600519/info?refresh=true", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotForce bool
			f := &fakeFacade{
				info: func(_ context.Context, _ string, force bool) (service.AssetResult, error) {
					gotForce = force
					return service.AssetResult{
						Asset: &domain.Asset{Symbol: "600519.SH", Name: "贵州茅台"},
						Meta:  service.Meta{Outcome: domain.OutcomeHit},
					}, nil
				},
			}
			ts := newTestServer(t, f, nil)

			resp, env := doRequest(t, ts, http.MethodGet, tt.path, nil)

			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.wantForce, gotForce)
			var asset domain.Asset
			require.NoError(t, json.Unmarshal(env.Data, &asset))
			assert.Equal(t, "贵州茅台", asset.Name)
		})
	}
}

func TestFinancialRoutes(t *testing.T) {
	payload := json.RawMessage(`[{"报告期":"2023-12-31"}]`)
	f := &fakeFacade{
		summary: func(context.Context, string) (service.FinancialResult, error) {
			return service.FinancialResult{Kind: domain.FinancialSummary, Data: payload}, nil
		},
		indicators: func(context.Context, string) (service.FinancialResult, error) {
			return service.FinancialResult{Kind: domain.FinancialIndicators, Data: payload}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	for _, path := range []string{
		"/api/v1/stocks/600519/financial/summary",
		"/api/v1/stocks/600519/financial/indicators",
	} {
		resp, env := doRequest(t, ts, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)

		var got financialPayload
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.JSONEq(t, string(payload), string(got.Records), path)
	}
}

func TestIndexBarsRoutePassesPeriod(t *testing.T) {
	var gotSymbol, gotPeriod string
	f := &fakeFacade{
		indexBars: func(_ context.Context, symbol, _, _, period string) (service.IndexBarsResult, error) {
			gotSymbol, gotPeriod = symbol, period
			return service.IndexBarsResult{
				Bars: []domain.IndexBar{},
				Meta: service.Meta{Outcome: domain.OutcomeMiss, Period: "weekly"},
			}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	resp, _ := doRequest(t, ts, http.MethodGet, "/api/v1/indexes/sh000300/daily?period=weekly", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sh000300", gotSymbol)
	assert.Equal(t, "weekly", gotPeriod)
}

func TestClearCacheRoute(t *testing.T) {
	var gotScope, gotSymbol string
	f := &fakeFacade{
		clear: func(_ context.Context, scope, symbol string) (service.ClearResult, error) {
			gotScope, gotSymbol = scope, symbol
			return service.ClearResult{
				Scope:       "symbol",
				Symbols:     []string{"600519.SH"},
				BarsDeleted: 7,
			}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	resp, env := doRequest(t, ts, http.MethodDelete, "/api/v1/cache?scope=symbol&symbol=600519", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "symbol", gotScope)
	assert.Equal(t, "600519", gotSymbol)

	var got clearPayload
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(7), got.BarsDeleted)
	assert.Equal(t, []string{"600519.SH"}, got.Symbols)
}

func TestCacheStatsRouteHasNoMeta(t *testing.T) {
	f := &fakeFacade{
		stats: func(context.Context) (service.CacheStatsResult, error) {
			return service.CacheStatsResult{Window: "24h0m0s"}, nil
		},
	}
	ts := newTestServer(t, f, nil)

	resp, env := doRequest(t, ts, http.MethodGet, "/api/v1/cache/stats", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, env.Meta)

	var got service.CacheStatsResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "24h0m0s", got.Window)
}

func TestRequestIDHeader(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		ts := newTestServer(t, &fakeFacade{}, nil)

		resp, _ := doRequest(t, ts, http.MethodGet, "/api/v1/stocks/600519/realtime", nil)

		assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
	})

	t.Run("echoed into error body", func(t *testing.T) {
		f := &fakeFacade{
			realtime: func(context.Context, string) (service.SnapshotResult, error) {
				return service.SnapshotResult{}, domain.ErrDataUnavailable
			},
		}
		ts := newTestServer(t, f, nil)

		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/stocks/600519/realtime", nil)
		require.NoError(t, err)
		req.Header.Set("X-Request-ID", "req-fixed-1")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var env testEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		assert.Equal(t, "req-fixed-1", resp.Header.Get("X-Request-ID"))
		require.NotNil(t, env.Error)
		assert.Equal(t, "req-fixed-1", env.Error.RequestID)
	})
}

func TestHealthRoute(t *testing.T) {
	t.Run("ok without database", func(t *testing.T) {
		ts := newTestServer(t, &fakeFacade{}, nil)

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("degraded when database is down", func(t *testing.T) {
		db, err := database.New(database.Config{
			Path:    filepath.Join(t.TempDir(), "health.db"),
			Profile: database.ProfileCache,
			Name:    "health-test",
		})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		ts := newTestServer(t, &fakeFacade{}, func(d *Deps) { d.DB = db })

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "unavailable", body["database"])
	})
}

func TestRecentRequestsRoute(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(database.Schema)
	require.NoError(t, err)

	repo := repository.NewRequestLogRepository(db, zerolog.Nop())
	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	records := []domain.RequestRecord{
		{ID: "r1", Endpoint: "daily", Symbol: "600519.SH", Outcome: domain.OutcomeMiss, Timestamp: base},
		{ID: "r2", Endpoint: "daily", Symbol: "600519.SH", Outcome: domain.OutcomeHit, Timestamp: base.Add(time.Minute)},
		{ID: "r3", Endpoint: "realtime", Symbol: "600519.SH", Outcome: domain.OutcomeHit, Timestamp: base.Add(2 * time.Minute)},
	}
	require.NoError(t, repo.Append(context.Background(), records))

	ts := newTestServer(t, &fakeFacade{}, func(d *Deps) { d.RequestLog = repo })

	resp, env := doRequest(t, ts, http.MethodGet, "/api/v1/monitor/requests?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []domain.RequestRecord
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "r3", got[0].ID)

	resp, env = doRequest(t, ts, http.MethodGet, "/api/v1/monitor/requests?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation", env.Error.Code)
}

func TestMonitorStreamRoute(t *testing.T) {
	log := zerolog.Nop()
	hub := monitor.NewHub(log)
	srv := New(Config{Port: 0, DevMode: true}, Deps{Facade: &fakeFacade{}, Hub: hub}, log)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/monitor/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(domain.RequestRecord{ID: "rec-1", Endpoint: "daily", Symbol: "600519.SH"})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var rec domain.RequestRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "600519.SH", rec.Symbol)
}

func TestSystemStatusRoute(t *testing.T) {
	ts := newTestServer(t, &fakeFacade{}, nil)

	resp, env := doRequest(t, ts, http.MethodGet, "/api/v1/system/status", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got systemStatus
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "running", got.Status)
	assert.Greater(t, got.Goroutines, 0)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, &fakeFacade{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
