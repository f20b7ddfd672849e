package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdb/quantdb/internal/domain"
)

func testClient(t *testing.T, handler http.Handler) (*AKToolsClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewAKToolsClient(Config{
		BaseURL:         srv.URL,
		Timeout:         5 * time.Second,
		RatePerSec:      1000,
		RateBurst:       1000,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}, zerolog.Nop())

	return client, srv
}

func symA(code string) domain.Symbol {
	return domain.Symbol{Code: code, Market: domain.MarketASH, Kind: domain.KindStock}
}

func symHK(code string) domain.Symbol {
	return domain.Symbol{Code: code, Market: domain.MarketHK, Kind: domain.KindStock}
}

func TestFetchDailyDecodesChineseFields(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"日期": "2024-01-02", "开盘": 1715.0, "收盘": 1685.01, "最高": 1718.19, "最低": 1678.1,
			 "成交量": 34339, "成交额": 5815523000.0, "振幅": 2.33, "涨跌幅": -2.09, "涨跌额": -36.0, "换手率": 0.27},
			{"日期": "2024-01-03T00:00:00.000", "开盘": 1681.11, "收盘": 1694.0, "最高": 1695.22, "最低": 1676.33,
			 "成交量": "25980", "成交额": 4383185000.0, "振幅": 1.12, "涨跌幅": 0.53, "涨跌额": 8.99, "换手率": 0.21}
		]`))
	}))

	bars, err := client.FetchDaily(context.Background(), symA("600519"), domain.AdjustForward,
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "/api/public/stock_zh_a_hist", gotPath)
	assert.Contains(t, gotQuery, "symbol=600519")
	assert.Contains(t, gotQuery, "start_date=20240102")
	assert.Contains(t, gotQuery, "end_date=20240103")
	assert.Contains(t, gotQuery, "adjust=qfq")

	require.Len(t, bars, 2)
	assert.Equal(t, "600519", bars[0].Symbol)
	assert.Equal(t, domain.AdjustForward, bars[0].Adjust)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), bars[0].TradeDate)
	assert.Equal(t, 1685.01, bars[0].Close)
	assert.Equal(t, int64(34339), bars[0].Volume)

	// Timestamp-shaped dates and string-encoded numbers still decode.
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), bars[1].TradeDate)
	assert.Equal(t, int64(25980), bars[1].Volume)
	assert.False(t, bars[1].FetchedAt.IsZero())
}

func TestFetchDailyRoutesHK(t *testing.T) {
	var gotPath string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`[]`))
	}))

	bars, err := client.FetchDaily(context.Background(), symHK("00700"), domain.AdjustNone,
		time.Date(2024, 2, 8, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "/api/public/stock_hk_hist", gotPath)
	assert.Empty(t, bars)
}

func TestFetchIndexDailyMainland(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"日期": "2024-01-05", "开盘": 3330.0, "收盘": 3329.11, "最高": 3342.0, "最低": 3318.0, "成交量": 100, "成交额": 200.0}]`))
	}))

	sym := domain.Symbol{Code: "000300", Market: domain.MarketIndexSH, Kind: domain.KindIndex}
	bars, err := client.FetchIndexDaily(context.Background(), sym, domain.PeriodWeekly,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "/api/public/index_zh_a_hist", gotPath)
	assert.Contains(t, gotQuery, "period=weekly")
	require.Len(t, bars, 1)
	assert.Equal(t, domain.PeriodWeekly, bars[0].Period)
	assert.Equal(t, 3329.11, bars[0].Close)
}

func TestFetchIndexDailyHKResamplesWeekly(t *testing.T) {
	// Sina serves the full daily history; the client filters the range
	// and aggregates weeks itself.
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/stock_hk_index_daily_sina", r.URL.Path)
		w.Write([]byte(`[
			{"date": "2023-12-29", "open": 17000, "high": 17100, "low": 16900, "close": 17050, "volume": 1},
			{"date": "2024-01-02", "open": 16600, "high": 16700, "low": 16500, "close": 16650, "volume": 2},
			{"date": "2024-01-03", "open": 16650, "high": 16800, "low": 16400, "close": 16550, "volume": 3},
			{"date": "2024-01-05", "open": 16550, "high": 16600, "low": 16300, "close": 16350, "volume": 4},
			{"date": "2024-01-08", "open": 16350, "high": 16400, "low": 16100, "close": 16200, "volume": 5}
		]`))
	}))

	sym := domain.Symbol{Code: "HSI", Market: domain.MarketIndexHK, Kind: domain.KindIndex}
	bars, err := client.FetchIndexDaily(context.Background(), sym, domain.PeriodWeekly,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// 2023-12-29 falls outside the range; Jan 2-5 collapse into one
	// weekly bar ending Friday, Jan 8 opens the next week.
	require.Len(t, bars, 2)
	week1 := bars[0]
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), week1.TradeDate)
	assert.Equal(t, 16600.0, week1.Open)
	assert.Equal(t, 16800.0, week1.High)
	assert.Equal(t, 16300.0, week1.Low)
	assert.Equal(t, 16350.0, week1.Close)
	assert.Equal(t, int64(9), week1.Volume)
	assert.Equal(t, domain.PeriodWeekly, week1.Period)

	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), bars[1].TradeDate)
}

func TestFetchRealtimeItemValue(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/stock_bid_ask_em", r.URL.Path)
		assert.Equal(t, "600519", r.URL.Query().Get("symbol"))
		w.Write([]byte(`[
			{"item": "最新", "value": 1690.5},
			{"item": "涨跌", "value": -3.5},
			{"item": "涨幅", "value": -0.21},
			{"item": "总手", "value": 18234},
			{"item": "金额", "value": 3084000000.0},
			{"item": "最高", "value": 1702.0},
			{"item": "最低", "value": 1688.0},
			{"item": "今开", "value": 1695.0},
			{"item": "昨收", "value": 1694.0}
		]`))
	}))

	snap, err := client.FetchRealtime(context.Background(), symA("600519"))
	require.NoError(t, err)

	assert.Equal(t, "600519", snap.Symbol)
	assert.Equal(t, 1690.5, snap.Price)
	assert.Equal(t, -3.5, snap.Change)
	assert.Equal(t, int64(18234), snap.Volume)
	assert.Equal(t, 1694.0, snap.PrevClose)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestFetchRealtimeHKFiltersSpotTable(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/stock_hk_spot_em", r.URL.Path)
		w.Write([]byte(`[
			{"代码": "00001", "名称": "长和", "最新价": 41.2, "涨跌额": 0.1, "涨跌幅": 0.24, "成交量": 100, "成交额": 4120.0},
			{"代码": "00700", "名称": "腾讯控股", "最新价": 320.4, "涨跌额": -2.6, "涨跌幅": -0.8, "成交量": 200, "成交额": 64080.0, "今开": 323.0, "最高": 325.0, "最低": 318.2, "昨收": 323.0}
		]`))
	}))

	snap, err := client.FetchRealtime(context.Background(), symHK("00700"))
	require.NoError(t, err)
	assert.Equal(t, 320.4, snap.Price)
	assert.Equal(t, 323.0, snap.PrevClose)

	_, err = client.FetchRealtime(context.Background(), symHK("09999"))
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeNotFound, ue.Code)
	assert.False(t, ue.Retryable)
}

func TestFetchRealtimeRejectsIndexes(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	}))

	sym := domain.Symbol{Code: "HSI", Market: domain.MarketIndexHK, Kind: domain.KindIndex}
	_, err := client.FetchRealtime(context.Background(), sym)

	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeInvalidSymbol, ue.Code)
}

func TestFetchAssetDecodesItemValue(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/stock_individual_info_em", r.URL.Path)
		w.Write([]byte(`[
			{"item": "股票代码", "value": "600519"},
			{"item": "股票简称", "value": "贵州茅台"},
			{"item": "行业", "value": "酿酒行业"},
			{"item": "上市时间", "value": 20010827},
			{"item": "总股本", "value": 1256197800.0},
			{"item": "流通股", "value": 1256197800.0}
		]`))
	}))

	asset, err := client.FetchAsset(context.Background(), symA("600519"))
	require.NoError(t, err)

	assert.Equal(t, "贵州茅台", asset.Name)
	assert.Equal(t, "酿酒行业", asset.Industry)
	assert.Equal(t, time.Date(2001, 8, 27, 0, 0, 0, 0, time.UTC), asset.ListDate)
	assert.Equal(t, int64(1256197800), asset.TotalShares)
	assert.Equal(t, "SSE", asset.Exchange)
	assert.Equal(t, "CNY", asset.Currency)
}

func TestFetchFinancialRouting(t *testing.T) {
	var paths []string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`[{"指标": "营业收入", "2023": 1476.94}]`))
	}))

	ctx := context.Background()

	body, err := client.FetchFinancial(ctx, symA("600519"), domain.FinancialSummary)
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	_, err = client.FetchFinancial(ctx, symA("600519"), domain.FinancialIndicators)
	require.NoError(t, err)

	_, err = client.FetchFinancial(ctx, symHK("00700"), domain.FinancialSummary)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/api/public/stock_financial_abstract",
		"/api/public/stock_financial_analysis_indicator",
		"/api/public/stock_financial_hk_analysis_indicator_em",
	}, paths)
}

func TestFetchFinancialRejectsEmptyAndMalformed(t *testing.T) {
	empty := true
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if empty {
			w.Write([]byte(`[]`))
		} else {
			w.Write([]byte(`not json`))
		}
	}))

	_, err := client.FetchFinancial(context.Background(), symA("600519"), domain.FinancialSummary)
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeNotFound, ue.Code)

	empty = false
	_, err = client.FetchFinancial(context.Background(), symA("600519"), domain.FinancialSummary)
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeUnknown, ue.Code)
}

func TestErrorClassification(t *testing.T) {
	status := http.StatusNotFound
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	ctx := context.Background()
	sym := symA("600519")
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeNotFound, ue.Code)
	assert.False(t, domain.IsRetryable(err))

	status = http.StatusBadRequest
	_, err = client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeInvalidSymbol, ue.Code)

	status = http.StatusForbidden
	_, err = client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeUnauthorized, ue.Code)

	status = http.StatusInternalServerError
	_, err = client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeTransient, ue.Code)
	assert.True(t, domain.IsRetryable(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewAKToolsClient(Config{
		BaseURL:         srv.URL,
		Timeout:         time.Second,
		RatePerSec:      1000,
		RateBurst:       1000,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, zerolog.Nop())

	ctx := context.Background()
	sym := symA("600519")
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err1 := client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)
	_, err2 := client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)
	_, err3 := client.FetchDaily(ctx, sym, domain.AdjustNone, start, start)

	require.Error(t, err1)
	require.Error(t, err2)
	require.Error(t, err3)

	// Two failures trip the breaker; the third never reaches the server
	// but still reads as transient so callers back off instead of dying.
	assert.Equal(t, 2, calls)
	var ue *domain.UpstreamError
	require.ErrorAs(t, err3, &ue)
	assert.Equal(t, domain.UpstreamCodeTransient, ue.Code)
	assert.True(t, ue.Retryable)
	assert.True(t, errors.Is(ue.Cause, gobreaker.ErrOpenState))
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	client := NewAKToolsClient(Config{
		BaseURL:         srv.URL,
		Timeout:         time.Second,
		RatePerSec:      1000,
		RateBurst:       1000,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}, zerolog.Nop())

	_, err := client.FetchRealtime(context.Background(), symA("600519"))
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, domain.UpstreamCodeTransient, ue.Code)
	assert.True(t, domain.IsRetryable(err))
}
