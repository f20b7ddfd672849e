package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantdb/quantdb/internal/domain"
)

const (
	apiPrefix          = "/api/public/"
	userAgent          = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	upstreamDateLayout = "20060102"
)

// Config holds AKTools client settings.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RatePerSec      float64
	RateBurst       int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// AKToolsClient implements Adapter against an AKTools HTTP bridge
// (GET /api/public/<akshare_fn> returning JSON arrays). Every request
// passes the shared rate limiter and circuit breaker.
type AKToolsClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewAKToolsClient creates a new AKTools bridge client.
func NewAKToolsClient(cfg Config, log zerolog.Logger) *AKToolsClient {
	clog := log.With().Str("client", "aktools").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "aktools",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Cancelled requests say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			clog.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &AKToolsClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		breaker: breaker,
		log:     clog,
	}
}

// FetchDaily fetches daily bars via stock_zh_a_hist (A-shares) or
// stock_hk_hist (Hong Kong). Rows the bridge cannot date are skipped
// with a warning rather than failing the whole range.
func (c *AKToolsClient) FetchDaily(ctx context.Context, sym domain.Symbol, adjust domain.Adjust, start, end time.Time) ([]domain.DailyBar, error) {
	const op = "fetch_daily"

	fn := "stock_zh_a_hist"
	if sym.Market == domain.MarketHK {
		fn = "stock_hk_hist"
	}

	params := url.Values{}
	params.Set("symbol", sym.Code)
	params.Set("period", "daily")
	params.Set("start_date", start.Format(upstreamDateLayout))
	params.Set("end_date", end.Format(upstreamDateLayout))
	params.Set("adjust", string(adjust))

	rows, err := c.getRows(ctx, op, fn, params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	bars := make([]domain.DailyBar, 0, len(rows))
	for _, row := range rows {
		date, ok := getDate(row, "日期", "date")
		if !ok {
			c.log.Warn().Str("symbol", sym.Code).Str("fn", fn).Msg("Skipping upstream row without a parsable date")
			continue
		}
		bars = append(bars, domain.DailyBar{
			Symbol:       sym.Code,
			Adjust:       adjust,
			TradeDate:    date,
			Open:         getFloat64(row, "开盘", "open"),
			High:         getFloat64(row, "最高", "high"),
			Low:          getFloat64(row, "最低", "low"),
			Close:        getFloat64(row, "收盘", "close"),
			Volume:       getInt64(row, "成交量", "volume"),
			Turnover:     getFloat64(row, "成交额", "turnover"),
			Amplitude:    getFloat64(row, "振幅"),
			PctChange:    getFloat64(row, "涨跌幅"),
			Change:       getFloat64(row, "涨跌额"),
			TurnoverRate: getFloat64(row, "换手率"),
			FetchedAt:    now,
		})
	}

	return bars, nil
}

// FetchIndexDaily fetches index bars. Mainland indexes go through
// index_zh_a_hist, which aggregates weekly and monthly upstream. The
// Hong Kong source (stock_hk_index_daily_sina) serves daily rows for
// the full history, so the range filter and any period aggregation
// happen here.
func (c *AKToolsClient) FetchIndexDaily(ctx context.Context, sym domain.Symbol, period domain.Period, start, end time.Time) ([]domain.IndexBar, error) {
	const op = "fetch_index_daily"

	if sym.Market == domain.MarketIndexHK {
		return c.fetchHKIndex(ctx, op, sym, period, start, end)
	}

	params := url.Values{}
	params.Set("symbol", sym.Code)
	params.Set("period", string(period))
	params.Set("start_date", start.Format(upstreamDateLayout))
	params.Set("end_date", end.Format(upstreamDateLayout))

	rows, err := c.getRows(ctx, op, "index_zh_a_hist", params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	bars := make([]domain.IndexBar, 0, len(rows))
	for _, row := range rows {
		date, ok := getDate(row, "日期", "date")
		if !ok {
			c.log.Warn().Str("symbol", sym.Code).Msg("Skipping index row without a parsable date")
			continue
		}
		bars = append(bars, domain.IndexBar{
			Symbol:    sym.Code,
			Period:    period,
			TradeDate: date,
			Open:      getFloat64(row, "开盘", "open"),
			High:      getFloat64(row, "最高", "high"),
			Low:       getFloat64(row, "最低", "low"),
			Close:     getFloat64(row, "收盘", "close"),
			Volume:    getInt64(row, "成交量", "volume"),
			Turnover:  getFloat64(row, "成交额", "turnover"),
			FetchedAt: now,
		})
	}

	return bars, nil
}

func (c *AKToolsClient) fetchHKIndex(ctx context.Context, op string, sym domain.Symbol, period domain.Period, start, end time.Time) ([]domain.IndexBar, error) {
	params := url.Values{}
	params.Set("symbol", sym.Code)

	rows, err := c.getRows(ctx, op, "stock_hk_index_daily_sina", params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var daily []domain.IndexBar
	for _, row := range rows {
		date, ok := getDate(row, "date", "日期")
		if !ok {
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		daily = append(daily, domain.IndexBar{
			Symbol:    sym.Code,
			Period:    domain.PeriodDaily,
			TradeDate: date,
			Open:      getFloat64(row, "open", "开盘"),
			High:      getFloat64(row, "high", "最高"),
			Low:       getFloat64(row, "low", "最低"),
			Close:     getFloat64(row, "close", "收盘"),
			Volume:    getInt64(row, "volume", "成交量"),
			Turnover:  getFloat64(row, "turnover", "成交额"),
			FetchedAt: now,
		})
	}

	if period == domain.PeriodDaily {
		return daily, nil
	}
	return resampleIndexBars(daily, period), nil
}

// resampleIndexBars collapses ascending daily bars into weekly (ISO
// week) or monthly bars. The period-end date is the last trading day
// actually seen in the bucket.
func resampleIndexBars(daily []domain.IndexBar, period domain.Period) []domain.IndexBar {
	var out []domain.IndexBar
	var curKey [2]int

	for _, b := range daily {
		key := periodKey(b.TradeDate, period)
		if len(out) == 0 || key != curKey {
			nb := b
			nb.Period = period
			out = append(out, nb)
			curKey = key
			continue
		}
		last := &out[len(out)-1]
		last.TradeDate = b.TradeDate
		if b.High > last.High {
			last.High = b.High
		}
		if b.Low < last.Low {
			last.Low = b.Low
		}
		last.Close = b.Close
		last.Volume += b.Volume
		last.Turnover += b.Turnover
	}

	return out
}

func periodKey(d time.Time, period domain.Period) [2]int {
	if period == domain.PeriodWeekly {
		y, w := d.ISOWeek()
		return [2]int{y, w}
	}
	return [2]int{d.Year(), int(d.Month())}
}

// FetchRealtime fetches the current quote. A-shares use the per-symbol
// stock_bid_ask_em endpoint; Hong Kong stocks come from the
// stock_hk_spot_em table filtered by code. Quote time is the fetch
// instant because the bridge does not carry an exchange timestamp.
func (c *AKToolsClient) FetchRealtime(ctx context.Context, sym domain.Symbol) (*domain.RealtimeSnapshot, error) {
	const op = "fetch_realtime"

	if sym.Market.IsIndex() {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeInvalidSymbol,
			Message: fmt.Sprintf("realtime quotes cover stocks only, got index %s", sym.Code),
		}
	}

	now := time.Now().UTC()

	if sym.Market == domain.MarketHK {
		rows, err := c.getRows(ctx, op, "stock_hk_spot_em", nil)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if getString(row, "代码", "code") != sym.Code {
				continue
			}
			return &domain.RealtimeSnapshot{
				Symbol:    sym.Code,
				Price:     getFloat64(row, "最新价"),
				Change:    getFloat64(row, "涨跌额"),
				PctChange: getFloat64(row, "涨跌幅"),
				Volume:    getInt64(row, "成交量"),
				Turnover:  getFloat64(row, "成交额"),
				High:      getFloat64(row, "最高"),
				Low:       getFloat64(row, "最低"),
				Open:      getFloat64(row, "今开"),
				PrevClose: getFloat64(row, "昨收"),
				Timestamp: now,
				FetchedAt: now,
			}, nil
		}
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeNotFound,
			Message: fmt.Sprintf("symbol %s not in HK spot table", sym.Code),
		}
	}

	params := url.Values{}
	params.Set("symbol", sym.Code)

	rows, err := c.getRows(ctx, op, "stock_bid_ask_em", params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeNotFound,
			Message: fmt.Sprintf("no quote for symbol %s", sym.Code),
		}
	}

	quote := itemValueMap(rows)
	return &domain.RealtimeSnapshot{
		Symbol:    sym.Code,
		Price:     getFloat64(quote, "最新"),
		Change:    getFloat64(quote, "涨跌"),
		PctChange: getFloat64(quote, "涨幅"),
		Volume:    getInt64(quote, "总手"),
		Turnover:  getFloat64(quote, "金额"),
		High:      getFloat64(quote, "最高"),
		Low:       getFloat64(quote, "最低"),
		Open:      getFloat64(quote, "今开"),
		PrevClose: getFloat64(quote, "昨收"),
		Timestamp: now,
		FetchedAt: now,
	}, nil
}

// FetchAsset fetches security metadata. A-shares use the item/value
// endpoint stock_individual_info_em. The bridge has no profile endpoint
// for Hong Kong, so HK assets carry the name from the spot table and
// venue defaults. Index assets are synthesized locally.
func (c *AKToolsClient) FetchAsset(ctx context.Context, sym domain.Symbol) (*domain.Asset, error) {
	const op = "fetch_asset"
	now := time.Now().UTC()

	if sym.Market.IsIndex() {
		return &domain.Asset{
			Symbol:    sym.Code,
			Name:      sym.Code,
			Market:    sym.Market,
			Exchange:  exchangeFor(sym.Market),
			Currency:  currencyFor(sym.Market),
			UpdatedAt: now,
		}, nil
	}

	if sym.Market == domain.MarketHK {
		rows, err := c.getRows(ctx, op, "stock_hk_spot_em", nil)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if getString(row, "代码", "code") != sym.Code {
				continue
			}
			return &domain.Asset{
				Symbol:    sym.Code,
				Name:      getString(row, "名称", "name"),
				Market:    sym.Market,
				Exchange:  exchangeFor(sym.Market),
				Currency:  currencyFor(sym.Market),
				UpdatedAt: now,
			}, nil
		}
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeNotFound,
			Message: fmt.Sprintf("symbol %s not in HK spot table", sym.Code),
		}
	}

	params := url.Values{}
	params.Set("symbol", sym.Code)

	rows, err := c.getRows(ctx, op, "stock_individual_info_em", params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeNotFound,
			Message: fmt.Sprintf("no info for symbol %s", sym.Code),
		}
	}

	info := itemValueMap(rows)
	asset := &domain.Asset{
		Symbol:      sym.Code,
		Name:        getString(info, "股票简称"),
		Market:      sym.Market,
		Exchange:    exchangeFor(sym.Market),
		Currency:    currencyFor(sym.Market),
		Industry:    getString(info, "行业"),
		TotalShares: getInt64(info, "总股本"),
		FloatShares: getInt64(info, "流通股"),
		UpdatedAt:   now,
	}
	if listDate, ok := getDate(info, "上市时间"); ok {
		asset.ListDate = listDate
	}

	return asset, nil
}

// FetchFinancial fetches the raw financial payload for the kind and
// returns it unparsed. A-shares route to stock_financial_abstract
// (summary) and stock_financial_analysis_indicator (indicators); Hong
// Kong uses the annual analysis indicator table for both kinds.
func (c *AKToolsClient) FetchFinancial(ctx context.Context, sym domain.Symbol, kind domain.FinancialKind) ([]byte, error) {
	const op = "fetch_financial"

	if sym.Market.IsIndex() {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeInvalidSymbol,
			Message: fmt.Sprintf("financial data covers stocks only, got index %s", sym.Code),
		}
	}

	var fn string
	params := url.Values{}
	params.Set("symbol", sym.Code)

	switch {
	case sym.Market == domain.MarketHK:
		fn = "stock_financial_hk_analysis_indicator_em"
		params.Set("indicator", "年度")
	case kind == domain.FinancialIndicators:
		fn = "stock_financial_analysis_indicator"
	default:
		fn = "stock_financial_abstract"
	}

	body, err := c.get(ctx, op, fn, params)
	if err != nil {
		return nil, err
	}

	// Validate shape before caching; a non-JSON body must not poison the store.
	var probe []map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeUnknown,
			Message: "failed to parse financial response",
			Cause:   err,
		}
	}
	if len(probe) == 0 {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeNotFound,
			Message: fmt.Sprintf("no financial data for symbol %s", sym.Code),
		}
	}

	return body, nil
}

// getRows performs a bridge request and decodes the JSON array shape.
func (c *AKToolsClient) getRows(ctx context.Context, op, fn string, params url.Values) ([]map[string]interface{}, error) {
	body, err := c.get(ctx, op, fn, params)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &domain.UpstreamError{
			Op:      op,
			Code:    domain.UpstreamCodeUnknown,
			Message: fmt.Sprintf("failed to parse %s response", fn),
			Cause:   err,
		}
	}
	return rows, nil
}

// get runs one rate-limited request through the circuit breaker and
// classifies failures into the upstream error taxonomy.
func (c *AKToolsClient) get(ctx context.Context, op, fn string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, fn, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.UpstreamError{
				Op:        op,
				Code:      domain.UpstreamCodeTransient,
				Message:   "circuit breaker open",
				Retryable: true,
				Cause:     err,
			}
		}
		var ue *domain.UpstreamError
		if errors.As(err, &ue) {
			ue.Op = op
			return nil, ue
		}
		return nil, &domain.UpstreamError{Op: op, Code: domain.UpstreamCodeUnknown, Message: "request failed", Cause: err}
	}

	hr := result.(httpResult)
	if hr.status != http.StatusOK {
		return nil, classifyStatus(op, fn, hr)
	}
	return hr.body, nil
}

type httpResult struct {
	status int
	body   []byte
}

// do executes the HTTP request. Transport failures, 5xx and 429 return
// an error so the breaker counts them; other statuses flow back for
// classification without tripping the breaker.
func (c *AKToolsClient) do(ctx context.Context, fn string, params url.Values) (httpResult, error) {
	reqURL := c.baseURL + apiPrefix + fn
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return httpResult{}, &domain.UpstreamError{Code: domain.UpstreamCodeUnknown, Message: "failed to create request", Cause: err}
	}

	// Set headers to mimic browser
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return httpResult{}, &domain.UpstreamError{
			Code:      domain.UpstreamCodeTransient,
			Message:   "request failed",
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{}, &domain.UpstreamError{
			Code:      domain.UpstreamCodeTransient,
			Message:   "failed to read response body",
			Retryable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return httpResult{}, &domain.UpstreamError{
			Code:      domain.UpstreamCodeTransient,
			Message:   fmt.Sprintf("upstream returned status %d", resp.StatusCode),
			Retryable: true,
		}
	}

	return httpResult{status: resp.StatusCode, body: body}, nil
}

func classifyStatus(op, fn string, hr httpResult) error {
	code := domain.UpstreamCodeUnknown
	switch hr.status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = domain.UpstreamCodeInvalidSymbol
	case http.StatusUnauthorized, http.StatusForbidden:
		code = domain.UpstreamCodeUnauthorized
	case http.StatusNotFound:
		code = domain.UpstreamCodeNotFound
	}
	return &domain.UpstreamError{
		Op:      op,
		Code:    code,
		Message: fmt.Sprintf("%s returned status %d", fn, hr.status),
	}
}

func exchangeFor(m domain.Market) string {
	switch m {
	case domain.MarketASH, domain.MarketASTAR, domain.MarketIndexSH:
		return "SSE"
	case domain.MarketASZ, domain.MarketAChiNext, domain.MarketIndexSZ:
		return "SZSE"
	case domain.MarketHK, domain.MarketIndexHK:
		return "HKEX"
	}
	return ""
}

func currencyFor(m domain.Market) string {
	if m == domain.MarketHK || m == domain.MarketIndexHK {
		return "HKD"
	}
	return "CNY"
}
