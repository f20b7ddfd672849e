// Package domain provides core domain models and types.
package domain

import "time"

// Market identifies the listing venue of a security.
type Market string

const (
	MarketASH      Market = "A_SH"      // Shanghai main board (incl. SH funds 51/58)
	MarketASZ      Market = "A_SZ"      // Shenzhen main board
	MarketASTAR    Market = "A_STAR"    // Shanghai STAR market (688)
	MarketAChiNext Market = "A_CHINEXT" // Shenzhen ChiNext (30)
	MarketHK       Market = "HK"        // Hong Kong main board
	MarketIndexSH  Market = "INDEX_SH"
	MarketIndexSZ  Market = "INDEX_SZ"
	MarketIndexHK  Market = "INDEX_HK"
)

// CalendarID names a trading calendar. All mainland venues share one
// calendar; Hong Kong has its own.
type CalendarID string

const (
	CalendarCN CalendarID = "CN"
	CalendarHK CalendarID = "HK"
)

// CalendarID maps the market to the calendar that governs its sessions.
func (m Market) CalendarID() CalendarID {
	switch m {
	case MarketHK, MarketIndexHK:
		return CalendarHK
	default:
		return CalendarCN
	}
}

// IsIndex reports whether the market is an index venue.
func (m Market) IsIndex() bool {
	switch m {
	case MarketIndexSH, MarketIndexSZ, MarketIndexHK:
		return true
	default:
		return false
	}
}

// SecurityKind distinguishes stocks from indexes.
type SecurityKind string

const (
	KindStock SecurityKind = "stock"
	KindIndex SecurityKind = "index"
)

// Symbol is a normalized security identifier.
type Symbol struct {
	Code   string       `json:"code"` // Canonical code (6-digit A-share, 5-digit HK, index code)
	Market Market       `json:"market"`
	Kind   SecurityKind `json:"kind"`
}

func (s Symbol) String() string {
	return s.Code
}

// Adjust selects the price adjustment variant of daily bars.
// Each variant is a distinct cache population.
type Adjust string

const (
	AdjustNone     Adjust = ""    // Raw prices
	AdjustForward  Adjust = "qfq" // Forward-adjusted
	AdjustBackward Adjust = "hfq" // Backward-adjusted
)

// Period selects the bar aggregation for index data.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Outcome classifies how a data request was served.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"     // Served entirely from the local store
	OutcomeMiss    Outcome = "miss"    // Entire range fetched upstream
	OutcomePartial Outcome = "partial" // Some rows local, some fetched or still missing
	OutcomeError   Outcome = "error"
)

// DailyBar is one day of OHLCV data for a stock under one adjust variant.
type DailyBar struct {
	TradeDate    time.Time `json:"trade_date"`
	FetchedAt    time.Time `json:"fetched_at"`
	Symbol       string    `json:"symbol"`
	Adjust       Adjust    `json:"adjust"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume"`
	Turnover     float64   `json:"turnover"`
	Amplitude    float64   `json:"amplitude"`
	PctChange    float64   `json:"pct_change"`
	Change       float64   `json:"change"`
	TurnoverRate float64   `json:"turnover_rate"`
}

// IndexBar is one period of OHLCV data for an index.
type IndexBar struct {
	TradeDate time.Time `json:"trade_date"`
	FetchedAt time.Time `json:"fetched_at"`
	Symbol    string    `json:"symbol"`
	Period    Period    `json:"period"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Turnover  float64   `json:"turnover"`
}

// RealtimeSnapshot is the latest quote for a symbol. Timestamp is the
// quote time reported upstream; FetchedAt is when we stored it.
type RealtimeSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	FetchedAt time.Time `json:"fetched_at"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	PctChange float64   `json:"pct_change"`
	Volume    int64     `json:"volume"`
	Turnover  float64   `json:"turnover"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Open      float64   `json:"open"`
	PrevClose float64   `json:"prev_close"`
}

// Asset is descriptive metadata for a listed security.
type Asset struct {
	ListDate    time.Time `json:"list_date"`
	UpdatedAt   time.Time `json:"updated_at"`
	Symbol      string    `json:"symbol"`
	Name        string    `json:"name"`
	Market      Market    `json:"market"`
	Exchange    string    `json:"exchange"`
	Currency    string    `json:"currency"`
	Industry    string    `json:"industry"`
	TotalShares int64     `json:"total_shares"`
	FloatShares int64     `json:"float_shares"`
	PERatio     float64   `json:"pe_ratio"`
	PBRatio     float64   `json:"pb_ratio"`
}

// CoverageKind names the cache population a coverage row describes.
type CoverageKind string

const (
	CoverageDaily     CoverageKind = "daily"
	CoverageIndex     CoverageKind = "index"
	CoverageRealtime  CoverageKind = "realtime"
	CoverageAsset     CoverageKind = "asset"
	CoverageFinancial CoverageKind = "financial"
)

// Coverage summarizes what the store holds for one cache population and
// how often it is asked for. Keyed (symbol, kind, variant): variant is
// the adjust flag for daily bars, the period for index bars and empty
// for point lookups. The date span is advisory metadata; gap analysis
// always consults the actual rows, and point kinds carry no span at all.
type Coverage struct {
	FirstDate      time.Time    `json:"first_date"`
	LastDate       time.Time    `json:"last_date"`
	LastRefreshed  time.Time    `json:"last_refreshed"`
	LastAccessedAt time.Time    `json:"last_accessed_at"`
	Symbol         string       `json:"symbol"`
	Kind           CoverageKind `json:"kind"`
	Variant        string       `json:"variant,omitempty"`
	RowCount       int64        `json:"row_count"`
	AccessCount    int64        `json:"access_count"`
}

// FinancialKind distinguishes the cached financial payloads.
type FinancialKind string

const (
	FinancialSummary    FinancialKind = "summary"
	FinancialIndicators FinancialKind = "indicators"
)
