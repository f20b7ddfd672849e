// Package service is the cache facade: every read goes through symbol
// normalization, the trading calendar, gap resolution and the fetch
// coordinator, and every call emits exactly one monitoring record.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/calendar"
	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/fetch"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/repository"
)

const maxBatchSymbols = 50

// Deps bundles everything the facade orchestrates.
type Deps struct {
	DB          *database.DB // Only used for size stats; nil is tolerated in tests
	Calendar    *calendar.Service
	Coordinator *fetch.Coordinator
	Bars        *repository.BarRepository
	IndexBars   *repository.IndexBarRepository
	Coverage    *repository.CoverageRepository
	Snapshots   *repository.SnapshotRepository
	Assets      *repository.AssetRepository
	Financial   *repository.FinancialRepository
	RequestLog  *repository.RequestLogRepository
	Emitter     *monitor.Emitter
	Metrics     *monitor.Metrics
}

// Config carries the facade's cache policy knobs.
type Config struct {
	RealtimeTTLOpen       time.Duration
	RealtimeTTLClosed     time.Duration
	AssetTTL              time.Duration
	FinancialSummaryTTL   time.Duration
	FinancialIndicatorTTL time.Duration
	DefaultLookbackDays   int
	BatchWorkers          int
	StatsWindow           time.Duration

	// Now overrides the clock for TTL and calendar decisions. Durations
	// in monitoring records always use the wall clock.
	Now func() time.Time
}

// Service is the cache facade.
type Service struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

// New wires the facade. Zero config fields fall back to defaults.
func New(deps Deps, cfg Config, log zerolog.Logger) *Service {
	if cfg.RealtimeTTLOpen <= 0 {
		cfg.RealtimeTTLOpen = 60 * time.Second
	}
	if cfg.RealtimeTTLClosed <= 0 {
		cfg.RealtimeTTLClosed = 30 * time.Minute
	}
	if cfg.AssetTTL <= 0 {
		cfg.AssetTTL = 24 * time.Hour
	}
	if cfg.FinancialSummaryTTL <= 0 {
		cfg.FinancialSummaryTTL = 24 * time.Hour
	}
	if cfg.FinancialIndicatorTTL <= 0 {
		cfg.FinancialIndicatorTTL = 7 * 24 * time.Hour
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = 365
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 8
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 24 * time.Hour
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		deps: deps,
		cfg:  cfg,
		log:  log.With().Str("component", "service").Logger(),
		now:  nowFn,
	}
}

// Meta is the per-request envelope attached to every facade result.
type Meta struct {
	RequestID     string         `json:"request_id"`
	Symbol        string         `json:"symbol,omitempty"`
	Market        string         `json:"market,omitempty"`
	StartDate     string         `json:"start_date,omitempty"`
	EndDate       string         `json:"end_date,omitempty"`
	Adjust        string         `json:"adjust,omitempty"`
	Period        string         `json:"period,omitempty"`
	Outcome       domain.Outcome `json:"outcome"`
	CacheHit      bool           `json:"cache_hit"`
	CacheRatio    float64        `json:"cache_ratio"`
	Stale         bool           `json:"stale,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Rows          int            `json:"rows"`
	GapSegments   int            `json:"gap_segments,omitempty"`
	UpstreamCalls int            `json:"upstream_calls,omitempty"`
	UpstreamMS    int64          `json:"upstream_ms,omitempty"`
	TotalMS       int64          `json:"total_ms"`
}

// BarsResult is the answer to a daily-bars read.
type BarsResult struct {
	Bars []domain.DailyBar `json:"bars"`
	Meta Meta              `json:"meta"`
}

// IndexBarsResult is the answer to an index-bars read.
type IndexBarsResult struct {
	Bars []domain.IndexBar `json:"bars"`
	Meta Meta              `json:"meta"`
}

// SnapshotResult is the answer to a realtime quote read.
type SnapshotResult struct {
	Snapshot *domain.RealtimeSnapshot `json:"snapshot"`
	Stale    bool                     `json:"stale"`
	Meta     Meta                     `json:"meta"`
}

// BatchEntry is one symbol's outcome inside a batch quote read.
type BatchEntry struct {
	Symbol   string                   `json:"symbol"`
	Snapshot *domain.RealtimeSnapshot `json:"snapshot,omitempty"`
	Stale    bool                     `json:"stale,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// BatchResult is the answer to a batch quote read.
type BatchResult struct {
	Entries []BatchEntry `json:"entries"`
	Meta    Meta         `json:"meta"`
}

// AssetResult is the answer to an asset info read.
type AssetResult struct {
	Asset *domain.Asset `json:"asset"`
	Stale bool          `json:"stale"`
	Meta  Meta          `json:"meta"`
}

// FinancialResult is the answer to a financial statement read. Data is
// the upstream JSON payload, cached as an opaque blob.
type FinancialResult struct {
	Kind      domain.FinancialKind `json:"kind"`
	FetchedAt time.Time            `json:"fetched_at"`
	Data      json.RawMessage      `json:"data"`
	Stale     bool                 `json:"stale"`
	Meta      Meta                 `json:"meta"`
}

type ctxKey int

const requestIDKey ctxKey = 0

// WithRequestID attaches an externally assigned request ID; the HTTP
// layer sets it so the response envelope and the log record agree.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// finish stamps the record's terminal fields and emits it. Called
// exactly once per facade operation, on every return path.
func (s *Service) finish(rec *domain.RequestRecord, wall time.Time, err error) {
	rec.Timestamp = s.now()
	rec.TotalMS = time.Since(wall).Milliseconds()
	if err != nil {
		rec.ErrorCode = domain.ErrorCode(err)
		if errors.Is(err, domain.ErrNoTradingDays) {
			// Empty-by-calendar is served as an empty success.
			rec.Outcome = domain.OutcomeHit
			rec.CacheHit = true
			rec.CacheRatio = 1
		} else {
			rec.Outcome = domain.OutcomeError
		}
	}
	if s.deps.Emitter != nil {
		s.deps.Emitter.Emit(*rec)
	}
}

// metaFrom projects a finished record into the response envelope.
func metaFrom(rec domain.RequestRecord) Meta {
	m := Meta{
		RequestID:     rec.ID,
		Symbol:        rec.Symbol,
		Market:        rec.Market,
		StartDate:     rec.StartDate,
		EndDate:       rec.EndDate,
		Adjust:        rec.Adjust,
		Outcome:       rec.Outcome,
		CacheHit:      rec.CacheHit,
		CacheRatio:    rec.CacheRatio,
		Rows:          rec.RowsReturned,
		GapSegments:   rec.GapSegments,
		UpstreamCalls: rec.UpstreamCalls,
		UpstreamMS:    rec.UpstreamMS,
		TotalMS:       rec.TotalMS,
	}
	if rec.Outcome != domain.OutcomeError && rec.ErrorCode != "" {
		m.Reason = rec.ErrorCode
	}
	return m
}

const dateLayout = "2006-01-02"

// parseDate accepts YYYYMMDD and YYYY-MM-DD forms.
func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{dateLayout, "20060102"} {
		if d, err := time.Parse(layout, s); err == nil {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q", domain.ErrValidation, s)
}

func dateStr(d time.Time) string {
	return d.Format(dateLayout)
}

func parseAdjust(s string) (domain.Adjust, error) {
	switch domain.Adjust(s) {
	case domain.AdjustNone, domain.AdjustForward, domain.AdjustBackward:
		return domain.Adjust(s), nil
	default:
		return "", fmt.Errorf("%w: adjust %q", domain.ErrValidation, s)
	}
}

func parsePeriod(s string) (domain.Period, error) {
	if s == "" {
		return domain.PeriodDaily, nil
	}
	switch domain.Period(s) {
	case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly:
		return domain.Period(s), nil
	default:
		return "", fmt.Errorf("%w: period %q", domain.ErrValidation, s)
	}
}

// resolveRange applies the range defaults: end falls back to the last
// completed trading day (explicit future ends are clamped to it), start
// falls back to end minus the configured lookback.
func (s *Service) resolveRange(market domain.Market, start, end string) (time.Time, time.Time, error) {
	last, err := s.deps.Calendar.LastCompletedTradingDay(market, s.now())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	endD := last
	if end != "" {
		endD, err = parseDate(end)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if endD.After(last) {
			endD = last
		}
	}

	var startD time.Time
	if start == "" {
		startD = endD.AddDate(0, 0, -s.cfg.DefaultLookbackDays)
	} else {
		startD, err = parseDate(start)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}

	if start != "" && end != "" {
		explicitEnd, _ := parseDate(end)
		if startD.After(explicitEnd) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s after end %s",
				domain.ErrValidation, dateStr(startD), dateStr(explicitEnd))
		}
	}
	return startD, endD, nil
}

// liveTradingDay reports the trading day still in session that the
// request's explicit end date reaches. A range whose end falls on the
// current trading day while the market is open includes that day, but
// its bar is served fresh from upstream and never committed; resolveRange
// already clamped it out of the persisted expectation.
func (s *Service) liveTradingDay(market domain.Market, end string) (time.Time, bool) {
	if end == "" {
		return time.Time{}, false
	}
	now := s.now()
	// PhaseOpen implies today is a trading day on this market's calendar.
	if s.deps.Calendar.Phase(market, now) != calendar.PhaseOpen {
		return time.Time{}, false
	}
	local := now.In(s.deps.Calendar.Timezone(market))
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	endD, err := parseDate(end)
	if err != nil || endD.Before(today) {
		return time.Time{}, false
	}
	return today, true
}

// cacheRatio is days served from cache over days served.
func cacheRatio(cached, served int) float64 {
	if served <= 0 {
		return 0
	}
	if cached > served {
		cached = served
	}
	return float64(cached) / float64(served)
}

// recordAccess bumps the population's coverage access counter. Best
// effort: a failed bump never fails the request it accounts for.
func (s *Service) recordAccess(ctx context.Context, symbol string, kind domain.CoverageKind, variant string) {
	if err := s.deps.Coverage.RecordAccess(ctx, symbol, kind, variant, s.now()); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("kind", string(kind)).
			Msg("Failed to record coverage access")
	}
}

// demotable reports whether a segment fetch failure may be downgraded to
// a partial success when some rows are servable. Cancellation and
// backpressure always propagate.
func demotable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *domain.UpstreamError
	return errors.As(err, &ue)
}

// pointLookupErr maps an upstream failure on a TTL lookup with no cached
// fallback. Symbols upstream does not know become ErrInvalidSymbol;
// everything else the caller can wait out becomes ErrDataUnavailable.
func pointLookupErr(err error) error {
	if errors.Is(err, domain.ErrUpstreamOverloaded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Code {
		case domain.UpstreamCodeInvalidSymbol, domain.UpstreamCodeNotFound:
			return fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, ue.Message)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrDataUnavailable, err)
}
