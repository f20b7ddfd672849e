// Package fetch coordinates upstream data acquisition. The coordinator
// is the sole writer of upstream-origin rows: it deduplicates identical
// in-flight requests, serializes fetches per cache population, bounds
// upstream concurrency, applies the retry policy and commits results
// atomically.
package fetch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/quantdb/quantdb/internal/calendar"
	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/repository"
	"github.com/quantdb/quantdb/internal/resolver"
	"github.com/quantdb/quantdb/internal/upstream"
)

// Deps wires the coordinator to the store and upstream.
type Deps struct {
	DB        *sql.DB
	Adapter   upstream.Adapter
	Calendar  *calendar.Service
	Bars      *repository.BarRepository
	IndexBars *repository.IndexBarRepository
	Coverage  *repository.CoverageRepository
	Snapshots *repository.SnapshotRepository
	Assets    *repository.AssetRepository
	Financial *repository.FinancialRepository
}

// Config holds coordinator tunables.
type Config struct {
	Workers   int           // Concurrent upstream fetches
	QueueCap  int           // Waiters allowed beyond the workers before failing fast
	RetryMax  int           // Retries after the first attempt
	RetryBase time.Duration // First backoff delay
	RetryCap  time.Duration // Backoff ceiling
}

// SegmentResult accounts one segment fetch. Deduplicated callers share
// the same result, so aggregate upstream counters can exceed the number
// of wire calls.
type SegmentResult struct {
	RowsAdded     int   // Rows committed to the store
	UpstreamCalls int   // Adapter attempts, including retries
	UpstreamMS    int64 // Wall time spent upstream
}

// Coordinator owns all cross-request fetch synchronization.
type Coordinator struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	group singleflight.Group
	locks keyedMutex
	slots *slotPool
}

// NewCoordinator creates a new fetch coordinator.
func NewCoordinator(deps Deps, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		deps:  deps,
		cfg:   cfg,
		log:   log.With().Str("component", "fetch_coordinator").Logger(),
		locks: newKeyedMutex(),
		slots: newSlotPool(cfg.Workers, cfg.QueueCap),
	}
}

// FetchDailySegment fills one missing segment of a daily-bar population.
// Identical concurrent calls collapse into one fetch; overlapping calls
// for the same population serialize and re-run gap analysis after the
// lock, so each trading day is fetched at most once.
func (c *Coordinator) FetchDailySegment(ctx context.Context, sym domain.Symbol, adjust domain.Adjust, seg resolver.Segment) (SegmentResult, error) {
	sig := fmt.Sprintf("daily|%s|%s|%s|%s", sym.Code, adjust, dateKey(seg.Start), dateKey(seg.End))

	v, err, _ := c.group.Do(sig, func() (interface{}, error) {
		return c.fillDailySegment(ctx, sym, adjust, seg)
	})
	if err != nil {
		return SegmentResult{}, err
	}
	return v.(SegmentResult), nil
}

func (c *Coordinator) fillDailySegment(ctx context.Context, sym domain.Symbol, adjust domain.Adjust, seg resolver.Segment) (SegmentResult, error) {
	unlock := c.locks.lock("daily|" + sym.Code + "|" + string(adjust))
	defer unlock()

	// A fetch that held the lock before us may have filled part or all
	// of this segment.
	expected, err := c.deps.Calendar.TradingDaysBetween(sym.Market, seg.Start, seg.End)
	if err != nil {
		return SegmentResult{}, err
	}
	present, err := c.deps.Bars.PresentDates(ctx, sym.Code, adjust, seg.Start, seg.End)
	if err != nil {
		return SegmentResult{}, err
	}
	res := resolver.Resolve(expected, present)
	if res.Complete() {
		return SegmentResult{}, nil
	}
	start := res.Missing[0]
	end := res.Missing[len(res.Missing)-1]

	if err := c.slots.acquire(ctx); err != nil {
		return SegmentResult{}, err
	}
	defer c.slots.release()

	var bars []domain.DailyBar
	calls := 0
	fetchStart := time.Now()
	err = c.withRetry(ctx, "fetch_daily", sym.Code, func() error {
		calls++
		var ferr error
		bars, ferr = c.deps.Adapter.FetchDaily(ctx, sym, adjust, start, end)
		return ferr
	})
	result := SegmentResult{UpstreamCalls: calls, UpstreamMS: time.Since(fetchStart).Milliseconds()}
	if err != nil {
		return result, err
	}
	if len(bars) == 0 {
		// Upstream has nothing for these days (suspension, delisting).
		// Nothing to commit; the caller reports the shortfall.
		return result, nil
	}

	covStart, covEnd, outside := rowSpan(start, end, barDates(bars))
	if outside > 0 {
		c.log.Warn().
			Str("symbol", sym.Code).
			Int("rows", outside).
			Str("segment_start", dateKey(start)).
			Str("segment_end", dateKey(end)).
			Msg("Upstream returned rows outside the requested segment, persisting anyway")
	}

	err = database.WithTransaction(c.deps.DB, func(tx *sql.Tx) error {
		if err := c.deps.Bars.UpsertBatch(ctx, tx, bars); err != nil {
			return err
		}
		return c.deps.Coverage.Touch(ctx, tx, sym.Code, domain.CoverageDaily, string(adjust), covStart, covEnd, len(bars), time.Now().UTC())
	})
	if err != nil {
		return result, fmt.Errorf("failed to commit daily segment %s: %w", sym.Code, err)
	}

	result.RowsAdded = len(bars)
	c.log.Debug().
		Str("symbol", sym.Code).
		Str("adjust", string(adjust)).
		Int("rows", result.RowsAdded).
		Int("calls", calls).
		Msg("Committed daily segment")
	return result, nil
}

type liveResult struct {
	bars  []domain.DailyBar
	stats CallStats
}

// FetchDailyLive fetches the bar for a trading day whose session is
// still open, without committing it. The row keeps moving until the
// close, so persisting it would freeze a partial bar in the store; the
// day is fetched again on the first request after the session ends and
// committed then. Identical concurrent calls collapse into one fetch.
func (c *Coordinator) FetchDailyLive(ctx context.Context, sym domain.Symbol, adjust domain.Adjust, day time.Time) ([]domain.DailyBar, CallStats, error) {
	sig := fmt.Sprintf("daily_live|%s|%s|%s", sym.Code, adjust, dateKey(day))

	v, err, _ := c.group.Do(sig, func() (interface{}, error) {
		if err := c.slots.acquire(ctx); err != nil {
			return nil, err
		}
		defer c.slots.release()

		var bars []domain.DailyBar
		stats := CallStats{}
		start := time.Now()
		err := c.withRetry(ctx, "fetch_daily_live", sym.Code, func() error {
			stats.Calls++
			var ferr error
			bars, ferr = c.deps.Adapter.FetchDaily(ctx, sym, adjust, day, day)
			return ferr
		})
		stats.MS = time.Since(start).Milliseconds()
		if err != nil {
			return liveResult{stats: stats}, err
		}

		// Upstream may pad the response with settled neighbours; only
		// the in-session day is served uncommitted.
		kept := bars[:0:0]
		for _, b := range bars {
			if b.TradeDate.Equal(day) {
				kept = append(kept, b)
			}
		}
		return liveResult{bars: kept, stats: stats}, nil
	})

	if v == nil {
		return nil, CallStats{}, err
	}
	res := v.(liveResult)
	return res.bars, res.stats, err
}

// FetchIndexSegment fills one missing segment of an index-bar population.
// Index coverage is keyed (symbol, index, period) in the coverage table.
func (c *Coordinator) FetchIndexSegment(ctx context.Context, sym domain.Symbol, period domain.Period, seg resolver.Segment) (SegmentResult, error) {
	sig := fmt.Sprintf("index|%s|%s|%s|%s", sym.Code, period, dateKey(seg.Start), dateKey(seg.End))

	v, err, _ := c.group.Do(sig, func() (interface{}, error) {
		return c.fillIndexSegment(ctx, sym, period, seg)
	})
	if err != nil {
		return SegmentResult{}, err
	}
	return v.(SegmentResult), nil
}

func (c *Coordinator) fillIndexSegment(ctx context.Context, sym domain.Symbol, period domain.Period, seg resolver.Segment) (SegmentResult, error) {
	unlock := c.locks.lock("index|" + sym.Code + "|" + string(period))
	defer unlock()

	expected, err := c.deps.Calendar.PeriodEnds(sym.Market, seg.Start, seg.End, period)
	if err != nil {
		return SegmentResult{}, err
	}
	present, err := c.deps.IndexBars.PresentDates(ctx, sym.Code, period, seg.Start, seg.End)
	if err != nil {
		return SegmentResult{}, err
	}
	res := resolver.Resolve(expected, present)
	if res.Complete() {
		return SegmentResult{}, nil
	}
	start := res.Missing[0]
	end := res.Missing[len(res.Missing)-1]

	if err := c.slots.acquire(ctx); err != nil {
		return SegmentResult{}, err
	}
	defer c.slots.release()

	var bars []domain.IndexBar
	calls := 0
	fetchStart := time.Now()
	// Weekly and monthly bars need the whole period upstream, not just
	// the period-end day, or the aggregate would be truncated.
	reqStart, reqEnd := widenToPeriod(start, end, period)
	err = c.withRetry(ctx, "fetch_index_daily", sym.Code, func() error {
		calls++
		var ferr error
		bars, ferr = c.deps.Adapter.FetchIndexDaily(ctx, sym, period, reqStart, reqEnd)
		return ferr
	})
	result := SegmentResult{UpstreamCalls: calls, UpstreamMS: time.Since(fetchStart).Milliseconds()}
	if err != nil {
		return result, err
	}
	if len(bars) == 0 {
		return result, nil
	}

	covStart, covEnd, outside := rowSpan(start, end, indexBarDates(bars))
	if outside > 0 {
		c.log.Warn().
			Str("symbol", sym.Code).
			Int("rows", outside).
			Msg("Upstream returned index rows outside the requested segment, persisting anyway")
	}

	err = database.WithTransaction(c.deps.DB, func(tx *sql.Tx) error {
		if err := c.deps.IndexBars.UpsertBatch(ctx, tx, bars); err != nil {
			return err
		}
		return c.deps.Coverage.Touch(ctx, tx, sym.Code, domain.CoverageIndex, string(period), covStart, covEnd, len(bars), time.Now().UTC())
	})
	if err != nil {
		return result, fmt.Errorf("failed to commit index segment %s: %w", sym.Code, err)
	}

	result.RowsAdded = len(bars)
	return result, nil
}

// rowSpan widens [start, end] to cover every returned row date and
// counts rows falling outside the requested window.
func rowSpan(start, end time.Time, dates []time.Time) (time.Time, time.Time, int) {
	outside := 0
	for _, d := range dates {
		if d.Before(start) {
			start = d
			outside++
		} else if d.After(end) {
			end = d
			outside++
		}
	}
	return start, end, outside
}

func barDates(bars []domain.DailyBar) []time.Time {
	out := make([]time.Time, len(bars))
	for i, b := range bars {
		out[i] = b.TradeDate
	}
	return out
}

func indexBarDates(bars []domain.IndexBar) []time.Time {
	out := make([]time.Time, len(bars))
	for i, b := range bars {
		out[i] = b.TradeDate
	}
	return out
}

// widenToPeriod stretches a period-end range to the calendar span that
// feeds those periods.
func widenToPeriod(start, end time.Time, period domain.Period) (time.Time, time.Time) {
	switch period {
	case domain.PeriodWeekly:
		// Back to Monday of the first period's week.
		offset := (int(start.Weekday()) + 6) % 7
		return start.AddDate(0, 0, -offset), end
	case domain.PeriodMonthly:
		return time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC), end
	default:
		return start, end
	}
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
