package service

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/resolver"
	"github.com/quantdb/quantdb/internal/symbols"
)

// GetDailyBars serves a stock's daily OHLCV range, fetching only the
// trading days the store does not already hold.
func (s *Service) GetDailyBars(ctx context.Context, rawSymbol, start, end, adjust string) (BarsResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{ID: requestIDFrom(ctx), Endpoint: "daily", Symbol: rawSymbol}

	sym, err := symbols.Normalize(rawSymbol)
	if err != nil {
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}
	rec.Symbol, rec.Market = sym.Code, string(sym.Market)

	adj, err := parseAdjust(adjust)
	if err != nil {
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}
	rec.Adjust = string(adj)

	startD, endD, err := s.resolveRange(sym.Market, start, end)
	if err != nil {
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}
	rec.StartDate, rec.EndDate = dateStr(startD), dateStr(endD)

	// A same-day end while the session is open stays in the request:
	// the in-flight day is fetched fresh and served without persisting.
	liveDay, hasLive := s.liveTradingDay(sym.Market, end)

	expected, err := s.deps.Calendar.TradingDaysBetween(sym.Market, startD, endD)
	if err != nil {
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}
	if len(expected) == 0 && !hasLive {
		s.finish(&rec, wall, domain.ErrNoTradingDays)
		return BarsResult{Bars: []domain.DailyBar{}, Meta: metaFrom(rec)}, domain.ErrNoTradingDays
	}

	present, err := s.deps.Bars.PresentDates(ctx, sym.Code, adj, startD, endD)
	if err != nil {
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}

	res := resolver.Resolve(expected, present)
	rec.CacheHit = res.Complete()
	rec.GapSegments = len(res.Segments)

	var fetchErr error
	for _, seg := range res.Segments {
		r, err := s.deps.Coordinator.FetchDailySegment(ctx, sym, adj, seg)
		rec.UpstreamCalls += r.UpstreamCalls
		rec.UpstreamMS += r.UpstreamMS
		rec.Segments = append(rec.Segments, domain.SegmentDetail{
			Start:      dateStr(seg.Start),
			End:        dateStr(seg.End),
			Days:       seg.Days,
			Rows:       r.RowsAdded,
			Calls:      r.UpstreamCalls,
			UpstreamMS: r.UpstreamMS,
		})
		if err != nil {
			fetchErr = err
			break
		}
	}

	final, err := s.deps.Bars.GetRange(ctx, sym.Code, adj, startD, endD)
	if err != nil {
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}

	if len(final) < len(present) {
		err = fmt.Errorf("%w: %d rows present before fetch, %d after",
			domain.ErrInternalInconsistency, len(present), len(final))
		s.log.Error().Err(err).Str("symbol", sym.Code).Str("adjust", adjust).Msg("Cache readback lost rows")
		s.finish(&rec, wall, err)
		return BarsResult{}, err
	}

	if fetchErr != nil {
		if len(final) == 0 || !demotable(fetchErr) {
			s.finish(&rec, wall, fetchErr)
			return BarsResult{}, fetchErr
		}
		// Some segments landed before the failure; serve what we have.
		rec.Outcome = domain.OutcomePartial
		rec.ErrorCode = domain.ErrorCode(fetchErr)
		rec.RowsReturned = len(final)
		rec.CacheRatio = cacheRatio(len(present), len(final))
		s.recordAccess(ctx, sym.Code, domain.CoverageDaily, string(adj))
		s.finish(&rec, wall, nil)
		return BarsResult{Bars: final, Meta: metaFrom(rec)}, nil
	}

	rec.Outcome = rangeOutcome(res, expected, dailyDates(final), len(present))

	if hasLive {
		live, stats, liveErr := s.deps.Coordinator.FetchDailyLive(ctx, sym, adj, liveDay)
		rec.UpstreamCalls += stats.Calls
		rec.UpstreamMS += stats.MS
		rec.GapSegments++
		rec.Segments = append(rec.Segments, domain.SegmentDetail{
			Start:      dateStr(liveDay),
			End:        dateStr(liveDay),
			Days:       1,
			Rows:       0, // nothing committed; the live bar stays uncached
			Calls:      stats.Calls,
			UpstreamMS: stats.MS,
		})
		switch {
		case liveErr != nil && (len(final) == 0 || !demotable(liveErr)):
			s.finish(&rec, wall, liveErr)
			return BarsResult{}, liveErr
		case liveErr != nil:
			// The settled history alone is an acceptable partial answer
			// while the session is still open.
			rec.Outcome = domain.OutcomePartial
			rec.ErrorCode = domain.ErrorCode(liveErr)
		case len(live) > 0:
			final = append(final, live...)
			rec.CacheHit = false
			if rec.Outcome == domain.OutcomeHit {
				rec.Outcome = domain.OutcomePartial
			}
			if len(present) == 0 {
				rec.Outcome = domain.OutcomeMiss
			}
		}
	}

	rec.RowsReturned = len(final)
	rec.CacheRatio = cacheRatio(len(present), len(final))
	s.recordAccess(ctx, sym.Code, domain.CoverageDaily, string(adj))
	s.finish(&rec, wall, nil)
	return BarsResult{Bars: final, Meta: metaFrom(rec)}, nil
}

// GetIndexBars serves an index OHLCV range for one aggregation period.
// Weekly and monthly populations are cached independently of daily.
func (s *Service) GetIndexBars(ctx context.Context, rawSymbol, start, end, period string) (IndexBarsResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{ID: requestIDFrom(ctx), Endpoint: "index", Symbol: rawSymbol}

	sym, err := symbols.NormalizeIndex(rawSymbol)
	if err != nil {
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}
	rec.Symbol, rec.Market = sym.Code, string(sym.Market)

	per, err := parsePeriod(period)
	if err != nil {
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}
	rec.Adjust = string(per)

	startD, endD, err := s.resolveRange(sym.Market, start, end)
	if err != nil {
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}
	rec.StartDate, rec.EndDate = dateStr(startD), dateStr(endD)

	expected, err := s.deps.Calendar.PeriodEnds(sym.Market, startD, endD, per)
	if err != nil {
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}
	if len(expected) == 0 {
		s.finish(&rec, wall, domain.ErrNoTradingDays)
		return IndexBarsResult{Bars: []domain.IndexBar{}, Meta: indexMeta(rec, per)}, domain.ErrNoTradingDays
	}

	present, err := s.deps.IndexBars.PresentDates(ctx, sym.Code, per, startD, endD)
	if err != nil {
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}

	res := resolver.Resolve(expected, present)
	rec.CacheHit = res.Complete()
	rec.GapSegments = len(res.Segments)

	var fetchErr error
	for _, seg := range res.Segments {
		r, err := s.deps.Coordinator.FetchIndexSegment(ctx, sym, per, seg)
		rec.UpstreamCalls += r.UpstreamCalls
		rec.UpstreamMS += r.UpstreamMS
		rec.Segments = append(rec.Segments, domain.SegmentDetail{
			Start:      dateStr(seg.Start),
			End:        dateStr(seg.End),
			Days:       seg.Days,
			Rows:       r.RowsAdded,
			Calls:      r.UpstreamCalls,
			UpstreamMS: r.UpstreamMS,
		})
		if err != nil {
			fetchErr = err
			break
		}
	}

	final, err := s.deps.IndexBars.GetRange(ctx, sym.Code, per, startD, endD)
	if err != nil {
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}

	if len(final) < len(present) {
		err = fmt.Errorf("%w: %d rows present before fetch, %d after",
			domain.ErrInternalInconsistency, len(present), len(final))
		s.log.Error().Err(err).Str("symbol", sym.Code).Str("period", string(per)).Msg("Cache readback lost rows")
		s.finish(&rec, wall, err)
		return IndexBarsResult{}, err
	}

	if fetchErr != nil {
		if len(final) == 0 || !demotable(fetchErr) {
			s.finish(&rec, wall, fetchErr)
			return IndexBarsResult{}, fetchErr
		}
		rec.Outcome = domain.OutcomePartial
		rec.ErrorCode = domain.ErrorCode(fetchErr)
		rec.RowsReturned = len(final)
		rec.CacheRatio = cacheRatio(len(present), len(final))
		s.recordAccess(ctx, sym.Code, domain.CoverageIndex, string(per))
		s.finish(&rec, wall, nil)
		return IndexBarsResult{Bars: final, Meta: indexMeta(rec, per)}, nil
	}

	rec.RowsReturned = len(final)
	rec.Outcome = rangeOutcome(res, expected, indexDates(final), len(present))
	rec.CacheRatio = cacheRatio(len(present), len(final))
	s.recordAccess(ctx, sym.Code, domain.CoverageIndex, string(per))
	s.finish(&rec, wall, nil)
	return IndexBarsResult{Bars: final, Meta: indexMeta(rec, per)}, nil
}

// rangeOutcome classifies a successful range read: hit when nothing was
// fetched, miss when the whole range came from upstream, partial when
// the result mixes sources or upstream returned fewer days than expected.
func rangeOutcome(res resolver.Resolution, expected, have []time.Time, presentBefore int) domain.Outcome {
	if res.Complete() {
		return domain.OutcomeHit
	}
	haveSet := make(map[time.Time]bool, len(have))
	for _, d := range have {
		haveSet[d] = true
	}
	for _, d := range expected {
		if !haveSet[d] {
			return domain.OutcomePartial
		}
	}
	if presentBefore == 0 {
		return domain.OutcomeMiss
	}
	return domain.OutcomePartial
}

func dailyDates(bars []domain.DailyBar) []time.Time {
	dates := make([]time.Time, len(bars))
	for i, b := range bars {
		dates[i] = b.TradeDate
	}
	return dates
}

func indexDates(bars []domain.IndexBar) []time.Time {
	dates := make([]time.Time, len(bars))
	for i, b := range bars {
		dates[i] = b.TradeDate
	}
	return dates
}

// indexMeta rewrites the variant slot: index requests carry a period,
// not an adjust flag.
func indexMeta(rec domain.RequestRecord, per domain.Period) Meta {
	m := metaFrom(rec)
	m.Period = string(per)
	m.Adjust = ""
	return m
}
