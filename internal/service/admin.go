package service

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/repository"
	"github.com/quantdb/quantdb/internal/symbols"
)

// RequestTotals are process-lifetime counters.
type RequestTotals struct {
	Requests      int64   `json:"requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	UpstreamCalls int64   `json:"upstream_calls"`
	HitRate       float64 `json:"hit_rate"`
}

// LatencySummary is the sliding-window latency distribution.
type LatencySummary struct {
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
}

// StoreCounts are per-table row counts plus file sizes.
type StoreCounts struct {
	SizeBytes  int64 `json:"size_bytes"`
	WALBytes   int64 `json:"wal_bytes"`
	DailyBars  int64 `json:"daily_bars"`
	IndexBars  int64 `json:"index_bars"`
	Snapshots  int64 `json:"snapshots"`
	Assets     int64 `json:"assets"`
	Financials int64 `json:"financials"`
	RequestLog int64 `json:"request_log"`
}

// CacheStatsResult is the operator-facing cache report.
type CacheStatsResult struct {
	GeneratedAt    time.Time                  `json:"generated_at"`
	Totals         RequestTotals              `json:"totals"`
	Latency        LatencySummary             `json:"latency"`
	DroppedRecords int64                      `json:"dropped_records"`
	Store          StoreCounts                `json:"store"`
	Endpoints      []repository.EndpointStats `json:"endpoints"`
	Window         string                     `json:"window"`
}

// CacheStats assembles counters, latency quantiles and per-table counts.
// It deliberately emits no monitoring record: reading the monitor must
// not feed its own aggregates.
func (s *Service) CacheStats(ctx context.Context) (CacheStatsResult, error) {
	out := CacheStatsResult{
		GeneratedAt: s.now(),
		Window:      s.cfg.StatsWindow.String(),
	}

	if s.deps.Metrics != nil {
		req, hits, misses, upstream := s.deps.Metrics.Totals()
		out.Totals = RequestTotals{
			Requests:      req,
			CacheHits:     hits,
			CacheMisses:   misses,
			UpstreamCalls: upstream,
		}
		if lookups := hits + misses; lookups > 0 {
			out.Totals.HitRate = float64(hits) / float64(lookups)
		}
	}
	if s.deps.Emitter != nil {
		p50, p95, p99 := s.deps.Emitter.Quantiles()
		out.Latency = LatencySummary{P50MS: p50, P95MS: p95, P99MS: p99}
		out.DroppedRecords = s.deps.Emitter.DroppedCount()
	}

	counts := []struct {
		dst   *int64
		name  string
		count func(context.Context) (int64, error)
	}{
		{&out.Store.DailyBars, "daily_bars", s.deps.Bars.Count},
		{&out.Store.IndexBars, "index_bars", s.deps.IndexBars.Count},
		{&out.Store.Snapshots, "realtime_snapshots", s.deps.Snapshots.Count},
		{&out.Store.Assets, "assets", s.deps.Assets.Count},
		{&out.Store.Financials, "financials", s.deps.Financial.Count},
		{&out.Store.RequestLog, "request_log", s.deps.RequestLog.Count},
	}
	for _, c := range counts {
		n, err := c.count(ctx)
		if err != nil {
			return CacheStatsResult{}, fmt.Errorf("failed to count %s: %w", c.name, err)
		}
		*c.dst = n
	}

	if s.deps.DB != nil {
		if stats, err := s.deps.DB.GetStats(); err == nil {
			out.Store.SizeBytes = stats.SizeBytes
			out.Store.WALBytes = stats.WALSizeBytes
		} else {
			s.log.Warn().Err(err).Msg("Failed to read database size stats")
		}
	}

	endpoints, err := s.deps.RequestLog.StatsSince(ctx, s.now().Add(-s.cfg.StatsWindow))
	if err != nil {
		return CacheStatsResult{}, fmt.Errorf("failed to aggregate request log: %w", err)
	}
	out.Endpoints = endpoints

	return out, nil
}

// ClearResult reports what a cache clear removed.
type ClearResult struct {
	Scope            string   `json:"scope"`
	Symbols          []string `json:"symbols,omitempty"`
	BarsDeleted      int64    `json:"bars_deleted"`
	IndexBarsDeleted int64    `json:"index_bars_deleted"`
	Meta             Meta     `json:"meta"`
}

// ClearCache drops cached market data. Scope "all" clears every data
// table; scope "symbol" clears one security under both its stock and
// index interpretations. The request log is never cleared here; it has
// its own retention job.
func (s *Service) ClearCache(ctx context.Context, scope, rawSymbol string) (ClearResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{ID: requestIDFrom(ctx), Endpoint: "cache_clear", Symbol: rawSymbol}

	out := ClearResult{Scope: scope}
	switch scope {
	case "all":
		if err := s.clearAll(ctx, &out); err != nil {
			s.finish(&rec, wall, err)
			return ClearResult{}, err
		}
	case "symbol":
		codes, err := clearCodes(rawSymbol)
		if err != nil {
			s.finish(&rec, wall, err)
			return ClearResult{}, err
		}
		out.Symbols = codes
		for _, code := range codes {
			if err := s.clearSymbol(ctx, code, &out); err != nil {
				s.finish(&rec, wall, err)
				return ClearResult{}, err
			}
		}
		rec.Symbol = codes[0]
	default:
		err := fmt.Errorf("%w: scope %q", domain.ErrValidation, scope)
		s.finish(&rec, wall, err)
		return ClearResult{}, err
	}

	rec.Outcome = domain.OutcomeHit
	rec.RowsReturned = int(out.BarsDeleted + out.IndexBarsDeleted)
	s.log.Info().Str("scope", scope).Str("symbol", rawSymbol).
		Int64("bars", out.BarsDeleted).Int64("index_bars", out.IndexBarsDeleted).
		Msg("Cache cleared")
	s.finish(&rec, wall, nil)
	out.Meta = metaFrom(rec)
	return out, nil
}

func (s *Service) clearAll(ctx context.Context, out *ClearResult) error {
	before, err := s.deps.Bars.Count(ctx)
	if err != nil {
		return err
	}
	idxBefore, err := s.deps.IndexBars.Count(ctx)
	if err != nil {
		return err
	}
	steps := []func(context.Context) error{
		s.deps.Bars.DeleteAll,
		s.deps.IndexBars.DeleteAll,
		s.deps.Coverage.DeleteAll,
		s.deps.Snapshots.DeleteAll,
		s.deps.Assets.DeleteAll,
		s.deps.Financial.DeleteAll,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	out.BarsDeleted = before
	out.IndexBarsDeleted = idxBefore
	return nil
}

func (s *Service) clearSymbol(ctx context.Context, code string, out *ClearResult) error {
	bars, err := s.deps.Bars.DeleteSymbol(ctx, code)
	if err != nil {
		return err
	}
	idx, err := s.deps.IndexBars.DeleteSymbol(ctx, code)
	if err != nil {
		return err
	}
	out.BarsDeleted += bars
	out.IndexBarsDeleted += idx
	if err := s.deps.Coverage.DeleteSymbol(ctx, code); err != nil {
		return err
	}
	if err := s.deps.Snapshots.DeleteSymbol(ctx, code); err != nil {
		return err
	}
	if err := s.deps.Assets.DeleteSymbol(ctx, code); err != nil {
		return err
	}
	return s.deps.Financial.DeleteSymbol(ctx, code)
}

// clearCodes resolves a raw identifier to every canonical code it may
// cache under. 000001 clears both the stock and the index population.
func clearCodes(raw string) ([]string, error) {
	sym, stockErr := symbols.Normalize(raw)
	idx, idxErr := symbols.NormalizeIndex(raw)
	switch {
	case stockErr == nil && idxErr == nil:
		if sym.Code == idx.Code {
			return []string{sym.Code}, nil
		}
		return []string{sym.Code, idx.Code}, nil
	case stockErr == nil:
		return []string{sym.Code}, nil
	case idxErr == nil:
		return []string{idx.Code}, nil
	default:
		return nil, stockErr
	}
}
