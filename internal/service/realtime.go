package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantdb/quantdb/internal/calendar"
	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/fetch"
	"github.com/quantdb/quantdb/internal/symbols"
)

type realtimeLookup struct {
	snap  *domain.RealtimeSnapshot
	stale bool
	hit   bool
	stats fetch.CallStats
	err   error
}

// lookupRealtime applies the TTL policy for one symbol: a snapshot
// younger than the phase TTL is served as-is, otherwise a refresh is
// attempted with the stale row as fallback.
func (s *Service) lookupRealtime(ctx context.Context, sym domain.Symbol) realtimeLookup {
	now := s.now()
	ttl := s.cfg.RealtimeTTLClosed
	if s.deps.Calendar.Phase(sym.Market, now) == calendar.PhaseOpen {
		ttl = s.cfg.RealtimeTTLOpen
	}

	cached, err := s.deps.Snapshots.Get(ctx, sym.Code)
	if err != nil {
		return realtimeLookup{err: err}
	}
	if cached != nil && now.Sub(cached.FetchedAt) < ttl {
		return realtimeLookup{snap: cached, hit: true}
	}

	snap, stats, err := s.deps.Coordinator.RefreshRealtime(ctx, sym)
	if err != nil {
		if cached != nil {
			s.log.Warn().Err(err).Str("symbol", sym.Code).Msg("Realtime refresh failed, serving stale snapshot")
			return realtimeLookup{snap: cached, stale: true, stats: stats}
		}
		return realtimeLookup{stats: stats, err: pointLookupErr(err)}
	}
	return realtimeLookup{snap: snap, stats: stats}
}

// GetRealtime serves the latest quote for one stock.
func (s *Service) GetRealtime(ctx context.Context, rawSymbol string) (SnapshotResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{ID: requestIDFrom(ctx), Endpoint: "realtime", Symbol: rawSymbol}

	sym, err := symbols.Normalize(rawSymbol)
	if err != nil {
		s.finish(&rec, wall, err)
		return SnapshotResult{}, err
	}
	rec.Symbol, rec.Market = sym.Code, string(sym.Market)

	out := s.lookupRealtime(ctx, sym)
	rec.UpstreamCalls = out.stats.Calls
	rec.UpstreamMS = out.stats.MS
	if out.err != nil {
		s.finish(&rec, wall, out.err)
		return SnapshotResult{}, out.err
	}

	rec.CacheHit = out.hit
	rec.RowsReturned = 1
	switch {
	case out.hit:
		rec.Outcome = domain.OutcomeHit
		rec.CacheRatio = 1
	case out.stale:
		// Served from the store, just past its TTL.
		rec.Outcome = domain.OutcomePartial
		rec.ErrorCode = "stale_fallback"
		rec.CacheRatio = 1
	default:
		rec.Outcome = domain.OutcomeMiss
	}
	s.recordAccess(ctx, sym.Code, domain.CoverageRealtime, "")
	s.finish(&rec, wall, nil)
	meta := metaFrom(rec)
	meta.Stale = out.stale
	return SnapshotResult{Snapshot: out.snap, Stale: out.stale, Meta: meta}, nil
}

// GetRealtimeBatch serves quotes for several stocks at once. One bad
// symbol never fails the batch; each entry carries its own outcome.
func (s *Service) GetRealtimeBatch(ctx context.Context, rawSymbols []string) (BatchResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{
		ID:       requestIDFrom(ctx),
		Endpoint: "realtime_batch",
		Symbol:   fmt.Sprintf("batch:%d", len(rawSymbols)),
	}

	if len(rawSymbols) == 0 {
		err := fmt.Errorf("%w: empty symbol list", domain.ErrValidation)
		s.finish(&rec, wall, err)
		return BatchResult{}, err
	}
	if len(rawSymbols) > maxBatchSymbols {
		err := fmt.Errorf("%w: %d symbols exceeds the batch limit of %d",
			domain.ErrValidation, len(rawSymbols), maxBatchSymbols)
		s.finish(&rec, wall, err)
		return BatchResult{}, err
	}

	entries := make([]BatchEntry, len(rawSymbols))
	var calls, ms, hitCount atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchWorkers)
	for i, raw := range rawSymbols {
		i, raw := i, raw
		g.Go(func() error {
			sym, err := symbols.Normalize(raw)
			if err != nil {
				entries[i] = BatchEntry{Symbol: raw, Error: domain.ErrorCode(err)}
				return nil
			}
			out := s.lookupRealtime(gctx, sym)
			calls.Add(int64(out.stats.Calls))
			ms.Add(out.stats.MS)
			if out.hit {
				hitCount.Add(1)
			}
			entry := BatchEntry{Symbol: sym.Code, Snapshot: out.snap, Stale: out.stale}
			if out.err != nil {
				entry.Error = domain.ErrorCode(out.err)
			}
			entries[i] = entry
			return nil
		})
	}
	// Workers report per-entry failures in place and never return errors.
	_ = g.Wait()

	served, failed, stale := 0, 0, 0
	for _, e := range entries {
		switch {
		case e.Error != "":
			failed++
		case e.Stale:
			stale++
			served++
		default:
			served++
		}
	}

	for _, e := range entries {
		if e.Error == "" {
			s.recordAccess(ctx, e.Symbol, domain.CoverageRealtime, "")
		}
	}

	hits := int(hitCount.Load())
	rec.UpstreamCalls = int(calls.Load())
	rec.UpstreamMS = ms.Load()
	rec.RowsReturned = served
	rec.CacheHit = hits == len(entries)
	rec.CacheRatio = cacheRatio(hits+stale, served)
	switch {
	case failed == len(entries):
		rec.Outcome = domain.OutcomeError
		rec.ErrorCode = "batch_failed"
	case failed > 0 || stale > 0:
		rec.Outcome = domain.OutcomePartial
	case hits == len(entries):
		rec.Outcome = domain.OutcomeHit
	case hits == 0:
		rec.Outcome = domain.OutcomeMiss
	default:
		rec.Outcome = domain.OutcomePartial
	}
	s.finish(&rec, wall, nil)
	return BatchResult{Entries: entries, Meta: metaFrom(rec)}, nil
}
