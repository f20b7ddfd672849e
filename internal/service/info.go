package service

import (
	"context"
	"time"

	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/symbols"
)

// normalizeAny accepts stock and index identifiers; stock interpretation
// wins for ambiguous codes like 000001.
func normalizeAny(raw string) (domain.Symbol, error) {
	sym, err := symbols.Normalize(raw)
	if err == nil {
		return sym, nil
	}
	if idx, idxErr := symbols.NormalizeIndex(raw); idxErr == nil {
		return idx, nil
	}
	return domain.Symbol{}, err
}

// GetAssetInfo serves descriptive metadata for a stock or index under a
// 24h TTL. forceRefresh bypasses the TTL; a failed refresh falls back to
// the stale row when one exists.
func (s *Service) GetAssetInfo(ctx context.Context, rawSymbol string, forceRefresh bool) (AssetResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{ID: requestIDFrom(ctx), Endpoint: "asset", Symbol: rawSymbol}

	sym, err := normalizeAny(rawSymbol)
	if err != nil {
		s.finish(&rec, wall, err)
		return AssetResult{}, err
	}
	rec.Symbol, rec.Market = sym.Code, string(sym.Market)

	if !forceRefresh {
		cached, err := s.deps.Assets.GetIfFresh(ctx, sym.Code, s.now())
		if err != nil {
			s.finish(&rec, wall, err)
			return AssetResult{}, err
		}
		if cached != nil {
			rec.CacheHit = true
			rec.CacheRatio = 1
			rec.RowsReturned = 1
			rec.Outcome = domain.OutcomeHit
			s.recordAccess(ctx, sym.Code, domain.CoverageAsset, "")
			s.finish(&rec, wall, nil)
			return AssetResult{Asset: cached, Meta: metaFrom(rec)}, nil
		}
	}

	asset, stats, err := s.deps.Coordinator.RefreshAsset(ctx, sym, s.cfg.AssetTTL)
	rec.UpstreamCalls = stats.Calls
	rec.UpstreamMS = stats.MS
	if err != nil {
		stale, staleErr := s.deps.Assets.Get(ctx, sym.Code)
		if staleErr == nil && stale != nil {
			s.log.Warn().Err(err).Str("symbol", sym.Code).Msg("Asset refresh failed, serving stale row")
			rec.RowsReturned = 1
			rec.Outcome = domain.OutcomePartial
			rec.ErrorCode = "stale_fallback"
			rec.CacheRatio = 1
			s.recordAccess(ctx, sym.Code, domain.CoverageAsset, "")
			s.finish(&rec, wall, nil)
			meta := metaFrom(rec)
			meta.Stale = true
			return AssetResult{Asset: stale, Stale: true, Meta: meta}, nil
		}
		err = pointLookupErr(err)
		s.finish(&rec, wall, err)
		return AssetResult{}, err
	}

	rec.RowsReturned = 1
	rec.Outcome = domain.OutcomeMiss
	s.recordAccess(ctx, sym.Code, domain.CoverageAsset, "")
	s.finish(&rec, wall, nil)
	return AssetResult{Asset: asset, Meta: metaFrom(rec)}, nil
}

// GetFinancialSummary serves the cached financial abstract for a stock.
func (s *Service) GetFinancialSummary(ctx context.Context, rawSymbol string) (FinancialResult, error) {
	return s.financial(ctx, rawSymbol, domain.FinancialSummary, s.cfg.FinancialSummaryTTL)
}

// GetFinancialIndicators serves the cached financial indicator table for
// a stock.
func (s *Service) GetFinancialIndicators(ctx context.Context, rawSymbol string) (FinancialResult, error) {
	return s.financial(ctx, rawSymbol, domain.FinancialIndicators, s.cfg.FinancialIndicatorTTL)
}

func (s *Service) financial(ctx context.Context, rawSymbol string, kind domain.FinancialKind, ttl time.Duration) (FinancialResult, error) {
	wall := time.Now()
	rec := domain.RequestRecord{
		ID:       requestIDFrom(ctx),
		Endpoint: "financial_" + string(kind),
		Symbol:   rawSymbol,
	}

	sym, err := symbols.Normalize(rawSymbol)
	if err != nil {
		s.finish(&rec, wall, err)
		return FinancialResult{}, err
	}
	rec.Symbol, rec.Market = sym.Code, string(sym.Market)

	blob, err := s.deps.Financial.GetIfFresh(ctx, sym.Code, kind, s.now())
	if err != nil {
		s.finish(&rec, wall, err)
		return FinancialResult{}, err
	}
	if blob != nil {
		rec.CacheHit = true
		rec.CacheRatio = 1
		rec.RowsReturned = 1
		rec.Outcome = domain.OutcomeHit
		s.recordAccess(ctx, sym.Code, domain.CoverageFinancial, string(kind))
		s.finish(&rec, wall, nil)
		return FinancialResult{Kind: kind, FetchedAt: blob.FetchedAt, Data: blob.Data, Meta: metaFrom(rec)}, nil
	}

	data, stats, err := s.deps.Coordinator.RefreshFinancial(ctx, sym, kind, ttl)
	rec.UpstreamCalls = stats.Calls
	rec.UpstreamMS = stats.MS
	if err != nil {
		stale, staleErr := s.deps.Financial.Get(ctx, sym.Code, kind)
		if staleErr == nil && stale != nil {
			s.log.Warn().Err(err).Str("symbol", sym.Code).Str("kind", string(kind)).
				Msg("Financial refresh failed, serving stale blob")
			rec.RowsReturned = 1
			rec.Outcome = domain.OutcomePartial
			rec.ErrorCode = "stale_fallback"
			rec.CacheRatio = 1
			s.recordAccess(ctx, sym.Code, domain.CoverageFinancial, string(kind))
			s.finish(&rec, wall, nil)
			meta := metaFrom(rec)
			meta.Stale = true
			return FinancialResult{Kind: kind, FetchedAt: stale.FetchedAt, Data: stale.Data, Stale: true, Meta: meta}, nil
		}
		err = pointLookupErr(err)
		s.finish(&rec, wall, err)
		return FinancialResult{}, err
	}

	rec.RowsReturned = 1
	rec.Outcome = domain.OutcomeMiss
	s.recordAccess(ctx, sym.Code, domain.CoverageFinancial, string(kind))
	s.finish(&rec, wall, nil)
	return FinancialResult{Kind: kind, FetchedAt: s.now(), Data: data, Meta: metaFrom(rec)}, nil
}
