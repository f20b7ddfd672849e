package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdb/quantdb/internal/domain"
)

// CallStats accounts upstream attempts for a TTL refresh.
type CallStats struct {
	Calls int
	MS    int64
}

type realtimeResult struct {
	snap  *domain.RealtimeSnapshot
	stats CallStats
}

type assetResult struct {
	asset *domain.Asset
	stats CallStats
}

type financialResult struct {
	data  []byte
	stats CallStats
}

// RefreshRealtime fetches the current quote and stores it. Identical
// concurrent refreshes for one symbol collapse into a single upstream
// call.
func (c *Coordinator) RefreshRealtime(ctx context.Context, sym domain.Symbol) (*domain.RealtimeSnapshot, CallStats, error) {
	v, err, _ := c.group.Do("realtime|"+sym.Code, func() (interface{}, error) {
		if err := c.slots.acquire(ctx); err != nil {
			return nil, err
		}
		defer c.slots.release()

		var snap *domain.RealtimeSnapshot
		stats := CallStats{}
		start := time.Now()
		err := c.withRetry(ctx, "fetch_realtime", sym.Code, func() error {
			stats.Calls++
			var ferr error
			snap, ferr = c.deps.Adapter.FetchRealtime(ctx, sym)
			return ferr
		})
		stats.MS = time.Since(start).Milliseconds()
		if err != nil {
			return realtimeResult{stats: stats}, err
		}

		if err := c.deps.Snapshots.Upsert(ctx, *snap); err != nil {
			return realtimeResult{stats: stats}, fmt.Errorf("failed to store snapshot %s: %w", sym.Code, err)
		}
		if err := c.deps.Coverage.TouchPoint(ctx, sym.Code, domain.CoverageRealtime, "", time.Now().UTC()); err != nil {
			c.log.Warn().Err(err).Str("symbol", sym.Code).Msg("Failed to touch realtime coverage")
		}
		return realtimeResult{snap: snap, stats: stats}, nil
	})

	if v == nil {
		return nil, CallStats{}, err
	}
	res := v.(realtimeResult)
	return res.snap, res.stats, err
}

// RefreshAsset fetches security metadata and stores it with the TTL.
func (c *Coordinator) RefreshAsset(ctx context.Context, sym domain.Symbol, ttl time.Duration) (*domain.Asset, CallStats, error) {
	v, err, _ := c.group.Do("asset|"+sym.Code, func() (interface{}, error) {
		if err := c.slots.acquire(ctx); err != nil {
			return nil, err
		}
		defer c.slots.release()

		var asset *domain.Asset
		stats := CallStats{}
		start := time.Now()
		err := c.withRetry(ctx, "fetch_asset", sym.Code, func() error {
			stats.Calls++
			var ferr error
			asset, ferr = c.deps.Adapter.FetchAsset(ctx, sym)
			return ferr
		})
		stats.MS = time.Since(start).Milliseconds()
		if err != nil {
			return assetResult{stats: stats}, err
		}

		if err := c.deps.Assets.Upsert(ctx, *asset, asset.UpdatedAt.Add(ttl)); err != nil {
			return assetResult{stats: stats}, fmt.Errorf("failed to store asset %s: %w", sym.Code, err)
		}
		if err := c.deps.Coverage.TouchPoint(ctx, sym.Code, domain.CoverageAsset, "", time.Now().UTC()); err != nil {
			c.log.Warn().Err(err).Str("symbol", sym.Code).Msg("Failed to touch asset coverage")
		}
		return assetResult{asset: asset, stats: stats}, nil
	})

	if v == nil {
		return nil, CallStats{}, err
	}
	res := v.(assetResult)
	return res.asset, res.stats, err
}

// RefreshFinancial fetches the raw financial payload and stores it with
// the TTL for its kind.
func (c *Coordinator) RefreshFinancial(ctx context.Context, sym domain.Symbol, kind domain.FinancialKind, ttl time.Duration) ([]byte, CallStats, error) {
	v, err, _ := c.group.Do(fmt.Sprintf("financial|%s|%s", sym.Code, kind), func() (interface{}, error) {
		if err := c.slots.acquire(ctx); err != nil {
			return nil, err
		}
		defer c.slots.release()

		var data []byte
		stats := CallStats{}
		start := time.Now()
		err := c.withRetry(ctx, "fetch_financial", sym.Code, func() error {
			stats.Calls++
			var ferr error
			data, ferr = c.deps.Adapter.FetchFinancial(ctx, sym, kind)
			return ferr
		})
		stats.MS = time.Since(start).Milliseconds()
		if err != nil {
			return financialResult{stats: stats}, err
		}

		now := time.Now().UTC()
		if err := c.deps.Financial.Store(ctx, sym.Code, kind, data, now, now.Add(ttl)); err != nil {
			return financialResult{stats: stats}, fmt.Errorf("failed to store financials %s/%s: %w", sym.Code, kind, err)
		}
		if err := c.deps.Coverage.TouchPoint(ctx, sym.Code, domain.CoverageFinancial, string(kind), now); err != nil {
			c.log.Warn().Err(err).Str("symbol", sym.Code).Msg("Failed to touch financial coverage")
		}
		return financialResult{data: data, stats: stats}, nil
	})

	if v == nil {
		return nil, CallStats{}, err
	}
	res := v.(financialResult)
	return res.data, res.stats, err
}
