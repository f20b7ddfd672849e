package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

// AssetRepository caches descriptive metadata for listed securities.
type AssetRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAssetRepository creates a new asset repository.
func NewAssetRepository(db *sql.DB, log zerolog.Logger) *AssetRepository {
	return &AssetRepository{
		db:  db,
		log: log.With().Str("component", "asset_repository").Logger(),
	}
}

// GetIfFresh returns the cached asset when its expiry is still in the
// future. A stale or absent row returns nil without error.
func (r *AssetRepository) GetIfFresh(ctx context.Context, symbol string, now time.Time) (*domain.Asset, error) {
	asset, expiresAt, err := r.get(ctx, symbol)
	if err != nil || asset == nil {
		return nil, err
	}
	if now.Unix() >= expiresAt {
		return nil, nil
	}
	return asset, nil
}

// Get returns the cached asset regardless of freshness. Used for the
// stale fallback when an upstream refresh fails.
func (r *AssetRepository) Get(ctx context.Context, symbol string) (*domain.Asset, error) {
	asset, _, err := r.get(ctx, symbol)
	return asset, err
}

func (r *AssetRepository) get(ctx context.Context, symbol string) (*domain.Asset, int64, error) {
	var a domain.Asset
	var market, listDate string
	var updatedAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT symbol, name, market, exchange, currency, list_date, industry,
		       total_shares, float_shares, pe_ratio, pb_ratio, updated_at, expires_at
		FROM assets
		WHERE symbol = ?
	`, symbol).Scan(
		&a.Symbol, &a.Name, &market, &a.Exchange, &a.Currency, &listDate, &a.Industry,
		&a.TotalShares, &a.FloatShares, &a.PERatio, &a.PBRatio, &updatedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query asset %s: %w", symbol, err)
	}

	a.Market = domain.Market(market)
	if listDate != "" {
		if a.ListDate, err = parseDate(listDate); err != nil {
			return nil, 0, err
		}
	}
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &a, expiresAt, nil
}

// Upsert stores the asset with the given expiry.
func (r *AssetRepository) Upsert(ctx context.Context, asset domain.Asset, expiresAt time.Time) error {
	listDate := ""
	if !asset.ListDate.IsZero() {
		listDate = formatDate(asset.ListDate)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO assets
		(symbol, name, market, exchange, currency, list_date, industry,
		 total_shares, float_shares, pe_ratio, pb_ratio, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		asset.Symbol, asset.Name, string(asset.Market), asset.Exchange, asset.Currency,
		listDate, asset.Industry, asset.TotalShares, asset.FloatShares,
		asset.PERatio, asset.PBRatio, asset.UpdatedAt.Unix(), expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", asset.Symbol, err)
	}
	return nil
}

// Count returns the number of cached assets.
func (r *AssetRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assets").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count assets: %w", err)
	}
	return count, nil
}

// DeleteSymbol removes the cached asset for the symbol.
func (r *AssetRepository) DeleteSymbol(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM assets WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", symbol, err)
	}
	return nil
}

// DeleteAll removes every cached asset.
func (r *AssetRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM assets"); err != nil {
		return fmt.Errorf("failed to clear assets: %w", err)
	}
	return nil
}
