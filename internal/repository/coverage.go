package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

// CoverageRepository tracks, per (symbol, kind, variant) population,
// which span of history the store has seen and how often the population
// is resolved. Coverage is advisory; gap analysis reads the actual rows.
type CoverageRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCoverageRepository creates a new coverage repository.
func NewCoverageRepository(db *sql.DB, log zerolog.Logger) *CoverageRepository {
	return &CoverageRepository{
		db:  db,
		log: log.With().Str("component", "coverage_repository").Logger(),
	}
}

// Get returns the coverage row for one population, or nil when the
// population has never been fetched or resolved.
func (r *CoverageRepository) Get(ctx context.Context, symbol string, kind domain.CoverageKind, variant string) (*domain.Coverage, error) {
	var cov domain.Coverage
	var first, last string
	var refreshed, accessed int64

	err := r.db.QueryRowContext(ctx, `
		SELECT symbol, kind, variant, first_date, last_date, row_count,
		       last_refreshed, last_accessed_at, access_count
		FROM data_coverage
		WHERE symbol = ? AND kind = ? AND variant = ?
	`, symbol, string(kind), variant).Scan(
		&cov.Symbol, &cov.Kind, &cov.Variant, &first, &last, &cov.RowCount,
		&refreshed, &accessed, &cov.AccessCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage for %s: %w", symbol, err)
	}

	// Point kinds carry no date span.
	if first != "" {
		if cov.FirstDate, err = parseDate(first); err != nil {
			return nil, err
		}
	}
	if last != "" {
		if cov.LastDate, err = parseDate(last); err != nil {
			return nil, err
		}
	}
	if refreshed > 0 {
		cov.LastRefreshed = time.Unix(refreshed, 0).UTC()
	}
	if accessed > 0 {
		cov.LastAccessedAt = time.Unix(accessed, 0).UTC()
	}
	return &cov, nil
}

// Touch widens the coverage span to include [start, end] and adds the
// given row count, inside the caller's transaction. Committing this
// together with the row upsert keeps coverage honest. Access counters
// are left alone; RecordAccess owns them.
func (r *CoverageRepository) Touch(ctx context.Context, tx *sql.Tx, symbol string, kind domain.CoverageKind, variant string, start, end time.Time, rows int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO data_coverage (symbol, kind, variant, first_date, last_date, row_count, last_refreshed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, kind, variant) DO UPDATE SET
			first_date     = CASE WHEN first_date = '' THEN excluded.first_date ELSE MIN(first_date, excluded.first_date) END,
			last_date      = MAX(last_date, excluded.last_date),
			row_count      = row_count + excluded.row_count,
			last_refreshed = excluded.last_refreshed
	`, symbol, string(kind), variant, formatDate(start), formatDate(end), rows, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to touch coverage for %s: %w", symbol, err)
	}
	return nil
}

// TouchPoint marks a point population (realtime, asset, financial) as
// refreshed. Point rows carry no date span; row_count counts refreshes.
func (r *CoverageRepository) TouchPoint(ctx context.Context, symbol string, kind domain.CoverageKind, variant string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_coverage (symbol, kind, variant, row_count, last_refreshed)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(symbol, kind, variant) DO UPDATE SET
			row_count      = row_count + 1,
			last_refreshed = excluded.last_refreshed
	`, symbol, string(kind), variant, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to touch coverage for %s: %w", symbol, err)
	}
	return nil
}

// RecordAccess bumps the population's access counter. Called on every
// successful resolve, cache hits included, so the counters expose what
// is actually being read rather than what was fetched.
func (r *CoverageRepository) RecordAccess(ctx context.Context, symbol string, kind domain.CoverageKind, variant string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_coverage (symbol, kind, variant, access_count, last_accessed_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(symbol, kind, variant) DO UPDATE SET
			access_count     = access_count + 1,
			last_accessed_at = excluded.last_accessed_at
	`, symbol, string(kind), variant, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to record coverage access for %s: %w", symbol, err)
	}
	return nil
}

// DeleteSymbol removes coverage rows for the symbol across all kinds
// and variants.
func (r *CoverageRepository) DeleteSymbol(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM data_coverage WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("failed to delete coverage for %s: %w", symbol, err)
	}
	return nil
}

// DeleteAll removes every coverage row.
func (r *CoverageRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM data_coverage"); err != nil {
		return fmt.Errorf("failed to clear coverage: %w", err)
	}
	return nil
}
