package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

// FinancialBlob is a cached financial payload with its freshness window.
// The payload is stored opaque; the facade decodes it.
type FinancialBlob struct {
	FetchedAt time.Time
	ExpiresAt time.Time
	Symbol    string
	Kind      domain.FinancialKind
	Data      []byte
}

// FinancialRepository caches financial statement payloads as opaque
// blobs keyed by (symbol, kind), each with its own TTL.
type FinancialRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewFinancialRepository creates a new financial data repository.
func NewFinancialRepository(db *sql.DB, log zerolog.Logger) *FinancialRepository {
	return &FinancialRepository{
		db:  db,
		log: log.With().Str("component", "financial_repository").Logger(),
	}
}

// Store saves the payload with the given expiry, replacing any previous
// blob for the same symbol and kind.
func (r *FinancialRepository) Store(ctx context.Context, symbol string, kind domain.FinancialKind, data []byte, fetchedAt, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO financial_data (symbol, kind, data, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, symbol, string(kind), data, fetchedAt.Unix(), expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store financial data %s/%s: %w", symbol, kind, err)
	}
	return nil
}

// GetIfFresh returns the blob when its expiry is still in the future.
// A stale or absent row returns nil without error.
func (r *FinancialRepository) GetIfFresh(ctx context.Context, symbol string, kind domain.FinancialKind, now time.Time) (*FinancialBlob, error) {
	blob, err := r.Get(ctx, symbol, kind)
	if err != nil || blob == nil {
		return nil, err
	}
	if !now.Before(blob.ExpiresAt) {
		return nil, nil
	}
	return blob, nil
}

// Get returns the blob regardless of freshness, or nil when absent.
func (r *FinancialRepository) Get(ctx context.Context, symbol string, kind domain.FinancialKind) (*FinancialBlob, error) {
	var blob FinancialBlob
	var kindStr string
	var fetchedAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT symbol, kind, data, fetched_at, expires_at
		FROM financial_data
		WHERE symbol = ? AND kind = ?
	`, symbol, string(kind)).Scan(&blob.Symbol, &kindStr, &blob.Data, &fetchedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query financial data %s/%s: %w", symbol, kind, err)
	}

	blob.Kind = domain.FinancialKind(kindStr)
	blob.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	blob.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	return &blob, nil
}

// Count returns the number of cached financial blobs.
func (r *FinancialRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM financial_data").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count financial data: %w", err)
	}
	return count, nil
}

// DeleteExpired removes blobs whose expiry has passed. Stale blobs are
// kept until maintenance runs so reads can fall back to them when
// upstream is down; this reclaims the ones nobody refreshed.
func (r *FinancialRepository) DeleteExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.Add(-grace).Unix()
	res, err := r.db.ExecContext(ctx, "DELETE FROM financial_data WHERE expires_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired financial data: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSymbol removes cached blobs for the symbol across all kinds.
func (r *FinancialRepository) DeleteSymbol(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM financial_data WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("failed to delete financial data %s: %w", symbol, err)
	}
	return nil
}

// DeleteAll removes every cached financial blob.
func (r *FinancialRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM financial_data"); err != nil {
		return fmt.Errorf("failed to clear financial data: %w", err)
	}
	return nil
}
