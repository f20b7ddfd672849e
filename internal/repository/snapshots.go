package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

// SnapshotRepository caches the latest realtime quote per symbol.
// Freshness is decided by the caller because the TTL depends on the
// market phase at read time, not at write time.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new realtime snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("component", "snapshot_repository").Logger(),
	}
}

// Get returns the stored snapshot for the symbol, or nil when absent.
func (r *SnapshotRepository) Get(ctx context.Context, symbol string) (*domain.RealtimeSnapshot, error) {
	var snap domain.RealtimeSnapshot
	var quoteTime, fetchedAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT symbol, price, change, pct_change, volume, turnover,
		       high, low, open, prev_close, quote_time, fetched_at
		FROM realtime_snapshots
		WHERE symbol = ?
	`, symbol).Scan(
		&snap.Symbol, &snap.Price, &snap.Change, &snap.PctChange, &snap.Volume,
		&snap.Turnover, &snap.High, &snap.Low, &snap.Open, &snap.PrevClose,
		&quoteTime, &fetchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot %s: %w", symbol, err)
	}

	snap.Timestamp = time.Unix(quoteTime, 0).UTC()
	snap.FetchedAt = time.Unix(fetchedAt, 0).UTC()

	return &snap, nil
}

// Upsert stores the snapshot, replacing any previous quote.
func (r *SnapshotRepository) Upsert(ctx context.Context, snap domain.RealtimeSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO realtime_snapshots
		(symbol, price, change, pct_change, volume, turnover,
		 high, low, open, prev_close, quote_time, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.Symbol, snap.Price, snap.Change, snap.PctChange, snap.Volume,
		snap.Turnover, snap.High, snap.Low, snap.Open, snap.PrevClose,
		snap.Timestamp.Unix(), snap.FetchedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// Count returns the number of cached snapshots.
func (r *SnapshotRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM realtime_snapshots").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// DeleteStale removes snapshots fetched before the cutoff. Run by the
// maintenance job so quotes for symbols nobody asks about anymore do
// not accumulate.
func (r *SnapshotRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM realtime_snapshots WHERE fetched_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSymbol removes the snapshot for the symbol.
func (r *SnapshotRepository) DeleteSymbol(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM realtime_snapshots WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", symbol, err)
	}
	return nil
}

// DeleteAll removes every cached snapshot.
func (r *SnapshotRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM realtime_snapshots"); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}
