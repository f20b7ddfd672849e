package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

// IndexBarRepository provides access to cached index bars. Each period
// (daily, weekly, monthly) is its own cache population under the same
// symbol.
type IndexBarRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewIndexBarRepository creates a new index bar repository.
func NewIndexBarRepository(db *sql.DB, log zerolog.Logger) *IndexBarRepository {
	return &IndexBarRepository{
		db:  db,
		log: log.With().Str("component", "index_bar_repository").Logger(),
	}
}

// UpsertBatch inserts or replaces index bars inside the caller's
// transaction.
func (r *IndexBarRepository) UpsertBatch(ctx context.Context, tx *sql.Tx, bars []domain.IndexBar) error {
	if len(bars) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO index_bars
		(symbol, period, trade_date, open, high, low, close, volume, turnover, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare index bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err = stmt.ExecContext(ctx,
			bar.Symbol,
			string(bar.Period),
			formatDate(bar.TradeDate),
			bar.Open,
			bar.High,
			bar.Low,
			bar.Close,
			bar.Volume,
			bar.Turnover,
			bar.FetchedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert index bar %s/%s: %w", bar.Symbol, formatDate(bar.TradeDate), err)
		}
	}

	return nil
}

// GetRange returns the bars for one index and period in [start, end]
// inclusive, ascending by trade date.
func (r *IndexBarRepository) GetRange(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.IndexBar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, period, trade_date, open, high, low, close, volume, turnover, fetched_at
		FROM index_bars
		WHERE symbol = ? AND period = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date ASC
	`, symbol, string(period), formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query index bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.IndexBar
	for rows.Next() {
		var bar domain.IndexBar
		var period, tradeDate string
		var fetchedAt int64

		err := rows.Scan(
			&bar.Symbol, &period, &tradeDate,
			&bar.Open, &bar.High, &bar.Low, &bar.Close,
			&bar.Volume, &bar.Turnover, &fetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index bar: %w", err)
		}

		bar.Period = domain.Period(period)
		if bar.TradeDate, err = parseDate(tradeDate); err != nil {
			return nil, err
		}
		bar.FetchedAt = time.Unix(fetchedAt, 0).UTC()

		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index bars: %w", err)
	}

	return bars, nil
}

// PresentDates returns the set of period-end dates already stored for
// the index and period within [start, end].
func (r *IndexBarRepository) PresentDates(ctx context.Context, symbol string, period domain.Period, start, end time.Time) (map[time.Time]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT trade_date
		FROM index_bars
		WHERE symbol = ? AND period = ? AND trade_date >= ? AND trade_date <= ?
	`, symbol, string(period), formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query present index dates: %w", err)
	}
	defer rows.Close()

	present := make(map[time.Time]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan trade date: %w", err)
		}
		d, err := parseDate(s)
		if err != nil {
			return nil, err
		}
		present[d] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating present index dates: %w", err)
	}

	return present, nil
}

// Count returns the total number of stored index bars.
func (r *IndexBarRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM index_bars").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count index bars: %w", err)
	}
	return count, nil
}

// DeleteSymbol removes every bar for the index across all periods.
func (r *IndexBarRepository) DeleteSymbol(ctx context.Context, symbol string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM index_bars WHERE symbol = ?", symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to delete index bars for %s: %w", symbol, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAll removes every stored index bar.
func (r *IndexBarRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM index_bars"); err != nil {
		return fmt.Errorf("failed to clear index bars: %w", err)
	}
	return nil
}
