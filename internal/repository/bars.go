package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

// BarRepository provides access to cached daily bars.
type BarRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBarRepository creates a new daily bar repository.
func NewBarRepository(db *sql.DB, log zerolog.Logger) *BarRepository {
	return &BarRepository{
		db:  db,
		log: log.With().Str("component", "bar_repository").Logger(),
	}
}

// UpsertBatch inserts or replaces bars inside the caller's transaction.
// The caller owns commit and rollback; pairing this with a coverage touch
// in one transaction is what keeps bars and coverage consistent.
func (r *BarRepository) UpsertBatch(ctx context.Context, tx *sql.Tx, bars []domain.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO daily_bars
		(symbol, adjust, trade_date, open, high, low, close, volume,
		 turnover, amplitude, pct_change, change, turnover_rate, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err = stmt.ExecContext(ctx,
			bar.Symbol,
			string(bar.Adjust),
			formatDate(bar.TradeDate),
			bar.Open,
			bar.High,
			bar.Low,
			bar.Close,
			bar.Volume,
			bar.Turnover,
			bar.Amplitude,
			bar.PctChange,
			bar.Change,
			bar.TurnoverRate,
			bar.FetchedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert bar %s/%s: %w", bar.Symbol, formatDate(bar.TradeDate), err)
		}
	}

	return nil
}

// GetRange returns the bars for one symbol and adjust variant in
// [start, end] inclusive, ascending by trade date.
func (r *BarRepository) GetRange(ctx context.Context, symbol string, adjust domain.Adjust, start, end time.Time) ([]domain.DailyBar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, adjust, trade_date, open, high, low, close, volume,
		       turnover, amplitude, pct_change, change, turnover_rate, fetched_at
		FROM daily_bars
		WHERE symbol = ? AND adjust = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date ASC
	`, symbol, string(adjust), formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.DailyBar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily bars: %w", err)
	}

	return bars, nil
}

// PresentDates returns the set of trade dates already stored for the
// symbol and adjust variant within [start, end].
func (r *BarRepository) PresentDates(ctx context.Context, symbol string, adjust domain.Adjust, start, end time.Time) (map[time.Time]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT trade_date
		FROM daily_bars
		WHERE symbol = ? AND adjust = ? AND trade_date >= ? AND trade_date <= ?
	`, symbol, string(adjust), formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query present dates: %w", err)
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
		return nil, fmt.Errorf("error iterating present dates: %w", err)
	}

	return present, nil
}

// Count returns the total number of stored daily bars.
func (r *BarRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM daily_bars").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count daily bars: %w", err)
	}
	return count, nil
}

// DeleteSymbol removes every bar for the symbol across all adjust variants.
func (r *BarRepository) DeleteSymbol(ctx context.Context, symbol string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM daily_bars WHERE symbol = ?", symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to delete bars for %s: %w", symbol, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAll removes every stored daily bar.
func (r *BarRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM daily_bars"); err != nil {
		return fmt.Errorf("failed to clear daily bars: %w", err)
	}
	return nil
}

func scanBar(rows *sql.Rows) (domain.DailyBar, error) {
	var bar domain.DailyBar
	var adjust, tradeDate string
	var fetchedAt int64

	err := rows.Scan(
		&bar.Symbol, &adjust, &tradeDate,
		&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume,
		&bar.Turnover, &bar.Amplitude, &bar.PctChange, &bar.Change,
		&bar.TurnoverRate, &fetchedAt,
	)
	if err != nil {
		return domain.DailyBar{}, fmt.Errorf("failed to scan daily bar: %w", err)
	}

	bar.Adjust = domain.Adjust(adjust)
	bar.TradeDate, err = parseDate(tradeDate)
	if err != nil {
		return domain.DailyBar{}, err
	}
	bar.FetchedAt = time.Unix(fetchedAt, 0).UTC()

	return bar, nil
}
