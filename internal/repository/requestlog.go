package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantdb/quantdb/internal/domain"
)

// EndpointStats aggregates the request log per endpoint over a window.
type EndpointStats struct {
	Endpoint      string  `json:"endpoint"`
	Requests      int64   `json:"requests"`
	CacheHits     int64   `json:"cache_hits"`
	Errors        int64   `json:"errors"`
	UpstreamCalls int64   `json:"upstream_calls"`
	AvgTotalMS    float64 `json:"avg_total_ms"`
}

// RequestLogRepository persists the monitoring trail. Per-segment
// detail is msgpack-encoded into a single blob column; the hot columns
// stay queryable.
type RequestLogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRequestLogRepository creates a new request log repository.
func NewRequestLogRepository(db *sql.DB, log zerolog.Logger) *RequestLogRepository {
	return &RequestLogRepository{
		db:  db,
		log: log.With().Str("component", "request_log_repository").Logger(),
	}
}

// Append writes a batch of records in one transaction. Called from the
// monitor's single writer goroutine, never from request paths.
func (r *RequestLogRepository) Append(ctx context.Context, records []domain.RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin request log tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO request_log
		(id, ts, endpoint, symbol, market, start_date, end_date, adjust,
		 cache_hit, cache_ratio, rows_returned, gap_segments, upstream_calls,
		 upstream_ms, total_ms, outcome, error_code, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare request log insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var detail []byte
		if len(rec.Segments) > 0 {
			detail, err = msgpack.Marshal(rec.Segments)
			if err != nil {
				r.log.Warn().Err(err).Str("id", rec.ID).Msg("Failed to encode segment detail, dropping detail")
				detail = nil
			}
		}

		_, err = stmt.ExecContext(ctx,
			rec.ID,
			rec.Timestamp.Unix(),
			rec.Endpoint,
			rec.Symbol,
			rec.Market,
			rec.StartDate,
			rec.EndDate,
			rec.Adjust,
			boolToInt(rec.CacheHit),
			rec.CacheRatio,
			rec.RowsReturned,
			rec.GapSegments,
			rec.UpstreamCalls,
			rec.UpstreamMS,
			rec.TotalMS,
			string(rec.Outcome),
			rec.ErrorCode,
			detail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert request record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request log batch: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *RequestLogRepository) Recent(ctx context.Context, limit int) ([]domain.RequestRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ts, endpoint, symbol, market, start_date, end_date, adjust,
		       cache_hit, cache_ratio, rows_returned, gap_segments, upstream_calls,
		       upstream_ms, total_ms, outcome, error_code, detail
		FROM request_log
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request log: %w", err)
	}
	defer rows.Close()

	var records []domain.RequestRecord
	for rows.Next() {
		var rec domain.RequestRecord
		var ts int64
		var hit int
		var outcome string
		var detail []byte

		err := rows.Scan(
			&rec.ID, &ts, &rec.Endpoint, &rec.Symbol, &rec.Market,
			&rec.StartDate, &rec.EndDate, &rec.Adjust,
			&hit, &rec.CacheRatio, &rec.RowsReturned, &rec.GapSegments, &rec.UpstreamCalls,
			&rec.UpstreamMS, &rec.TotalMS, &outcome, &rec.ErrorCode, &detail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request record: %w", err)
		}

		rec.Timestamp = time.Unix(ts, 0).UTC()
		rec.CacheHit = hit != 0
		rec.Outcome = domain.Outcome(outcome)

		if len(detail) > 0 {
			if err := msgpack.Unmarshal(detail, &rec.Segments); err != nil {
				r.log.Warn().Err(err).Str("id", rec.ID).Msg("Failed to decode segment detail")
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request log: %w", err)
	}

	return records, nil
}

// StatsSince aggregates the log per endpoint for records at or after
// the cutoff.
func (r *RequestLogRepository) StatsSince(ctx context.Context, since time.Time) ([]EndpointStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT endpoint,
		       COUNT(*),
		       SUM(cache_hit),
		       SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END),
		       SUM(upstream_calls),
		       AVG(total_ms)
		FROM request_log
		WHERE ts >= ?
		GROUP BY endpoint
		ORDER BY endpoint
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query request log stats: %w", err)
	}
	defer rows.Close()

	var stats []EndpointStats
	for rows.Next() {
		var s EndpointStats
		if err := rows.Scan(&s.Endpoint, &s.Requests, &s.CacheHits, &s.Errors, &s.UpstreamCalls, &s.AvgTotalMS); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint stats: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoint stats: %w", err)
	}

	return stats, nil
}

// Count returns the number of stored request records.
func (r *RequestLogRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_log").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count request log: %w", err)
	}
	return count, nil
}

// TrimBefore deletes records older than the cutoff. Run by the daily
// retention job.
func (r *RequestLogRepository) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM request_log WHERE ts < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to trim request log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
