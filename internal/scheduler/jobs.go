package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/repository"
)

// Maintenance runs against live traffic, so every sweep gets a bounded
// context.
const jobTimeout = 5 * time.Minute

// CacheMaintenanceJob reclaims cache rows past their fallback window,
// checkpoints the WAL and refreshes the database size gauge.
type CacheMaintenanceJob struct {
	db                *database.DB
	snapshots         *repository.SnapshotRepository
	financial         *repository.FinancialRepository
	metrics           *monitor.Metrics
	snapshotRetention time.Duration
	financialGrace    time.Duration
	log               zerolog.Logger
}

// NewCacheMaintenanceJob creates the hourly maintenance job. Retention
// windows are generous on purpose: rows past their TTL still serve
// stale fallbacks until maintenance reclaims them.
func NewCacheMaintenanceJob(
	db *database.DB,
	snapshots *repository.SnapshotRepository,
	financial *repository.FinancialRepository,
	metrics *monitor.Metrics,
	snapshotRetention time.Duration,
	financialGrace time.Duration,
	log zerolog.Logger,
) *CacheMaintenanceJob {
	return &CacheMaintenanceJob{
		db:                db,
		snapshots:         snapshots,
		financial:         financial,
		metrics:           metrics,
		snapshotRetention: snapshotRetention,
		financialGrace:    financialGrace,
		log:               log.With().Str("job", "cache_maintenance").Logger(),
	}
}

// Run executes one maintenance sweep.
func (j *CacheMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	now := start.UTC()

	expired, err := j.financial.DeleteExpired(ctx, now, j.financialGrace)
	if err != nil {
		return err
	}

	stale, err := j.snapshots.DeleteStale(ctx, now.Add(-j.snapshotRetention))
	if err != nil {
		return err
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if st, err := j.db.GetStats(); err != nil {
		j.log.Warn().Err(err).Msg("Failed to read database stats")
	} else {
		j.metrics.DBSizeBytes.Set(float64(st.SizeBytes + st.WALSizeBytes))
	}

	j.log.Info().
		Int64("financial_deleted", expired).
		Int64("snapshots_deleted", stale).
		Dur("duration_ms", time.Since(start)).
		Msg("Cache maintenance completed")

	return nil
}

// Name returns the job name for scheduler
func (j *CacheMaintenanceJob) Name() string {
	return "cache_maintenance"
}

// RequestLogRetentionJob trims request history past the retention window.
type RequestLogRetentionJob struct {
	requestLog *repository.RequestLogRepository
	retention  time.Duration
	log        zerolog.Logger
}

// NewRequestLogRetentionJob creates the daily request log trim job.
func NewRequestLogRetentionJob(
	requestLog *repository.RequestLogRepository,
	retention time.Duration,
	log zerolog.Logger,
) *RequestLogRetentionJob {
	return &RequestLogRetentionJob{
		requestLog: requestLog,
		retention:  retention,
		log:        log.With().Str("job", "request_log_retention").Logger(),
	}
}

// Run executes one trim pass.
func (j *RequestLogRetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.retention)
	trimmed, err := j.requestLog.TrimBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	j.log.Info().
		Int64("trimmed", trimmed).
		Time("cutoff", cutoff).
		Msg("Request log trimmed")

	return nil
}

// Name returns the job name for scheduler
func (j *RequestLogRetentionJob) Name() string {
	return "request_log_retention"
}
