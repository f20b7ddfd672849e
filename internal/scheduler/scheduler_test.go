package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/repository"
)

type funcJob struct {
	name string
	fn   func() error
}

func (j *funcJob) Run() error   { return j.fn() }
func (j *funcJob) Name() string { return j.name }

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	s := New(zerolog.Nop())
	ran := make(chan struct{}, 4)
	job := &funcJob{name: "tick", fn: func() error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}

	require.NoError(t, s.AddJob("* * * * * *", job))
	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run within 3s")
	}
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	s := New(zerolog.Nop())

	assert.NotPanics(t, func() {
		s.runJob(&funcJob{name: "explode", fn: func() error { panic("boom") }})
	})
}

func TestSchedulerKeepsRunningAfterJobError(t *testing.T) {
	s := New(zerolog.Nop())

	assert.NotPanics(t, func() {
		s.runJob(&funcJob{name: "flaky", fn: func() error { return errors.New("transient") }})
	})
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())

	err := s.AddJob("every full moon", &funcJob{name: "x", fn: func() error { return nil }})
	require.Error(t, err)
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	ran := false

	err := s.RunNow(&funcJob{name: "once", fn: func() error { ran = true; return nil }})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCacheMaintenanceJob(t *testing.T) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "maintenance-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	log := zerolog.Nop()
	snapshots := repository.NewSnapshotRepository(db.Conn(), log)
	financial := repository.NewFinancialRepository(db.Conn(), log)
	ctx := context.Background()
	now := time.Now().UTC()

	// Snapshot past the retention window and one still inside it.
	require.NoError(t, snapshots.Upsert(ctx, domain.RealtimeSnapshot{
		Symbol: "600519.SH", Price: 1800, Timestamp: now.Add(-25 * time.Hour), FetchedAt: now.Add(-25 * time.Hour),
	}))
	require.NoError(t, snapshots.Upsert(ctx, domain.RealtimeSnapshot{
		Symbol: "000001.SZ", Price: 10.4, Timestamp: now.Add(-time.Hour), FetchedAt: now.Add(-time.Hour),
	}))

	// Blob expired beyond the grace window and one still usable as a
	// stale fallback.
	require.NoError(t, financial.Store(ctx, "600519.SH", domain.FinancialSummary,
		[]byte(`[]`), now.Add(-200*time.Hour), now.Add(-80*time.Hour)))
	require.NoError(t, financial.Store(ctx, "000001.SZ", domain.FinancialSummary,
		[]byte(`[]`), now.Add(-30*time.Hour), now.Add(-time.Hour)))

	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetricsWithRegistry(reg)

	job := NewCacheMaintenanceJob(db, snapshots, financial, metrics,
		24*time.Hour, 72*time.Hour, log)
	require.NoError(t, job.Run())

	snapCount, err := snapshots.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapCount)
	kept, err := snapshots.Get(ctx, "000001.SZ")
	require.NoError(t, err)
	require.NotNil(t, kept)

	finCount, err := financial.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), finCount)
	blob, err := financial.Get(ctx, "000001.SZ", domain.FinancialSummary)
	require.NoError(t, err)
	require.NotNil(t, blob)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "quantdb_db_size_bytes" {
			found = true
			require.NotEmpty(t, mf.GetMetric())
			assert.Greater(t, mf.GetMetric()[0].GetGauge().GetValue(), 0.0)
		}
	}
	require.True(t, found, "db size gauge not collected")
}

func TestRequestLogRetentionJob(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(database.Schema)
	require.NoError(t, err)

	repo := repository.NewRequestLogRepository(db, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, []domain.RequestRecord{
		{ID: "old", Endpoint: "daily", Symbol: "600519.SH", Outcome: domain.OutcomeHit, Timestamp: now.Add(-31 * 24 * time.Hour)},
		{ID: "recent", Endpoint: "daily", Symbol: "600519.SH", Outcome: domain.OutcomeHit, Timestamp: now.Add(-time.Hour)},
	}))

	job := NewRequestLogRetentionJob(repo, 30*24*time.Hour, zerolog.Nop())
	require.NoError(t, job.Run())

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	remaining, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "recent", remaining[0].ID)
}
