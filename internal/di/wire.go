package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/calendar"
	"github.com/quantdb/quantdb/internal/config"
	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/fetch"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/reliability"
	"github.com/quantdb/quantdb/internal/repository"
	"github.com/quantdb/quantdb/internal/scheduler"
	"github.com/quantdb/quantdb/internal/server"
	"github.com/quantdb/quantdb/internal/service"
	"github.com/quantdb/quantdb/internal/upstream"
)

const (
	// Rows past their TTL stay useful as stale fallbacks, so the
	// maintenance sweep reclaims them on a much longer horizon.
	snapshotRetention = 24 * time.Hour
	financialGrace    = 72 * time.Hour

	maintenanceSchedule = "0 0 * * * *"  // hourly, on the hour
	retentionSchedule   = "0 30 3 * * *" // daily at 03:30
)

// Wire initializes all dependencies and returns a fully configured
// container.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, log: log.With().Str("component", "di").Logger()}

	if err := c.initDatabase(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	c.initRepositories(log)

	if err := c.initPipeline(cfg, log); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize fetch pipeline: %w", err)
	}

	c.initMonitoring(cfg, log)
	c.initService(cfg, log)

	if err := c.initJobs(cfg, log); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	c.initServer(cfg, log)

	c.log.Info().Msg("Dependency wiring completed")
	return c, nil
}

func (c *Container) initDatabase(cfg *config.Config) error {
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "quantdb.db"),
		Profile: database.ProfileCache,
		Name:    "quantdb",
	})
	if err != nil {
		return err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return err
	}
	c.CacheDB = db
	return nil
}

func (c *Container) initRepositories(log zerolog.Logger) {
	conn := c.CacheDB.Conn()
	c.Bars = repository.NewBarRepository(conn, log)
	c.IndexBars = repository.NewIndexBarRepository(conn, log)
	c.Coverage = repository.NewCoverageRepository(conn, log)
	c.Snapshots = repository.NewSnapshotRepository(conn, log)
	c.Assets = repository.NewAssetRepository(conn, log)
	c.Financial = repository.NewFinancialRepository(conn, log)
	c.RequestLog = repository.NewRequestLogRepository(conn, log)
}

func (c *Container) initPipeline(cfg *config.Config, log zerolog.Logger) error {
	cal, err := calendar.New()
	if err != nil {
		return err
	}
	c.Calendar = cal

	c.Upstream = upstream.NewAKToolsClient(upstream.Config{
		BaseURL:         cfg.UpstreamBaseURL,
		Timeout:         cfg.UpstreamTimeout,
		RatePerSec:      cfg.UpstreamRatePerSec,
		RateBurst:       cfg.UpstreamRateBurst,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
	}, log)

	c.Coordinator = fetch.NewCoordinator(fetch.Deps{
		DB:        c.CacheDB.Conn(),
		Adapter:   c.Upstream,
		Calendar:  c.Calendar,
		Bars:      c.Bars,
		IndexBars: c.IndexBars,
		Coverage:  c.Coverage,
		Snapshots: c.Snapshots,
		Assets:    c.Assets,
		Financial: c.Financial,
	}, fetch.Config{
		Workers:   cfg.FetchWorkers,
		QueueCap:  cfg.FetchQueueCap,
		RetryMax:  cfg.RetryMax,
		RetryBase: cfg.RetryBaseDelay,
		RetryCap:  cfg.RetryMaxDelay,
	}, log)

	return nil
}

func (c *Container) initMonitoring(cfg *config.Config, log zerolog.Logger) {
	c.Metrics = monitor.NewMetrics()
	c.Hub = monitor.NewHub(log)
	c.Emitter = monitor.NewEmitter(c.RequestLog, c.Metrics, c.Hub,
		cfg.MonitorBufferSize, cfg.LatencySampleWindow, log)
}

func (c *Container) initService(cfg *config.Config, log zerolog.Logger) {
	c.Service = service.New(service.Deps{
		DB:          c.CacheDB,
		Calendar:    c.Calendar,
		Coordinator: c.Coordinator,
		Bars:        c.Bars,
		IndexBars:   c.IndexBars,
		Coverage:    c.Coverage,
		Snapshots:   c.Snapshots,
		Assets:      c.Assets,
		Financial:   c.Financial,
		RequestLog:  c.RequestLog,
		Emitter:     c.Emitter,
		Metrics:     c.Metrics,
	}, service.Config{
		RealtimeTTLOpen:       cfg.RealtimeTTLOpen,
		RealtimeTTLClosed:     cfg.RealtimeTTLClosed,
		AssetTTL:              cfg.AssetTTL,
		FinancialSummaryTTL:   cfg.FinancialSummaryTTL,
		FinancialIndicatorTTL: cfg.FinancialIndicatorTTL,
		DefaultLookbackDays:   cfg.DefaultLookbackDays,
	}, log)
}

func (c *Container) initJobs(cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	maintenance := scheduler.NewCacheMaintenanceJob(c.CacheDB, c.Snapshots, c.Financial,
		c.Metrics, snapshotRetention, financialGrace, log)
	if err := c.Scheduler.AddJob(maintenanceSchedule, maintenance); err != nil {
		return err
	}

	retention := scheduler.NewRequestLogRetentionJob(c.RequestLog, cfg.RequestLogRetention, log)
	if err := c.Scheduler.AddJob(retentionSchedule, retention); err != nil {
		return err
	}

	if !cfg.Backup.Enabled() {
		c.log.Info().Msg("Backup disabled: no object storage configured")
		return nil
	}

	store, err := reliability.NewS3Store(context.Background(),
		cfg.Backup.Endpoint, cfg.Backup.Region, cfg.Backup.Bucket,
		cfg.Backup.AccessKey, cfg.Backup.SecretKey, log)
	if err != nil {
		return fmt.Errorf("failed to initialize backup store: %w", err)
	}
	c.Backup = reliability.NewBackupService(c.CacheDB, store, cfg.DataDir,
		cfg.Backup.Prefix, cfg.Backup.Keep, log)
	return c.Scheduler.AddJob(cfg.Backup.Schedule, c.Backup)
}

func (c *Container) initServer(cfg *config.Config, log zerolog.Logger) {
	c.Server = server.New(server.Config{
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	}, server.Deps{
		Facade:     c.Service,
		Hub:        c.Hub,
		DB:         c.CacheDB,
		RequestLog: c.RequestLog,
	}, log)
}
