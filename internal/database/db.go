// Package database owns the SQLite cache file: connection setup, the
// embedded schema, and the maintenance primitives built on top of it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DatabaseProfile selects pragma and pool settings for a connection.
type DatabaseProfile string

const (
	// ProfileCache is tuned for the market-data cache: WAL with relaxed
	// sync, since losing the last writes only costs a re-fetch.
	ProfileCache DatabaseProfile = "cache"
	// ProfileStandard is the conservative default.
	ProfileStandard DatabaseProfile = "standard"
)

// DB wraps the SQLite connection for one database file.
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string // Database name for logging
}

// Config holds database configuration
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string // Friendly name for logging (e.g., "quantdb")
}

// New opens the database, creating the file and its parent directory
// when missing, and verifies the connection before returning.
func New(cfg Config) (*DB, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", absPath+"?"+pragmas(cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	maxOpen, maxIdle := poolLimits(cfg.Profile)
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: absPath, profile: cfg.Profile, name: cfg.Name}, nil
}

// pragmas renders the _pragma query parameters for a profile.
func pragmas(profile DatabaseProfile) string {
	ps := []string{
		"journal_mode(WAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",       // Wait up to 5s on lock contention
		"wal_autocheckpoint(1000)", // Checkpoint every 1000 pages
		"cache_size(-64000)",       // 64MB page cache
		"temp_store(MEMORY)",
		"auto_vacuum(INCREMENTAL)",
	}

	// Re-fetching lost history costs about a second per upstream call,
	// so even the cache profile is not throwaway: NORMAL survives
	// process crashes, and only an OS crash mid-checkpoint can lose
	// the most recent writes.
	if profile == ProfileCache {
		ps = append(ps, "synchronous(NORMAL)")
	} else {
		ps = append(ps, "synchronous(FULL)")
	}

	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = "_pragma=" + p
	}
	return strings.Join(parts, "&")
}

// poolLimits returns connection pool limits per profile. WAL allows
// many readers but a single writer, so the cache pool stays small and
// lets busy_timeout absorb writer contention.
func poolLimits(profile DatabaseProfile) (maxOpen, maxIdle int) {
	if profile == ProfileCache {
		return 10, 2
	}
	return 25, 5
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection for repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the database name for logging
func (db *DB) Name() string {
	return db.name
}

// InitSchema applies the embedded schema. Every statement is idempotent
// (CREATE TABLE IF NOT EXISTS), so this is safe to run on every startup.
func (db *DB) InitSchema() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}

	if _, err := tx.Exec(Schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply schema for %s: %w", db.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema for %s: %w", db.name, err)
	}

	return nil
}

// WithTransaction runs fn inside a transaction, committing on success
// and rolling back on error or panic. The original error stays
// unwrappable through errors.Is.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("transaction failed: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck verifies the connection is alive. Kept cheap because the
// health endpoint polls it.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint. Mode TRUNCATE also resets the
// WAL file to its minimal size; an empty mode defaults to it.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// VacuumInto writes a compacted point-in-time snapshot of the database
// to destPath. Used by the backup service; safe while the database is
// live.
func (db *DB) VacuumInto(ctx context.Context, destPath string) error {
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into %s failed for %s: %w", destPath, db.name, err)
	}
	return nil
}

// Stats reports on-disk footprint, WAL included.
type Stats struct {
	SizeBytes    int64 // Database file size
	WALSizeBytes int64 // WAL file size
}

// GetStats reads the current file sizes.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	fileInfo, err := os.Stat(db.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat database %s: %w", db.name, err)
	}
	stats.SizeBytes = fileInfo.Size()

	// The WAL file comes and goes with checkpoints
	if walInfo, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = walInfo.Size()
	}

	return stats, nil
}
