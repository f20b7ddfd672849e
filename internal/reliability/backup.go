package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/database"
)

const (
	backupPrefix   = "quantdb-backup-"
	backupTimeFmt  = "2006-01-02-150405"
	archiveSuffix  = ".db.gz"
	metadataSuffix = ".meta.json"

	// Pruning never goes below this many backups, whatever Keep says.
	minBackupsKept = 3

	backupTimeout = 10 * time.Minute
)

// BackupMetadata is the JSON sidecar uploaded next to each archive.
type BackupMetadata struct {
	Timestamp    time.Time `json:"timestamp"`
	Database     string    `json:"database"`
	RawSizeBytes int64     `json:"raw_size_bytes"`
	ArchiveBytes int64     `json:"archive_bytes"`
	Checksum     string    `json:"checksum"`
}

// BackupInfo describes one backup found in the bucket.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService snapshots the cache database with VACUUM INTO and ships
// the compressed copy to an S3-compatible bucket. A failed backup only
// logs; serving is never affected.
type BackupService struct {
	db      *database.DB
	store   ObjectStore
	dataDir string
	prefix  string
	keep    int
	log     zerolog.Logger
}

// NewBackupService creates a backup service. keep bounds how many
// remote backups pruning retains.
func NewBackupService(db *database.DB, store ObjectStore, dataDir, prefix string, keep int, log zerolog.Logger) *BackupService {
	if keep < minBackupsKept {
		keep = minBackupsKept
	}
	return &BackupService{
		db:      db,
		store:   store,
		dataDir: dataDir,
		prefix:  prefix,
		keep:    keep,
		log:     log.With().Str("service", "backup").Logger(),
	}
}

// Run executes one backup cycle. Implements the scheduler job contract.
func (s *BackupService) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	if err := s.CreateBackup(ctx); err != nil {
		return err
	}
	return s.PruneBackups(ctx)
}

// Name returns the job name for scheduler
func (s *BackupService) Name() string {
	return "backup"
}

// CreateBackup snapshots, compresses and uploads the database.
func (s *BackupService) CreateBackup(ctx context.Context) error {
	s.log.Info().Msg("Starting backup")
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	name := backupPrefix + start.UTC().Format(backupTimeFmt)
	rawPath := filepath.Join(stagingDir, name+".db")

	// VACUUM INTO produces a compact, consistent snapshot without
	// blocking writers.
	if err := s.db.VacuumInto(ctx, rawPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	rawInfo, err := os.Stat(rawPath)
	if err != nil {
		return fmt.Errorf("failed to stat snapshot: %w", err)
	}

	checksum, err := checksumFile(rawPath)
	if err != nil {
		return fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	archivePath := filepath.Join(stagingDir, name+archiveSuffix)
	if err := gzipFile(rawPath, archivePath); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	archiveKey := s.objectKey(name + archiveSuffix)
	if err := s.store.Upload(ctx, archiveKey, archive); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	meta := BackupMetadata{
		Timestamp:    start.UTC(),
		Database:     s.db.Name(),
		RawSizeBytes: rawInfo.Size(),
		ArchiveBytes: archiveInfo.Size(),
		Checksum:     checksum,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.store.Upload(ctx, s.objectKey(name+metadataSuffix), bytes.NewReader(metaJSON)); err != nil {
		return fmt.Errorf("failed to upload metadata: %w", err)
	}

	s.log.Info().
		Str("key", archiveKey).
		Int64("raw_bytes", rawInfo.Size()).
		Int64("archive_bytes", archiveInfo.Size()).
		Dur("duration_ms", time.Since(start)).
		Msg("Backup completed")

	return nil
}

// ListBackups returns remote backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, s.objectKey(backupPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, archiveSuffix) {
			continue
		}
		ts, ok := parseBackupTime(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unparseable backup timestamp")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// PruneBackups deletes archives beyond the retention count, along with
// their metadata sidecars.
func (s *BackupService) PruneBackups(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= s.keep {
		return nil
	}

	deleted := 0
	for _, backup := range backups[s.keep:] {
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		metaKey := strings.TrimSuffix(backup.Key, archiveSuffix) + metadataSuffix
		if err := s.store.Delete(ctx, metaKey); err != nil {
			s.log.Warn().Err(err).Str("key", metaKey).Msg("Failed to delete backup metadata")
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Old backups pruned")
	}
	return nil
}

func (s *BackupService) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// parseBackupTime extracts the timestamp encoded in an archive key.
func parseBackupTime(key string) (time.Time, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, backupPrefix) || !strings.HasSuffix(base, archiveSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(base, backupPrefix), archiveSuffix)
	ts, err := time.Parse(backupTimeFmt, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func checksumFile(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}
