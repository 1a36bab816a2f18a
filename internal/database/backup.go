package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cleandispatch/internal/config"

	"github.com/rs/zerolog"
)

const (
	snapshotPrefix = "dispatch_"
	snapshotSuffix = ".db"
	snapshotLayout = "20060102_150405"
)

// BackupService periodically snapshots the sqlite record store and prunes
// snapshots past the retention window. Only files it named are pruned.
type BackupService struct {
	dbPath string
	config config.BackupConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(dbPath string, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		dbPath: dbPath,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled || s.dbPath == ":memory:" {
		s.logger.Info().Msg("Record store snapshots disabled")
		return
	}

	interval := s.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s.logger.Info().Dur("interval", interval).Str("dir", s.config.StoragePath).Msg("Record store snapshots scheduled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.PerformBackup(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Record store snapshot failed")
		}
		s.CleanupOldBackups()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PerformBackup writes one snapshot. VACUUM INTO is consistent under
// concurrent writers; the plain file copy is used only when it fails.
func (s *BackupService) PerformBackup(ctx context.Context) error {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	target := filepath.Join(s.config.StoragePath, snapshotPrefix+s.now().Format(snapshotLayout)+snapshotSuffix)

	db, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer db.Close()

	escaped := strings.ReplaceAll(target, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, copying the database file")
		if err := s.copySnapshot(target); err != nil {
			return fmt.Errorf("failed to copy record store: %w", err)
		}
	}

	s.logger.Info().Str("path", target).Msg("Record store snapshot written")
	return nil
}

// copySnapshot copies the database file under a temporary name and renames
// it into place, so a half-written copy never looks like a snapshot.
func (s *BackupService) copySnapshot(target string) error {
	source, err := os.Open(s.dbPath)
	if err != nil {
		return err
	}
	defer source.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, source); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// CleanupOldBackups removes snapshots older than the retention window.
func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	entries, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list record store snapshots")
		return
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.StoragePath, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Failed to prune snapshot")
			continue
		}
		s.logger.Info().Str("file", name).Msg("Pruned expired snapshot")
	}
}
