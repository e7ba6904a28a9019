package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const backupPrefix = "castfeed-backup-"

// Snapshotter writes a consistent copy of the relational store to a file
type Snapshotter interface {
	Backup(ctx context.Context, dest string) (int64, error)
}

// BackupManager handles database backup operations
type BackupManager struct {
	source Snapshotter
	logger *Logger
	dir    string
	now    func() time.Time
}

// NewBackupManager creates a new backup manager writing into dir
func NewBackupManager(source Snapshotter, dir string, logger *Logger) *BackupManager {
	if logger == nil {
		logger = Default()
	}
	return &BackupManager{
		source: source,
		logger: logger.WithComponent("backup"),
		dir:    dir,
		now:    time.Now,
	}
}

// Backup snapshots the database into a timestamped file and returns its path
func (b *BackupManager) Backup(ctx context.Context) (string, error) {
	return b.BackupTo(ctx, filepath.Join(b.dir, backupName(b.now())))
}

// BackupTo snapshots the database into dest
func (b *BackupManager) BackupTo(ctx context.Context, dest string) (string, error) {
	start := time.Now()
	b.logger.Info("starting database backup", "destination", dest)

	size, err := b.source.Backup(ctx, dest)
	if err != nil {
		b.logger.Error("database backup failed", "destination", dest, "error", err)
		return "", fmt.Errorf("failed to back up database: %w", err)
	}

	b.logger.Info("database backup completed",
		"destination", dest,
		"size_mb", float64(size)/1024/1024,
		"duration_ms", time.Since(start).Milliseconds())
	return dest, nil
}

func backupName(t time.Time) string {
	return backupPrefix + t.UTC().Format("20060102-150405") + ".db"
}

// PeriodicBackup runs periodic backups and prunes expired ones
type PeriodicBackup struct {
	manager  *BackupManager
	interval time.Duration
	maxAge   time.Duration
	logger   *Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewPeriodicBackup creates a new periodic backup handler. A zero maxAge
// keeps every snapshot.
func NewPeriodicBackup(manager *BackupManager, interval, maxAge time.Duration, logger *Logger) *PeriodicBackup {
	if logger == nil {
		logger = Default()
	}
	return &PeriodicBackup{
		manager:  manager,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.WithComponent("periodic-backup"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the backup loop in the background
func (p *PeriodicBackup) Start(ctx context.Context) {
	go func() {
		defer close(p.doneChan)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.Info("periodic backup started", "interval", p.interval)
		for {
			select {
			case <-ticker.C:
				p.runOnce(ctx)
			case <-p.stopChan:
				p.logger.Info("periodic backup stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *PeriodicBackup) runOnce(ctx context.Context) {
	if _, err := p.manager.Backup(ctx); err != nil {
		return
	}
	if p.maxAge > 0 {
		if _, err := CleanOldBackups(p.manager.dir, p.maxAge, p.logger); err != nil {
			p.logger.Warn("failed to clean old backups", "error", err)
		}
	}
}

// Stop stops the backup loop and waits for it to exit
func (p *PeriodicBackup) Stop() {
	close(p.stopChan)
	<-p.doneChan
}

// CleanOldBackups removes backups older than maxAge and returns how many
// were deleted
func CleanOldBackups(backupDir string, maxAge time.Duration, logger *Logger) (int, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var deleted int

	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(backupDir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to delete old backup", "file", path, "error", err)
			continue
		}
		logger.Debug("deleted old backup", "file", path, "age", time.Since(info.ModTime()))
		deleted++
	}

	logger.Info("old backup cleanup completed", "deleted", deleted)
	return deleted, nil
}

func isBackupFile(name string) bool {
	return strings.HasPrefix(name, backupPrefix) && filepath.Ext(name) == ".db"
}
