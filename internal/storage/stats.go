package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandwichfarm/castfeed/internal/records"
)

// KindStats counts the rows stored for one record kind
type KindStats struct {
	Kind    records.Kind
	Live    int64
	Deleted int64
}

// Stats counts live and soft-deleted rows per kind, in storage order
func (s *Storage) Stats(ctx context.Context) ([]KindStats, error) {
	stats := make([]KindStats, 0, len(records.AllKinds))
	for _, kind := range records.AllKinds {
		t := tables[kind]
		var row struct {
			Live    int64 `db:"live"`
			Deleted int64 `db:"deleted"`
		}
		q := fmt.Sprintf(`SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0) AS live,
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 0 ELSE 1 END), 0) AS deleted
			FROM %s`, t.name)
		if err := s.db.GetContext(ctx, &row, q); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.name, err)
		}
		stats = append(stats, KindStats{Kind: kind, Live: row.Live, Deleted: row.Deleted})
	}
	return stats, nil
}

// Backup writes a consistent copy of a sqlite database to dest. Postgres
// deployments are backed up with their own tooling.
func (s *Storage) Backup(ctx context.Context, dest string) (int64, error) {
	if s.driver != "sqlite" {
		return 0, fmt.Errorf("backup not supported for driver %s", s.driver)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return 0, fmt.Errorf("backup destination %s already exists", dest)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return 0, fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to stat backup: %w", err)
	}
	return info.Size(), nil
}
