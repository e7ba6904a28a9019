package storage

import (
	"context"
	"fmt"
	"strings"
)

// migrations are applied in order; the index+1 is the schema version.
// {{ts}} expands to the driver's timestamp type.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS casts (
			fid BIGINT NOT NULL,
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL,
			text TEXT NOT NULL DEFAULT '',
			parent_fid BIGINT NOT NULL DEFAULT 0,
			parent_hash TEXT NOT NULL DEFAULT '',
			parent_url TEXT NOT NULL DEFAULT '',
			root_parent_fid BIGINT NOT NULL DEFAULT 0,
			root_parent_hash TEXT NOT NULL DEFAULT '',
			root_parent_url TEXT NOT NULL DEFAULT '',
			mentions TEXT NOT NULL DEFAULT '[]',
			mentions_positions TEXT NOT NULL DEFAULT '[]',
			embeds TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (fid, hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_casts_hash ON casts(hash)`,
		`CREATE INDEX IF NOT EXISTS idx_casts_parent ON casts(parent_fid, parent_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_casts_root_url ON casts(root_parent_url, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_casts_fid_ts ON casts(fid, ts)`,

		`CREATE TABLE IF NOT EXISTS cast_embeds (
			fid BIGINT NOT NULL,
			hash TEXT NOT NULL,
			position INTEGER NOT NULL,
			target_fid BIGINT NOT NULL,
			target_hash TEXT NOT NULL,
			PRIMARY KEY (fid, hash, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cast_embeds_target ON cast_embeds(target_fid, target_hash)`,

		`CREATE TABLE IF NOT EXISTS cast_reactions (
			fid BIGINT NOT NULL,
			type TEXT NOT NULL,
			target_fid BIGINT NOT NULL,
			target_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL,
			PRIMARY KEY (fid, type, target_fid, target_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cast_reactions_target ON cast_reactions(target_fid, target_hash, type)`,

		`CREATE TABLE IF NOT EXISTS url_reactions (
			fid BIGINT NOT NULL,
			type TEXT NOT NULL,
			target_url TEXT NOT NULL,
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL,
			PRIMARY KEY (fid, type, target_url)
		)`,

		`CREATE TABLE IF NOT EXISTS links (
			fid BIGINT NOT NULL,
			type TEXT NOT NULL,
			target_fid BIGINT NOT NULL,
			display_ts {{ts}} NULL,
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL,
			PRIMARY KEY (fid, type, target_fid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_fid, type)`,

		`CREATE TABLE IF NOT EXISTS user_data (
			fid BIGINT NOT NULL,
			type TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL,
			PRIMARY KEY (fid, type)
		)`,

		`CREATE TABLE IF NOT EXISTS verifications (
			fid BIGINT NOT NULL,
			address TEXT NOT NULL,
			protocol TEXT NOT NULL DEFAULT '',
			claim_signature TEXT NOT NULL DEFAULT '',
			block_hash TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL,
			PRIMARY KEY (fid, address)
		)`,

		`CREATE TABLE IF NOT EXISTS username_proofs (
			name TEXT NOT NULL PRIMARY KEY,
			fid BIGINT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			hash_scheme TEXT NOT NULL DEFAULT '',
			signer TEXT NOT NULL DEFAULT '',
			signature_scheme TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			ts {{ts}} NOT NULL,
			deleted_at {{ts}} NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_username_proofs_fid ON username_proofs(fid)`,
	},
}

// SchemaVersion is the version a fully migrated database reports
func SchemaVersion() int {
	return len(migrations)
}

func (s *Storage) tsType() string {
	if s.driver == "postgres" {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// runMigrations applies every migration newer than the recorded version
func (s *Storage) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	version, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		for _, stmt := range migrations[i] {
			stmt = strings.ReplaceAll(stmt, "{{ts}}", s.tsType())
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to reset schema_version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Storage) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
