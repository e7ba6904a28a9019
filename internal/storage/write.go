package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sandwichfarm/castfeed/internal/records"
)

// insertSQL is a plain insert; duplicates fail with a unique violation
func (t *table) insertSQL() string {
	cols := t.columns()
	named := make([]string, len(cols))
	for i, c := range cols {
		named[i] = ":" + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(cols, ", "), strings.Join(named, ", "))
}

// upsertSQL applies an add. A newer add revives a soft-deleted row; an
// older add never overwrites a newer live row.
func (t *table) upsertSQL() string {
	var sets []string
	for _, c := range t.columns() {
		if contains(t.key, c) || c == "ts" || c == "deleted_at" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	sets = append(sets,
		fmt.Sprintf("ts = CASE WHEN excluded.ts > %[1]s.ts OR %[1]s.deleted_at IS NOT NULL THEN excluded.ts ELSE %[1]s.ts END", t.name),
		fmt.Sprintf("deleted_at = CASE WHEN %[1]s.deleted_at IS NOT NULL AND excluded.ts > %[1]s.deleted_at THEN NULL ELSE %[1]s.deleted_at END", t.name),
	)
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s WHERE excluded.ts >= %[4]s.ts OR %[4]s.deleted_at IS NOT NULL",
		t.insertSQL(), strings.Join(t.key, ", "), strings.Join(sets, ", "), t.name)
}

// tombstoneSQL applies a removal. A removal that arrives before its add
// leaves a deleted placeholder row the add later fills in.
func (t *table) tombstoneSQL() string {
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET deleted_at = excluded.deleted_at WHERE %[3]s.deleted_at IS NULL AND excluded.deleted_at >= %[3]s.ts",
		t.insertSQL(), strings.Join(t.key, ", "), t.name)
}

func (t *table) whereKey() string {
	conds := make([]string, len(t.key))
	for i, c := range t.key {
		conds[i] = c + " = ?"
	}
	return strings.Join(conds, " AND ")
}

const insertEmbedSQL = `INSERT INTO cast_embeds (fid, hash, position, target_fid, target_hash)
	VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

// Upsert writes a record by natural key. Records carrying DeletedAt are
// applied as soft deletes. Replaying the same record leaves the row as is.
func (s *Storage) Upsert(ctx context.Context, rec records.Record) error {
	t, err := tableFor(rec.Kind())
	if err != nil {
		return err
	}
	row, err := t.toRow(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", rec.Kind(), rec.Key(), err)
	}

	query := t.upsertSQL()
	if rec.Env().Deleted() {
		query = t.tombstoneSQL()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	if cast, ok := rec.(*records.Cast); ok {
		if err := s.insertEmbeds(ctx, tx, cast); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func (s *Storage) insertEmbeds(ctx context.Context, tx *sqlx.Tx, cast *records.Cast) error {
	for i, e := range cast.Embeds {
		if e.CastID == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(insertEmbedSQL),
			cast.Fid, cast.Hash, i, e.CastID.Fid, e.CastID.Hash); err != nil {
			return fmt.Errorf("failed to insert embed %d of %s: %w", i, cast.Key(), err)
		}
	}
	return nil
}

// SoftDelete marks the row with the given natural key deleted. Deleting an
// already deleted row keeps the first deletion time.
func (s *Storage) SoftDelete(ctx context.Context, kind records.Kind, key records.Key, at time.Time) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	args, err := t.keyArgs(key)
	if err != nil {
		return err
	}

	query := s.db.Rebind(fmt.Sprintf("UPDATE %s SET deleted_at = ? WHERE %s AND deleted_at IS NULL", t.name, t.whereKey()))
	res, err := s.db.ExecContext(ctx, query, append([]any{at.UTC()}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to soft delete %s %s: %w", kind, key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists,
		s.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", t.name, t.whereKey())), args...)
	if err != nil {
		return fmt.Errorf("failed to check %s %s: %w", kind, key, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkInsert inserts records that are not yet stored. Duplicate natural
// keys are skipped silently; any other failure aborts the batch.
func (s *Storage) BulkInsert(ctx context.Context, recs []records.Record) (int, error) {
	inserted := 0

	for _, rec := range recs {
		t, err := tableFor(rec.Kind())
		if err != nil {
			return inserted, err
		}
		row, err := t.toRow(rec)
		if err != nil {
			return inserted, fmt.Errorf("failed to encode %s %s: %w", rec.Kind(), rec.Key(), err)
		}

		query := t.insertSQL()
		if rec.Env().Deleted() {
			query = t.tombstoneSQL()
		}

		if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return inserted, fmt.Errorf("failed to insert %s %s: %w", rec.Kind(), rec.Key(), err)
		}
		inserted++

		if cast, ok := rec.(*records.Cast); ok && len(cast.QuotedCasts()) > 0 {
			tx, err := s.db.BeginTxx(ctx, nil)
			if err != nil {
				return inserted, fmt.Errorf("failed to begin transaction: %w", err)
			}
			if err := s.insertEmbeds(ctx, tx, cast); err != nil {
				tx.Rollback()
				return inserted, err
			}
			if err := tx.Commit(); err != nil {
				return inserted, fmt.Errorf("failed to commit embeds: %w", err)
			}
		}
	}

	return inserted, nil
}

// Restore writes rec and clears any soft delete on its row, whatever the
// timestamps say. Reconciliation uses it when the hub still holds a record
// the store considers removed.
func (s *Storage) Restore(ctx context.Context, rec records.Record) error {
	if err := s.Upsert(ctx, rec); err != nil {
		return err
	}
	t, err := tableFor(rec.Kind())
	if err != nil {
		return err
	}
	args, err := t.keyArgs(rec.Key())
	if err != nil {
		return err
	}
	query := s.db.Rebind(fmt.Sprintf("UPDATE %s SET deleted_at = NULL WHERE %s", t.name, t.whereKey()))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to restore %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	return nil
}
