package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sandwichfarm/castfeed/internal/records"
)

func (t *table) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(t.columns(), ", "), t.name)
}

// query runs a select against t and converts every row to a record
func (s *Storage) query(ctx context.Context, t *table, where string, args ...any) ([]records.Record, error) {
	q := t.selectSQL()
	if where != "" {
		q += " WHERE " + where
	}
	return s.queryRaw(ctx, t, q, args...)
}

// Get loads a single record by natural key, including soft-deleted rows
func (s *Storage) Get(ctx context.Context, kind records.Kind, key records.Key) (records.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	args, err := t.keyArgs(key)
	if err != nil {
		return nil, err
	}
	recs, err := s.query(ctx, t, t.whereKey(), args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// GetCast loads one cast by author and hash
func (s *Storage) GetCast(ctx context.Context, fid uint64, hash string) (*records.Cast, error) {
	rec, err := s.Get(ctx, records.KindCast, records.CastKey(fid, hash))
	if err != nil {
		return nil, err
	}
	return rec.(*records.Cast), nil
}

// GetCastByHash loads one cast by hash alone
func (s *Storage) GetCastByHash(ctx context.Context, hash string) (*records.Cast, error) {
	recs, err := s.query(ctx, tables[records.KindCast], "hash = ?", hash)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0].(*records.Cast), nil
}

// GetCasts batch-loads casts by reference. Missing casts are absent from
// the result.
func (s *Storage) GetCasts(ctx context.Context, ids []records.CastID) (map[records.Key]*records.Cast, error) {
	out := make(map[records.Key]*records.Cast, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	hashes := make([]string, 0, len(ids))
	wanted := make(map[records.Key]bool, len(ids))
	for _, id := range ids {
		hashes = append(hashes, id.Hash)
		wanted[id.Key()] = true
	}

	t := tables[records.KindCast]
	q, args, err := sqlx.In(t.selectSQL()+" WHERE hash IN (?)", hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to build cast batch query: %w", err)
	}
	recs, err := s.queryRaw(ctx, t, q, args...)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if wanted[rec.Key()] {
			out[rec.Key()] = rec.(*records.Cast)
		}
	}
	return out, nil
}

func (s *Storage) queryRaw(ctx context.Context, t *table, q string, args ...any) ([]records.Record, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []records.Record
	for rows.Next() {
		row := t.newRow()
		if err := rows.StructScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		rec, err := t.fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListByFid returns every record of a kind owned by fid, soft-deleted
// rows included
func (s *Storage) ListByFid(ctx context.Context, kind records.Kind, fid uint64) ([]records.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, t, "fid = ? ORDER BY ts", fid)
}

// CountActiveByFid counts live records of a kind owned by fid
func (s *Storage) CountActiveByFid(ctx context.Context, kind records.Kind, fid uint64) (int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE fid = ? AND deleted_at IS NULL", t.name)
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), fid); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.name, err)
	}
	return n, nil
}

// Followers returns the accounts currently following fid
func (s *Storage) Followers(ctx context.Context, fid uint64) ([]uint64, error) {
	var fids []uint64
	err := s.db.SelectContext(ctx, &fids, s.db.Rebind(
		`SELECT fid FROM links WHERE target_fid = ? AND type = ? AND deleted_at IS NULL ORDER BY fid`),
		fid, records.LinkFollow)
	if err != nil {
		return nil, fmt.Errorf("failed to get followers: %w", err)
	}
	return fids, nil
}

// Following returns the accounts fid currently follows
func (s *Storage) Following(ctx context.Context, fid uint64) ([]uint64, error) {
	var fids []uint64
	err := s.db.SelectContext(ctx, &fids, s.db.Rebind(
		`SELECT target_fid FROM links WHERE fid = ? AND type = ? AND deleted_at IS NULL ORDER BY target_fid`),
		fid, records.LinkFollow)
	if err != nil {
		return nil, fmt.Errorf("failed to get following: %w", err)
	}
	return fids, nil
}

// IsFollowing reports whether viewer follows target
func (s *Storage) IsFollowing(ctx context.Context, viewer, target uint64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM links WHERE fid = ? AND target_fid = ? AND type = ? AND deleted_at IS NULL`),
		viewer, target, records.LinkFollow)
	if err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return n > 0, nil
}

// Profile folds the stored user data of fid
func (s *Storage) Profile(ctx context.Context, fid uint64) (records.Profile, error) {
	profiles, err := s.Profiles(ctx, []uint64{fid})
	if err != nil {
		return records.Profile{}, err
	}
	return profiles[fid], nil
}

// Profiles folds the stored user data of several accounts. Accounts with
// no user data get an empty profile.
func (s *Storage) Profiles(ctx context.Context, fids []uint64) (map[uint64]records.Profile, error) {
	out := make(map[uint64]records.Profile, len(fids))
	if len(fids) == 0 {
		return out, nil
	}

	t := tables[records.KindUserData]
	q, args, err := sqlx.In(t.selectSQL()+" WHERE fid IN (?) AND deleted_at IS NULL", fids)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile query: %w", err)
	}
	recs, err := s.queryRaw(ctx, t, q, args...)
	if err != nil {
		return nil, err
	}

	byFid := make(map[uint64][]*records.UserData)
	for _, rec := range recs {
		ud := rec.(*records.UserData)
		byFid[ud.Fid] = append(byFid[ud.Fid], ud)
	}
	for _, fid := range fids {
		out[fid] = records.FoldProfile(fid, byFid[fid])
	}
	return out, nil
}

// CountReactions counts live reactions of one type on a cast
func (s *Storage) CountReactions(ctx context.Context, target records.CastID, typ records.ReactionType) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM cast_reactions WHERE target_fid = ? AND target_hash = ? AND type = ? AND deleted_at IS NULL`),
		target.Fid, target.Hash, string(typ))
	if err != nil {
		return 0, fmt.Errorf("failed to count reactions: %w", err)
	}
	return n, nil
}

// CountReplies counts live direct replies to a cast
func (s *Storage) CountReplies(ctx context.Context, parent records.CastID) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM casts WHERE parent_fid = ? AND parent_hash = ? AND deleted_at IS NULL`),
		parent.Fid, parent.Hash)
	if err != nil {
		return 0, fmt.Errorf("failed to count replies: %w", err)
	}
	return n, nil
}

// CountQuotes counts live casts embedding the target cast
func (s *Storage) CountQuotes(ctx context.Context, target records.CastID) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(DISTINCT c.hash) FROM cast_embeds e
		JOIN casts c ON c.fid = e.fid AND c.hash = e.hash
		WHERE e.target_fid = ? AND e.target_hash = ? AND c.deleted_at IS NULL`),
		target.Fid, target.Hash)
	if err != nil {
		return 0, fmt.Errorf("failed to count quotes: %w", err)
	}
	return n, nil
}

// ChannelCasts returns live casts in a channel that come after the cast at
// (before, after) in newest-first order. Casts sharing a timestamp are
// ordered by fid and hash, descending. A zero before starts at the newest
// cast; a zero after keeps only casts strictly older than before.
func (s *Storage) ChannelCasts(ctx context.Context, url string, before time.Time, after records.CastID, limit int) ([]*records.Cast, error) {
	return s.castPage(ctx, "root_parent_url = ?", url, before, after, limit)
}

// AuthorCasts is ChannelCasts for the casts of one account
func (s *Storage) AuthorCasts(ctx context.Context, fid uint64, before time.Time, after records.CastID, limit int) ([]*records.Cast, error) {
	return s.castPage(ctx, "fid = ?", fid, before, after, limit)
}

func (s *Storage) castPage(ctx context.Context, cond string, arg any, before time.Time, after records.CastID, limit int) ([]*records.Cast, error) {
	where := cond + " AND deleted_at IS NULL"
	args := []any{arg}
	switch {
	case before.IsZero():
	case after.Hash == "":
		where += " AND ts < ?"
		args = append(args, before.UTC())
	default:
		where += " AND (ts < ? OR (ts = ? AND (fid < ? OR (fid = ? AND hash < ?))))"
		args = append(args, before.UTC(), before.UTC(), after.Fid, after.Fid, after.Hash)
	}
	where += " ORDER BY ts DESC, fid DESC, hash DESC LIMIT ?"
	args = append(args, limit)

	recs, err := s.query(ctx, tables[records.KindCast], where, args...)
	if err != nil {
		return nil, err
	}
	casts := make([]*records.Cast, len(recs))
	for i, rec := range recs {
		casts[i] = rec.(*records.Cast)
	}
	return casts, nil
}

// KnownFids lists every account with at least one stored record
func (s *Storage) KnownFids(ctx context.Context) ([]uint64, error) {
	var fids []uint64
	err := s.db.SelectContext(ctx, &fids, `SELECT fid FROM casts
		UNION SELECT fid FROM cast_reactions
		UNION SELECT fid FROM url_reactions
		UNION SELECT fid FROM links
		UNION SELECT fid FROM user_data
		ORDER BY fid`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to list fids: %w", err)
	}
	return fids, nil
}
