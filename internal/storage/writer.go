package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/sandwichfarm/castfeed/internal/threads"
)

// RootResolver finds the top of a reply chain
type RootResolver interface {
	ResolveRoot(ctx context.Context, cast *records.Cast) (records.Root, error)
}

// Writer persists records so that every stored reply carries its root
type Writer struct {
	st       *Storage
	resolver RootResolver
	logger   *ops.Logger
}

// NewWriter wraps st. Replies are resolved with resolver before they are
// written.
func NewWriter(st *Storage, resolver RootResolver, logger *ops.Logger) *Writer {
	if logger == nil {
		logger = ops.Default()
	}
	return &Writer{
		st:       st,
		resolver: resolver,
		logger:   logger.WithComponent("storage"),
	}
}

// Storage returns the wrapped store
func (w *Writer) Storage() *Storage {
	return w.st
}

// Upsert resolves the root of replies and writes rec
func (w *Writer) Upsert(ctx context.Context, rec records.Record) error {
	start := time.Now()
	if cast, ok := rec.(*records.Cast); ok && !cast.Deleted() {
		w.resolveRoot(ctx, cast)
	}
	err := w.st.Upsert(ctx, rec)
	w.logger.LogStorageOperation("upsert_"+string(rec.Kind()), time.Since(start), err)
	return err
}

// SoftDelete marks a stored record deleted
func (w *Writer) SoftDelete(ctx context.Context, kind records.Kind, key records.Key, at time.Time) error {
	return w.st.SoftDelete(ctx, kind, key, at)
}

// Restore resolves the root of replies and revives rec
func (w *Writer) Restore(ctx context.Context, rec records.Record) error {
	if cast, ok := rec.(*records.Cast); ok {
		w.resolveRoot(ctx, cast)
	}
	return w.st.Restore(ctx, rec)
}

// BulkInsert resolves the roots of every reply and inserts the batch
func (w *Writer) BulkInsert(ctx context.Context, recs []records.Record) (int, error) {
	start := time.Now()
	for _, rec := range recs {
		if cast, ok := rec.(*records.Cast); ok && !cast.Deleted() {
			w.resolveRoot(ctx, cast)
		}
	}
	n, err := w.st.BulkInsert(ctx, recs)
	w.logger.LogStorageOperation("bulk_insert", time.Since(start), err)
	return n, err
}

// resolveRoot fills the root of cast. A stored parent that already knows
// its root saves the upstream walk.
func (w *Writer) resolveRoot(ctx context.Context, cast *records.Cast) {
	parent, ok := cast.Parent()
	if !ok {
		cast.SetRoot(records.Root{Fid: cast.Fid, Hash: cast.Hash, URL: cast.ParentURL})
		return
	}

	if p, err := w.st.GetCast(ctx, parent.Fid, parent.Hash); err == nil && p.RootParentHash != "" {
		cast.SetRoot(records.Root{Fid: p.RootParentFid, Hash: p.RootParentHash, URL: p.RootParentURL})
		return
	}

	if w.resolver == nil {
		cast.SetRoot(records.Root{Fid: parent.Fid, Hash: parent.Hash})
		return
	}

	root, err := w.resolver.ResolveRoot(ctx, cast)
	if err != nil {
		if errors.Is(err, threads.ErrChainTooDeep) {
			w.logger.Warn("persisting reply with deepest reachable root",
				"cast", cast.Key(),
				"root", root.Hash)
		} else {
			w.logger.Warn("root resolution failed, using parent as root",
				"cast", cast.Key(),
				"error", err)
			root = records.Root{Fid: parent.Fid, Hash: parent.Hash}
		}
	}
	cast.SetRoot(root)
}
