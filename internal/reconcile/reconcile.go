// Package reconcile compares the hub, the relational store and the document
// store for one account and repairs whatever drifted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/feeds"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/sandwichfarm/castfeed/internal/storage"
	"github.com/sandwichfarm/castfeed/internal/transform"
	"golang.org/x/sync/errgroup"
)

// Store names used in mismatch errors and metrics
const (
	StoreRelational = "relational"
	StoreDocument   = "document"
)

// Kinds are the record kinds checked per account
var Kinds = []records.Kind{
	records.KindCast,
	records.KindCastReaction,
	records.KindURLReaction,
	records.KindLink,
}

// hubKinds lists the hub queries that return each record kind
var hubKinds = map[records.Kind][]hub.Kind{
	records.KindCast:         {hub.KindCasts},
	records.KindCastReaction: {hub.KindLikes, hub.KindRecasts},
	records.KindURLReaction:  {hub.KindLikes, hub.KindRecasts},
	records.KindLink:         {hub.KindLinks},
}

// MismatchError reports a store whose count still disagrees with the hub
// after repair
type MismatchError struct {
	Fid      uint64
	Kind     records.Kind
	Store    string
	Expected int
	Actual   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("reconcile: fid %d %s: %s store has %d, hub has %d",
		e.Fid, e.Kind, e.Store, e.Actual, e.Expected)
}

// KindReport is the outcome of one kind pass
type KindReport struct {
	Kind              records.Kind
	Hub               int
	MissingRelational int
	ExtraRelational   int
	MissingDocument   int
	ExtraDocument     int
	Writes            int
	Err               error
}

// Report is the outcome of reconciling one account
type Report struct {
	Fid      uint64
	Kinds    []KindReport
	Writes   int
	Duration time.Duration
}

// Err joins the errors of every kind pass
func (r *Report) Err() error {
	var errs []error
	for _, k := range r.Kinds {
		if k.Err != nil {
			errs = append(errs, k.Err)
		}
	}
	return errors.Join(errs...)
}

// Engine runs reconciliation passes
type Engine struct {
	src       hub.Source
	writer    *storage.Writer
	docs      documents.Store
	transform *transform.Transformer
	feeds     *feeds.Engine
	logger    *ops.Logger
	metrics   *ops.Metrics
	now       func() time.Time
}

// New creates an engine. fanout may be nil, in which case repaired casts
// are not pushed to feeds.
func New(src hub.Source, writer *storage.Writer, docs documents.Store, tr *transform.Transformer, fanout *feeds.Engine, logger *ops.Logger, metrics *ops.Metrics) *Engine {
	if logger == nil {
		logger = ops.Default()
	}
	return &Engine{
		src:       src,
		writer:    writer,
		docs:      docs,
		transform: tr,
		feeds:     fanout,
		logger:    logger.WithComponent("reconcile"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// ReconcileAccount checks and repairs every kind for fid. Kinds run
// concurrently and fail independently; the returned error joins their
// failures and wraps a *MismatchError for each store left inconsistent.
func (e *Engine) ReconcileAccount(ctx context.Context, fid uint64) (*Report, error) {
	start := time.Now()
	report := &Report{Fid: fid, Kinds: make([]KindReport, len(Kinds))}

	var g errgroup.Group
	for i, kind := range Kinds {
		g.Go(func() error {
			report.Kinds[i] = e.reconcileKind(ctx, fid, kind)
			return nil
		})
	}
	g.Wait()

	for _, k := range report.Kinds {
		report.Writes += k.Writes
	}
	report.Duration = time.Since(start)

	err := report.Err()
	e.logger.LogReconcile(fid, report.Writes, report.Duration, err)
	return report, err
}

type snapshot struct {
	hub        map[records.Key]records.Record
	relational map[records.Key]bool // true when live, false when soft-deleted
	document   map[records.Key]bool
}

func (e *Engine) reconcileKind(ctx context.Context, fid uint64, kind records.Kind) KindReport {
	kr := KindReport{Kind: kind}

	snap, err := e.fetch(ctx, fid, kind)
	if err != nil {
		kr.Err = fmt.Errorf("fid %d %s: %w", fid, kind, err)
		return kr
	}
	kr.Hub = len(snap.hub)

	var absentRel, deletedRel, missingDoc []records.Record
	var extraRel, extraDoc []records.Key
	for key, rec := range snap.hub {
		live, stored := snap.relational[key]
		switch {
		case !stored:
			absentRel = append(absentRel, rec)
		case !live:
			deletedRel = append(deletedRel, rec)
		}
		if !snap.document[key] {
			missingDoc = append(missingDoc, rec)
		}
	}
	for key, live := range snap.relational {
		if _, ok := snap.hub[key]; live && !ok {
			extraRel = append(extraRel, key)
		}
	}
	for key := range snap.document {
		if _, ok := snap.hub[key]; !ok {
			extraDoc = append(extraDoc, key)
		}
	}
	kr.MissingRelational = len(absentRel) + len(deletedRel)
	kr.ExtraRelational = len(extraRel)
	kr.MissingDocument = len(missingDoc)
	kr.ExtraDocument = len(extraDoc)

	if err := e.repairRelational(ctx, kind, absentRel, deletedRel, extraRel, snap.document, &kr); err != nil {
		kr.Err = fmt.Errorf("fid %d %s: relational repair: %w", fid, kind, err)
		return kr
	}
	if err := e.repairDocument(ctx, kind, missingDoc, extraDoc, &kr); err != nil {
		kr.Err = fmt.Errorf("fid %d %s: document repair: %w", fid, kind, err)
		return kr
	}

	kr.Err = e.validate(ctx, fid, kind, len(snap.hub))
	return kr
}

// fetch loads the three views of one kind concurrently. Soft-deleted
// documents are left out; soft-deleted rows are kept so a repair can revive
// them instead of colliding with their key.
func (e *Engine) fetch(ctx context.Context, fid uint64, kind records.Kind) (*snapshot, error) {
	snap := &snapshot{
		hub:        make(map[records.Key]records.Record),
		relational: make(map[records.Key]bool),
		document:   make(map[records.Key]bool),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, hk := range hubKinds[kind] {
			msgs, err := hub.AllByFid(gctx, e.src, fid, hk)
			if err != nil {
				return fmt.Errorf("hub: %w", err)
			}
			for _, msg := range msgs {
				rec, ok := decode.Message(msg)
				if !ok || rec.Kind() != kind || rec.Env().Deleted() {
					continue
				}
				snap.hub[rec.Key()] = rec
			}
		}
		return nil
	})
	g.Go(func() error {
		rows, err := e.writer.Storage().ListByFid(gctx, kind, fid)
		if err != nil {
			return fmt.Errorf("relational: %w", err)
		}
		for _, rec := range rows {
			snap.relational[rec.Key()] = !rec.Env().Deleted()
		}
		return nil
	})
	g.Go(func() error {
		keys, err := e.docs.ActiveKeys(gctx, fid, kind)
		if err != nil {
			return fmt.Errorf("document: %w", err)
		}
		for _, k := range keys {
			snap.document[k] = true
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// repairRelational writes missing rows and soft-deletes extra ones. Extra
// casts the document store still holds are pulled from feeds by the
// document repair; the rest are pulled here.
func (e *Engine) repairRelational(ctx context.Context, kind records.Kind, absent, deleted []records.Record, extra []records.Key, inDocs map[records.Key]bool, kr *KindReport) error {
	if len(absent) > 0 {
		n, err := e.writer.BulkInsert(ctx, absent)
		kr.Writes += n
		e.metrics.AddRepairs(string(kind), StoreRelational, n)
		if err != nil {
			return err
		}
	}

	for _, rec := range deleted {
		if err := e.writer.Restore(ctx, rec); err != nil {
			return err
		}
		kr.Writes++
		e.metrics.AddRepairs(string(kind), StoreRelational, 1)
	}

	at := e.now()
	for _, key := range extra {
		err := e.writer.SoftDelete(ctx, kind, key, at)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		kr.Writes++
		e.metrics.AddRepairs(string(kind), StoreRelational, 1)

		if e.feeds != nil && kind == records.KindCast && !inDocs[key] {
			e.unfeed(ctx, key)
		}
	}
	return nil
}

func (e *Engine) repairDocument(ctx context.Context, kind records.Kind, missing []records.Record, extra []records.Key, kr *KindReport) error {
	if len(missing) > 0 {
		res, err := e.transform.Transform(ctx, missing)
		if err != nil {
			return err
		}
		if err := transform.Store(ctx, e.docs, res); err != nil {
			return err
		}
		kr.Writes += len(res.Events)
		e.metrics.AddRepairs(string(kind), StoreDocument, len(res.Events))

		// the live path may already have fed these casts and counted them,
		// so counters are dropped for the next read to derive
		if e.feeds != nil {
			for _, rec := range missing {
				if c, ok := rec.(*records.Cast); ok {
					e.feeds.Refeed(ctx, c)
				}
			}
		}
	}

	at := e.now()
	for _, key := range extra {
		n, err := e.docs.SoftDeleteKey(ctx, kind, key, at)
		if err != nil {
			return err
		}
		kr.Writes += n
		e.metrics.AddRepairs(string(kind), StoreDocument, n)

		if e.feeds != nil && kind == records.KindCast {
			e.unfeed(ctx, key)
		}
	}
	return nil
}

// unfeed pulls a removed cast out of its feeds and drops the counters it
// touched. The stored row, deleted or not, knows which channel and parent
// feeds it was written to.
func (e *Engine) unfeed(ctx context.Context, key records.Key) {
	id, err := records.ParseCastKey(key)
	if err != nil {
		return
	}
	cast, err := e.writer.Storage().GetCast(ctx, id.Fid, id.Hash)
	if err != nil {
		cast = &records.Cast{Envelope: records.Envelope{Fid: id.Fid, Hash: id.Hash}}
	}
	e.feeds.Unfeed(ctx, cast)
}

// validate recounts both stores against the hub
func (e *Engine) validate(ctx context.Context, fid uint64, kind records.Kind, expected int) error {
	var errs []error

	rel, err := e.writer.Storage().CountActiveByFid(ctx, kind, fid)
	if err != nil {
		errs = append(errs, fmt.Errorf("fid %d %s: relational recount: %w", fid, kind, err))
	} else if rel != expected {
		errs = append(errs, e.mismatch(fid, kind, StoreRelational, expected, rel))
	}

	keys, err := e.docs.ActiveKeys(ctx, fid, kind)
	if err != nil {
		errs = append(errs, fmt.Errorf("fid %d %s: document recount: %w", fid, kind, err))
	} else if len(keys) != expected {
		errs = append(errs, e.mismatch(fid, kind, StoreDocument, expected, len(keys)))
	}

	return errors.Join(errs...)
}

func (e *Engine) mismatch(fid uint64, kind records.Kind, store string, expected, actual int) error {
	e.logger.LogReconcileMismatch(fid, string(kind), store, expected, actual)
	e.metrics.IncMismatch(string(kind), store)
	return &MismatchError{Fid: fid, Kind: kind, Store: store, Expected: expected, Actual: actual}
}
