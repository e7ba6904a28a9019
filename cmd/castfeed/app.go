package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/feeds"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/ingest"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/queue"
	"github.com/sandwichfarm/castfeed/internal/readapi"
	"github.com/sandwichfarm/castfeed/internal/reconcile"
	"github.com/sandwichfarm/castfeed/internal/storage"
	"github.com/sandwichfarm/castfeed/internal/threads"
	"github.com/sandwichfarm/castfeed/internal/transform"
)

// app is the wired component graph every command draws from
type app struct {
	cfg     *config.Config
	logger  *ops.Logger
	metrics *ops.Metrics

	hub        *hub.Client
	storage    *storage.Storage
	writer     *storage.Writer
	docs       documents.Store
	cache      *cache.Client
	transform  *transform.Transformer
	feeds      *feeds.Engine
	reconciler *reconcile.Engine
	queue      queue.Queue
}

// openApp connects every store. withQueue also opens the job queue.
func openApp(ctx context.Context, cfg *config.Config, withQueue bool) (*app, error) {
	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	metrics := ops.NewMetrics()
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		hub:     hub.New(&cfg.Hub).Instrument(logger, metrics),
	}

	st, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.storage = st

	docs, err := documents.New(ctx, &cfg.Documents)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}
	a.docs = docs

	c, err := cache.New(ctx, &cfg.Caching, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = c

	if withQueue {
		q, err := queue.New(ctx, &cfg.Queue)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
		a.queue = q
	}

	resolver := threads.NewResolver(a.hub, cfg.Ingest.MaxRootDepth, logger)
	a.writer = storage.NewWriter(st, resolver, logger)
	a.transform = transform.New(c, docs, a.hub, st, logger).WithRoots(resolver)
	a.feeds = feeds.New(c, st, &cfg.Feeds, logger, a.metrics)
	a.reconciler = reconcile.New(a.hub, a.writer, docs, a.transform, a.feeds, logger, a.metrics)

	return a, nil
}

func (a *app) processor() *ingest.Processor {
	return ingest.NewProcessor(a.writer, a.docs, a.transform, a.feeds, a.cache, a.logger, a.metrics)
}

func (a *app) readService() *readapi.Service {
	return readapi.New(a.cache, a.storage, a.docs, a.transform, a.logger)
}

// close releases every opened store, in reverse order
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.docs != nil {
		errs = append(errs, a.docs.Close(ctx))
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	return errors.Join(errs...)
}

// storageStats adapts the relational store to the diagnostics collector
type storageStats struct {
	st *storage.Storage
}

func (s storageStats) Driver() string { return s.st.Driver() }

func (s storageStats) KindCounts(ctx context.Context) ([]ops.KindCount, error) {
	stats, err := s.st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	counts := make([]ops.KindCount, len(stats))
	for i, k := range stats {
		counts[i] = ops.KindCount{Kind: string(k.Kind), Live: k.Live, Deleted: k.Deleted}
	}
	return counts, nil
}

// queueDepth adapts a job queue to the diagnostics collector
type queueDepth struct {
	q queue.Queue
}

func (d queueDepth) Depth(ctx context.Context) (int64, int64, error) {
	pending, err := d.q.Len(ctx)
	if err != nil {
		return 0, 0, err
	}
	dead, err := d.q.DeadLen(ctx)
	if err != nil {
		return 0, 0, err
	}
	return pending, dead, nil
}
