// Package feeds maintains precomputed feeds and engagement counters when
// casts are added or removed.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"golang.org/x/sync/errgroup"
)

// Feed names used in keys and write results
const (
	FeedAuthor    = "author"
	FeedChannel   = "channel"
	FeedReplies   = "replies"
	FeedCurated   = "curated"
	FeedFollowing = "following"

	CounterReplies = "counter:replies"
	CounterQuotes  = "counter:quotes"
)

func AuthorKey(fid uint64) string    { return "feed:author:" + strconv.FormatUint(fid, 10) }
func ChannelKey(url string) string   { return "feed:channel:" + url }
func RepliesKey(fid uint64) string   { return "feed:replies:" + strconv.FormatUint(fid, 10) }
func CuratedKey(name string) string  { return "feed:curated:" + name }
func FollowingKey(fid uint64) string { return "feed:following:" + strconv.FormatUint(fid, 10) }

// WriteResult is the outcome of one feed or counter write
type WriteResult struct {
	Feed   string
	Target string
	Err    error
}

// Report lists every write a fan-out issued
type Report struct {
	Results []WriteResult
}

// Failed returns the writes that did not succeed
func (r *Report) Failed() []WriteResult {
	var failed []WriteResult
	for _, w := range r.Results {
		if w.Err != nil {
			failed = append(failed, w)
		}
	}
	return failed
}

// Err joins every failed write, or returns nil
func (r *Report) Err() error {
	var errs []error
	for _, w := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s %s: %w", w.Feed, w.Target, w.Err))
	}
	return errors.Join(errs...)
}

// FollowerSource lists the current followers of an account
type FollowerSource interface {
	Followers(ctx context.Context, fid uint64) ([]uint64, error)
}

// Engine fans casts out to feeds
type Engine struct {
	cache       *cache.Client
	followers   FollowerSource
	curated     map[uint64]bool
	curatedName string
	concurrency int
	logger      *ops.Logger
	metrics     *ops.Metrics
}

// New creates a fan-out engine
func New(c *cache.Client, followers FollowerSource, cfg *config.Feeds, logger *ops.Logger, metrics *ops.Metrics) *Engine {
	if logger == nil {
		logger = ops.Default()
	}
	curated := make(map[uint64]bool, len(cfg.CuratedFids))
	for _, fid := range cfg.CuratedFids {
		curated[fid] = true
	}
	concurrency := cfg.FanoutConcurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Engine{
		cache:       c,
		followers:   followers,
		curated:     curated,
		curatedName: cfg.CuratedName,
		concurrency: concurrency,
		logger:      logger.WithComponent("feeds"),
		metrics:     metrics,
	}
}

type write struct {
	feed   string
	target string
	apply  func(ctx context.Context) error
}

// OnCastAdd appends cast to every feed it belongs to and bumps the
// counters it affects
func (e *Engine) OnCastAdd(ctx context.Context, cast *records.Cast) *Report {
	return e.fanout(ctx, cast, e.adder(cast), e.counter(1))
}

// OnCastRemove undoes every write OnCastAdd made for cast
func (e *Engine) OnCastRemove(ctx context.Context, cast *records.Cast) *Report {
	return e.fanout(ctx, cast, e.remover(cast), e.counter(-1))
}

// Refeed puts cast into every feed it belongs to and drops the counters it
// affects, so the next read derives them from storage. Unlike OnCastAdd it
// can run any number of times for the same cast.
func (e *Engine) Refeed(ctx context.Context, cast *records.Cast) *Report {
	return e.fanout(ctx, cast, e.adder(cast), e.invalidator())
}

// Unfeed is Refeed for a cast that is no longer live
func (e *Engine) Unfeed(ctx context.Context, cast *records.Cast) *Report {
	return e.fanout(ctx, cast, e.remover(cast), e.invalidator())
}

func (e *Engine) adder(cast *records.Cast) func(feed, key string) write {
	id := documents.ContentID(cast.ID())
	score := cache.FeedScore(cast.Timestamp)
	return func(feed, key string) write {
		return write{feed: feed, target: key, apply: func(ctx context.Context) error {
			return e.cache.FeedAdd(ctx, key, id, score)
		}}
	}
}

func (e *Engine) remover(cast *records.Cast) func(feed, key string) write {
	id := documents.ContentID(cast.ID())
	return func(feed, key string) write {
		return write{feed: feed, target: key, apply: func(ctx context.Context) error {
			return e.cache.FeedRemove(ctx, key, id)
		}}
	}
}

func (e *Engine) counter(delta int64) func(counter string, kind cache.CounterKind, target string) write {
	return func(counter string, kind cache.CounterKind, target string) write {
		return write{feed: counter, target: target, apply: func(ctx context.Context) error {
			var err error
			if delta > 0 {
				_, err = e.cache.Increment(ctx, target, kind)
			} else {
				_, err = e.cache.Decrement(ctx, target, kind)
			}
			return err
		}}
	}
}

func (e *Engine) invalidator() func(counter string, kind cache.CounterKind, target string) write {
	return func(counter string, kind cache.CounterKind, target string) write {
		return write{feed: counter, target: target, apply: func(ctx context.Context) error {
			return e.cache.InvalidateCounter(ctx, target, kind)
		}}
	}
}

func (e *Engine) fanout(
	ctx context.Context,
	cast *records.Cast,
	feedWrite func(feed, key string) write,
	counterWrite func(counter string, kind cache.CounterKind, target string) write,
) *Report {
	writes := []write{feedWrite(FeedAuthor, AuthorKey(cast.Fid))}

	if cast.ParentURL != "" {
		writes = append(writes, feedWrite(FeedChannel, ChannelKey(cast.ParentURL)))
	}
	if parent, ok := cast.Parent(); ok {
		writes = append(writes,
			feedWrite(FeedReplies, RepliesKey(cast.Fid)),
			counterWrite(CounterReplies, cache.CounterReplies, documents.ContentID(parent)))
	}
	for _, q := range cast.QuotedCasts() {
		writes = append(writes, counterWrite(CounterQuotes, cache.CounterQuotes, documents.ContentID(q)))
	}
	if e.curated[cast.Fid] && e.curatedName != "" {
		writes = append(writes, feedWrite(FeedCurated, CuratedKey(e.curatedName)))
	}

	report := &Report{}
	followers, err := e.followers.Followers(ctx, cast.Fid)
	if err != nil {
		report.Results = append(report.Results, WriteResult{
			Feed:   FeedFollowing,
			Target: strconv.FormatUint(cast.Fid, 10),
			Err:    fmt.Errorf("failed to list followers: %w", err),
		})
	}
	for _, f := range followers {
		writes = append(writes, feedWrite(FeedFollowing, FollowingKey(f)))
	}

	results := e.dispatch(ctx, writes)
	report.Results = append(report.Results, results...)

	for _, r := range report.Results {
		e.metrics.IncFanout(r.Feed, r.Err)
	}
	e.logger.LogFanout(string(cast.Key()), len(report.Results), len(report.Failed()))
	return report
}

// dispatch runs writes through a bounded pool. A failed write never stops
// the others.
func (e *Engine) dispatch(ctx context.Context, writes []write) []WriteResult {
	results := make([]WriteResult, len(writes))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, w := range writes {
		g.Go(func() error {
			results[i] = WriteResult{Feed: w.feed, Target: w.target, Err: w.apply(ctx)}
			return nil
		})
	}
	g.Wait()

	return results
}
