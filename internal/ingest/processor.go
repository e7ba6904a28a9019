package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/feeds"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/sandwichfarm/castfeed/internal/storage"
	"github.com/sandwichfarm/castfeed/internal/transform"
)

// Outcome describes what processing did with a message
type Outcome string

const (
	OutcomeStored  Outcome = "stored"
	OutcomeRemoved Outcome = "removed"
	// OutcomeUnchanged means the message was already applied, or lost to
	// a newer message for the same key
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
)

// Processor applies one hub message to every store
type Processor struct {
	writer    *storage.Writer
	docs      documents.Store
	transform *transform.Transformer
	feeds     *feeds.Engine
	cache     *cache.Client
	logger    *ops.Logger
	metrics   *ops.Metrics
}

// NewProcessor wires a processor
func NewProcessor(
	writer *storage.Writer,
	docs documents.Store,
	tr *transform.Transformer,
	fanout *feeds.Engine,
	c *cache.Client,
	logger *ops.Logger,
	metrics *ops.Metrics,
) *Processor {
	if logger == nil {
		logger = ops.Default()
	}
	return &Processor{
		writer:    writer,
		docs:      docs,
		transform: tr,
		feeds:     fanout,
		cache:     c,
		logger:    logger.WithComponent("ingest"),
		metrics:   metrics,
	}
}

// Process decodes msg and applies it. Messages that do not decode are
// skipped without error. Replaying a message is harmless: counter deltas
// only run when the message changes whether its key is live, and a replay
// repeats the feed writes and drops the counters it would have touched.
func (p *Processor) Process(ctx context.Context, msg *hub.Message) (Outcome, error) {
	start := time.Now()

	rec, ok := decode.Message(msg)
	if !ok {
		p.logger.Debug("skipping undecodable message", "type", messageType(msg))
		p.metrics.IncIngested("unknown", string(OutcomeSkipped))
		return OutcomeSkipped, nil
	}

	var (
		outcome Outcome
		err     error
	)
	if rec.Env().Deleted() {
		outcome, err = p.remove(ctx, rec)
	} else {
		outcome, err = p.add(ctx, rec)
	}
	if err != nil {
		p.metrics.IncIngested(string(rec.Kind()), "error")
		return outcome, fmt.Errorf("failed to ingest %s %s: %w", rec.Kind(), rec.Key(), err)
	}

	p.metrics.IncIngested(string(rec.Kind()), string(outcome))
	p.logger.LogIngest(string(rec.Kind()), string(rec.Key()), string(outcome), time.Since(start))
	return outcome, nil
}

// live loads the stored row for rec and reports whether it is live
func (p *Processor) live(ctx context.Context, rec records.Record) (records.Record, bool, error) {
	stored, err := p.writer.Storage().Get(ctx, rec.Kind(), rec.Key())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return stored, !stored.Env().Deleted(), nil
}

func (p *Processor) add(ctx context.Context, rec records.Record) (Outcome, error) {
	_, wasLive, err := p.live(ctx, rec)
	if err != nil {
		return "", err
	}

	if err := p.writer.Upsert(ctx, rec); err != nil {
		return "", err
	}

	stored, isLive, err := p.live(ctx, rec)
	if err != nil {
		return "", err
	}
	if !isLive {
		// a newer removal already holds the key
		return OutcomeUnchanged, nil
	}

	res, err := p.transform.Transform(ctx, []records.Record{stored})
	if err != nil {
		return "", fmt.Errorf("transform: %w", err)
	}
	if err := transform.Store(ctx, p.docs, res); err != nil {
		return "", fmt.Errorf("document store: %w", err)
	}

	if wasLive {
		p.reapplied(ctx, stored)
		return OutcomeUnchanged, nil
	}
	p.applied(ctx, stored)
	return OutcomeStored, nil
}

func (p *Processor) remove(ctx context.Context, rec records.Record) (Outcome, error) {
	prior, wasLive, err := p.live(ctx, rec)
	if err != nil {
		return "", err
	}

	if err := p.writer.Upsert(ctx, rec); err != nil {
		return "", err
	}

	_, isLive, err := p.live(ctx, rec)
	if err != nil {
		return "", err
	}
	if isLive {
		// the add is newer than the removal
		return OutcomeUnchanged, nil
	}

	if _, err := p.docs.SoftDeleteKey(ctx, rec.Kind(), rec.Key(), *rec.Env().DeletedAt); err != nil {
		return "", fmt.Errorf("document store: %w", err)
	}

	if !wasLive {
		if prior != nil {
			p.reretracted(ctx, prior)
		}
		return OutcomeUnchanged, nil
	}
	p.retracted(ctx, prior)
	return OutcomeRemoved, nil
}

// applied runs the cache and feed writes for a record that just became live.
// They are best effort: counters and feeds are re-derivable, so failures are
// logged rather than failing the message.
func (p *Processor) applied(ctx context.Context, rec records.Record) {
	switch r := rec.(type) {
	case *records.Cast:
		p.warn("cache cast", r.Key(), p.cache.SetCastBase(ctx, r))
		p.fanout(p.feeds.OnCastAdd(ctx, r))

	case *records.CastReaction:
		_, err := p.cache.Increment(ctx, documents.ContentID(r.Target()), reactionCounter(r.Type))
		p.warn("increment reaction counter", r.Key(), err)

	case *records.Link:
		if r.Type == records.LinkFollow {
			p.warn("set follow relation", r.Key(), p.cache.SetRelation(ctx, r.Fid, cache.RelationFollows, r.TargetFid, true))
		}

	case *records.UserData:
		p.warn("invalidate profile", r.Key(), p.cache.InvalidateProfile(ctx, r.Fid))
	}
}

// retracted undoes applied for a record that was live until now
func (p *Processor) retracted(ctx context.Context, rec records.Record) {
	switch r := rec.(type) {
	case *records.Cast:
		p.warn("drop cached cast", r.Key(), p.cache.DeleteCastBase(ctx, r))
		p.fanout(p.feeds.OnCastRemove(ctx, r))

	case *records.CastReaction:
		_, err := p.cache.Decrement(ctx, documents.ContentID(r.Target()), reactionCounter(r.Type))
		p.warn("decrement reaction counter", r.Key(), err)

	case *records.Link:
		if r.Type == records.LinkFollow {
			p.warn("clear follow relation", r.Key(), p.cache.SetRelation(ctx, r.Fid, cache.RelationFollows, r.TargetFid, false))
		}

	case *records.UserData:
		p.warn("invalidate profile", r.Key(), p.cache.InvalidateProfile(ctx, r.Fid))
	}
}

// reapplied repeats the writes of applied that are safe to repeat, for a
// record that was already live. An earlier delivery may have stored the row
// and failed before reaching them. Counters are dropped rather than bumped.
func (p *Processor) reapplied(ctx context.Context, rec records.Record) {
	switch r := rec.(type) {
	case *records.Cast:
		p.warn("cache cast", r.Key(), p.cache.SetCastBase(ctx, r))
		p.fanout(p.feeds.Refeed(ctx, r))

	case *records.CastReaction:
		p.warn("invalidate reaction counter", r.Key(),
			p.cache.InvalidateCounter(ctx, documents.ContentID(r.Target()), reactionCounter(r.Type)))

	case *records.Link:
		if r.Type == records.LinkFollow {
			p.warn("set follow relation", r.Key(), p.cache.SetRelation(ctx, r.Fid, cache.RelationFollows, r.TargetFid, true))
		}

	case *records.UserData:
		p.warn("invalidate profile", r.Key(), p.cache.InvalidateProfile(ctx, r.Fid))
	}
}

// reretracted is reapplied for a removal whose row was already deleted
func (p *Processor) reretracted(ctx context.Context, rec records.Record) {
	switch r := rec.(type) {
	case *records.Cast:
		p.warn("drop cached cast", r.Key(), p.cache.DeleteCastBase(ctx, r))
		p.fanout(p.feeds.Unfeed(ctx, r))

	case *records.CastReaction:
		p.warn("invalidate reaction counter", r.Key(),
			p.cache.InvalidateCounter(ctx, documents.ContentID(r.Target()), reactionCounter(r.Type)))

	case *records.Link:
		if r.Type == records.LinkFollow {
			p.warn("clear follow relation", r.Key(), p.cache.SetRelation(ctx, r.Fid, cache.RelationFollows, r.TargetFid, false))
		}

	case *records.UserData:
		p.warn("invalidate profile", r.Key(), p.cache.InvalidateProfile(ctx, r.Fid))
	}
}

func (p *Processor) fanout(report *feeds.Report) {
	for _, r := range report.Failed() {
		p.logger.Warn("feed write failed", "feed", r.Feed, "target", r.Target, "error", r.Err)
	}
}

func (p *Processor) warn(op string, key records.Key, err error) {
	if err != nil {
		p.logger.Warn("cache write failed", "operation", op, "key", key, "error", err)
	}
}

func reactionCounter(t records.ReactionType) cache.CounterKind {
	if t == records.ReactionRecast {
		return cache.CounterRecasts
	}
	return cache.CounterLikes
}

func messageType(msg *hub.Message) string {
	if msg == nil || msg.Data == nil {
		return ""
	}
	return string(msg.Data.Type)
}
