// Package readapi serves casts, profiles and feeds to downstream readers.
// Every read goes to the cache first and falls back to the stores, so a
// response may be stale but is never built from guessed data.
package readapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/feeds"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/sandwichfarm/castfeed/internal/storage"
	"github.com/sandwichfarm/castfeed/internal/transform"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned for unknown or deleted casts and unknown accounts
var ErrNotFound = errors.New("readapi: not found")

const (
	defaultLimit = 25
	maxLimit     = 100
)

// Cast is a content document with its engagement counters
type Cast struct {
	*documents.Content
	Likes   int64 `json:"likes"`
	Recasts int64 `json:"recasts"`
	Replies int64 `json:"replies"`
	Quotes  int64 `json:"quotes"`
}

// User is a folded profile with follow counts
type User struct {
	records.Profile
	Followers int `json:"followers"`
	Following int `json:"following"`
}

// Page is one page of a feed, newest first. Next is the cursor for the
// following page and empty when there is none.
type Page struct {
	Items []*documents.Content `json:"items"`
	Next  string               `json:"next,omitempty"`
}

// Service answers reads
type Service struct {
	cache     *cache.Client
	st        *storage.Storage
	docs      documents.Store
	transform *transform.Transformer
	logger    *ops.Logger
}

// New creates a read service
func New(c *cache.Client, st *storage.Storage, docs documents.Store, tr *transform.Transformer, logger *ops.Logger) *Service {
	if logger == nil {
		logger = ops.Default()
	}
	return &Service{
		cache:     c,
		st:        st,
		docs:      docs,
		transform: tr,
		logger:    logger.WithComponent("readapi"),
	}
}

// GetCast returns a live cast by hash with its counters
func (s *Service) GetCast(ctx context.Context, hash string) (*Cast, error) {
	cast, err := s.castBase(ctx, hash)
	if err != nil {
		return nil, err
	}

	id := documents.ContentID(cast.ID())
	contents, err := s.contents(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	content, ok := contents[id]
	if !ok {
		content, err = s.build(ctx, cast)
		if err != nil {
			return nil, err
		}
	}

	out := &Cast{Content: content}
	target := cast.ID()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Likes, err = s.cache.Counter(gctx, id, cache.CounterLikes, func(ctx context.Context) (int64, error) {
			return s.st.CountReactions(ctx, target, records.ReactionLike)
		})
		return err
	})
	g.Go(func() (err error) {
		out.Recasts, err = s.cache.Counter(gctx, id, cache.CounterRecasts, func(ctx context.Context) (int64, error) {
			return s.st.CountReactions(ctx, target, records.ReactionRecast)
		})
		return err
	})
	g.Go(func() (err error) {
		out.Replies, err = s.cache.Counter(gctx, id, cache.CounterReplies, func(ctx context.Context) (int64, error) {
			return s.st.CountReplies(ctx, target)
		})
		return err
	})
	g.Go(func() (err error) {
		out.Quotes, err = s.cache.Counter(gctx, id, cache.CounterQuotes, func(ctx context.Context) (int64, error) {
			return s.st.CountQuotes(ctx, target)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}
	return out, nil
}

// castBase loads the raw cast through the cache
func (s *Service) castBase(ctx context.Context, hash string) (*records.Cast, error) {
	cast, ok, err := s.cache.CastBase(ctx, hash)
	if err != nil {
		s.logger.Warn("cast cache read failed", "hash", hash, "error", err)
	}
	if ok {
		return cast, nil
	}

	cast, err = s.st.GetCastByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cast.Deleted() {
		return nil, ErrNotFound
	}
	if err := s.cache.SetCastBase(ctx, cast); err != nil {
		s.logger.Warn("cast cache write failed", "hash", hash, "error", err)
	}
	return cast, nil
}

// contents loads live content documents, cache first. Deleted and unknown
// ids are absent from the result.
func (s *Service) contents(ctx context.Context, ids []string) (map[string]*documents.Content, error) {
	found, err := s.cache.Content(ctx, ids)
	if err != nil {
		s.logger.Warn("content cache read failed", "error", err)
		found = make(map[string]*documents.Content)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		stored, err := s.docs.GetContent(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to load content: %w", err)
		}
		var fill []*documents.Content
		for id, c := range stored {
			found[id] = c
			fill = append(fill, c)
		}
		if err := s.cache.SetContent(ctx, fill); err != nil {
			s.logger.Warn("content cache write failed", "error", err)
		}
	}

	for id, c := range found {
		if c.Deleted() {
			delete(found, id)
		}
	}
	return found, nil
}

// build transforms a stored cast whose document has not been written yet
func (s *Service) build(ctx context.Context, cast *records.Cast) (*documents.Content, error) {
	res, err := s.transform.Transform(ctx, []records.Record{cast})
	if err != nil {
		return nil, fmt.Errorf("failed to build content: %w", err)
	}
	id := documents.ContentID(cast.ID())
	for _, c := range res.Content {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// GetUser returns the profile of fid. Accounts with no stored records are
// unknown.
func (s *Service) GetUser(ctx context.Context, fid uint64) (*User, error) {
	profile, err := s.cache.Profile(ctx, fid, s.st.Profile)
	if err != nil {
		return nil, err
	}

	var followers, following []uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		followers, err = s.st.Followers(gctx, fid)
		return err
	})
	g.Go(func() (err error) {
		following, err = s.st.Following(gctx, fid)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if blank(profile) && len(followers) == 0 && len(following) == 0 {
		n, err := s.st.CountActiveByFid(ctx, records.KindCast, fid)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrNotFound
		}
	}

	return &User{Profile: profile, Followers: len(followers), Following: len(following)}, nil
}

// IsFollowing reports whether viewer follows target, cache first
func (s *Service) IsFollowing(ctx context.Context, viewer, target uint64) (bool, error) {
	value, known, err := s.cache.Relation(ctx, viewer, cache.RelationFollows, target)
	if err != nil {
		s.logger.Warn("relation cache read failed", "error", err)
	}
	if known {
		return value, nil
	}

	value, err = s.st.IsFollowing(ctx, viewer, target)
	if err != nil {
		return false, err
	}
	if err := s.cache.SetRelation(ctx, viewer, cache.RelationFollows, target, value); err != nil {
		s.logger.Warn("relation cache write failed", "error", err)
	}
	return value, nil
}

// GetFeed pages through a feed by key. cursor is where the previous page
// ended, or the zero Cursor for the first page.
func (s *Service) GetFeed(ctx context.Context, key string, cursor cache.Cursor, limit int) (*Page, error) {
	items, next, err := s.cache.FeedPage(ctx, key, cursor, clamp(limit))
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	contents, err := s.contents(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: make([]*documents.Content, 0, len(ids)), Next: next.String()}
	for _, id := range ids {
		if c, ok := contents[id]; ok {
			page.Items = append(page.Items, c)
		}
	}
	return page, nil
}

// GetChannel pages through a channel. It reads the channel feed and falls
// back to the relational store when the feed holds nothing for the cursor.
func (s *Service) GetChannel(ctx context.Context, url string, cursor cache.Cursor, limit int) (*Page, error) {
	page, err := s.GetFeed(ctx, feeds.ChannelKey(url), cursor, limit)
	if err != nil {
		return nil, err
	}
	if len(page.Items) > 0 {
		return page, nil
	}

	limit = clamp(limit)
	var (
		before time.Time
		after  records.CastID
	)
	if !cursor.IsZero() {
		before = time.UnixMilli(cursor.Score).UTC()
		if id, err := records.ParseCastKey(records.Key(cursor.ID)); err == nil {
			after = id
		}
	}
	casts, err := s.st.ChannelCasts(ctx, url, before, after, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(casts))
	for i, c := range casts {
		ids[i] = documents.ContentID(c.ID())
	}
	contents, err := s.contents(ctx, ids)
	if err != nil {
		return nil, err
	}

	page = &Page{Items: make([]*documents.Content, 0, len(casts))}
	for i, c := range casts {
		content, ok := contents[ids[i]]
		if !ok {
			if content, err = s.build(ctx, c); err != nil {
				s.logger.Warn("skipping channel cast without content", "cast", c.Key(), "error", err)
				continue
			}
		}
		page.Items = append(page.Items, content)
	}
	if len(casts) == limit {
		last := casts[len(casts)-1]
		page.Next = cache.Cursor{Score: cache.FeedScore(last.Timestamp), ID: documents.ContentID(last.ID())}.String()
	}
	return page, nil
}

func blank(p records.Profile) bool {
	return p.Username == "" && p.DisplayName == "" && p.Bio == "" && p.Pfp == "" && p.URL == ""
}

func clamp(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
