package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CounterKind names an engagement counter
type CounterKind string

const (
	CounterLikes   CounterKind = "likes"
	CounterRecasts CounterKind = "recasts"
	CounterReplies CounterKind = "replies"
	CounterQuotes  CounterKind = "quotes"
)

// RelationFollows is set when viewer follows target
const RelationFollows = "follows"

// Count is a counter read that tells an absent counter from zero
type Count struct {
	Value int64
	Known bool
}

// FeedItem is one feed entry
type FeedItem struct {
	ID    string
	Score int64
}

// Client is the typed cache-aside accessor
type Client struct {
	backend Backend
	prefix  string
	logger  *ops.Logger
}

// New opens the configured backend
func New(ctx context.Context, cfg *config.Caching, logger *ops.Logger) (*Client, error) {
	var b Backend
	switch cfg.Engine {
	case "", "memory":
		b = NewMemory()
	case "redis":
		r, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b = r
	default:
		return nil, fmt.Errorf("unsupported cache engine: %s", cfg.Engine)
	}
	return NewClient(b, cfg.Prefix, logger), nil
}

// NewClient wraps a backend. Every key is prefixed with prefix.
func NewClient(b Backend, prefix string, logger *ops.Logger) *Client {
	if logger == nil {
		logger = ops.Default()
	}
	return &Client{backend: b, prefix: prefix, logger: logger.WithComponent("cache")}
}

// Close releases the backend
func (c *Client) Close() error {
	return c.backend.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func fidString(fid uint64) string {
	return strconv.FormatUint(fid, 10)
}

func (c *Client) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	c.logger.LogCacheOperation("get", key, ok)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Client) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.backend.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Profile returns the cached profile of fid, loading and caching it on a miss
func (c *Client) Profile(ctx context.Context, fid uint64, load func(context.Context, uint64) (records.Profile, error)) (records.Profile, error) {
	var p records.Profile
	ok, err := c.getJSON(ctx, c.key("profile", fidString(fid)), &p)
	if err != nil {
		return p, err
	}
	if ok {
		return p, nil
	}
	p, err = load(ctx, fid)
	if err != nil {
		return p, err
	}
	return p, c.SetProfile(ctx, p)
}

// SetProfile caches a profile
func (c *Client) SetProfile(ctx context.Context, p records.Profile) error {
	return c.setJSON(ctx, c.key("profile", fidString(p.Fid)), p)
}

// InvalidateProfile drops a cached profile so the next read refolds it
func (c *Client) InvalidateProfile(ctx context.Context, fid uint64) error {
	return c.backend.Delete(ctx, c.key("profile", fidString(fid)))
}

// CastBase returns the cached canonical cast for hash
func (c *Client) CastBase(ctx context.Context, hash string) (*records.Cast, bool, error) {
	var cast records.Cast
	ok, err := c.getJSON(ctx, c.key("cast", hash), &cast)
	if err != nil || !ok {
		return nil, false, err
	}
	return &cast, true, nil
}

// SetCastBase caches a canonical cast by hash
func (c *Client) SetCastBase(ctx context.Context, cast *records.Cast) error {
	return c.setJSON(ctx, c.key("cast", cast.Hash), cast)
}

// DeleteCastBase drops a cached cast and its content
func (c *Client) DeleteCastBase(ctx context.Context, cast *records.Cast) error {
	return c.backend.Delete(ctx,
		c.key("cast", cast.Hash),
		c.key("content", documents.ContentID(cast.ID())))
}

// Content returns the cached content documents among ids
func (c *Client) Content(ctx context.Context, ids []string) (map[string]*documents.Content, error) {
	out := make(map[string]*documents.Content, len(ids))
	for _, id := range ids {
		var doc documents.Content
		ok, err := c.getJSON(ctx, c.key("content", id), &doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = &doc
		}
	}
	return out, nil
}

// SetContent caches content documents
func (c *Client) SetContent(ctx context.Context, docs []*documents.Content) error {
	for _, d := range docs {
		if err := c.setJSON(ctx, c.key("content", d.ID), d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) counterKey(contentID string, kind CounterKind) string {
	return c.key("counter", string(kind), contentID)
}

// Counter returns an engagement counter, deriving it with load on a miss
func (c *Client) Counter(ctx context.Context, contentID string, kind CounterKind, load func(context.Context) (int64, error)) (int64, error) {
	count, err := c.PeekCounter(ctx, contentID, kind)
	if err != nil {
		return 0, err
	}
	if count.Known {
		return count.Value, nil
	}
	n, err := load(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.backend.Set(ctx, c.counterKey(contentID, kind), []byte(strconv.FormatInt(n, 10))); err != nil {
		return 0, fmt.Errorf("failed to seed counter: %w", err)
	}
	return n, nil
}

// PeekCounter reads a counter without deriving it
func (c *Client) PeekCounter(ctx context.Context, contentID string, kind CounterKind) (Count, error) {
	key := c.counterKey(contentID, kind)
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return Count{}, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	if !ok {
		return Count{}, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return Count{}, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return Count{Value: n, Known: true}, nil
}

// Increment adds one to a counter that is already cached. Misses are
// dropped; the next read derives the value.
func (c *Client) Increment(ctx context.Context, contentID string, kind CounterKind) (Count, error) {
	return c.add(ctx, contentID, kind, 1)
}

// Decrement subtracts one from a counter that is already cached
func (c *Client) Decrement(ctx context.Context, contentID string, kind CounterKind) (Count, error) {
	return c.add(ctx, contentID, kind, -1)
}

// InvalidateCounter drops a counter so the next read derives it
func (c *Client) InvalidateCounter(ctx context.Context, contentID string, kind CounterKind) error {
	return c.backend.Delete(ctx, c.counterKey(contentID, kind))
}

func (c *Client) add(ctx context.Context, contentID string, kind CounterKind, delta int64) (Count, error) {
	n, ok, err := c.backend.IncrIfPresent(ctx, c.counterKey(contentID, kind), delta)
	if err != nil {
		return Count{}, fmt.Errorf("failed to update counter: %w", err)
	}
	return Count{Value: n, Known: ok}, nil
}

func (c *Client) relationKey(viewer uint64, relation string, target uint64) string {
	return c.key("rel", relation, fidString(viewer), fidString(target))
}

// Relation returns a cached relation flag and whether it is known
func (c *Client) Relation(ctx context.Context, viewer uint64, relation string, target uint64) (bool, bool, error) {
	raw, ok, err := c.backend.Get(ctx, c.relationKey(viewer, relation, target))
	if err != nil || !ok {
		return false, false, err
	}
	return string(raw) == "1", true, nil
}

// SetRelation records a relation flag
func (c *Client) SetRelation(ctx context.Context, viewer uint64, relation string, target uint64, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return c.backend.Set(ctx, c.relationKey(viewer, relation, target), []byte(v))
}

// FeedScore is the score of an item posted at t
func FeedScore(t time.Time) int64 {
	return t.UnixMilli()
}

// FeedAdd puts id in a feed. Adding an existing id keeps its score.
func (c *Client) FeedAdd(ctx context.Context, feed, id string, score int64) error {
	return c.backend.ZAdd(ctx, c.prefix+feed, id, float64(score))
}

// FeedRemove drops id from a feed
func (c *Client) FeedRemove(ctx context.Context, feed, id string) error {
	return c.backend.ZRem(ctx, c.prefix+feed, id)
}

// FeedContains reports whether id is in a feed
func (c *Client) FeedContains(ctx context.Context, feed, id string) (bool, error) {
	_, ok, err := c.backend.ZScore(ctx, c.prefix+feed, id)
	return ok, err
}

// Cursor marks the last item of a feed page. Items with equal scores are
// ordered by id, so the pair is a total order. The zero Cursor starts at the
// newest item.
type Cursor struct {
	Score int64
	ID    string
}

// IsZero reports whether c starts at the newest item
func (c Cursor) IsZero() bool {
	return c.Score == 0 && c.ID == ""
}

// String encodes c for use in a query string, or returns "" for the zero
// Cursor
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.Score, 10) + "_" + c.ID
}

// ParseCursor decodes a cursor produced by Cursor.String. An empty string
// is the zero Cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	score, id, ok := strings.Cut(s, "_")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	n, err := strconv.ParseInt(score, 10, 64)
	if err != nil || n < 0 {
		return Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	return Cursor{Score: n, ID: id}, nil
}

// after reports whether m comes after c in newest-first order
func (c Cursor) after(m Member) bool {
	if c.IsZero() {
		return true
	}
	score := int64(m.Score)
	return score < c.Score || (score == c.Score && m.ID < c.ID)
}

// FeedPage returns up to limit items after cursor, newest first, and the
// cursor of the next page. A zero next cursor means the feed is exhausted.
func (c *Client) FeedPage(ctx context.Context, feed string, cursor Cursor, limit int) ([]FeedItem, Cursor, error) {
	var items []FeedItem

	// the range includes the cursor's score, so members that share it and
	// were already returned are skipped here
	for offset := 0; limit <= 0 || len(items) < limit; {
		members, err := c.backend.ZRevRangeFrom(ctx, c.prefix+feed, float64(cursor.Score), offset, limit)
		if err != nil {
			return nil, Cursor{}, fmt.Errorf("failed to read feed %s: %w", feed, err)
		}
		for _, m := range members {
			if cursor.after(m) && (limit <= 0 || len(items) < limit) {
				items = append(items, FeedItem{ID: m.ID, Score: int64(m.Score)})
			}
		}
		if limit <= 0 || len(members) < limit {
			break
		}
		offset += len(members)
	}

	var next Cursor
	if limit > 0 && len(items) == limit {
		last := items[len(items)-1]
		next = Cursor{Score: last.Score, ID: last.ID}
	}
	return items, next, nil
}
