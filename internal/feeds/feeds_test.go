package feeds

import (
	"context"
	"errors"
	"testing"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFollowers struct {
	followers map[uint64][]uint64
	err       error
}

func (s staticFollowers) Followers(ctx context.Context, fid uint64) ([]uint64, error) {
	return s.followers[fid], s.err
}

// flakyBackend fails sorted set writes to one key
type flakyBackend struct {
	*cache.Memory
	failKey string
}

func (f flakyBackend) ZAdd(ctx context.Context, key, member string, score float64) error {
	if key == f.failKey {
		return errors.New("connection refused")
	}
	return f.Memory.ZAdd(ctx, key, member, score)
}

func setupTestEngine(t *testing.T, followers FollowerSource) (*Engine, *cache.Client) {
	t.Helper()
	c := cache.NewClient(cache.NewMemory(), "", ops.Discard())
	cfg := &config.Feeds{FanoutConcurrency: 4, CuratedName: "trending", CuratedFids: []uint64{1}}
	return New(c, followers, cfg, ops.Discard(), nil), c
}

func castOf(t *testing.T, msg *hub.Message) *records.Cast {
	t.Helper()
	rec, ok := decode.Message(msg)
	require.True(t, ok)
	return rec.(*records.Cast)
}

func feedIDs(t *testing.T, c *cache.Client, key string) []string {
	t.Helper()
	items, _, err := c.FeedPage(context.Background(), key, cache.Cursor{}, 100)
	require.NoError(t, err)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestHelloLandsInAuthorFeed(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{})
	hello := castOf(t, hubtest.Cast(1, hubtest.Hash("hello"), "hello", hubtest.Base))

	report := e.OnCastAdd(context.Background(), hello)
	require.NoError(t, report.Err())

	ids := feedIDs(t, c, AuthorKey(1))
	require.NotEmpty(t, ids)
	assert.Equal(t, documents.ContentID(hello.ID()), ids[0])
	assert.Equal(t, []string{documents.ContentID(hello.ID())}, feedIDs(t, c, CuratedKey("trending")))
}

func TestFeedMembershipIsASet(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{followers: map[uint64][]uint64{2: {7, 8}}})
	ctx := context.Background()
	cast := castOf(t, hubtest.Cast(2, hubtest.Hash("x"), "x", hubtest.Base))

	require.NoError(t, e.OnCastAdd(ctx, cast).Err())
	require.NoError(t, e.OnCastAdd(ctx, cast).Err())
	assert.Len(t, feedIDs(t, c, AuthorKey(2)), 1)
	assert.Len(t, feedIDs(t, c, FollowingKey(7)), 1)
	assert.Len(t, feedIDs(t, c, FollowingKey(8)), 1)
	assert.Empty(t, feedIDs(t, c, CuratedKey("trending")), "fid 2 is not curated")

	require.NoError(t, e.OnCastRemove(ctx, cast).Err())
	assert.Empty(t, feedIDs(t, c, AuthorKey(2)))
	assert.Empty(t, feedIDs(t, c, FollowingKey(7)))
	assert.Empty(t, feedIDs(t, c, FollowingKey(8)))
}

func TestReplyBumpsParentCounter(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{})
	ctx := context.Background()

	parent := castOf(t, hubtest.Cast(1, hubtest.Hash("p"), "p", hubtest.Base))
	parentID := documents.ContentID(parent.ID())
	_, err := c.Counter(ctx, parentID, cache.CounterReplies, func(context.Context) (int64, error) { return 4, nil })
	require.NoError(t, err)

	reply := castOf(t, hubtest.Reply(2, hubtest.Hash("r"), "r", 1, parent.Hash, hubtest.Base))
	require.NoError(t, e.OnCastAdd(ctx, reply).Err())

	count, err := c.PeekCounter(ctx, parentID, cache.CounterReplies)
	require.NoError(t, err)
	assert.Equal(t, cache.Count{Value: 5, Known: true}, count)
	assert.Equal(t, []string{documents.ContentID(reply.ID())}, feedIDs(t, c, RepliesKey(2)))

	require.NoError(t, e.OnCastRemove(ctx, reply).Err())
	count, err = c.PeekCounter(ctx, parentID, cache.CounterReplies)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count.Value)
	assert.Empty(t, feedIDs(t, c, RepliesKey(2)))
}

func TestRefeedLeavesCountersToBeDerived(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{})
	ctx := context.Background()

	parent := castOf(t, hubtest.Cast(1, hubtest.Hash("p"), "p", hubtest.Base))
	parentID := documents.ContentID(parent.ID())
	reply := castOf(t, hubtest.Reply(2, hubtest.Hash("r"), "r", 1, parent.Hash, hubtest.Base))

	require.NoError(t, e.OnCastAdd(ctx, reply).Err())
	_, err := c.Counter(ctx, parentID, cache.CounterReplies, func(context.Context) (int64, error) { return 1, nil })
	require.NoError(t, err)

	require.NoError(t, e.Refeed(ctx, reply).Err())
	require.NoError(t, e.Refeed(ctx, reply).Err())
	assert.Equal(t, []string{documents.ContentID(reply.ID())}, feedIDs(t, c, RepliesKey(2)))

	count, err := c.PeekCounter(ctx, parentID, cache.CounterReplies)
	require.NoError(t, err)
	assert.False(t, count.Known, "refeeding never adds to a counter")

	require.NoError(t, e.Unfeed(ctx, reply).Err())
	require.NoError(t, e.Unfeed(ctx, reply).Err())
	assert.Empty(t, feedIDs(t, c, RepliesKey(2)))
	assert.Empty(t, feedIDs(t, c, AuthorKey(2)))
}

func TestUnknownCountersStayUnknown(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{})
	ctx := context.Background()

	quoted := records.CastID{Fid: 9, Hash: hubtest.Hash("quoted")}
	msg := hubtest.Quote(hubtest.Reply(2, hubtest.Hash("r"), "r", 1, hubtest.Hash("p"), hubtest.Base), quoted.Fid, quoted.Hash)
	require.NoError(t, e.OnCastAdd(ctx, castOf(t, msg)).Err())

	replies, err := c.PeekCounter(ctx, documents.ContentID(records.CastID{Fid: 1, Hash: hubtest.Hash("p")}), cache.CounterReplies)
	require.NoError(t, err)
	assert.False(t, replies.Known)

	quotes, err := c.PeekCounter(ctx, documents.ContentID(quoted), cache.CounterQuotes)
	require.NoError(t, err)
	assert.False(t, quotes.Known)
}

func TestChannelFeed(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{})
	url := "https://warpcast.com/~/channel/go"
	cast := castOf(t, hubtest.ChannelCast(3, hubtest.Hash("c"), "go", url, hubtest.Base))

	report := e.OnCastAdd(context.Background(), cast)
	require.NoError(t, report.Err())
	assert.Equal(t, []string{documents.ContentID(cast.ID())}, feedIDs(t, c, ChannelKey(url)))
}

func TestFailuresAreIsolated(t *testing.T) {
	backend := flakyBackend{Memory: cache.NewMemory(), failKey: FollowingKey(8)}
	c := cache.NewClient(backend, "", ops.Discard())
	e := New(c, staticFollowers{followers: map[uint64][]uint64{2: {7, 8, 9}}}, &config.Feeds{FanoutConcurrency: 2}, ops.Discard(), nil)

	cast := castOf(t, hubtest.Cast(2, hubtest.Hash("x"), "x", hubtest.Base))
	report := e.OnCastAdd(context.Background(), cast)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, FeedFollowing, failed[0].Feed)
	assert.Equal(t, FollowingKey(8), failed[0].Target)
	assert.Error(t, report.Err())

	assert.Len(t, feedIDs(t, c, FollowingKey(7)), 1)
	assert.Len(t, feedIDs(t, c, FollowingKey(9)), 1)
	assert.Len(t, feedIDs(t, c, AuthorKey(2)), 1)
}

func TestFollowerLookupFailureStillWritesOtherFeeds(t *testing.T) {
	e, c := setupTestEngine(t, staticFollowers{err: errors.New("db down")})
	cast := castOf(t, hubtest.Cast(2, hubtest.Hash("x"), "x", hubtest.Base))

	report := e.OnCastAdd(context.Background(), cast)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, FeedFollowing, report.Failed()[0].Feed)
	assert.Len(t, feedIDs(t, c, AuthorKey(2)), 1)
}
