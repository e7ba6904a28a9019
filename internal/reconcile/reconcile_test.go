package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/feeds"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/sandwichfarm/castfeed/internal/storage"
	"github.com/sandwichfarm/castfeed/internal/threads"
	"github.com/sandwichfarm/castfeed/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	hub    *hub.Memory
	st     *storage.Storage
	writer *storage.Writer
	docs   *documents.Memory
	cache  *cache.Client
	tr     *transform.Transformer
	fanout *feeds.Engine
	engine *Engine
}

func setupTestEngine(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.New(ctx, &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		hub:   hub.NewMemory(2),
		st:    st,
		docs:  documents.NewMemory(),
		cache: cache.NewClient(cache.NewMemory(), "", ops.Discard()),
	}
	resolver := threads.NewResolver(f.hub, 0, ops.Discard())
	f.writer = storage.NewWriter(st, resolver, ops.Discard())
	f.tr = transform.New(f.cache, f.docs, f.hub, st, ops.Discard()).WithRoots(resolver)
	f.fanout = feeds.New(f.cache, st, &config.Feeds{FanoutConcurrency: 2}, ops.Discard(), nil)
	f.engine = New(f.hub, f.writer, f.docs, f.tr, f.fanout, ops.Discard(), ops.NewMetrics())
	return f
}

func recordOf(t *testing.T, msg *hub.Message) records.Record {
	t.Helper()
	rec, ok := decode.Message(msg)
	require.True(t, ok)
	return rec
}

// seed stores msgs in both stores the way live ingestion would
func (f *fixture) seed(t *testing.T, msgs ...*hub.Message) {
	t.Helper()
	ctx := context.Background()
	var recs []records.Record
	for _, msg := range msgs {
		rec := recordOf(t, msg)
		require.NoError(t, f.writer.Upsert(ctx, rec))
		recs = append(recs, rec)
	}
	res, err := f.tr.Transform(ctx, recs)
	require.NoError(t, err)
	require.NoError(t, transform.Store(ctx, f.docs, res))
}

func kindReport(t *testing.T, r *Report, kind records.Kind) KindReport {
	t.Helper()
	for _, k := range r.Kinds {
		if k.Kind == kind {
			return k
		}
	}
	t.Fatalf("no report for %s", kind)
	return KindReport{}
}

func TestReconcileNoDrift(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	msgs := []*hub.Message{
		hubtest.Cast(1, hubtest.Hash("hello"), "hello", hubtest.Base),
		hubtest.React(1, hubtest.Hash("like"), hub.ReactionTypeLike, 2, hubtest.Hash("other"), hubtest.Base),
		hubtest.Follow(1, hubtest.Hash("follow"), 2, hubtest.Base),
	}
	f.hub.Add(msgs...)
	f.seed(t, msgs...)

	report, err := f.engine.ReconcileAccount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, report.Writes)
	assert.Equal(t, 1, kindReport(t, report, records.KindCast).Hub)
	assert.Equal(t, 1, kindReport(t, report, records.KindCastReaction).Hub)
	assert.Equal(t, 0, kindReport(t, report, records.KindURLReaction).Hub)
	assert.Equal(t, 1, kindReport(t, report, records.KindLink).Hub)
}

func TestReconcileBackfillsBothStores(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	stored := hubtest.Cast(1, hubtest.Hash("stored"), "stored", hubtest.Base)
	f.hub.Add(
		stored,
		hubtest.Cast(1, hubtest.Hash("a"), "a", hubtest.Base.Add(time.Minute)),
		hubtest.Cast(1, hubtest.Hash("b"), "b", hubtest.Base.Add(2*time.Minute)),
		hubtest.ReactURL(1, hubtest.Hash("url"), hub.ReactionTypeLike, "https://example.com", hubtest.Base),
	)
	f.seed(t, stored)

	report, err := f.engine.ReconcileAccount(ctx, 1)
	require.NoError(t, err)

	casts := kindReport(t, report, records.KindCast)
	assert.Equal(t, 3, casts.Hub)
	assert.Equal(t, 2, casts.MissingRelational)
	assert.Equal(t, 2, casts.MissingDocument)
	assert.Equal(t, 1, kindReport(t, report, records.KindURLReaction).MissingRelational)
	assert.Equal(t, 6, report.Writes)

	n, err := f.st.CountActiveByFid(ctx, records.KindCast, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := f.docs.ActiveKeys(ctx, 1, records.KindCast)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	ok, err := f.cache.FeedContains(ctx, feeds.AuthorKey(1), documents.ContentID(records.CastID{Fid: 1, Hash: hubtest.Hash("a")}))
	require.NoError(t, err)
	assert.True(t, ok, "repaired casts reach the author feed")

	again, err := f.engine.ReconcileAccount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, again.Writes)
}

func TestReconcileSoftDeletesExtras(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	kept := hubtest.Cast(1, hubtest.Hash("kept"), "kept", hubtest.Base)
	gone := hubtest.Cast(1, hubtest.Hash("gone"), "gone", hubtest.Base.Add(time.Minute))
	f.hub.Add(kept)
	f.seed(t, kept, gone)

	report, err := f.engine.ReconcileAccount(ctx, 1)
	require.NoError(t, err)

	casts := kindReport(t, report, records.KindCast)
	assert.Equal(t, 1, casts.ExtraRelational)
	assert.Equal(t, 1, casts.ExtraDocument)

	got, err := f.st.GetCast(ctx, 1, hubtest.Hash("gone"))
	require.NoError(t, err)
	assert.True(t, got.Deleted(), "extra rows are soft-deleted, never removed")

	content, err := f.docs.GetContent(ctx, []string{documents.ContentID(records.CastID{Fid: 1, Hash: hubtest.Hash("gone")})})
	require.NoError(t, err)
	require.Len(t, content, 1)
	for _, c := range content {
		assert.True(t, c.Deleted())
	}
}

func TestReconcileDocumentRepairKeepsCounters(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	parent := hubtest.Cast(1, hubtest.Hash("parent"), "parent", hubtest.Base)
	reply := hubtest.Reply(2, hubtest.Hash("reply"), "reply", 1, hubtest.Hash("parent"), hubtest.Base.Add(time.Minute))
	f.hub.Add(parent, reply)
	f.seed(t, parent)

	// the live path stored and fed the reply, then lost its documents
	rec := recordOf(t, reply)
	require.NoError(t, f.writer.Upsert(ctx, rec))
	require.NoError(t, f.fanout.OnCastAdd(ctx, rec.(*records.Cast)).Err())

	parentID := documents.ContentID(records.CastID{Fid: 1, Hash: hubtest.Hash("parent")})
	loadReplies := func(context.Context) (int64, error) {
		return f.st.CountReplies(ctx, records.CastID{Fid: 1, Hash: hubtest.Hash("parent")})
	}
	n, err := f.cache.Counter(ctx, parentID, cache.CounterReplies, loadReplies)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	report, err := f.engine.ReconcileAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, kindReport(t, report, records.KindCast).MissingDocument)

	n, err = f.cache.Counter(ctx, parentID, cache.CounterReplies, loadReplies)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a repaired reply is counted once")

	ok, err := f.cache.FeedContains(ctx, feeds.RepliesKey(2), documents.ContentID(rec.(*records.Cast).ID()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcileUnfeedsRelationalOnlyExtras(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	kept := hubtest.Cast(1, hubtest.Hash("kept"), "kept", hubtest.Base)
	gone := hubtest.Cast(1, hubtest.Hash("gone"), "gone", hubtest.Base.Add(time.Minute))
	f.hub.Add(kept)
	f.seed(t, kept)

	rec := recordOf(t, gone)
	require.NoError(t, f.writer.Upsert(ctx, rec))
	require.NoError(t, f.fanout.OnCastAdd(ctx, rec.(*records.Cast)).Err())

	report, err := f.engine.ReconcileAccount(ctx, 1)
	require.NoError(t, err)
	casts := kindReport(t, report, records.KindCast)
	assert.Equal(t, 1, casts.ExtraRelational)
	assert.Zero(t, casts.ExtraDocument)

	ok, err := f.cache.FeedContains(ctx, feeds.AuthorKey(1), documents.ContentID(rec.(*records.Cast).ID()))
	require.NoError(t, err)
	assert.False(t, ok, "a cast only the relational store held leaves its feeds")
}

func TestReconcileRevivesDeletedRows(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	like := hubtest.React(1, hubtest.Hash("like"), hub.ReactionTypeLike, 2, hubtest.Hash("x"), hubtest.Base)
	f.hub.Add(like)
	f.seed(t, like)

	rec := recordOf(t, like)
	require.NoError(t, f.st.SoftDelete(ctx, records.KindCastReaction, rec.Key(), hubtest.Base.Add(time.Hour)))

	report, err := f.engine.ReconcileAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, kindReport(t, report, records.KindCastReaction).MissingRelational)

	n, err := f.st.CountActiveByFid(ctx, records.KindCastReaction, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// stuckDocs accepts writes but never reports live keys
type stuckDocs struct {
	*documents.Memory
}

func (stuckDocs) ActiveKeys(ctx context.Context, fid uint64, kind records.Kind) ([]records.Key, error) {
	return nil, nil
}

func TestReconcileReportsMismatch(t *testing.T) {
	f := setupTestEngine(t)
	ctx := context.Background()

	f.hub.Add(hubtest.Cast(1, hubtest.Hash("hello"), "hello", hubtest.Base))
	engine := New(f.hub, f.writer, stuckDocs{f.docs}, f.tr, nil, ops.Discard(), nil)

	_, err := engine.ReconcileAccount(ctx, 1)
	require.Error(t, err)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, StoreDocument, mismatch.Store)
	assert.Equal(t, records.KindCast, mismatch.Kind)
	assert.Equal(t, 1, mismatch.Expected)
	assert.Equal(t, 0, mismatch.Actual)
}

func TestReconcileHubFailure(t *testing.T) {
	f := setupTestEngine(t)
	engine := New(failingHub{}, f.writer, f.docs, f.tr, nil, ops.Discard(), nil)

	report, err := engine.ReconcileAccount(context.Background(), 1)
	require.Error(t, err)
	assert.Zero(t, report.Writes)
	for _, k := range report.Kinds {
		assert.ErrorIs(t, k.Err, hub.ErrUpstream)
	}
}

type failingHub struct{}

func (failingHub) GetCast(ctx context.Context, fid uint64, hash string) (*hub.Message, error) {
	return nil, hub.ErrUpstream
}

func (failingHub) MessagesByFid(ctx context.Context, fid uint64, kind hub.Kind, pageToken string) (*hub.Page, error) {
	return nil, hub.ErrUpstream
}
