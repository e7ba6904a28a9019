package transform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/sandwichfarm/castfeed/internal/threads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProfiles struct {
	profiles map[uint64]records.Profile
	calls    int
}

func (f *fakeProfiles) Profiles(ctx context.Context, fids []uint64) (map[uint64]records.Profile, error) {
	f.calls++
	out := make(map[uint64]records.Profile)
	for _, fid := range fids {
		if p, ok := f.profiles[fid]; ok {
			out[fid] = p
		}
	}
	return out, nil
}

type fixture struct {
	hub      *hub.Memory
	docs     *documents.Memory
	cache    *cache.Client
	profiles *fakeProfiles
	tr       *Transformer
}

func setupTestTransformer(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hub:   hub.NewMemory(0),
		docs:  documents.NewMemory(),
		cache: cache.NewClient(cache.NewMemory(), "test:", ops.Discard()),
		profiles: &fakeProfiles{profiles: map[uint64]records.Profile{
			1: {Fid: 1, Username: "alice"},
			2: {Fid: 2, Username: "bob"},
			3: {Fid: 3, Username: "carol"},
		}},
	}
	f.tr = New(f.cache, f.docs, f.hub, f.profiles, ops.Discard()).WithRoots(threads.NewResolver(f.hub, 0, ops.Discard()))
	return f
}

func castOf(t *testing.T, msg *hub.Message) *records.Cast {
	t.Helper()
	rec, ok := decode.Message(msg)
	require.True(t, ok)
	return rec.(*records.Cast)
}

// thread puts great <- grand <- parent on the hub and returns a reply to parent
func thread(t *testing.T, f *fixture) *records.Cast {
	t.Helper()
	f.hub.Add(
		hubtest.Cast(1, hubtest.Hash("great"), "great", hubtest.Base),
		hubtest.Reply(2, hubtest.Hash("grand"), "grand", 1, hubtest.Hash("great"), hubtest.Base.Add(time.Minute)),
		hubtest.Reply(3, hubtest.Hash("parent"), "parent", 2, hubtest.Hash("grand"), hubtest.Base.Add(2*time.Minute)),
	)
	return castOf(t, hubtest.Reply(1, hubtest.Hash("reply"), "reply", 3, hubtest.Hash("parent"), hubtest.Base.Add(3*time.Minute)))
}

func TestTransformEmbedsTwoLevels(t *testing.T) {
	f := setupTestTransformer(t)
	reply := thread(t, f)

	res, err := f.tr.Transform(context.Background(), []records.Record{reply})
	require.NoError(t, err)

	require.Len(t, res.Content, 1)
	doc := res.Content[0]
	assert.Equal(t, "alice", doc.Author.Username)
	require.NotNil(t, doc.Parent)
	assert.Equal(t, "parent", doc.Parent.Text)
	assert.Equal(t, "carol", doc.Parent.Author.Username)
	require.NotNil(t, doc.Parent.Parent)
	assert.Equal(t, "grand", doc.Parent.Parent.Text)
	assert.Nil(t, doc.Parent.Parent.Parent, "content nests two levels at most")

	assert.Len(t, res.NewContent, 3, "reply, parent and grandparent are new")
	assert.Equal(t, 3, f.hub.Calls(), "two ancestors are fetched and one walked for the grandparent's root")
	for _, doc := range res.NewContent {
		assert.Equal(t, documents.ContentID(records.CastID{Fid: 1, Hash: hubtest.Hash("great")}), doc.RootID)
	}

	require.Len(t, res.Events, 1)
	assert.Equal(t, reply.Hash, res.Events[0].ID)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, documents.ActionReply, res.Actions[0].Type)
	assert.Equal(t, uint64(3), res.Actions[0].TargetFid)
}

func TestTransformIsIdempotent(t *testing.T) {
	f := setupTestTransformer(t)
	reply := thread(t, f)
	ctx := context.Background()

	first, err := f.tr.Transform(ctx, []records.Record{reply})
	require.NoError(t, err)
	require.NoError(t, Store(ctx, f.docs, first))
	calls := f.hub.Calls()

	second, err := f.tr.Transform(ctx, []records.Record{reply})
	require.NoError(t, err)
	assert.Empty(t, second.NewContent, "known content is not rebuilt")
	require.Len(t, second.Content, 1)
	assert.Equal(t, first.Content[0].ID, second.Content[0].ID)
	assert.Equal(t, calls, f.hub.Calls())
	assert.Equal(t, first.Events, second.Events)
}

func TestTransformPrefersDocumentStore(t *testing.T) {
	f := setupTestTransformer(t)
	ctx := context.Background()

	parentID := documents.ContentID(records.CastID{Fid: 3, Hash: hubtest.Hash("parent")})
	require.NoError(t, f.docs.InsertContent(ctx, []*documents.Content{{ID: parentID, Fid: 3, Text: "stored parent", RootID: parentID}}))

	reply := castOf(t, hubtest.Reply(1, hubtest.Hash("reply"), "reply", 3, hubtest.Hash("parent"), hubtest.Base))
	res, err := f.tr.Transform(ctx, []records.Record{reply})
	require.NoError(t, err)

	require.NotNil(t, res.Content[0].Parent)
	assert.Equal(t, "stored parent", res.Content[0].Parent.Text)
	assert.Zero(t, f.hub.Calls())
	assert.Len(t, res.NewContent, 1)
}

func TestTransformStoresAncestorsWithRoots(t *testing.T) {
	f := setupTestTransformer(t)
	ctx := context.Background()
	a := records.CastID{Fid: 1, Hash: hubtest.Hash("a")}
	b := records.CastID{Fid: 2, Hash: hubtest.Hash("b")}
	f.hub.Add(
		hubtest.Cast(a.Fid, a.Hash, "a", hubtest.Base),
		hubtest.Reply(b.Fid, b.Hash, "b", a.Fid, a.Hash, hubtest.Base.Add(time.Minute)),
	)

	c := castOf(t, hubtest.Reply(3, hubtest.Hash("c"), "c", b.Fid, b.Hash, hubtest.Base.Add(2*time.Minute)))
	res, err := f.tr.Transform(ctx, []records.Record{c})
	require.NoError(t, err)
	require.NoError(t, Store(ctx, f.docs, res))
	assert.Equal(t, documents.ContentID(a), res.Content[0].RootID)

	stored, err := f.docs.GetContent(ctx, []string{documents.ContentID(b)})
	require.NoError(t, err)
	require.Contains(t, stored, documents.ContentID(b))
	assert.Equal(t, documents.ContentID(a), stored[documents.ContentID(b)].RootID)

	// ingesting the ancestor later finds the stored document as is
	later, err := f.tr.Transform(ctx, []records.Record{castOf(t, hubtest.Reply(b.Fid, b.Hash, "b", a.Fid, a.Hash, hubtest.Base.Add(time.Minute)))})
	require.NoError(t, err)
	assert.Empty(t, later.NewContent)
	require.Len(t, later.Content, 1)
	assert.Equal(t, documents.ContentID(a), later.Content[0].RootID)
}

func TestTransformWithoutResolverEmbedsRootlessAncestors(t *testing.T) {
	f := setupTestTransformer(t)
	ctx := context.Background()
	tr := New(f.cache, f.docs, f.hub, f.profiles, ops.Discard())
	b := records.CastID{Fid: 2, Hash: hubtest.Hash("b")}
	f.hub.Add(hubtest.Reply(b.Fid, b.Hash, "b", 1, hubtest.Hash("a"), hubtest.Base))
	f.hub.FailCast(hubtest.Hash("a"), errors.New("connection reset"))

	c := castOf(t, hubtest.Reply(3, hubtest.Hash("c"), "c", b.Fid, b.Hash, hubtest.Base.Add(time.Minute)))
	c.SetRoot(records.Root{Fid: 1, Hash: hubtest.Hash("a")})

	res, err := tr.Transform(ctx, []records.Record{c})
	require.NoError(t, err)
	require.Len(t, res.NewContent, 1, "the ancestor has no root and is not stored")
	assert.Equal(t, documents.ContentID(c.ID()), res.NewContent[0].ID)
	require.NotNil(t, res.Content[0].Parent)
	assert.Equal(t, "b", res.Content[0].Parent.Text)
}

func TestTransformSurvivesUnreachableParent(t *testing.T) {
	f := setupTestTransformer(t)
	f.hub.FailCast(hubtest.Hash("parent"), errors.New("connection reset"))

	reply := castOf(t, hubtest.Reply(1, hubtest.Hash("reply"), "reply", 3, hubtest.Hash("parent"), hubtest.Base))
	res, err := f.tr.Transform(context.Background(), []records.Record{reply})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Nil(t, res.Content[0].Parent)
	assert.Equal(t, res.Content[0].ParentID, documents.ContentID(records.CastID{Fid: 3, Hash: hubtest.Hash("parent")}))
}

func TestTransformResolvesQuotesAndMentions(t *testing.T) {
	f := setupTestTransformer(t)
	f.hub.Add(hubtest.Cast(2, hubtest.Hash("quoted"), "quoted", hubtest.Base))

	msg := hubtest.Quote(hubtest.Mention(hubtest.Cast(1, hubtest.Hash("q"), "look  here", hubtest.Base), 3, 5), 2, hubtest.Hash("quoted"))
	res, err := f.tr.Transform(context.Background(), []records.Record{castOf(t, msg)})
	require.NoError(t, err)

	doc := res.Content[0]
	require.Len(t, doc.Mentions, 1)
	assert.Equal(t, "carol", doc.Mentions[0].Username)
	assert.Equal(t, []uint32{5}, doc.MentionsPositions)
	require.Len(t, doc.Embeds, 1)
	require.NotNil(t, doc.Embeds[0].Cast)
	assert.Equal(t, "quoted", doc.Embeds[0].Cast.Text)
	assert.Len(t, res.Actions, 2, "a post plus a back-reference to the quoted cast")
}

func TestTransformActionsPerKind(t *testing.T) {
	f := setupTestTransformer(t)

	like := hubtest.React(1, hubtest.Hash("like"), hub.ReactionTypeLike, 2, hubtest.Hash("c"), hubtest.Base)
	recast := hubtest.React(1, hubtest.Hash("rc"), hub.ReactionTypeRecast, 2, hubtest.Hash("c"), hubtest.Base)
	follow := hubtest.Follow(1, hubtest.Hash("f"), 2, hubtest.Base)
	bio := hubtest.UserData(1, hubtest.Hash("u"), hub.UserDataTypeBio, "gm", hubtest.Base)
	verify := hubtest.Verify(1, hubtest.Hash("v"), "0x00000000000000000000000000000000000000aa", hubtest.Base)
	unfollow := hubtest.Unfollow(1, hubtest.Hash("uf"), 2, hubtest.Base.Add(time.Minute))

	var recs []records.Record
	for _, m := range []*hub.Message{like, recast, follow, bio, verify, unfollow} {
		rec, ok := decode.Message(m)
		require.True(t, ok)
		recs = append(recs, rec)
	}

	res, err := f.tr.Transform(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, res.Events, 5, "removals produce no events")

	var types []documents.ActionType
	for _, a := range res.Actions {
		types = append(types, a.Type)
	}
	assert.Equal(t, []documents.ActionType{
		documents.ActionReaction,
		documents.ActionRecast,
		documents.ActionFollow,
		documents.ActionProfileUpdate,
		documents.ActionAddressLink,
	}, types)
	assert.Empty(t, res.Content)
	assert.Zero(t, f.profiles.calls)
}

func TestStoreWritesResult(t *testing.T) {
	f := setupTestTransformer(t)
	ctx := context.Background()
	reply := thread(t, f)

	res, err := f.tr.Transform(ctx, []records.Record{reply})
	require.NoError(t, err)
	require.NoError(t, Store(ctx, f.docs, res))

	keys, err := f.docs.ActiveKeys(ctx, 1, records.KindCast)
	require.NoError(t, err)
	assert.Equal(t, []records.Key{reply.Key()}, keys)

	stored, err := f.docs.GetContent(ctx, []string{documents.ContentID(reply.ID())})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
