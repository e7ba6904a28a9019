package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	cfg := &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recordOf(t *testing.T, msg *hub.Message) records.Record {
	t.Helper()
	rec, ok := decode.Message(msg)
	require.True(t, ok, "message should decode")
	return rec
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.Storage
		wantErr bool
	}{
		{
			name: "valid sqlite config",
			cfg: &config.Storage{
				Driver:     "sqlite",
				SQLitePath: filepath.Join(t.TempDir(), "nested", "test.db"),
			},
			wantErr: false,
		},
		{
			name:    "unsupported driver",
			cfg:     &config.Storage{Driver: "lmdb"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if s != nil {
				defer s.Close()
			}
		})
	}
}

func TestMigrationsAreRecorded(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	version, err := s.currentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), version)

	// reopening the same file must not re-run anything
	require.NoError(t, s.runMigrations(ctx))
	version, err = s.currentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), version)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	msg := hubtest.Mention(hubtest.Cast(7, hubtest.Hash("hello"), "hello @bob", hubtest.Base), 9, 6)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Upsert(ctx, recordOf(t, msg)))
	}

	n, err := s.CountActiveByFid(ctx, records.KindCast, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetCast(ctx, 7, hubtest.Hash("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello @bob", got.Text)
	assert.Equal(t, []uint64{9}, got.Mentions)
	assert.Equal(t, []uint32{6}, got.MentionsPositions)
	assert.True(t, got.Timestamp.Equal(hubtest.Base))
	assert.Nil(t, got.DeletedAt)
}

func TestGetMissingCast(t *testing.T) {
	s := setupTestStorage(t)

	_, err := s.GetCast(context.Background(), 1, hubtest.Hash("nope"))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetCastByHash(context.Background(), hubtest.Hash("nope"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRemoveBeforeAdd(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	hash := hubtest.Hash("gone")

	remove := hubtest.RemoveCast(7, hubtest.Hash("rm"), hash, hubtest.Base.Add(time.Minute))
	require.NoError(t, s.Upsert(ctx, recordOf(t, remove)))

	add := hubtest.Cast(7, hash, "too late", hubtest.Base)
	require.NoError(t, s.Upsert(ctx, recordOf(t, add)))

	got, err := s.GetCast(ctx, 7, hash)
	require.NoError(t, err)
	assert.True(t, got.Deleted(), "the earlier add must not undo the removal")

	n, err := s.CountActiveByFid(ctx, records.KindCast, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewerAddRevivesReaction(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	target := hubtest.Hash("target")

	like := hubtest.React(2, hubtest.Hash("like-1"), hub.ReactionTypeLike, 1, target, hubtest.Base)
	require.NoError(t, s.Upsert(ctx, recordOf(t, like)))
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Unreact(like, hubtest.Hash("unlike"), hubtest.Base.Add(time.Minute)))))

	count, err := s.CountReactions(ctx, records.CastID{Fid: 1, Hash: target}, records.ReactionLike)
	require.NoError(t, err)
	assert.Zero(t, count)

	again := hubtest.React(2, hubtest.Hash("like-2"), hub.ReactionTypeLike, 1, target, hubtest.Base.Add(2*time.Minute))
	require.NoError(t, s.Upsert(ctx, recordOf(t, again)))

	count, err = s.CountReactions(ctx, records.CastID{Fid: 1, Hash: target}, records.ReactionLike)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStaleAddDoesNotOverwrite(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	newer := hubtest.UserData(4, hubtest.Hash("ud-new"), hub.UserDataTypeDisplay, "Alice B", hubtest.Base.Add(time.Hour))
	older := hubtest.UserData(4, hubtest.Hash("ud-old"), hub.UserDataTypeDisplay, "Alice", hubtest.Base)
	require.NoError(t, s.Upsert(ctx, recordOf(t, newer)))
	require.NoError(t, s.Upsert(ctx, recordOf(t, older)))

	p, err := s.Profile(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Alice B", p.DisplayName)
}

func TestSoftDelete(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	hash := hubtest.Hash("c")

	err := s.SoftDelete(ctx, records.KindCast, records.CastKey(7, hash), hubtest.Base)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Cast(7, hash, "x", hubtest.Base))))

	first := hubtest.Base.Add(time.Minute)
	require.NoError(t, s.SoftDelete(ctx, records.KindCast, records.CastKey(7, hash), first))
	require.NoError(t, s.SoftDelete(ctx, records.KindCast, records.CastKey(7, hash), first.Add(time.Hour)))

	got, err := s.GetCast(ctx, 7, hash)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, got.DeletedAt.Equal(first), "second delete keeps the first deletion time")

	all, err := s.ListByFid(ctx, records.KindCast, 7)
	require.NoError(t, err)
	assert.Len(t, all, 1, "soft-deleted rows are still listed")
}

func TestBulkInsertSkipsDuplicates(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	a := hubtest.Cast(1, hubtest.Hash("a"), "a", hubtest.Base)
	b := hubtest.Cast(1, hubtest.Hash("b"), "b", hubtest.Base.Add(time.Second))
	c := hubtest.Cast(1, hubtest.Hash("c"), "c", hubtest.Base.Add(2*time.Second))

	n, err := s.BulkInsert(ctx, []records.Record{recordOf(t, a), recordOf(t, b)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.BulkInsert(ctx, []records.Record{recordOf(t, a), recordOf(t, b), recordOf(t, c)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := s.CountActiveByFid(ctx, records.KindCast, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestEngagementCounts(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	rootHash := hubtest.Hash("root")
	root := records.CastID{Fid: 1, Hash: rootHash}

	msgs := []*hub.Message{
		hubtest.Cast(1, rootHash, "root", hubtest.Base),
		hubtest.Reply(2, hubtest.Hash("r1"), "one", 1, rootHash, hubtest.Base.Add(time.Minute)),
		hubtest.Reply(3, hubtest.Hash("r2"), "two", 1, rootHash, hubtest.Base.Add(2*time.Minute)),
		hubtest.Quote(hubtest.Cast(4, hubtest.Hash("q"), "look", hubtest.Base.Add(3*time.Minute)), 1, rootHash),
		hubtest.React(5, hubtest.Hash("l1"), hub.ReactionTypeLike, 1, rootHash, hubtest.Base),
		hubtest.React(6, hubtest.Hash("l2"), hub.ReactionTypeLike, 1, rootHash, hubtest.Base),
		hubtest.React(6, hubtest.Hash("rc"), hub.ReactionTypeRecast, 1, rootHash, hubtest.Base),
	}
	for _, m := range msgs {
		require.NoError(t, s.Upsert(ctx, recordOf(t, m)))
	}

	replies, err := s.CountReplies(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(2), replies)

	quotes, err := s.CountQuotes(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(1), quotes)

	likes, err := s.CountReactions(ctx, root, records.ReactionLike)
	require.NoError(t, err)
	assert.Equal(t, int64(2), likes)

	recasts, err := s.CountReactions(ctx, root, records.ReactionRecast)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recasts)

	// removing the quoting cast drops the quote count
	require.NoError(t, s.SoftDelete(ctx, records.KindCast, records.CastKey(4, hubtest.Hash("q")), hubtest.Base.Add(time.Hour)))
	quotes, err = s.CountQuotes(ctx, root)
	require.NoError(t, err)
	assert.Zero(t, quotes)
}

func TestFollowGraph(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	for _, m := range []*hub.Message{
		hubtest.Follow(2, hubtest.Hash("f2"), 1, hubtest.Base),
		hubtest.Follow(3, hubtest.Hash("f3"), 1, hubtest.Base),
		hubtest.Follow(1, hubtest.Hash("f1"), 3, hubtest.Base),
		hubtest.Unfollow(3, hubtest.Hash("u3"), 1, hubtest.Base.Add(time.Minute)),
	} {
		require.NoError(t, s.Upsert(ctx, recordOf(t, m)))
	}

	followers, err := s.Followers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, followers)

	following, err := s.Following(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, following)

	ok, err := s.IsFollowing(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsFollowing(ctx, 3, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	fids, err := s.KnownFids(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, fids)
}

func TestProfilesAndBatchReads(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	for _, m := range []*hub.Message{
		hubtest.UserData(1, hubtest.Hash("u1"), hub.UserDataTypeUsername, "alice", hubtest.Base),
		hubtest.UserData(1, hubtest.Hash("u2"), hub.UserDataTypeBio, "gm", hubtest.Base),
		hubtest.UserData(2, hubtest.Hash("u3"), hub.UserDataTypeUsername, "bob", hubtest.Base),
		hubtest.Cast(1, hubtest.Hash("a"), "a", hubtest.Base),
		hubtest.Cast(2, hubtest.Hash("b"), "b", hubtest.Base),
	} {
		require.NoError(t, s.Upsert(ctx, recordOf(t, m)))
	}

	profiles, err := s.Profiles(ctx, []uint64{1, 2, 99})
	require.NoError(t, err)
	assert.Equal(t, "alice", profiles[1].Username)
	assert.Equal(t, "gm", profiles[1].Bio)
	assert.Equal(t, "bob", profiles[2].Username)
	assert.Equal(t, uint64(99), profiles[99].Fid)
	assert.Empty(t, profiles[99].Username)

	casts, err := s.GetCasts(ctx, []records.CastID{
		{Fid: 1, Hash: hubtest.Hash("a")},
		{Fid: 2, Hash: hubtest.Hash("b")},
		{Fid: 3, Hash: hubtest.Hash("a")}, // wrong author
	})
	require.NoError(t, err)
	assert.Len(t, casts, 2)
	assert.Contains(t, casts, records.CastKey(1, hubtest.Hash("a")))
}

func TestChannelCastsPaging(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	url := "https://warpcast.com/~/channel/go"

	for i := 0; i < 5; i++ {
		m := hubtest.ChannelCast(1, hubtest.Hash(string(rune('a'+i))), "go", url, hubtest.Base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Upsert(ctx, recordOf(t, m)))
	}
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Cast(1, hubtest.Hash("elsewhere"), "x", hubtest.Base))))

	page, err := s.ChannelCasts(ctx, url, time.Time{}, records.CastID{}, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, hubtest.Hash("e"), page[0].Hash)

	next, err := s.ChannelCasts(ctx, url, page[2].Timestamp, page[2].ID(), 3)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, hubtest.Hash("a"), next[1].Hash)
}

func TestChannelCastsPagingWithTiedTimestamps(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	url := "https://warpcast.com/~/channel/go"

	for fid := uint64(1); fid <= 3; fid++ {
		m := hubtest.ChannelCast(fid, hubtest.Hash("tied"+strconv.FormatUint(fid, 10)), "go", url, hubtest.Base.Add(time.Minute))
		require.NoError(t, s.Upsert(ctx, recordOf(t, m)))
	}
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.ChannelCast(4, hubtest.Hash("older"), "go", url, hubtest.Base))))

	var seen []uint64
	var before time.Time
	var after records.CastID
	for pages := 0; pages < 10; pages++ {
		page, err := s.ChannelCasts(ctx, url, before, after, 2)
		require.NoError(t, err)
		for _, c := range page {
			seen = append(seen, c.Fid)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		before, after = last.Timestamp, last.ID()
	}
	assert.Equal(t, []uint64{3, 2, 1, 4}, seen)
}
