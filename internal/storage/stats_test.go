package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	kept := hubtest.Hash("kept")
	gone := hubtest.Hash("gone")
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Cast(1, kept, "stays", hubtest.Base))))
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Cast(1, gone, "goes", hubtest.Base))))
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.RemoveCast(1, hubtest.Hash("rm"), gone, hubtest.Base.Add(time.Minute)))))
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Follow(1, hubtest.Hash("f"), 2, hubtest.Base))))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(records.AllKinds))

	byKind := map[records.Kind]KindStats{}
	for _, st := range stats {
		byKind[st.Kind] = st
	}
	assert.Equal(t, KindStats{Kind: records.KindCast, Live: 1, Deleted: 1}, byKind[records.KindCast])
	assert.Equal(t, KindStats{Kind: records.KindLink, Live: 1}, byKind[records.KindLink])
	assert.Equal(t, KindStats{Kind: records.KindUserData}, byKind[records.KindUserData])
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)
	require.NoError(t, s.Upsert(ctx, recordOf(t, hubtest.Cast(1, hubtest.Hash("a"), "hello", hubtest.Base))))

	dest := filepath.Join(t.TempDir(), "backups", "castfeed-backup-1.db")
	size, err := s.Backup(ctx, dest)
	require.NoError(t, err)
	assert.Positive(t, size)

	_, err = s.Backup(ctx, dest)
	assert.Error(t, err, "an existing snapshot is never overwritten")

	restored, err := New(ctx, &config.Storage{Driver: "sqlite", SQLitePath: dest})
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.GetCast(ctx, 1, hubtest.Hash("a"))
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
}
