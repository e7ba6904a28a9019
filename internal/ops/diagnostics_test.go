package ops

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorageSource struct {
	counts []KindCount
	err    error
}

func (f fakeStorageSource) Driver() string { return "sqlite" }

func (f fakeStorageSource) KindCounts(ctx context.Context) ([]KindCount, error) {
	return f.counts, f.err
}

type fakeQueueSource struct{}

func (fakeQueueSource) Depth(ctx context.Context) (int64, int64, error) { return 12, 2, nil }

func TestCollectAll(t *testing.T) {
	st := fakeStorageSource{counts: []KindCount{
		{Kind: "cast", Live: 10, Deleted: 2},
		{Kind: "link", Live: 5},
	}}
	d := NewDiagnosticsCollector("v1.0.0", "abc123", st, fakeQueueSource{})

	diag, err := d.CollectAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v1.0.0", diag.System.Version)
	assert.Equal(t, int64(15), diag.Storage.TotalLive)
	assert.Equal(t, int64(2), diag.Storage.TotalDeleted)
	require.NotNil(t, diag.Queue)
	assert.Equal(t, QueueStats{Pending: 12, DeadLetters: 2}, *diag.Queue)

	text := diag.FormatAsText()
	assert.Contains(t, text, "Version: v1.0.0 (abc123)")
	assert.Contains(t, text, "Records: 15 live, 2 deleted")
	assert.Contains(t, text, "Dead Letters: 2")
}

func TestCollectWithoutQueue(t *testing.T) {
	d := NewDiagnosticsCollector("dev", "unknown", fakeStorageSource{}, nil)

	diag, err := d.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, diag.Queue)
	assert.Contains(t, diag.FormatAsText(), "Not configured")
}

func TestCollectStorageError(t *testing.T) {
	boom := errors.New("locked")
	d := NewDiagnosticsCollector("dev", "unknown", fakeStorageSource{err: boom}, nil)

	_, err := d.CollectAll(context.Background())
	assert.ErrorIs(t, err, boom)
}
