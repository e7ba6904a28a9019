package threads

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func castOf(t *testing.T, msg *hub.Message) *records.Cast {
	t.Helper()
	rec, ok := decode.Message(msg)
	require.True(t, ok)
	return rec.(*records.Cast)
}

// chain builds root <- c1 <- c2 <- ... <- cN on the memory hub and returns the last cast
func chain(t *testing.T, m *hub.Memory, n int, channel string) (*records.Cast, string) {
	t.Helper()
	rootHash := hubtest.Hash("root")
	m.Add(hubtest.ChannelCast(1, rootHash, "root", channel, hubtest.Base))

	parentFid, parentHash := uint64(1), rootHash
	var last *hub.Message
	for i := 1; i <= n; i++ {
		h := hubtest.Hash(fmt.Sprintf("reply-%d", i))
		last = hubtest.Reply(uint64(i+1), h, "re", parentFid, parentHash, hubtest.Base.Add(time.Duration(i)*time.Minute))
		m.Add(last)
		parentFid, parentHash = uint64(i+1), h
	}
	return castOf(t, last), rootHash
}

func TestParentlessResolvesToSelf(t *testing.T) {
	m := hub.NewMemory(0)
	r := NewResolver(m, 0, ops.Discard())

	c := castOf(t, hubtest.Cast(3, hubtest.Hash("hello"), "hello", hubtest.Base))
	root, err := r.ResolveRoot(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, records.Root{Fid: 3, Hash: c.Hash}, root)
	assert.Zero(t, m.Calls(), "parentless casts need no lookups")
}

func TestChannelOnlyIsRoot(t *testing.T) {
	url := "https://warpcast.com/~/channel/go"
	r := NewResolver(hub.NewMemory(0), 0, ops.Discard())

	c := castOf(t, hubtest.ChannelCast(3, hubtest.Hash("c"), "go", url, hubtest.Base))
	root, err := r.ResolveRoot(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, url, root.URL)
	assert.Equal(t, c.Hash, root.Hash)
}

func TestWalksToRoot(t *testing.T) {
	url := "https://warpcast.com/~/channel/go"
	for _, depth := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			m := hub.NewMemory(0)
			leaf, rootHash := chain(t, m, depth, url)

			r := NewResolver(m, 0, ops.Discard())
			root, err := r.ResolveRoot(context.Background(), leaf)
			require.NoError(t, err)
			assert.Equal(t, records.Root{Fid: 1, Hash: rootHash, URL: url}, root)
			assert.Equal(t, depth, m.Calls())
		})
	}
}

func TestStopsAtUpstreamError(t *testing.T) {
	m := hub.NewMemory(0)
	leaf, _ := chain(t, m, 4, "")

	// reply-2 is reachable as a reference but cannot be fetched
	broken := hubtest.Hash("reply-2")
	m.FailCast(broken, fmt.Errorf("%w: timeout", hub.ErrUpstream))

	r := NewResolver(m, 0, ops.Discard())
	root, err := r.ResolveRoot(context.Background(), leaf)
	require.NoError(t, err)
	assert.Equal(t, records.Root{Fid: 3, Hash: broken}, root)
}

func TestMissingParentIsRoot(t *testing.T) {
	m := hub.NewMemory(0)
	parent := hubtest.Hash("never-seen")
	c := castOf(t, hubtest.Reply(4, hubtest.Hash("orphan"), "re", 9, parent, hubtest.Base))

	r := NewResolver(m, 0, ops.Discard())
	root, err := r.ResolveRoot(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, records.Root{Fid: 9, Hash: parent}, root)
}

func TestChainTooDeep(t *testing.T) {
	m := hub.NewMemory(0)
	leaf, _ := chain(t, m, 20, "")

	r := NewResolver(m, 5, ops.Discard())
	root, err := r.ResolveRoot(context.Background(), leaf)
	require.True(t, errors.Is(err, ErrChainTooDeep))
	assert.NotEmpty(t, root.Hash)
	assert.Equal(t, 5, m.Calls())
}

func TestCycleTerminates(t *testing.T) {
	m := hub.NewMemory(0)
	a, b := hubtest.Hash("a"), hubtest.Hash("b")
	m.Add(hubtest.Reply(1, a, "a", 2, b, hubtest.Base))
	m.Add(hubtest.Reply(2, b, "b", 1, a, hubtest.Base))

	c := castOf(t, hubtest.Reply(3, hubtest.Hash("c"), "c", 1, a, hubtest.Base))
	r := NewResolver(m, 8, ops.Discard())
	_, err := r.ResolveRoot(context.Background(), c)
	assert.ErrorIs(t, err, ErrChainTooDeep)
}
