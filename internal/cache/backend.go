// Package cache is the cache-aside layer for profiles, content, counters,
// relations and feeds.
package cache

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Member is one sorted set entry
type Member struct {
	ID    string
	Score float64
}

// Backend is the key-value and sorted-set surface the cache needs
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error

	// IncrIfPresent adds delta to an integer key only when the key exists.
	// It reports the new value and whether the key was present.
	IncrIfPresent(ctx context.Context, key string, delta int64) (int64, bool, error)

	// ZAdd adds member unless it is already in the set
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) error
	// ZRevRangeFrom returns up to limit members with a score at or below
	// max, highest first, after skipping offset of them. Equal scores are
	// ordered by member, descending. A zero max means no upper bound.
	ZRevRangeFrom(ctx context.Context, key string, max float64, offset, limit int) ([]Member, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	Close() error
}

// Memory is an in-process Backend
type Memory struct {
	values *xsync.MapOf[string, []byte]
	zsets  *xsync.MapOf[string, *zset]
}

type zset struct {
	mu      sync.Mutex
	members map[string]float64
}

// NewMemory creates an empty in-process backend
func NewMemory() *Memory {
	return &Memory{
		values: xsync.NewMapOf[string, []byte](),
		zsets:  xsync.NewMapOf[string, *zset](),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.values.Load(key)
	return v, ok, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.values.Store(key, append([]byte(nil), value...))
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		m.values.Delete(k)
		m.zsets.Delete(k)
	}
	return nil
}

func (m *Memory) IncrIfPresent(ctx context.Context, key string, delta int64) (int64, bool, error) {
	var (
		result  int64
		present bool
		bad     error
	)
	m.values.Compute(key, func(old []byte, loaded bool) ([]byte, bool) {
		if !loaded {
			return nil, true
		}
		n, err := strconv.ParseInt(string(old), 10, 64)
		if err != nil {
			bad = err
			return old, false
		}
		result, present = n+delta, true
		return []byte(strconv.FormatInt(result, 10)), false
	})
	return result, present, bad
}

func (m *Memory) set(key string) *zset {
	z, _ := m.zsets.LoadOrCompute(key, func() *zset {
		return &zset{members: make(map[string]float64)}
	})
	return z
}

func (m *Memory) ZAdd(ctx context.Context, key, member string, score float64) error {
	z := m.set(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.members[member]; !ok {
		z.members[member] = score
	}
	return nil
}

func (m *Memory) ZRem(ctx context.Context, key, member string) error {
	z, ok := m.zsets.Load(key)
	if !ok {
		return nil
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.members, member)
	return nil
}

func (m *Memory) ZRevRangeFrom(ctx context.Context, key string, max float64, offset, limit int) ([]Member, error) {
	z, ok := m.zsets.Load(key)
	if !ok {
		return nil, nil
	}
	if max == 0 {
		max = math.Inf(1)
	}

	z.mu.Lock()
	out := make([]Member, 0, len(z.members))
	for id, score := range z.members {
		if score <= max {
			out = append(out, Member{ID: id, Score: score})
		}
	}
	z.mu.Unlock()

	// redis orders equal scores by member, descending for ZREVRANGE
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID > out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	z, ok := m.zsets.Load(key)
	if !ok {
		return 0, false, nil
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	score, ok := z.members[member]
	return score, ok, nil
}

func (m *Memory) Close() error {
	return nil
}
