package documents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sandwichfarm/castfeed/internal/records"
)

// Memory is an in-process Store
type Memory struct {
	mu      sync.RWMutex
	events  map[string]*Event
	actions map[string]*Action
	content map[string]*Content
}

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{
		events:  make(map[string]*Event),
		actions: make(map[string]*Action),
		content: make(map[string]*Content),
	}
}

func (m *Memory) InsertEvents(ctx context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if _, ok := m.events[e.ID]; !ok {
			cp := *e
			m.events[e.ID] = &cp
		}
	}
	return nil
}

func (m *Memory) InsertActions(ctx context.Context, actions []*Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range actions {
		if _, ok := m.actions[a.ID]; !ok {
			cp := *a
			m.actions[a.ID] = &cp
		}
	}
	return nil
}

func (m *Memory) InsertContent(ctx context.Context, content []*Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range content {
		if _, ok := m.content[c.ID]; !ok {
			cp := *c
			m.content[c.ID] = &cp
		}
	}
	return nil
}

func (m *Memory) GetContent(ctx context.Context, ids []string) (map[string]*Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Content, len(ids))
	for _, id := range ids {
		if c, ok := m.content[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *Memory) SoftDeleteKey(ctx context.Context, kind records.Kind, key records.Key, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at = at.UTC()
	deleted := make(map[string]bool)
	for id, e := range m.events {
		if e.Kind == kind && e.Key == key && e.DeletedAt == nil {
			e.DeletedAt = &at
			deleted[id] = true
		}
	}
	for _, a := range m.actions {
		if deleted[a.EventID] && a.DeletedAt == nil {
			a.DeletedAt = &at
		}
	}
	if kind == records.KindCast {
		if c, ok := m.content[string(key)]; ok && c.DeletedAt == nil {
			c.DeletedAt = &at
		}
	}
	return len(deleted), nil
}

func (m *Memory) ListEvents(ctx context.Context, fid uint64, kind records.Kind) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.Fid == fid && e.Kind == kind {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *Memory) ListActions(ctx context.Context, fid uint64) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Action
	for _, a := range m.actions {
		if a.Fid == fid {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveKeys(ctx context.Context, fid uint64, kind records.Kind) ([]records.Key, error) {
	events, err := m.ListEvents(ctx, fid, kind)
	if err != nil {
		return nil, err
	}
	return activeKeys(events), nil
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}

func activeKeys(events []*Event) []records.Key {
	seen := make(map[records.Key]bool)
	var keys []records.Key
	for _, e := range events {
		if e.DeletedAt == nil && !seen[e.Key] {
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
