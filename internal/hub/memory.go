package hub

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
)

// Memory is an in-process Source holding a fixed message set
type Memory struct {
	mu       sync.RWMutex
	messages []*Message
	failing  map[string]error
	pageSize int
	calls    int
}

// NewMemory creates an empty in-process hub
func NewMemory(pageSize int) *Memory {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Memory{
		failing:  make(map[string]error),
		pageSize: pageSize,
	}
}

// Add appends messages to the hub
func (m *Memory) Add(msgs ...*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msgs...)
}

// Remove drops every message with the given hash
func (m *Memory) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if hexOf(msg.Hash) != hash {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
}

// FailCast makes GetCast for the hash return err
func (m *Memory) FailCast(hash string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[hash] = err
}

// Calls returns how many RPCs were served
func (m *Memory) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *Memory) GetCast(ctx context.Context, fid uint64, hash string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err, ok := m.failing[hash]; ok {
		return nil, err
	}
	for _, msg := range m.messages {
		if msg.Data == nil || msg.Data.Type != MessageTypeCastAdd {
			continue
		}
		if msg.Data.Fid == fid && hexOf(msg.Hash) == hash {
			return msg, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) MessagesByFid(ctx context.Context, fid uint64, kind Kind, pageToken string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var matched []*Message
	for _, msg := range m.messages {
		if msg.Data != nil && msg.Data.Fid == fid && matchesKind(msg.Data, kind) {
			matched = append(matched, msg)
		}
	}

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, ErrUpstream
		}
		start = n
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + m.pageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := &Page{Messages: matched[start:end]}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func matchesKind(data *MessageData, kind Kind) bool {
	switch kind {
	case KindCasts:
		return data.Type == MessageTypeCastAdd
	case KindLikes, KindRecasts:
		if data.Type != MessageTypeReactionAdd || data.ReactionBody == nil {
			return false
		}
		if kind == KindLikes {
			return data.ReactionBody.Type == ReactionTypeLike
		}
		return data.ReactionBody.Type == ReactionTypeRecast
	case KindLinks:
		return data.Type == MessageTypeLinkAdd
	case KindUserData:
		return data.Type == MessageTypeUserDataAdd
	case KindVerifications:
		return data.Type == MessageTypeVerificationAdd
	}
	return false
}

func hexOf(b Bytes) string {
	return "0x" + hex.EncodeToString(b)
}
