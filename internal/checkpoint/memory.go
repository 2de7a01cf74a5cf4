package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenRill/internal/errors"
)

// MemoryStore 以内存方式保存断点位置，主要用于测试与单机运行。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Checkpoint
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Checkpoint)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, sessionID, sourceName, offset string) error {
	if sourceName == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "源名称不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sourceName] = Checkpoint{
		SessionID:  sessionID,
		SourceName: sourceName,
		Offset:     offset,
		UpdatedAt:  time.Now().Unix(),
	}
	return nil
}

// Load 返回指定源最新的断点。
func (m *MemoryStore) Load(_ context.Context, sourceName string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.entries[sourceName]
	if !ok {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return cp, nil
}

// List 返回最近更新的断点。
func (m *MemoryStore) List(_ context.Context, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Checkpoint, 0, len(m.entries))
	for _, cp := range m.entries {
		results = append(results, cp)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].SourceName < results[j].SourceName
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
