package memory

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	state     *State
	expiresAt time.Time
}

// MemoryStore 使用进程内 map 保存会话，ttl 为 0 时永不过期。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore 创建进程内会话存储。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: make(map[string]entry), ttl: ttl, now: time.Now}
}

// Load 读取会话。
func (s *MemoryStore) Load(_ context.Context, key string) (*State, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStateNotFound
	}
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, ErrStateNotFound
	}
	return item.state.Clone(), nil
}

// Store 保存会话并刷新过期时间。
func (s *MemoryStore) Store(_ context.Context, key string, state *State) error {
	item := entry{state: state.Clone()}
	if s.ttl > 0 {
		item.expiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

// Delete 删除会话。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
