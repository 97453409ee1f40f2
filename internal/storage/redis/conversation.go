package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"WalletPilot/internal/memory"

	goredis "github.com/redis/go-redis/v9"
)

// ConversationStore 以 JSON 形式把会话状态保存在 Redis 中，并设置 TTL。
type ConversationStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewConversationStore 创建 Redis 会话存储，ttl 为 0 时不过期。
func NewConversationStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *ConversationStore {
	return &ConversationStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *ConversationStore) key(key string) string {
	return prefixed(s.prefix, "conversation", key)
}

// Load 读取会话，键不存在时返回 memory.ErrStateNotFound。
func (s *ConversationStore) Load(ctx context.Context, key string) (*memory.State, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, memory.ErrStateNotFound
		}
		return nil, fmt.Errorf("读取 Redis 会话失败: %w", err)
	}
	var state memory.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("解析 Redis 会话失败: %w", err)
	}
	return &state, nil
}

// Store 写入会话并刷新 TTL。
func (s *ConversationStore) Store(ctx context.Context, key string, state *memory.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 会话失败: %w", err)
	}
	return nil
}

// Delete 删除会话。
func (s *ConversationStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("删除 Redis 会话失败: %w", err)
	}
	return nil
}

var _ memory.Store = (*ConversationStore)(nil)
