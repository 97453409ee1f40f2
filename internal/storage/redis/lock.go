package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"WalletPilot/pkg/logger"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLockTimeout 表示在等待时间内未能获得锁。
var ErrLockTimeout = errors.New("获取分布式锁超时")

// releaseScript 只在令牌匹配时删除锁，避免误删其他持有者的锁。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 实现按地址互斥的分布式锁。
type Locker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
}

// NewLocker 创建分布式锁，ttl 是锁的最长持有时间。
func NewLocker(client goredis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, retry: 50 * time.Millisecond, wait: ttl}
}

// Lock 阻塞直到获得锁或超时，返回的函数用于释放锁。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := prefixed(l.prefix, "lock", key)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("获取 Redis 锁失败: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			logger.L().Warn("释放 Redis 锁失败", slog.Any("error", err), slog.String("key", redisKey))
		}
	}, nil
}
