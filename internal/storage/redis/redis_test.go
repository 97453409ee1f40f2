package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"WalletPilot/internal/memory"
)

func TestPrefixedKeys(t *testing.T) {
	if got := prefixed("", "lock", "0xabc"); got != "walletpilot:lock:0xabc" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := prefixed("wp-test", "conversation", "u1"); got != "wp-test:conversation:u1" {
		t.Fatalf("unexpected key %s", got)
	}
}

// 以下测试需要真实的 Redis，通过 WALLETPILOT_TEST_REDIS 指定地址。
func dialTestRedis(t *testing.T) Config {
	t.Helper()
	addr := os.Getenv("WALLETPILOT_TEST_REDIS")
	if addr == "" {
		t.Skip("WALLETPILOT_TEST_REDIS not set")
	}
	return Config{Address: addr, Prefix: "wp-test-" + time.Now().Format("150405.000")}
}

func TestConversationStoreRoundTrip(t *testing.T) {
	cfg := dialTestRedis(t)
	ctx := context.Background()
	client, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	mem := memory.New(NewConversationStore(client, cfg.Prefix, time.Minute))
	state, err := mem.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	state.Append(memory.RoleUser, "hello")
	if err := mem.Save(ctx, "u1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := mem.Get(ctx, "u1")
	if err != nil || len(got.Messages) != 2 {
		t.Fatalf("unexpected state %+v err=%v", got, err)
	}
	if err := mem.Clear(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
}

func TestLockerSerializes(t *testing.T) {
	cfg := dialTestRedis(t)
	ctx := context.Background()
	client, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	locker := NewLocker(client, cfg.Prefix, 5*time.Second)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "0xabc")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("lock allowed %d concurrent holders", maxInside.Load())
	}
}
