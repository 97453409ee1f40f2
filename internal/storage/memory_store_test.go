package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"WalletPilot/internal/limits"

	"github.com/shopspring/decimal"
)

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.SaveUser(ctx, User{Email: "Bob@Example.com", Address: "0xB0B"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	user, err := store.FindUserByEmail(ctx, "bob@example.COM")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.Email != "bob@example.com" || user.Address != "0xB0B" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := store.FindUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := store.SaveUser(ctx, User{Email: "broken", Address: "0x1"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMemoryStoreTransactions(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore("")
	base := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)

	records := []Transaction{
		{Hash: "0x01", From: "0xAAA", To: "0xbbb", Amount: decimal.NewFromInt(10), Token: "eth", CreatedAt: base.Add(-48 * time.Hour)},
		{Hash: "0x02", From: "0xaaa", To: "0xccc", Amount: decimal.NewFromInt(20), Token: "ETH", CreatedAt: base.Add(-time.Hour), IdempotencyKey: "k-2"},
		{Hash: "0x03", From: "0xbbb", To: "0xaaa", Amount: decimal.NewFromInt(5), Token: "ETH", CreatedAt: base},
		{Hash: "0x04", From: "0xaaa", To: "0xccc", Amount: decimal.NewFromInt(7), Token: "ETH", CreatedAt: base.Add(-30 * time.Minute), Status: TxFailed},
	}
	for _, r := range records {
		if err := store.RecordTransaction(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.Hash, err)
		}
	}

	if err := store.RecordTransaction(ctx, records[0]); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate hash error, got %v", err)
	}
	if err := store.RecordTransaction(ctx, Transaction{Hash: "0x99", From: "0xaaa", IdempotencyKey: "k-2", CreatedAt: base}); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}

	history, err := store.ListTransactions(ctx, "0xAAA", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 3 || history[0].Hash != "0x03" || history[1].Hash != "0x04" || history[2].Hash != "0x02" {
		t.Fatalf("unexpected history order %+v", history)
	}
	if history[0].SentBy("0xaaa") || !history[2].SentBy("0xAAA") {
		t.Fatalf("direction detection failed")
	}

	since := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	count, _ := store.CountOutboundSince(ctx, "0xaaa", since)
	sum, _ := store.SumOutboundSince(ctx, "0xaaa", since)
	if count != 1 || !sum.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected window count=%d sum=%s", count, sum)
	}

	if err := store.UpdateTransactionStatus(ctx, "0x02", TxFailed); err != nil {
		t.Fatalf("update: %v", err)
	}
	count, _ = store.CountOutboundSince(ctx, "0xaaa", since)
	if count != 0 {
		t.Fatalf("failed transactions must not count, got %d", count)
	}

	tx, err := store.FindByIdempotencyKey(ctx, "0xAAA", "k-2")
	if err != nil || tx.Hash != "0x02" || tx.Status != TxFailed {
		t.Fatalf("unexpected idempotent lookup %+v err=%v", tx, err)
	}
	if _, err := store.FindByIdempotencyKey(ctx, "0xbbb", "k-2"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("keys of another sender must not match, got %v", err)
	}
	if err := store.RecordTransaction(ctx, Transaction{Hash: "0x05", From: "0xbbb", To: "0xccc", IdempotencyKey: "k-2", CreatedAt: base}); err != nil {
		t.Fatalf("same key from another sender should record: %v", err)
	}
	tx, err = store.FindByIdempotencyKey(ctx, "0xbbb", "k-2")
	if err != nil || tx.Hash != "0x05" {
		t.Fatalf("unexpected lookup for second sender %+v err=%v", tx, err)
	}
	if err := store.UpdateTransactionStatus(ctx, "0xdead", TxConfirmed); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreJournalReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewMemoryStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_ = store.SaveUser(ctx, User{Email: "alice@example.com", Address: "0xa11ce"})
	_ = store.SaveLimits(ctx, limits.Limits{Address: "0xA11CE", MaxPerTx: decimal.NewFromInt(42), Whitelist: []string{"0xbbb"}})
	_ = store.RecordTransaction(ctx, Transaction{Hash: "0xfeed", From: "0xa11ce", To: "0xbbb", Amount: decimal.NewFromInt(1), Token: "ETH"})
	_ = store.UpdateTransactionStatus(ctx, "0xfeed", TxConfirmed)

	reopened, err := NewMemoryStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.FindUserByEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("user lost after replay: %v", err)
	}
	l, err := reopened.GetLimits(ctx, "0xa11ce")
	if err != nil || !l.MaxPerTx.Equal(decimal.NewFromInt(42)) || len(l.Whitelist) != 1 {
		t.Fatalf("limits lost after replay: %+v err=%v", l, err)
	}
	tx, err := reopened.FindTransaction(ctx, "0xFEED")
	if err != nil || tx.Status != TxConfirmed {
		t.Fatalf("transaction lost after replay: %+v err=%v", tx, err)
	}

	if _, err := reopened.GetLimits(ctx, "0xother"); !errors.Is(err, limits.ErrLimitsNotFound) {
		t.Fatalf("expected ErrLimitsNotFound, got %v", err)
	}
}
