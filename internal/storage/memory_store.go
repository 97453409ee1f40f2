package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"WalletPilot/internal/limits"

	"github.com/shopspring/decimal"
)

const journalFile = "walletpilot.log"

// journalEntry 是追加日志中的一行，重启时按顺序回放。
type journalEntry struct {
	Kind        string         `json:"kind"`
	User        *User          `json:"user,omitempty"`
	Limits      *limits.Limits `json:"limits,omitempty"`
	Transaction *Transaction   `json:"transaction,omitempty"`
	Hash        string         `json:"hash,omitempty"`
	Status      TxStatus       `json:"status,omitempty"`
	At          time.Time      `json:"at"`
}

// MemoryStore 在内存中保存数据，并以 JSON 行日志落盘，方便本地开发。
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	users    map[string]User
	limits   map[string]limits.Limits
	txs      []Transaction
	byHash   map[string]int
	byKey    map[string]int
}

// NewMemoryStore 创建内存存储，dataDir 为空时不落盘。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	s := &MemoryStore{
		users:  make(map[string]User),
		limits: make(map[string]limits.Limits),
		byHash: make(map[string]int),
		byKey:  make(map[string]int),
	}
	if strings.TrimSpace(dataDir) == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	s.dataFile = filepath.Join(dataDir, journalFile)
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

// SaveUser 新增或覆盖联系人。
func (s *MemoryStore) SaveUser(_ context.Context, user User) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	user.Email = NormalizeEmail(user.Email)
	user.Address = strings.TrimSpace(user.Address)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendEntry(journalEntry{Kind: "user", User: &user}); err != nil {
		return err
	}
	s.users[user.Email] = user
	return nil
}

// FindUserByEmail 按邮箱查找联系人。
func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[NormalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// ListUsers 返回按邮箱排序的联系人。
func (s *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// GetLimits 实现 limits.Store。
func (s *MemoryStore) GetLimits(_ context.Context, address string) (*limits.Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[NormalizeAddress(address)]
	if !ok {
		return nil, limits.ErrLimitsNotFound
	}
	l.Whitelist = append([]string(nil), l.Whitelist...)
	return &l, nil
}

// SaveLimits 实现 limits.Store。
func (s *MemoryStore) SaveLimits(_ context.Context, l limits.Limits) error {
	l.Address = NormalizeAddress(l.Address)
	l.Whitelist = append([]string(nil), l.Whitelist...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendEntry(journalEntry{Kind: "limits", Limits: &l}); err != nil {
		return err
	}
	s.limits[l.Address] = l
	return nil
}

// RecordTransaction 追加一条交易记录，哈希或幂等键重复时返回 ErrDuplicateTransaction。
func (s *MemoryStore) RecordTransaction(_ context.Context, tx Transaction) error {
	tx = prepareTransaction(tx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[tx.Hash]; ok {
		return ErrDuplicateTransaction
	}
	if tx.IdempotencyKey != "" {
		if _, ok := s.byKey[senderKey(tx.From, tx.IdempotencyKey)]; ok {
			return ErrDuplicateTransaction
		}
	}
	if err := s.appendEntry(journalEntry{Kind: "tx", Transaction: &tx}); err != nil {
		return err
	}
	s.insert(tx)
	return nil
}

// UpdateTransactionStatus 更新结算状态。
func (s *MemoryStore) UpdateTransactionStatus(_ context.Context, hash string, status TxStatus) error {
	hash = strings.ToLower(strings.TrimSpace(hash))
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byHash[hash]
	if !ok {
		return ErrTransactionNotFound
	}
	if err := s.appendEntry(journalEntry{Kind: "tx_status", Hash: hash, Status: status, At: now}); err != nil {
		return err
	}
	s.txs[idx].Status = status
	s.txs[idx].UpdatedAt = now
	return nil
}

// FindTransaction 按哈希查找交易。
func (s *MemoryStore) FindTransaction(_ context.Context, hash string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byHash[strings.ToLower(strings.TrimSpace(hash))]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	tx := s.txs[idx]
	return &tx, nil
}

// FindByIdempotencyKey 按发送方与幂等键查找交易，不同发送方的同名键互不影响。
func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, from, key string) (*Transaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrTransactionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byKey[senderKey(NormalizeAddress(from), key)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	tx := s.txs[idx]
	return &tx, nil
}

// ListTransactions 返回与地址相关（发出或收到）的最近交易，按时间倒序。
func (s *MemoryStore) ListTransactions(_ context.Context, address string, limit int) ([]Transaction, error) {
	address = NormalizeAddress(address)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.From == address || tx.To == address {
			out = append(out, tx)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// CountOutboundSince 实现 limits.Ledger，失败的交易不计入。
func (s *MemoryStore) CountOutboundSince(_ context.Context, address string, since time.Time) (int, error) {
	address = NormalizeAddress(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tx := range s.txs {
		if tx.From == address && tx.Status != TxFailed && !tx.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// SumOutboundSince 实现 limits.Ledger，失败的交易不计入。
func (s *MemoryStore) SumOutboundSince(_ context.Context, address string, since time.Time) (decimal.Decimal, error) {
	address = NormalizeAddress(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range s.txs {
		if tx.From == address && tx.Status != TxFailed && !tx.CreatedAt.Before(since) {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

// insert 假定已持有写锁。交易按 CreatedAt 保持有序。
func (s *MemoryStore) insert(tx Transaction) {
	pos := sort.Search(len(s.txs), func(i int) bool { return s.txs[i].CreatedAt.After(tx.CreatedAt) })
	s.txs = append(s.txs, Transaction{})
	copy(s.txs[pos+1:], s.txs[pos:])
	s.txs[pos] = tx
	s.reindex()
}

func (s *MemoryStore) reindex() {
	s.byHash = make(map[string]int, len(s.txs))
	s.byKey = make(map[string]int, len(s.txs))
	for i, tx := range s.txs {
		s.byHash[tx.Hash] = i
		if tx.IdempotencyKey != "" {
			s.byKey[senderKey(tx.From, tx.IdempotencyKey)] = i
		}
	}
}

// senderKey 组合发送方地址与幂等键。
func senderKey(from, key string) string {
	return from + "|" + key
}

func (s *MemoryStore) appendEntry(entry journalEntry) error {
	if s.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(s.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开数据日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化数据日志失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入数据日志失败: %w", err)
	}
	return nil
}

func (s *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(s.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取数据日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry.Kind {
		case "user":
			if entry.User != nil {
				s.users[entry.User.Email] = *entry.User
			}
		case "limits":
			if entry.Limits != nil {
				s.limits[entry.Limits.Address] = *entry.Limits
			}
		case "tx":
			if entry.Transaction != nil {
				s.txs = append(s.txs, *entry.Transaction)
			}
		case "tx_status":
			for i := range s.txs {
				if s.txs[i].Hash == entry.Hash {
					s.txs[i].Status = entry.Status
					s.txs[i].UpdatedAt = entry.At
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析数据日志失败: %w", err)
	}
	sort.SliceStable(s.txs, func(i, j int) bool { return s.txs[i].CreatedAt.Before(s.txs[j].CreatedAt) })
	s.reindex()
	return nil
}

func prepareTransaction(tx Transaction) Transaction {
	tx.Hash = strings.ToLower(strings.TrimSpace(tx.Hash))
	tx.From = NormalizeAddress(tx.From)
	tx.To = NormalizeAddress(tx.To)
	tx.Token = strings.ToUpper(strings.TrimSpace(tx.Token))
	tx.IdempotencyKey = strings.TrimSpace(tx.IdempotencyKey)
	if tx.Status == "" {
		tx.Status = TxSubmitted
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	return tx
}
