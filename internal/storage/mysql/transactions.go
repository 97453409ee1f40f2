package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/storage"

	"github.com/shopspring/decimal"
)

const txColumns = `hash, from_address, to_address, amount, token, status, idempotency_key, created_at, updated_at`

// RecordTransaction 写入一条交易记录，唯一键冲突映射为 storage.ErrDuplicateTransaction。
func (s *Store) RecordTransaction(ctx context.Context, tx storage.Transaction) error {
	status := tx.Status
	if status == "" {
		status = storage.TxSubmitted
	}
	created := tx.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO transactions (`+txColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(strings.TrimSpace(tx.Hash)),
		storage.NormalizeAddress(tx.From),
		storage.NormalizeAddress(tx.To),
		tx.Amount,
		strings.ToUpper(strings.TrimSpace(tx.Token)),
		string(status),
		nullable(strings.TrimSpace(tx.IdempotencyKey)),
		created.UnixMilli(),
		created.UnixMilli(),
	)
	if isDuplicate(err) {
		return storage.ErrDuplicateTransaction
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// UpdateTransactionStatus 更新结算状态。
func (s *Store) UpdateTransactionStatus(ctx context.Context, hash string, status storage.TxStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET status = ?, updated_at = ? WHERE hash = ?`,
		string(status), s.now().UnixMilli(), strings.ToLower(strings.TrimSpace(hash)))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return storage.ErrTransactionNotFound
	}
	return nil
}

// FindTransaction 按哈希查找交易。
func (s *Store) FindTransaction(ctx context.Context, hash string) (*storage.Transaction, error) {
	return s.findOne(ctx, `SELECT `+txColumns+` FROM transactions WHERE hash = ?`, strings.ToLower(strings.TrimSpace(hash)))
}

// FindByIdempotencyKey 按发送方与幂等键查找交易。
func (s *Store) FindByIdempotencyKey(ctx context.Context, from, key string) (*storage.Transaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, storage.ErrTransactionNotFound
	}
	return s.findOne(ctx, `SELECT `+txColumns+` FROM transactions WHERE from_address = ? AND idempotency_key = ?`, storage.NormalizeAddress(from), key)
}

// ListTransactions 返回地址最近的收发记录，按时间倒序。
func (s *Store) ListTransactions(ctx context.Context, address string, limit int) ([]storage.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	address = storage.NormalizeAddress(address)
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions
    WHERE from_address = ? OR to_address = ?
    ORDER BY created_at DESC, id DESC LIMIT ?`, address, address, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易历史失败")
	}
	defer rows.Close()

	var out []storage.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return out, nil
}

// CountOutboundSince 统计窗口内未失败的转出笔数。
func (s *Store) CountOutboundSince(ctx context.Context, address string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions
    WHERE from_address = ? AND status <> ? AND created_at >= ?`,
		storage.NormalizeAddress(address), string(storage.TxFailed), since.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计转出笔数失败")
	}
	return count, nil
}

// SumOutboundSince 汇总窗口内未失败的转出金额。
func (s *Store) SumOutboundSince(ctx context.Context, address string, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.QueryRowContext(ctx, `SELECT SUM(amount) FROM transactions
    WHERE from_address = ? AND status <> ? AND created_at >= ?`,
		storage.NormalizeAddress(address), string(storage.TxFailed), since.UnixMilli()).Scan(&total)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeStorageFailure, err, "汇总转出金额失败")
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (*storage.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTransactionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	return tx, nil
}

func scanTransaction(row scanner) (*storage.Transaction, error) {
	var (
		tx      storage.Transaction
		status  string
		key     sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&tx.Hash, &tx.From, &tx.To, &tx.Amount, &tx.Token, &status, &key, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("扫描交易记录失败: %w", err)
	}
	tx.Status = storage.TxStatus(status)
	tx.IdempotencyKey = key.String
	tx.CreatedAt = fromMillis(created)
	tx.UpdatedAt = fromMillis(updated)
	return &tx, nil
}
