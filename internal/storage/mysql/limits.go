package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/limits"
)

// GetLimits 读取地址的限额配置，未配置时返回 limits.ErrLimitsNotFound。
func (s *Store) GetLimits(ctx context.Context, address string) (*limits.Limits, error) {
	row := s.db.QueryRowContext(ctx, `SELECT address, max_per_tx, max_tx_per_day, max_per_day, max_per_month, whitelist, updated_at
    FROM agent_limits WHERE address = ?`, limits.NormalizeAddress(address))

	var (
		l         limits.Limits
		whitelist sql.NullString
		updated   int64
	)
	err := row.Scan(&l.Address, &l.MaxPerTx, &l.MaxTxPerDay, &l.MaxPerDay, &l.MaxPerMonth, &whitelist, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, limits.ErrLimitsNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询限额失败")
	}
	if whitelist.Valid && whitelist.String != "" {
		if err := json.Unmarshal([]byte(whitelist.String), &l.Whitelist); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析白名单失败")
		}
	}
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}

// SaveLimits 写入或覆盖地址的限额配置。
func (s *Store) SaveLimits(ctx context.Context, l limits.Limits) error {
	var whitelist sql.NullString
	if len(l.Whitelist) > 0 {
		encoded, err := json.Marshal(l.Whitelist)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化白名单失败")
		}
		whitelist = sql.NullString{String: string(encoded), Valid: true}
	}
	updated := l.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_limits
    (address, max_per_tx, max_tx_per_day, max_per_day, max_per_month, whitelist, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE max_per_tx = VALUES(max_per_tx), max_tx_per_day = VALUES(max_tx_per_day),
    max_per_day = VALUES(max_per_day), max_per_month = VALUES(max_per_month),
    whitelist = VALUES(whitelist), updated_at = VALUES(updated_at)`,
		limits.NormalizeAddress(l.Address), l.MaxPerTx, l.MaxTxPerDay, l.MaxPerDay, l.MaxPerMonth, whitelist, updated.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存限额失败")
	}
	return nil
}
