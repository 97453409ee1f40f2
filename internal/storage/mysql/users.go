package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/storage"
)

const userColumns = `email, address, name, created_at`

// SaveUser 按邮箱新增或更新联系人。
func (s *Store) SaveUser(ctx context.Context, user storage.User) error {
	if err := storage.ValidateUser(user); err != nil {
		return err
	}
	created := user.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
    VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE address = VALUES(address), name = VALUES(name)`,
		storage.NormalizeEmail(user.Email), strings.TrimSpace(user.Address), user.Name, created.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存用户失败")
	}
	return nil
}

// FindUserByEmail 按邮箱查找联系人。
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, storage.NormalizeEmail(email))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}
	return user, nil
}

// ListUsers 返回全部联系人。
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户列表失败")
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用户失败")
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用户失败")
	}
	return users, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var (
		user    storage.User
		created int64
	)
	if err := row.Scan(&user.Email, &user.Address, &user.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("扫描用户记录失败: %w", err)
	}
	user.CreatedAt = fromMillis(created)
	return &user, nil
}
