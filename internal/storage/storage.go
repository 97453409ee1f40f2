package storage

import (
	"context"
	"net/http"
	"strings"
	"time"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/limits"

	"github.com/shopspring/decimal"
)

// User 绑定邮箱与钱包地址，用于按邮箱转账时解析收款方。
type User struct {
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TxStatus 表示交易记录的结算状态。
type TxStatus string

const (
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction 是一笔已广播转账的记录，限额窗口与历史查询都基于它。
type Transaction struct {
	Hash           string          `json:"hash"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	Token          string          `json:"token"`
	Status         TxStatus        `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SentBy 判断该交易是否由 address 发出。
func (t Transaction) SentBy(address string) bool {
	return strings.EqualFold(t.From, address)
}

// UserStore 负责联系人（邮箱 ↔ 地址）的读写。
type UserStore interface {
	SaveUser(ctx context.Context, user User) error
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// TransactionStore 是交易记录的追加式日志。
type TransactionStore interface {
	RecordTransaction(ctx context.Context, tx Transaction) error
	UpdateTransactionStatus(ctx context.Context, hash string, status TxStatus) error
	FindTransaction(ctx context.Context, hash string) (*Transaction, error)
	FindByIdempotencyKey(ctx context.Context, from, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, address string, limit int) ([]Transaction, error)
	CountOutboundSince(ctx context.Context, address string, since time.Time) (int, error)
	SumOutboundSince(ctx context.Context, address string, since time.Time) (decimal.Decimal, error)
}

// Store 汇总了编排层依赖的全部持久化能力。
type Store interface {
	UserStore
	TransactionStore
	limits.Store
	Close() error
}

const (
	CodeUserNotFound         xerrors.Code = "USER_NOT_FOUND"
	CodeTransactionNotFound  xerrors.Code = "TRANSACTION_NOT_FOUND"
	CodeDuplicateTransaction xerrors.Code = "DUPLICATE_TRANSACTION"
)

var (
	ErrUserNotFound         = xerrors.New(CodeUserNotFound, "用户不存在")
	ErrTransactionNotFound  = xerrors.New(CodeTransactionNotFound, "交易记录不存在")
	ErrDuplicateTransaction = xerrors.New(CodeDuplicateTransaction, "交易记录已存在")
)

func init() {
	xerrors.Register(CodeUserNotFound, xerrors.Attributes{
		Message:    "user not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:    "transaction not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeDuplicateTransaction, xerrors.Attributes{
		Message:    "duplicate transaction",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
}

// NormalizeEmail 统一邮箱大小写。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeAddress 统一地址大小写，与限额模块保持一致。
func NormalizeAddress(address string) string {
	return limits.NormalizeAddress(address)
}

// ValidateUser 检查联系人字段是否齐全。
func ValidateUser(u User) error {
	if NormalizeEmail(u.Email) == "" || !strings.Contains(u.Email, "@") {
		return xerrors.New(xerrors.CodeInvalidArgument, "邮箱格式不正确")
	}
	if strings.TrimSpace(u.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}
	return nil
}
