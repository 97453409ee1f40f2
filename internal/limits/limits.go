package limits

import (
	"context"
	"strings"
	"time"

	xerrors "WalletPilot/internal/errors"

	"github.com/shopspring/decimal"
)

// Limits 是单个钱包地址的转账限额配置。
type Limits struct {
	Address     string          `json:"address"`
	MaxPerTx    decimal.Decimal `json:"max_per_tx"`
	MaxTxPerDay int             `json:"max_tx_per_day"`
	MaxPerDay   decimal.Decimal `json:"max_per_day"`
	MaxPerMonth decimal.Decimal `json:"max_per_month"`
	Whitelist   []string        `json:"whitelist"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Defaults 描述首次校验时自动创建的限额。
type Defaults struct {
	MaxPerTx    decimal.Decimal
	MaxTxPerDay int
	MaxPerDay   decimal.Decimal
	MaxPerMonth decimal.Decimal
}

// SystemDefaults 返回系统默认限额：单笔 100，每日 5 笔，每日 1000，每月 10000。
func SystemDefaults() Defaults {
	return Defaults{
		MaxPerTx:    decimal.NewFromInt(100),
		MaxTxPerDay: 5,
		MaxPerDay:   decimal.NewFromInt(1000),
		MaxPerMonth: decimal.NewFromInt(10000),
	}
}

// For 基于默认值为地址生成限额。
func (d Defaults) For(address string) Limits {
	return Limits{
		Address:     NormalizeAddress(address),
		MaxPerTx:    d.MaxPerTx,
		MaxTxPerDay: d.MaxTxPerDay,
		MaxPerDay:   d.MaxPerDay,
		MaxPerMonth: d.MaxPerMonth,
		Whitelist:   []string{},
		UpdatedAt:   time.Now().UTC(),
	}
}

// Patch 描述一次部分更新，nil 字段保持不变。
type Patch struct {
	MaxPerTx    *decimal.Decimal `json:"max_per_tx,omitempty"`
	MaxTxPerDay *int             `json:"max_tx_per_day,omitempty"`
	MaxPerDay   *decimal.Decimal `json:"max_per_day,omitempty"`
	MaxPerMonth *decimal.Decimal `json:"max_per_month,omitempty"`
	Whitelist   *[]string        `json:"whitelist,omitempty"`
}

// Store 负责限额配置的持久化，GetLimits 在记录不存在时返回 ErrLimitsNotFound。
type Store interface {
	GetLimits(ctx context.Context, address string) (*Limits, error)
	SaveLimits(ctx context.Context, limits Limits) error
}

// Ledger 提供限额窗口所需的出账统计，数据来自交易记录表。
type Ledger interface {
	CountOutboundSince(ctx context.Context, address string, since time.Time) (int, error)
	SumOutboundSince(ctx context.Context, address string, since time.Time) (decimal.Decimal, error)
}

const (
	CodeLimitsNotFound xerrors.Code = "LIMITS_NOT_FOUND"
	CodeLimitExceeded  xerrors.Code = "LIMIT_EXCEEDED"
	CodeInvalidLimits  xerrors.Code = "INVALID_LIMITS"
)

var (
	// ErrLimitsNotFound 表示地址尚未创建限额记录。
	ErrLimitsNotFound = xerrors.New(CodeLimitsNotFound, "限额记录不存在")
)

func init() {
	xerrors.Register(CodeLimitsNotFound, xerrors.Attributes{
		Message:    "limits not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeLimitExceeded, xerrors.Attributes{
		Message:    "transfer limit exceeded",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 200,
	})
	xerrors.Register(CodeInvalidLimits, xerrors.Attributes{
		Message:    "invalid limits",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}

// NormalizeAddress 统一地址大小写，限额与白名单均按小写比较。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
