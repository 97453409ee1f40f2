package limits

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/pkg/logger"

	"github.com/shopspring/decimal"
)

// FailMode 决定统计查询失败时放行还是拒绝。
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode 解析配置中的失败策略，未知值按 open 处理。
func ParseFailMode(raw string) FailMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(FailClosed)) {
		return FailClosed
	}
	return FailOpen
}

// ReasonCode 标识拒绝或放行的原因。
type ReasonCode string

const (
	ReasonNone        ReasonCode = ""
	ReasonPerTx       ReasonCode = "per_tx"
	ReasonWhitelist   ReasonCode = "whitelist"
	ReasonDayCount    ReasonCode = "day_count"
	ReasonDayAmount   ReasonCode = "day_amount"
	ReasonMonthAmount ReasonCode = "month_amount"
	ReasonUnverified  ReasonCode = "unverified"
)

// UnverifiedReason 是统计查询失败时的说明。
const UnverifiedReason = "limits could not be verified"

// Verdict 是一次限额校验的结论。
type Verdict struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason,omitempty"`
	Code       ReasonCode `json:"code,omitempty"`
	Limit      string     `json:"limit,omitempty"`
	Unverified bool       `json:"unverified,omitempty"`
}

// Guard 按单笔、白名单、日笔数、日金额、月金额的顺序校验转账。
type Guard struct {
	store    Store
	ledger   Ledger
	mode     FailMode
	defaults Defaults
	now      func() time.Time
}

// Option 定义 Guard 的可选配置。
type Option func(*Guard)

// WithFailMode 设置统计查询失败时的策略。
func WithFailMode(mode FailMode) Option {
	return func(g *Guard) {
		if mode == FailOpen || mode == FailClosed {
			g.mode = mode
		}
	}
}

// WithDefaults 覆盖系统默认限额。
func WithDefaults(d Defaults) Option {
	return func(g *Guard) {
		g.defaults = d
	}
}

// WithClock 注入时钟，便于测试日/月窗口。
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard 创建限额守卫。
func NewGuard(store Store, ledger Ledger, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		ledger:   ledger,
		mode:     FailOpen,
		defaults: SystemDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Mode 返回当前失败策略。
func (g *Guard) Mode() FailMode { return g.mode }

// Get 返回地址的限额，不存在时按默认值创建。
func (g *Guard) Get(ctx context.Context, address string) (Limits, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return Limits{}, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	if g.store == nil {
		return g.defaults.For(address), nil
	}
	current, err := g.store.GetLimits(ctx, address)
	if err == nil && current != nil {
		return *current, nil
	}
	if err != nil && !stdErrors.Is(err, ErrLimitsNotFound) {
		return Limits{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取限额失败")
	}
	created := g.defaults.For(address)
	if err := g.store.SaveLimits(ctx, created); err != nil {
		logger.L().Warn("创建默认限额失败", slog.Any("error", err), slog.String("address", address))
	}
	return created, nil
}

// Update 部分更新限额。
func (g *Guard) Update(ctx context.Context, address string, patch Patch) (Limits, error) {
	current, err := g.Get(ctx, address)
	if err != nil {
		return Limits{}, err
	}
	if patch.MaxPerTx != nil {
		current.MaxPerTx = *patch.MaxPerTx
	}
	if patch.MaxTxPerDay != nil {
		current.MaxTxPerDay = *patch.MaxTxPerDay
	}
	if patch.MaxPerDay != nil {
		current.MaxPerDay = *patch.MaxPerDay
	}
	if patch.MaxPerMonth != nil {
		current.MaxPerMonth = *patch.MaxPerMonth
	}
	if patch.Whitelist != nil {
		current.Whitelist = normalizeWhitelist(*patch.Whitelist)
	}
	if err := validate(current); err != nil {
		return Limits{}, err
	}
	current.UpdatedAt = g.now().UTC()
	if err := g.save(ctx, current); err != nil {
		return Limits{}, err
	}
	logger.Audit().Info("限额已更新",
		slog.String("address", current.Address),
		slog.String("max_per_tx", current.MaxPerTx.String()),
		slog.Int("max_tx_per_day", current.MaxTxPerDay),
		slog.String("max_per_day", current.MaxPerDay.String()),
		slog.String("max_per_month", current.MaxPerMonth.String()),
		slog.Int("whitelist_size", len(current.Whitelist)),
	)
	return current, nil
}

// Reset 将限额恢复为默认值，记录不会被删除。
func (g *Guard) Reset(ctx context.Context, address string) (Limits, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return Limits{}, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	reset := g.defaults.For(address)
	reset.UpdatedAt = g.now().UTC()
	if err := g.save(ctx, reset); err != nil {
		return Limits{}, err
	}
	logger.Audit().Info("限额已重置", slog.String("address", address))
	return reset, nil
}

func (g *Guard) save(ctx context.Context, l Limits) error {
	if g.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置限额存储")
	}
	if err := g.store.SaveLimits(ctx, l); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存限额失败")
	}
	return nil
}

// Check 校验一笔候选转账，遇到第一个不满足的条件即返回。
func (g *Guard) Check(ctx context.Context, address string, amount decimal.Decimal, to string) Verdict {
	address = NormalizeAddress(address)
	lim, err := g.Get(ctx, address)
	if err != nil {
		if g.mode == FailClosed {
			return g.unverified(address, "limits", err)
		}
		logger.L().Warn("读取限额失败，使用默认限额", slog.Any("error", err), slog.String("address", address))
		lim = g.defaults.For(address)
	}

	if amount.GreaterThan(lim.MaxPerTx) {
		return reject(ReasonPerTx, lim.MaxPerTx.String(),
			fmt.Sprintf("amount %s exceeds the per-transaction limit of %s", amount.String(), lim.MaxPerTx.String()))
	}

	if len(lim.Whitelist) > 0 && !inWhitelist(lim.Whitelist, to) {
		dest := strings.TrimSpace(to)
		if dest == "" {
			dest = "an unspecified recipient"
		}
		return reject(ReasonWhitelist, "",
			fmt.Sprintf("destination %s is not in the whitelist", dest))
	}

	if g.ledger == nil {
		return g.unverified(address, "ledger", xerrors.New(xerrors.CodeInitializationFailure, "未配置交易统计"))
	}

	now := g.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	count, err := g.ledger.CountOutboundSince(ctx, address, dayStart)
	if err != nil {
		return g.unverified(address, "day_count", err)
	}
	if count >= lim.MaxTxPerDay {
		return reject(ReasonDayCount, strconv.Itoa(lim.MaxTxPerDay),
			fmt.Sprintf("daily transaction count limit of %d reached", lim.MaxTxPerDay))
	}

	daySum, err := g.ledger.SumOutboundSince(ctx, address, dayStart)
	if err != nil {
		return g.unverified(address, "day_amount", err)
	}
	if daySum.Add(amount).GreaterThan(lim.MaxPerDay) {
		return reject(ReasonDayAmount, lim.MaxPerDay.String(),
			fmt.Sprintf("daily amount limit of %s would be exceeded (already sent %s)", lim.MaxPerDay.String(), daySum.String()))
	}

	monthSum, err := g.ledger.SumOutboundSince(ctx, address, monthStart)
	if err != nil {
		return g.unverified(address, "month_amount", err)
	}
	if monthSum.Add(amount).GreaterThan(lim.MaxPerMonth) {
		return reject(ReasonMonthAmount, lim.MaxPerMonth.String(),
			fmt.Sprintf("monthly amount limit of %s would be exceeded (already sent %s)", lim.MaxPerMonth.String(), monthSum.String()))
	}

	return Verdict{Allowed: true}
}

func (g *Guard) unverified(address, stage string, cause error) Verdict {
	allowed := g.mode != FailClosed
	logger.L().Warn("限额统计不可用",
		slog.Any("error", cause),
		slog.String("address", address),
		slog.String("stage", stage),
		slog.String("fail_mode", string(g.mode)),
		slog.Bool("allowed", allowed),
	)
	return Verdict{Allowed: allowed, Reason: UnverifiedReason, Code: ReasonUnverified, Unverified: true}
}

func reject(code ReasonCode, limit, reason string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Code: code, Limit: limit}
}

func inWhitelist(list []string, to string) bool {
	to = NormalizeAddress(to)
	if to == "" {
		return false
	}
	for _, item := range list {
		if NormalizeAddress(item) == to {
			return true
		}
	}
	return false
}

func normalizeWhitelist(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, item := range list {
		item = NormalizeAddress(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func validate(l Limits) error {
	if l.MaxPerTx.IsNegative() || l.MaxPerDay.IsNegative() || l.MaxPerMonth.IsNegative() || l.MaxTxPerDay < 0 {
		return xerrors.New(CodeInvalidLimits, "限额不能为负数")
	}
	return nil
}
