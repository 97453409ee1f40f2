package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"WalletPilot/internal/config"
	xerrors "WalletPilot/internal/errors"
	"WalletPilot/pkg/logger"

	"github.com/shopspring/decimal"
)

// Feed 提供 1 单位原生资产对应的法币价格。
type Feed interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
	Fiat() string
}

// StaticFeed 返回固定汇率。
type StaticFeed struct {
	fiat string
	rate decimal.Decimal
}

// NewStaticFeed 创建固定汇率源。
func NewStaticFeed(fiat string, rate decimal.Decimal) *StaticFeed {
	return &StaticFeed{fiat: normalizeFiat(fiat), rate: rate}
}

// Rate 实现 Feed。
func (s *StaticFeed) Rate(context.Context) (decimal.Decimal, error) {
	if !s.rate.IsPositive() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "汇率必须为正数")
	}
	return s.rate, nil
}

// Fiat 实现 Feed。
func (s *StaticFeed) Fiat() string { return s.fiat }

// HTTPFeed 从 JSON 接口读取汇率并缓存，接口不可用时退回到兜底汇率。
type HTTPFeed struct {
	url        string
	field      []string
	fiat       string
	ttl        time.Duration
	fallback   Feed
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

// Option 自定义 HTTPFeed。
type Option func(*HTTPFeed)

// WithFallback 设置远端失败时使用的汇率源。
func WithFallback(f Feed) Option {
	return func(h *HTTPFeed) { h.fallback = f }
}

// WithHTTPClient 替换默认 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPFeed) {
		if c != nil {
			h.httpClient = c
		}
	}
}

// WithClock 注入时钟，便于测试缓存过期。
func WithClock(now func() time.Time) Option {
	return func(h *HTTPFeed) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHTTPFeed 创建远端汇率源。field 是以 "." 分隔的 JSON 路径，例如 "ethereum.usd"。
func NewHTTPFeed(url, field, fiat string, ttl time.Duration, opts ...Option) *HTTPFeed {
	h := &HTTPFeed{
		url:        url,
		field:      splitPath(field),
		fiat:       normalizeFiat(fiat),
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Fiat 实现 Feed。
func (h *HTTPFeed) Fiat() string { return h.fiat }

// Rate 实现 Feed。缓存有效期内不会发起请求。
func (h *HTTPFeed) Rate(ctx context.Context) (decimal.Decimal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.fetchedAt.IsZero() && h.now().Sub(h.fetchedAt) < h.ttl {
		return h.cached, nil
	}

	rate, err := h.fetch(ctx)
	if err == nil {
		h.cached = rate
		h.fetchedAt = h.now()
		return rate, nil
	}

	logger.L().Warn("获取汇率失败", slog.Any("error", err), slog.String("url", h.url))
	if !h.fetchedAt.IsZero() {
		return h.cached, nil
	}
	if h.fallback != nil {
		return h.fallback.Rate(ctx)
	}
	return decimal.Zero, err
}

func (h *HTTPFeed) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造汇率请求失败")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求汇率接口失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取汇率响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("汇率接口返回状态码 %d", resp.StatusCode))
	}
	return extractRate(body, h.field)
}

func extractRate(body []byte, path []string) (decimal.Decimal, error) {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	var node any
	if err := decoder.Decode(&node); err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析汇率响应失败")
	}
	for _, key := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return decimal.Zero, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("汇率响应缺少字段 %s", key))
		}
		node = obj[key]
	}

	var rate decimal.Decimal
	var err error
	switch v := node.(type) {
	case json.Number:
		rate, err = decimal.NewFromString(v.String())
	case string:
		rate, err = decimal.NewFromString(strings.TrimSpace(v))
	default:
		return decimal.Zero, xerrors.New(xerrors.CodeUpstreamFailure, "汇率字段不是数字")
	}
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, xerrors.New(xerrors.CodeUpstreamFailure, "汇率字段无效")
	}
	return rate, nil
}

// FromConfig 根据配置选择汇率源：配置了 feed_url 时使用远端源并以固定汇率兜底。
func FromConfig(cfg config.PricingConfig) Feed {
	static := NewStaticFeed(cfg.FiatSymbol, decimal.NewFromFloat(cfg.StaticRate))
	if strings.TrimSpace(cfg.FeedURL) == "" {
		return static
	}
	return NewHTTPFeed(cfg.FeedURL, cfg.FeedField, cfg.FiatSymbol,
		time.Duration(cfg.CacheSeconds)*time.Second, WithFallback(static))
}

// ToNative 把法币金额换算为原生资产数量，保留 6 位小数。
func ToNative(fiatAmount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "汇率必须为正数")
	}
	return fiatAmount.DivRound(rate, 6), nil
}

func splitPath(field string) []string {
	var out []string
	for _, part := range strings.Split(field, ".") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeFiat(fiat string) string {
	fiat = strings.ToUpper(strings.TrimSpace(fiat))
	if fiat == "" {
		return "USD"
	}
	return fiat
}
