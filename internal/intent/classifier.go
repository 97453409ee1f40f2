package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"WalletPilot/internal/language"
	"WalletPilot/internal/llm"
	"WalletPilot/internal/memory"
	"WalletPilot/internal/observability/metrics"
	"WalletPilot/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultHistoryLimit = 6
	defaultMaxTokens    = 300
)

// RateSource 提供原生资产对法币的实时汇率。
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
	Fiat() string
}

// Classifier 调用大模型识别用户意图，所有失败都会回退到 Default。
type Classifier struct {
	client       llm.Client
	tokens       *TokenSet
	rates        RateSource
	timeout      time.Duration
	historyLimit int
	log          *slog.Logger
}

// Option 定义分类器的可选配置。
type Option func(*Classifier)

// WithRateSource 设置提示词中使用的汇率来源。
func WithRateSource(src RateSource) Option {
	return func(c *Classifier) {
		c.rates = src
	}
}

// WithTimeout 设置单次分类调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHistoryLimit 设置随请求发送的历史消息条数。
func WithHistoryLimit(n int) Option {
	return func(c *Classifier) {
		if n >= 0 {
			c.historyLimit = n
		}
	}
}

// NewClassifier 创建意图分类器。
func NewClassifier(client llm.Client, tokens *TokenSet, opts ...Option) *Classifier {
	if tokens == nil {
		tokens = NewTokenSet("")
	}
	c := &Classifier{
		client:       client,
		tokens:       tokens,
		timeout:      defaultTimeout,
		historyLimit: defaultHistoryLimit,
		log:          logger.Named("intent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Tokens 返回分类器使用的代币集合。
func (c *Classifier) Tokens() *TokenSet {
	return c.tokens
}

// Classify 识别消息意图。该方法不返回错误：模型不可用、超时或输出格式错误都会得到 Default。
func (c *Classifier) Classify(ctx context.Context, message string, lang language.Tag, history []memory.Message) Intent {
	if c.client == nil || strings.TrimSpace(message) == "" {
		return Default()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := llm.Request{
		Messages:    c.buildMessages(callCtx, message, lang, history),
		Temperature: llm.Temperature(0),
		MaxTokens:   defaultMaxTokens,
		JSONMode:    true,
	}
	resp, err := c.client.Complete(callCtx, req)
	if err != nil {
		metrics.ObserveLLMCall("classifier", false)
		c.log.Warn("意图识别调用失败，使用默认意图", slog.Any("error", err))
		return Default()
	}
	metrics.ObserveLLMCall("classifier", true)

	fields, ok := DecodeObject(resp.Content)
	if !ok {
		c.log.Debug("意图识别输出不是合法 JSON", slog.String("content", truncate(resp.Content, 200)))
		return Default()
	}
	if err := Validate(fields); err != nil {
		c.log.Debug("意图识别输出不符合 schema", slog.Any("error", err), slog.String("content", truncate(resp.Content, 200)))
		return Default()
	}
	parsed, ok := coerce(fields, c.tokens)
	if !ok {
		return Default()
	}
	return parsed
}

func (c *Classifier) buildMessages(ctx context.Context, message string, lang language.Tag, history []memory.Message) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: c.systemPrompt(ctx, lang)}}

	var recent []memory.Message
	for _, m := range history {
		if m.Role != memory.RoleSystem {
			recent = append(recent, m)
		}
	}
	if len(recent) > c.historyLimit {
		recent = recent[len(recent)-c.historyLimit:]
	}
	for _, m := range recent {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: message})
}

func (c *Classifier) systemPrompt(ctx context.Context, lang language.Tag) string {
	native := c.tokens.Native()
	rateLine := ""
	if c.rates != nil {
		if rate, err := c.rates.Rate(ctx); err == nil && rate.IsPositive() {
			rateLine = fmt.Sprintf("Current exchange rate: 1 %s = %s %s. Keep fiat amounts in %s and set token to %s; do not convert them yourself.\n",
				native, rate.StringFixed(2), c.rates.Fiat(), c.rates.Fiat(), c.rates.Fiat())
		} else if err != nil {
			c.log.Debug("获取汇率失败，提示词不包含汇率", slog.Any("error", err))
		}
	}

	types := Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	var b strings.Builder
	b.WriteString("You classify messages sent to a crypto wallet assistant.\n")
	b.WriteString("Recognized intents: " + strings.Join(names, ", ") + ".\n")
	b.WriteString("- TRANSFER: the user wants to send funds to an address or a registered email.\n")
	b.WriteString("- CHECK_BALANCE: the user asks how much they hold.\n")
	b.WriteString("- VIEW_HISTORY: the user asks about past transactions.\n")
	b.WriteString("- APP_HELP: the user asks what this wallet or assistant can do.\n")
	b.WriteString("- GENERAL: anything else.\n")
	b.WriteString("Known tokens: " + strings.Join(c.tokens.Symbols(), ", ") + ". Default token: " + native + ".\n")
	b.WriteString(rateLine)
	b.WriteString(fmt.Sprintf("The user writes in %s.\n", lang.Name()))
	b.WriteString("Respond with exactly one JSON object and nothing else, shaped as:\n")
	b.WriteString(`{"intent":"TRANSFER","confidence":0.0,"needsMoreInfo":false,"missing":[],"entities":{"recipient":"","amount":0,"token":"","timeframe":"","count":0}}`)
	b.WriteString("\nOmit entities you cannot find. List missing required fields (recipient, amount) in \"missing\".")
	return b.String()
}

func truncate(text string, n int) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return string(r)
}
