package enrich

import (
	"context"
	"log/slog"
	"strings"

	"WalletPilot/internal/intent"
	"WalletPilot/internal/knowledge"
	"WalletPilot/internal/language"
	"WalletPilot/internal/pricing"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"
	"WalletPilot/pkg/logger"

	"github.com/shopspring/decimal"
)

// Outcome 记录历史查询的结论，回复中必须如实告知用户。
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
)

const (
	defaultHistoryCount  = 5
	extendedHistoryCount = 10
)

var historyCues = []string{"history", "transactions", "historial", "transacciones"}

// Balances 查询地址在各代币上的余额。
type Balances interface {
	GetBalance(ctx context.Context, address string) (map[string]string, error)
}

// Resolver 把收款方（地址或邮箱）解析为链上地址。
type Resolver interface {
	ResolveRecipient(ctx context.Context, recipient string) (string, error)
}

// History 读取地址相关的最近交易。
type History interface {
	ListTransactions(ctx context.Context, address string, limit int) ([]storage.Transaction, error)
}

// Request 是一次补充上下文的输入。
type Request struct {
	Message  string
	Language language.Tag
	Address  string
	Intent   intent.Intent
}

// Recipient 是转账收款方的解析结果。
type Recipient struct {
	Input   string               `json:"input"`
	Kind    intent.RecipientKind `json:"kind"`
	Address string               `json:"address,omitempty"`
	Err     error                `json:"-"`
}

// Resolved 判断收款方是否已解析为有效地址。
func (r *Recipient) Resolved() bool {
	return r != nil && r.Address != "" && r.Err == nil
}

// Enrichment 是补充到用户消息上的上下文。
// Facts 是可以直接展示给用户的确定性内容，Blocks 包含全部上下文。
type Enrichment struct {
	Blocks          []string
	Facts           []string
	Outcome         Outcome
	Recipient       *Recipient
	ConvertedAmount *decimal.Decimal
	NativeToken     string
}

// Apply 将全部上下文块追加到原始消息之后。
func (e Enrichment) Apply(message string) string {
	if len(e.Blocks) == 0 {
		return message
	}
	return message + "\n\n" + strings.Join(e.Blocks, "\n\n")
}

// HasFacts 判断是否存在确定性内容。
func (e Enrichment) HasFacts() bool {
	return len(e.Facts) > 0
}

func (e *Enrichment) add(block string, fact bool) {
	if strings.TrimSpace(block) == "" {
		return
	}
	e.Blocks = append(e.Blocks, block)
	if fact {
		e.Facts = append(e.Facts, block)
	}
}

// Enricher 按 TRANSFER、VIEW_HISTORY、CHECK_BALANCE、APP_HELP 的顺序补充上下文。
type Enricher struct {
	balances  Balances
	resolver  Resolver
	history   History
	knowledge knowledge.Provider
	prices    pricing.Feed
	tokens    *web3.Registry
	log       *slog.Logger
}

// Option 自定义 Enricher。
type Option func(*Enricher)

// WithKnowledge 设置帮助内容来源。
func WithKnowledge(p knowledge.Provider) Option {
	return func(e *Enricher) { e.knowledge = p }
}

// WithPricing 设置法币换算使用的汇率源。
func WithPricing(f pricing.Feed) Option {
	return func(e *Enricher) { e.prices = f }
}

// WithHistory 设置交易记录来源。
func WithHistory(h History) Option {
	return func(e *Enricher) { e.history = h }
}

// New 创建 Enricher。
func New(balances Balances, resolver Resolver, tokens *web3.Registry, opts ...Option) *Enricher {
	if tokens == nil {
		tokens, _ = web3.NewRegistry("", nil)
	}
	e := &Enricher{
		balances: balances,
		resolver: resolver,
		tokens:   tokens,
		log:      logger.Named("enrich"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Enrich 根据意图收集上下文。任何下游失败都会转化为明确的说明文字，而不是静默丢弃。
func (e *Enricher) Enrich(ctx context.Context, req Request) Enrichment {
	var out Enrichment
	lang := req.Language
	it := req.Intent

	if it.Type == intent.Transfer && it.Entities.Recipient != "" {
		out.add(e.transferSummary(ctx, req, &out), true)
	}

	if req.Address != "" && (it.Type == intent.ViewHistory || hasHistoryCue(req.Message)) {
		block, outcome := e.historyBlock(ctx, req)
		out.Outcome = outcome
		out.add(block, true)
	}

	if req.Address != "" && it.Type == intent.CheckBalance {
		out.add(e.balanceBlock(ctx, req.Address, lang), true)
	}

	if it.Type == intent.AppHelp && e.knowledge != nil {
		out.add(knowledge.Render(lang, e.knowledge.Query(req.Message, lang)), false)
	}
	return out
}

func (e *Enricher) transferSummary(ctx context.Context, req Request, out *Enrichment) string {
	lang := req.Language
	ent := req.Intent.Entities
	rcpt := &Recipient{Input: ent.Recipient, Kind: ent.RecipientKind}
	out.Recipient = rcpt

	lines := []string{
		language.Text(lang, language.MsgTransferHeader),
		language.Text(lang, language.MsgTransferRecipient, ent.Recipient),
	}

	if e.resolver != nil {
		addr, err := e.resolver.ResolveRecipient(ctx, ent.Recipient)
		if err != nil {
			rcpt.Err = err
			e.log.Debug("收款方解析失败", slog.String("recipient", ent.Recipient), slog.Any("error", err))
			if ent.RecipientKind == intent.RecipientEmail {
				lines = append(lines, language.Text(lang, language.MsgRecipientUnknown, ent.Recipient))
			}
		} else {
			rcpt.Address = addr
			if ent.RecipientKind == intent.RecipientEmail {
				lines = append(lines, language.Text(lang, language.MsgTransferResolved, addr))
			}
		}
	}

	if ent.Amount == nil {
		return strings.Join(lines, "\n")
	}
	token := ent.Token
	if token == "" {
		token = e.tokens.Native().Symbol
	}
	lines = append(lines, language.Text(lang, language.MsgTransferAmount, ent.Amount.String(), token))

	if tok, ok := e.tokens.Lookup(token); ok && tok.Kind == web3.TokenFiat && e.prices != nil {
		rate, err := e.prices.Rate(ctx)
		if err != nil {
			e.log.Warn("获取汇率失败，无法换算法币金额", slog.Any("error", err))
			return strings.Join(lines, "\n")
		}
		native, err := pricing.ToNative(*ent.Amount, rate)
		if err != nil {
			return strings.Join(lines, "\n")
		}
		nativeSymbol := e.tokens.Native().Symbol
		out.ConvertedAmount = &native
		out.NativeToken = nativeSymbol
		lines = append(lines, language.Text(lang, language.MsgTransferConverted,
			native.StringFixed(6), nativeSymbol, rate.String(), e.prices.Fiat(), nativeSymbol))
	}
	return strings.Join(lines, "\n")
}

func (e *Enricher) historyBlock(ctx context.Context, req Request) (string, Outcome) {
	lang := req.Language
	if e.history == nil {
		return language.Text(lang, language.MsgHistoryError), OutcomeError
	}
	count := HistoryCount(req.Message)
	txs, err := e.history.ListTransactions(ctx, req.Address, count)
	if err != nil {
		e.log.Warn("查询交易历史失败", slog.String("address", req.Address), slog.Any("error", err))
		return language.Text(lang, language.MsgHistoryError), OutcomeError
	}
	if len(txs) == 0 {
		return language.Text(lang, language.MsgHistoryEmpty), OutcomeNotFound
	}

	var sent, received []string
	for _, tx := range txs {
		date := tx.CreatedAt.UTC().Format("2006-01-02")
		if tx.SentBy(req.Address) {
			sent = append(sent, language.Text(lang, language.MsgHistorySentLine,
				date, tx.Amount.String(), tx.Token, tx.To, string(tx.Status)))
		} else {
			received = append(received, language.Text(lang, language.MsgHistoryReceivedLine,
				date, tx.Amount.String(), tx.Token, tx.From, string(tx.Status)))
		}
	}

	lines := []string{language.Text(lang, language.MsgHistoryHeader, len(txs))}
	if len(sent) > 0 {
		lines = append(lines, language.Text(lang, language.MsgHistorySent))
		lines = append(lines, sent...)
	}
	if len(received) > 0 {
		lines = append(lines, language.Text(lang, language.MsgHistoryReceived))
		lines = append(lines, received...)
	}
	return strings.Join(lines, "\n"), OutcomeFound
}

func (e *Enricher) balanceBlock(ctx context.Context, address string, lang language.Tag) string {
	if e.balances == nil {
		return language.Text(lang, language.MsgBalanceError)
	}
	balances, err := e.balances.GetBalance(ctx, address)
	if err != nil {
		return language.Text(lang, language.MsgBalanceError)
	}
	lines := []string{language.Text(lang, language.MsgBalanceHeader)}
	for _, tok := range e.tokens.All() {
		if amount, ok := balances[tok.Symbol]; ok {
			lines = append(lines, language.Text(lang, language.MsgBalanceLine, tok.Symbol, amount))
		}
	}
	return strings.Join(lines, "\n")
}

// HistoryCount 根据消息决定查询的交易条数：提到 "10" 时取 10 条，否则 5 条。
func HistoryCount(message string) int {
	if strings.Contains(message, "10") {
		return extendedHistoryCount
	}
	return defaultHistoryCount
}

func hasHistoryCue(message string) bool {
	lower := strings.ToLower(message)
	for _, cue := range historyCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// String 便于在日志中输出。
func (o Outcome) String() string {
	if o == OutcomeNone {
		return "none"
	}
	return string(o)
}
