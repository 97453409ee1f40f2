package compose

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"WalletPilot/internal/enrich"
	"WalletPilot/internal/executor"
	"WalletPilot/internal/intent"
	"WalletPilot/internal/language"
	"WalletPilot/internal/llm"
	"WalletPilot/internal/memory"
	"WalletPilot/internal/observability/metrics"
	"WalletPilot/pkg/logger"
)

// Source 标识回复内容的来源。
type Source string

const (
	SourceAction   Source = "action"
	SourceTemplate Source = "template"
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultHistoryLimit = 8
	defaultMaxTokens    = 600
)

// Input 是生成一轮回复所需的全部信息。
type Input struct {
	Key        string
	State      *memory.State
	Message    string
	Language   language.Tag
	Intent     intent.Intent
	Enrichment enrich.Enrichment
	Result     *executor.ActionResult
}

// Reply 是最终返回给用户的内容，FollowUp 为模型建议的后续意图（已校验）。
type Reply struct {
	Content  string         `json:"content"`
	FollowUp *intent.Intent `json:"follow_up,omitempty"`
	Source   Source         `json:"source"`
}

// Composer 负责生成回复并写回会话记忆。
type Composer struct {
	client          llm.Client
	memory          *memory.Memory
	tokens          *intent.TokenSet
	preferTemplates bool
	timeout         time.Duration
	historyLimit    int
	log             *slog.Logger
}

// Option 自定义 Composer。
type Option func(*Composer)

// WithTimeout 设置大模型调用的超时。
func WithTimeout(d time.Duration) Option {
	return func(c *Composer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPreferTemplates 控制存在确定性内容时是否跳过大模型。
func WithPreferTemplates(v bool) Option {
	return func(c *Composer) { c.preferTemplates = v }
}

// WithHistoryLimit 设置提示词中保留的历史条数。
func WithHistoryLimit(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// New 创建 Composer。
func New(client llm.Client, mem *memory.Memory, tokens *intent.TokenSet, opts ...Option) *Composer {
	if tokens == nil {
		tokens = intent.NewTokenSet("")
	}
	c := &Composer{
		client:          client,
		memory:          mem,
		tokens:          tokens,
		preferTemplates: true,
		timeout:         defaultTimeout,
		historyLimit:    defaultHistoryLimit,
		log:             logger.Named("compose"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Compose 生成回复，并把本轮用户消息与回复追加到会话记忆。
// 记忆写入失败只记录日志，不影响回复。
func (c *Composer) Compose(ctx context.Context, in Input) Reply {
	reply := c.render(ctx, in)

	if c.memory != nil && in.Key != "" {
		state := in.State
		if state == nil {
			state = &memory.State{}
		}
		state.Append(memory.RoleUser, in.Message)
		state.Append(memory.RoleAssistant, reply.Content)
		if err := c.memory.Save(ctx, in.Key, state); err != nil {
			c.log.Warn("保存会话记忆失败", slog.String("key", in.Key), slog.Any("error", err))
		}
	}
	return reply
}

func (c *Composer) render(ctx context.Context, in Input) Reply {
	if in.Result != nil && strings.TrimSpace(in.Result.Message) != "" {
		return Reply{Content: in.Result.Message, Source: SourceAction}
	}
	if in.Enrichment.HasFacts() && c.preferTemplates {
		return Reply{Content: strings.Join(in.Enrichment.Facts, "\n\n"), Source: SourceTemplate}
	}
	if c.client == nil {
		return c.fallback(in)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Complete(callCtx, llm.Request{
		Messages:    c.buildMessages(in),
		Temperature: llm.Temperature(0.3),
		MaxTokens:   defaultMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		metrics.ObserveLLMCall("composer", false)
		c.log.Warn("生成回复失败，使用兜底文案", slog.Any("error", err))
		return c.fallback(in)
	}
	metrics.ObserveLLMCall("composer", true)

	content, followUp := c.parse(resp.Content)
	if strings.TrimSpace(content) == "" {
		return c.fallback(in)
	}
	return Reply{Content: content, FollowUp: followUp, Source: SourceLLM}
}

// fallback 在模型不可用时优先展示已有的确定性内容。
func (c *Composer) fallback(in Input) Reply {
	if in.Enrichment.HasFacts() {
		return Reply{Content: strings.Join(in.Enrichment.Facts, "\n\n"), Source: SourceTemplate}
	}
	return Reply{Content: language.Text(in.Language, language.MsgFallbackReply), Source: SourceFallback}
}

// parse 解析 {"content": "...", "intent": {"type": "...", "params": {...}}}。
// 不是 JSON 或 content 不是字符串时整段文本作为回复内容；后续意图不符合意图 schema 时丢弃。
func (c *Composer) parse(raw string) (string, *intent.Intent) {
	fields, ok := intent.DecodeObject(raw)
	if !ok {
		return strings.TrimSpace(raw), nil
	}
	value, hasContent := fields["content"]
	if !hasContent {
		value, hasContent = fields["response"]
	}
	content, isText := value.(string)
	if !hasContent || !isText {
		return strings.TrimSpace(raw), nil
	}

	var followUp *intent.Intent
	if obj, ok := fields["intent"].(map[string]any); ok {
		if parsed, ok := intent.Normalize(obj, c.tokens); ok {
			followUp = &parsed
		}
	}
	return strings.TrimSpace(content), followUp
}

func (c *Composer) buildMessages(in Input) []llm.Message {
	system := memory.DefaultSystemPrompt
	var history []memory.Message
	if in.State != nil {
		if len(in.State.Messages) > 0 && in.State.Messages[0].Role == memory.RoleSystem {
			system = in.State.Messages[0].Content
		}
		history = in.State.History()
	}
	if len(history) > c.historyLimit {
		history = history[len(history)-c.historyLimit:]
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: c.systemPrompt(system, in.Language)}}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	user := in.Enrichment.Apply(in.Message) + "\n\n" + language.Text(in.Language, language.MsgRespondIn, in.Language.Name())
	return append(messages, llm.Message{Role: llm.RoleUser, Content: user})
}

func (c *Composer) systemPrompt(base string, lang language.Tag) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\nYou help the user check balances, review transactions and send tokens (")
	b.WriteString(strings.Join(c.tokens.Symbols(), ", "))
	b.WriteString(").\n")
	b.WriteString("Never claim that a transfer was sent unless the context says so. ")
	b.WriteString("When the context states an outcome (no transactions found, data could not be retrieved), tell the user that outcome plainly.\n")
	b.WriteString("Always answer in " + lang.Name() + ".\n")
	b.WriteString("Respond with exactly one JSON object shaped as:\n")
	b.WriteString(`{"content":"<reply to the user>","intent":{"type":"<optional next intent>","params":{}}}`)
	b.WriteString("\nOmit \"intent\" when no follow-up action is suggested.")
	return b.String()
}
