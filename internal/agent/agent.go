package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"WalletPilot/internal/compose"
	"WalletPilot/internal/enrich"
	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/executor"
	"WalletPilot/internal/intent"
	"WalletPilot/internal/language"
	"WalletPilot/internal/limits"
	"WalletPilot/internal/memory"
	"WalletPilot/internal/observability/alerting"
	"WalletPilot/internal/observability/metrics"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"
	"WalletPilot/pkg/logger"

	"github.com/shopspring/decimal"
)

// Phase 是一轮对话在编排流程中所处的阶段。
type Phase string

const (
	PhaseIdle                 Phase = "IDLE"
	PhaseClassifying          Phase = "CLASSIFYING"
	PhaseEnriching            Phase = "ENRICHING"
	PhaseGuarding             Phase = "GUARDING"
	PhaseAwaitingConfirmation Phase = "AWAITING_CONFIRMATION"
	PhaseExecuting            Phase = "EXECUTING"
	PhaseComposing            Phase = "COMPOSING"
)

// Classifier 识别消息意图。
type Classifier interface {
	Classify(ctx context.Context, message string, lang language.Tag, history []memory.Message) intent.Intent
}

// Enricher 为消息补充上下文。
type Enricher interface {
	Enrich(ctx context.Context, req enrich.Request) enrich.Enrichment
}

// Guard 校验转账限额。
type Guard interface {
	Check(ctx context.Context, address string, amount decimal.Decimal, to string) limits.Verdict
}

// Executor 广播转账。
type Executor interface {
	Transfer(ctx context.Context, req executor.TransferRequest) (*executor.TransferResult, error)
}

// Composer 生成最终回复。
type Composer interface {
	Compose(ctx context.Context, in compose.Input) compose.Reply
}

// Ledger 是转账记录的读写接口。
type Ledger interface {
	RecordTransaction(ctx context.Context, tx storage.Transaction) error
	FindByIdempotencyKey(ctx context.Context, from, key string) (*storage.Transaction, error)
}

// Settlement 为已广播的交易排队确认。
type Settlement interface {
	Enqueue(ctx context.Context, txHash string) error
}

// Components 汇总 Agent 依赖的组件，Detector、Memory、Classifier、Enricher、Composer 必填。
type Components struct {
	Detector   *language.Detector
	Memory     *memory.Memory
	Classifier Classifier
	Enricher   Enricher
	Guard      Guard
	Executor   Executor
	Composer   Composer
	Ledger     Ledger
	Settlement Settlement
	Tokens     *web3.Registry
}

// Request 是一条来自用户的消息。
type Request struct {
	Message        string `json:"message"`
	Address        string `json:"address"`
	Email          string `json:"email,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ActionStatus 描述本轮对话中转账动作的结果。
type ActionStatus string

const (
	ActionAwaiting   ActionStatus = "awaiting_confirmation"
	ActionSubmitted  ActionStatus = "submitted"
	ActionDuplicate  ActionStatus = "duplicate"
	ActionRejected   ActionStatus = "rejected"
	ActionCancelled  ActionStatus = "cancelled"
	ActionFailed     ActionStatus = "failed"
	ActionIncomplete ActionStatus = "incomplete"
	ActionExpired    ActionStatus = "expired"
)

// Action 是本轮对话触发的动作摘要。
type Action struct {
	Type           intent.Type     `json:"type"`
	Status         ActionStatus    `json:"status"`
	TxHash         string          `json:"tx_hash,omitempty"`
	To             string          `json:"to,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	Token          string          `json:"token,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Verdict        *limits.Verdict `json:"verdict,omitempty"`
	ErrorCode      xerrors.Code    `json:"error_code,omitempty"`
}

// Response 是一轮对话的结果。
type Response struct {
	Reply      string         `json:"reply"`
	Language   language.Tag   `json:"language"`
	Intent     intent.Intent  `json:"intent"`
	Source     compose.Source `json:"source"`
	FollowUp   *intent.Intent `json:"follow_up,omitempty"`
	Action     *Action        `json:"action,omitempty"`
	SessionKey string         `json:"session_key"`
}

// Agent 编排语言识别、意图分类、上下文补充、限额校验、执行与回复生成。
type Agent struct {
	detector            *language.Detector
	memory              *memory.Memory
	classifier          Classifier
	enricher            Enricher
	guard               Guard
	executor            Executor
	composer            Composer
	ledger              Ledger
	settlement          Settlement
	tokens              *web3.Registry
	locker              Locker
	alerts              alerting.Dispatcher
	requireConfirmation bool
	confirmationTTL     time.Duration
	now                 func() time.Time
	newKey              func() string
	log                 *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithLocker 替换默认的进程内锁。
func WithLocker(l Locker) Option {
	return func(a *Agent) {
		if l != nil {
			a.locker = l
		}
	}
}

// WithAlertDispatcher 设置告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerts = d }
}

// WithRequireConfirmation 控制转账前是否需要用户确认。
func WithRequireConfirmation(v bool) Option {
	return func(a *Agent) { a.requireConfirmation = v }
}

// WithConfirmationTTL 设置待确认转账的有效期，过期后的确认不再执行。
func WithConfirmationTTL(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.confirmationTTL = d
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithKeyGenerator 替换幂等键生成函数。
func WithKeyGenerator(gen func() string) Option {
	return func(a *Agent) {
		if gen != nil {
			a.newKey = gen
		}
	}
}

// New 创建 Agent。
func New(c Components, opts ...Option) (*Agent, error) {
	switch {
	case c.Detector == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置语言识别器")
	case c.Memory == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话记忆")
	case c.Classifier == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置意图分类器")
	case c.Enricher == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置上下文补充组件")
	case c.Composer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置回复生成组件")
	}
	tokens := c.Tokens
	if tokens == nil {
		tokens, _ = web3.NewRegistry("", nil)
	}

	a := &Agent{
		detector:            c.Detector,
		memory:              c.Memory,
		classifier:          c.Classifier,
		enricher:            c.Enricher,
		guard:               c.Guard,
		executor:            c.Executor,
		composer:            c.Composer,
		ledger:              c.Ledger,
		settlement:          c.Settlement,
		tokens:              tokens,
		locker:              NewKeyedMutex(),
		requireConfirmation: true,
		confirmationTTL:     defaultConfirmationTTL,
		now:                 time.Now,
		newKey:              newIdempotencyKey,
		log:                 logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// turn 保存一轮对话的上下文。
type turn struct {
	key     string
	message string
	address string
	idemKey string
	lang    language.Tag
	state   *memory.State
	phase   Phase
	log     *slog.Logger
}

func (t *turn) enter(p Phase) {
	t.log.Debug("阶段切换", slog.String("from", string(t.phase)), slog.String("to", string(p)))
	t.phase = p
}

// HandleMessage 处理一条用户消息并返回回复。
// 业务上的拒绝（限额、余额不足等）体现在回复中，只有输入非法或存储故障才返回错误。
func (a *Agent) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	key := SessionKey(req)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话标识：address、email 或 session_id 至少提供一个")
	}

	state, err := a.memory.Get(ctx, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话记忆失败")
	}

	t := &turn{
		key:     key,
		message: message,
		address: limits.NormalizeAddress(req.Address),
		idemKey: strings.TrimSpace(req.IdempotencyKey),
		lang:    a.detector.Detect(message),
		state:   state,
		phase:   PhaseIdle,
	}
	t.log = a.log.With(slog.String("session", key), slog.String("language", string(t.lang)))

	if pending := state.PendingAction(); pending != nil {
		switch classifyReply(message) {
		case replyConfirm:
			return a.confirmPending(ctx, t, pending), nil
		case replyCancel:
			state.LastAction = nil
			t.log.Info("用户取消待确认转账")
			result := &executor.ActionResult{Message: language.Text(t.lang, language.MsgTransferCancelled)}
			action := &Action{Type: intent.Transfer, Status: ActionCancelled, IdempotencyKey: pending.Params[paramIdempotencyKey]}
			return a.compose(ctx, t, intent.Intent{Type: intent.Transfer, Confidence: 1}, enrich.Enrichment{}, result, action), nil
		default:
			t.log.Debug("用户未确认，丢弃待确认转账")
			state.LastAction = nil
		}
	}

	t.enter(PhaseClassifying)
	it := a.classifier.Classify(ctx, message, t.lang, state.History())
	metrics.ObserveChatTurn(string(it.Type), string(t.lang))

	t.enter(PhaseEnriching)
	en := a.enricher.Enrich(ctx, enrich.Request{
		Message:  message,
		Language: t.lang,
		Address:  t.address,
		Intent:   it,
	})

	var (
		result *executor.ActionResult
		action *Action
	)
	switch {
	case it.Type == intent.Transfer:
		result, action = a.prepareTransfer(ctx, t, it, en)
	case (it.Type == intent.CheckBalance || it.Type == intent.ViewHistory) && t.address == "":
		result = &executor.ActionResult{Message: language.Text(t.lang, language.MsgNeedAddress)}
	}
	return a.compose(ctx, t, it, en, result, action), nil
}

func (a *Agent) compose(ctx context.Context, t *turn, it intent.Intent, en enrich.Enrichment, result *executor.ActionResult, action *Action) *Response {
	t.enter(PhaseComposing)
	reply := a.composer.Compose(ctx, compose.Input{
		Key:        t.key,
		State:      t.state,
		Message:    t.message,
		Language:   t.lang,
		Intent:     it,
		Enrichment: en,
		Result:     result,
	})
	if t.state.PendingAction() == nil {
		t.enter(PhaseIdle)
	} else {
		t.enter(PhaseAwaitingConfirmation)
	}
	return &Response{
		Reply:      reply.Content,
		Language:   t.lang,
		Intent:     it,
		Source:     reply.Source,
		FollowUp:   reply.FollowUp,
		Action:     action,
		SessionKey: t.key,
	}
}

// ClearConversation 清除会话记忆。
func (a *Agent) ClearConversation(ctx context.Context, key string) error {
	return a.memory.Clear(ctx, key)
}

// SessionKey 返回会话记忆使用的键：优先 session_id，其次地址，最后邮箱。
func SessionKey(req Request) string {
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return id
	}
	if addr := limits.NormalizeAddress(req.Address); addr != "" {
		return addr
	}
	return storage.NormalizeEmail(req.Email)
}

func (a *Agent) alert(ctx context.Context, code xerrors.Code, subject string, cause error, metadata map[string]string) {
	if a.alerts == nil {
		return
	}
	event := alerting.NewEvent("agent", code, subject, cause)
	event.Metadata = metadata
	if err := a.alerts.Notify(ctx, event); err != nil {
		a.log.Warn("发送告警失败", slog.Any("error", err), slog.String("code", string(code)))
	}
}
