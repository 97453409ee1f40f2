package memory

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "WalletPilot/internal/errors"
)

// Role 标识会话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultMaxMessages 是会话历史保留的最大条数，包含首条 system 消息。
const DefaultMaxMessages = 10

// DefaultSystemPrompt 是新会话的 system 占位内容。
const DefaultSystemPrompt = "You are WalletPilot, a crypto wallet assistant."

// ActionStatus 描述最近一次动作所处的阶段。
type ActionStatus string

const (
	ActionDetected             ActionStatus = "detected"
	ActionAwaitingConfirmation ActionStatus = "awaiting_confirmation"
	ActionExecuted             ActionStatus = "executed"
)

// Message 是一条带角色的会话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Action 记录最近一次识别出的动作，用于多轮流程（例如转账确认）。
type Action struct {
	Type      string            `json:"type"`
	Status    ActionStatus      `json:"status"`
	Params    map[string]string `json:"params,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// State 是单个用户的会话状态。
type State struct {
	Messages   []Message `json:"messages"`
	LastAction *Action   `json:"last_action,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Append 追加一条消息。
func (s *State) Append(role Role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// History 返回去掉首条 system 消息后的对话内容。
func (s *State) History() []Message {
	if s == nil {
		return nil
	}
	out := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// PendingAction 返回等待确认的动作，没有则为 nil。
func (s *State) PendingAction() *Action {
	if s == nil || s.LastAction == nil || s.LastAction.Status != ActionAwaitingConfirmation {
		return nil
	}
	return s.LastAction
}

// Clone 返回深拷贝，避免调用方修改存储中的数据。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		Messages:  append([]Message(nil), s.Messages...),
		UpdatedAt: s.UpdatedAt,
	}
	if s.LastAction != nil {
		action := *s.LastAction
		if s.LastAction.Params != nil {
			action.Params = make(map[string]string, len(s.LastAction.Params))
			for k, v := range s.LastAction.Params {
				action.Params[k] = v
			}
		}
		out.LastAction = &action
	}
	return out
}

// Normalize 保证 system 消息唯一且位于首位，并把总条数限制在 limit 以内。
func Normalize(state *State, limit int, systemPrompt string) *State {
	if limit < 2 {
		limit = 2
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	out := &State{UpdatedAt: time.Now().UTC()}
	if state == nil {
		out.Messages = []Message{{Role: RoleSystem, Content: systemPrompt}}
		return out
	}
	out.LastAction = state.Clone().LastAction

	system := Message{Role: RoleSystem, Content: systemPrompt}
	foundSystem := false
	rest := make([]Message, 0, len(state.Messages))
	for _, m := range state.Messages {
		if m.Role == RoleSystem {
			if !foundSystem {
				system.Content = m.Content
				foundSystem = true
			}
			continue
		}
		rest = append(rest, m)
	}
	if keep := limit - 1; len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	out.Messages = append([]Message{system}, rest...)
	return out
}

// Store 是会话状态的键值存储，Load 在键不存在时返回 ErrStateNotFound。
type Store interface {
	Load(ctx context.Context, key string) (*State, error)
	Store(ctx context.Context, key string, state *State) error
	Delete(ctx context.Context, key string) error
}

// CodeStateNotFound 表示会话不存在。
const CodeStateNotFound xerrors.Code = "MEMORY_STATE_NOT_FOUND"

// ErrStateNotFound 由 Store.Load 在键不存在时返回。
var ErrStateNotFound = xerrors.New(CodeStateNotFound, "会话不存在")

func init() {
	xerrors.Register(CodeStateNotFound, xerrors.Attributes{
		Message:    "conversation not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}

// Memory 是注入到编排器中的会话记忆，负责规范化与截断。
type Memory struct {
	store        Store
	maxMessages  int
	systemPrompt string
}

// Option 定义 Memory 的可选配置。
type Option func(*Memory)

// WithMaxMessages 设置保留的最大消息数。
func WithMaxMessages(n int) Option {
	return func(m *Memory) {
		if n > 1 {
			m.maxMessages = n
		}
	}
}

// WithSystemPrompt 设置新会话的 system 占位内容。
func WithSystemPrompt(prompt string) Option {
	return func(m *Memory) {
		if strings.TrimSpace(prompt) != "" {
			m.systemPrompt = prompt
		}
	}
}

// New 创建会话记忆，store 为空时使用进程内存储。
func New(store Store, opts ...Option) *Memory {
	if store == nil {
		store = NewMemoryStore(0)
	}
	m := &Memory{store: store, maxMessages: DefaultMaxMessages, systemPrompt: DefaultSystemPrompt}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// MaxMessages 返回历史上限。
func (m *Memory) MaxMessages() int { return m.maxMessages }

// Get 返回会话状态，首次访问时创建只含 system 占位的状态。
func (m *Memory) Get(ctx context.Context, key string) (*State, error) {
	if strings.TrimSpace(key) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	state, err := m.store.Load(ctx, key)
	if err != nil {
		if stdErrors.Is(err, ErrStateNotFound) {
			return Normalize(nil, m.maxMessages, m.systemPrompt), nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return Normalize(state, m.maxMessages, m.systemPrompt), nil
}

// Save 整体替换会话状态。
func (m *Memory) Save(ctx context.Context, key string, state *State) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	if err := m.store.Store(ctx, key, Normalize(state, m.maxMessages, m.systemPrompt)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

// Clear 删除会话，删除不存在的会话不视为错误。
func (m *Memory) Clear(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil && !stdErrors.Is(err, ErrStateNotFound) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除会话失败")
	}
	return nil
}
