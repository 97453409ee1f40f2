package llm

import "context"

// Role 表示对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次补全请求。
type Request struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	// JSONMode 要求模型只输出一个 JSON 对象。
	JSONMode bool
}

// Response 是大模型返回的文本。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Temperature 便于以字面量构造 Request.Temperature。
func Temperature(v float64) *float64 {
	return &v
}
