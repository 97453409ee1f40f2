package intent

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Type 是消息被识别出的意图。
type Type string

const (
	Transfer     Type = "TRANSFER"
	CheckBalance Type = "CHECK_BALANCE"
	ViewHistory  Type = "VIEW_HISTORY"
	AppHelp      Type = "APP_HELP"
	General      Type = "GENERAL"
)

// Types 返回全部可识别的意图，顺序即提示词中的展示顺序。
func Types() []Type {
	return []Type{Transfer, CheckBalance, ViewHistory, AppHelp, General}
}

// ParseType 将模型输出的意图名称规范化，无法识别时返回 false。
func ParseType(raw string) (Type, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, t := range Types() {
		if string(t) == normalized {
			return t, true
		}
	}
	return "", false
}

// RecipientKind 区分收款方是链上地址还是邮箱。
type RecipientKind string

const (
	RecipientAddress RecipientKind = "address"
	RecipientEmail   RecipientKind = "email"
)

// Entities 是从消息中抽取出的结构化字段。
type Entities struct {
	Recipient     string           `json:"recipient,omitempty"`
	RecipientKind RecipientKind    `json:"recipient_kind,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Token         string           `json:"token,omitempty"`
	Timeframe     string           `json:"timeframe,omitempty"`
	Count         int              `json:"count,omitempty"`
}

// Intent 是分类器的规范化输出。
type Intent struct {
	Type          Type     `json:"type"`
	Confidence    float64  `json:"confidence"`
	NeedsMoreInfo bool     `json:"needs_more_info"`
	Missing       []string `json:"missing,omitempty"`
	Entities      Entities `json:"entities"`
}

// DefaultConfidence 是缺省或无法解析时使用的置信度。
const DefaultConfidence = 0.5

// Default 返回解析失败时使用的低置信度 GENERAL 意图。
func Default() Intent {
	return Intent{Type: General, Confidence: DefaultConfidence}
}

// Mutating 判断该意图是否会触发资金变动。
func (i Intent) Mutating() bool {
	return i.Type == Transfer
}

// Params 将实体展开为字符串键值，用于在会话中暂存待确认的动作。
func (e Entities) Params() map[string]string {
	params := make(map[string]string)
	if e.Recipient != "" {
		params["recipient"] = e.Recipient
		params["recipient_kind"] = string(e.RecipientKind)
	}
	if e.Amount != nil {
		params["amount"] = e.Amount.String()
	}
	if e.Token != "" {
		params["token"] = e.Token
	}
	if e.Timeframe != "" {
		params["timeframe"] = e.Timeframe
	}
	return params
}
