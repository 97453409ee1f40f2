package intent

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const maxHistoryCount = 50

var (
	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	numericPrefix = regexp.MustCompile(`^-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
)

// ExtractObject 返回文本中第一个括号配平的 JSON 对象，字符串中的括号与转义会被忽略。
func ExtractObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(raw); i++ {
			c := raw[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return raw[start : i+1], true
				}
			}
		}
		// 未配平时从下一个 '{' 重新尝试。
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// DecodeObject 提取并解码第一个 JSON 对象，数字保留为 json.Number。
func DecodeObject(raw string) (map[string]any, bool) {
	obj, ok := ExtractObject(raw)
	if !ok {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// Parse 将模型回复解析为意图，任何格式问题都回退为 Default。
func Parse(raw string, tokens *TokenSet) Intent {
	fields, ok := DecodeObject(raw)
	if !ok {
		return Default()
	}
	parsed, ok := Normalize(fields, tokens)
	if !ok {
		return Default()
	}
	return parsed
}

// Normalize 校验并规范化已解码的意图对象。
// 意图名称取自 intent 或 type 字段，实体取自 entities 或 params 字段；不符合意图 schema 时返回 false。
func Normalize(fields map[string]any, tokens *TokenSet) (Intent, bool) {
	if err := Validate(fields); err != nil {
		return Intent{}, false
	}
	return coerce(fields, tokens)
}

// coerce 假定对象已通过 schema 校验，负责数值、代币与收款方的规范化。
func coerce(fields map[string]any, tokens *TokenSet) (Intent, bool) {
	if tokens == nil {
		tokens = NewTokenSet("")
	}
	name, _ := firstString(fields, "intent", "type")
	t, ok := ParseType(name)
	if !ok {
		return Intent{}, false
	}

	out := Intent{
		Type:       t,
		Confidence: clampConfidence(fields["confidence"]),
	}
	if v, ok := firstBool(fields, "needsMoreInfo", "needs_more_info"); ok {
		out.NeedsMoreInfo = v
	}
	out.Missing = stringList(fields["missing"])

	entities, _ := fields["entities"].(map[string]any)
	if entities == nil {
		entities, _ = fields["params"].(map[string]any)
	}
	out.Entities = normalizeEntities(entities, tokens)

	if t == Transfer {
		out.Missing = completeMissing(out.Missing, out.Entities)
		if len(out.Missing) > 0 {
			out.NeedsMoreInfo = true
		}
	}
	return out, true
}

func normalizeEntities(raw map[string]any, tokens *TokenSet) Entities {
	var e Entities
	if raw == nil {
		e.Token = tokens.Native()
		return e
	}

	if recipient, ok := firstString(raw, "recipient", "to", "address", "email"); ok {
		recipient = strings.TrimSpace(recipient)
		if recipient != "" {
			if emailPattern.MatchString(recipient) {
				e.Recipient = strings.ToLower(recipient)
				e.RecipientKind = RecipientEmail
			} else {
				e.Recipient = recipient
				e.RecipientKind = RecipientAddress
			}
		}
	}

	if amount, ok := coerceAmount(raw["amount"]); ok {
		e.Amount = &amount
	}

	token, _ := firstString(raw, "token", "currency", "symbol")
	if symbol, ok := tokens.Resolve(token); ok {
		e.Token = symbol
	} else {
		e.Token = tokens.Native()
	}

	if tf, ok := firstString(raw, "timeframe"); ok {
		e.Timeframe = strings.TrimSpace(tf)
	}

	if count, ok := coerceInt(firstValue(raw, "count", "limit")); ok && count > 0 {
		if count > maxHistoryCount {
			count = maxHistoryCount
		}
		e.Count = count
	}
	return e
}

func completeMissing(missing []string, e Entities) []string {
	has := make(map[string]bool, len(missing))
	for _, m := range missing {
		has[m] = true
	}
	if e.Recipient == "" && !has["recipient"] {
		missing = append(missing, "recipient")
	}
	if e.Amount == nil && !has["amount"] {
		missing = append(missing, "amount")
	}
	// 模型声称缺失但实际已抽取到的字段不再视为缺失。
	filtered := missing[:0]
	for _, m := range missing {
		if (m == "recipient" && e.Recipient != "") || (m == "amount" && e.Amount != nil) {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

func clampConfidence(v any) float64 {
	f, ok := coerceFloat(v)
	if !ok || math.IsNaN(f) {
		return DefaultConfidence
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func coerceFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func coerceInt(v any) (int, bool) {
	f, ok := coerceFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// coerceAmount 接受数字或数字字符串，负数、NaN、Inf 与无法解析的值都会被丢弃。
func coerceAmount(v any) (decimal.Decimal, bool) {
	var text string
	switch val := v.(type) {
	case json.Number:
		text = val.String()
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, false
		}
		text = strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		text = normalizeNumeric(val)
	default:
		return decimal.Zero, false
	}
	if text == "" {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(text)
	if err != nil || amount.IsNegative() {
		return decimal.Zero, false
	}
	return amount, true
}

func normalizeNumeric(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "$€")
	s = strings.TrimSpace(s)
	switch {
	case strings.Contains(s, ".") && strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1:
		if idx := strings.IndexByte(s, ','); len(s)-idx-1 == 3 {
			s = strings.Replace(s, ",", "", 1)
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	// 允许 "50 USD" 这类带单位的写法，只取前缀数字。
	return numericPrefix.FindString(s)
}

func firstValue(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(fields map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func firstBool(fields map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
