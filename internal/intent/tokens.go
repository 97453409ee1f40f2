package intent

import (
	"sort"
	"strings"
)

// TokenSet 是分类器允许输出的代币符号集合，支持别名。
type TokenSet struct {
	native  string
	symbols map[string]struct{}
	aliases map[string]string
}

// NewTokenSet 创建代币集合，native 始终包含在内。
func NewTokenSet(native string, symbols ...string) *TokenSet {
	native = strings.ToUpper(strings.TrimSpace(native))
	if native == "" {
		native = "ETH"
	}
	ts := &TokenSet{
		native:  native,
		symbols: map[string]struct{}{native: {}},
		aliases: make(map[string]string),
	}
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			ts.symbols[s] = struct{}{}
		}
	}
	return ts
}

// AddAlias 为已登记的符号增加别名，例如 DOLLARS → USD。
func (t *TokenSet) AddAlias(alias, symbol string) {
	alias = strings.ToUpper(strings.TrimSpace(alias))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if alias == "" {
		return
	}
	if _, ok := t.symbols[symbol]; !ok {
		return
	}
	t.aliases[alias] = symbol
}

// Native 返回网络原生资产符号。
func (t *TokenSet) Native() string {
	return t.native
}

// Symbols 返回排序后的全部符号，原生资产排在首位。
func (t *TokenSet) Symbols() []string {
	out := make([]string, 0, len(t.symbols))
	for s := range t.symbols {
		if s != t.native {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return append([]string{t.native}, out...)
}

// Resolve 将任意写法映射为已知符号。
func (t *TokenSet) Resolve(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	if _, ok := t.symbols[s]; ok {
		return s, true
	}
	if mapped, ok := t.aliases[s]; ok {
		return mapped, true
	}
	return "", false
}
