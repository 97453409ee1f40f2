package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TokenKind classifies registry entries.
type TokenKind string

const (
	TokenNative TokenKind = "native"
	TokenERC20  TokenKind = "erc20"
	// TokenFiat entries are quote currencies; amounts in them are converted
	// to the native asset before a transfer.
	TokenFiat TokenKind = "fiat"
)

// Token describes a single entry of the token registry.
type Token struct {
	Symbol   string    `yaml:"symbol" json:"symbol"`
	Kind     TokenKind `yaml:"kind" json:"kind"`
	Address  string    `yaml:"address,omitempty" json:"address,omitempty"`
	Decimals int       `yaml:"decimals" json:"decimals"`
	Aliases  []string  `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// OnChain reports whether balances for the token can be read from the ledger.
func (t Token) OnChain() bool {
	return t.Kind == TokenNative || t.Kind == TokenERC20
}

// Representable reports whether amount can be expressed in the token's base
// units without dropping digits.
func (t Token) Representable(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(int32(t.Decimals)))
}

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	DefaultChain string                     `yaml:"default_chain"`
	Chains       map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and its token registry.
type ChainDefinition struct {
	Type         string  `yaml:"type"`
	RPCURL       string  `yaml:"rpc_url"`
	ChainID      int64   `yaml:"chain_id"`
	NativeSymbol string  `yaml:"native_symbol"`
	Description  string  `yaml:"description"`
	Tokens       []Token `yaml:"tokens"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata from YAML bytes.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Registry is the set of tokens known on one chain.
type Registry struct {
	native Token
	tokens map[string]Token
	order  []string
}

// NewRegistry builds a registry; the native token is always present.
func NewRegistry(nativeSymbol string, tokens []Token) (*Registry, error) {
	nativeSymbol = strings.ToUpper(strings.TrimSpace(nativeSymbol))
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}
	r := &Registry{
		native: Token{Symbol: nativeSymbol, Kind: TokenNative, Decimals: 18},
		tokens: make(map[string]Token),
	}
	r.tokens[nativeSymbol] = r.native

	for _, tok := range tokens {
		tok.Symbol = strings.ToUpper(strings.TrimSpace(tok.Symbol))
		if tok.Symbol == "" {
			return nil, fmt.Errorf("代币配置缺少 symbol")
		}
		if tok.Symbol == nativeSymbol {
			r.native.Aliases = append(r.native.Aliases, tok.Aliases...)
			r.tokens[nativeSymbol] = r.native
			continue
		}
		if tok.Kind == "" {
			tok.Kind = TokenERC20
		}
		switch tok.Kind {
		case TokenERC20:
			if strings.TrimSpace(tok.Address) == "" {
				return nil, fmt.Errorf("代币 %s 缺少合约地址", tok.Symbol)
			}
			if tok.Decimals <= 0 {
				tok.Decimals = 18
			}
		case TokenFiat:
			if tok.Decimals <= 0 {
				tok.Decimals = 2
			}
		default:
			return nil, fmt.Errorf("代币 %s 使用了不支持的类型 %s", tok.Symbol, tok.Kind)
		}
		if _, dup := r.tokens[tok.Symbol]; dup {
			return nil, fmt.Errorf("代币 %s 重复配置", tok.Symbol)
		}
		r.tokens[tok.Symbol] = tok
		r.order = append(r.order, tok.Symbol)
	}
	sort.Strings(r.order)
	r.order = append([]string{nativeSymbol}, r.order...)
	return r, nil
}

// Native returns the chain's native asset.
func (r *Registry) Native() Token {
	return r.native
}

// Lookup finds a token by symbol (case-insensitive).
func (r *Registry) Lookup(symbol string) (Token, bool) {
	tok, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return tok, ok
}

// All returns every token, native first.
func (r *Registry) All() []Token {
	out := make([]Token, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, r.tokens[s])
	}
	return out
}

// OnChain returns the tokens whose balances live on the ledger.
func (r *Registry) OnChain() []Token {
	var out []Token
	for _, tok := range r.All() {
		if tok.OnChain() {
			out = append(out, tok)
		}
	}
	return out
}
