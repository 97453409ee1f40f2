package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"WalletPilot/internal/config"
	"WalletPilot/internal/web3"
	"WalletPilot/internal/web3/ethereum"
)

type chainEntry struct {
	client web3.Client
	tokens *web3.Registry
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]chainEntry
}

// Dialer creates a ledger client for one chain definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition, native web3.Token) (web3.Client, error)

// EthereumDialer returns a Dialer backed by go-ethereum's RPC client.
func EthereumDialer(keys *web3.KeyRing) Dialer {
	return func(ctx context.Context, name string, def web3.ChainDefinition, native web3.Token) (web3.Client, error) {
		return ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: def.RPCURL,
			Notes:  def.Description,
			Native: native,
		}, keys)
	}
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return FromDefinitions(ctx, defs, cfg, dial)
}

// FromDefinitions builds a registry from already parsed definitions.
func FromDefinitions(ctx context.Context, defs web3.ChainDefinitions, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	if dial == nil {
		return nil, errors.New("未提供链客户端构造函数")
	}

	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains = map[string]web3.ChainDefinition{
			"default": {Type: "evm", RPCURL: cfg.RPCURL, NativeSymbol: "ETH"},
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	r := &Registry{chains: make(map[string]chainEntry)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		tokens, err := web3.NewRegistry(chain.NativeSymbol, chain.Tokens)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("链 %s 的代币配置无效: %w", name, err)
		}
		client, err := dial(ctx, name, chain, tokens.Native())
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.chains[name] = chainEntry{client: client, tokens: tokens}
	}

	if len(r.chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.DefaultChain
	}
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.chains[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	entry, ok := r.chains[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return entry.client, nil
}

// DefaultTokens returns the token registry of the default chain.
func (r *Registry) DefaultTokens() *web3.Registry {
	if r == nil {
		return nil
	}
	return r.chains[r.defaultChain].tokens
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	entry, ok := r.chains[name]
	return entry.client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, entry := range r.chains {
		if entry.client != nil {
			entry.client.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
