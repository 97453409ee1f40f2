package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	Native web3.Token
}

// Backend is the subset of ethclient used by the wallet. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	native    web3.Token
	backend   Backend
	rpcClient *gethrpc.Client
	keys      *web3.KeyRing
	erc20     abi.ABI

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config, keys *web3.KeyRing) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}

	c := NewWithBackend(cfg.Name, ethclient.NewClient(rpcClient), keys)
	c.rpcClient = rpcClient
	c.notes = cfg.Notes
	if cfg.Native.Symbol != "" {
		c.native = cfg.Native
	}
	return c, nil
}

// NewWithBackend wraps an existing backend, typically the simulated one in tests.
func NewWithBackend(name string, backend Backend, keys *web3.KeyRing) *Client {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ERC-20 ABI: %v", err))
	}
	if keys == nil {
		keys, _ = web3.NewKeyRing()
	}
	return &Client{
		name:    name,
		native:  web3.Token{Symbol: "ETH", Kind: web3.TokenNative, Decimals: 18},
		backend: backend,
		keys:    keys,
		erc20:   parsed,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, ledgerError(err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance returns the balance of address in token units.
func (c *Client) Balance(ctx context.Context, address string, token web3.Token) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "地址格式不正确", xerrors.WithMetadata("address", address))
	}
	account := common.HexToAddress(address)

	switch token.Kind {
	case web3.TokenNative, "":
		wei, err := c.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return decimal.Zero, ledgerError(err, "查询余额失败")
		}
		return fromBaseUnits(wei, c.native.Decimals), nil
	case web3.TokenERC20:
		raw, err := c.tokenBalance(ctx, common.HexToAddress(token.Address), account)
		if err != nil {
			return decimal.Zero, err
		}
		return fromBaseUnits(raw, token.Decimals), nil
	default:
		return decimal.Zero, xerrors.Wrap(web3.CodeUnsupportedToken, web3.ErrUnsupportedToken, "该代币没有链上余额", xerrors.WithMetadata("token", token.Symbol))
	}
}

func (c *Client) tokenBalance(ctx context.Context, contract, account common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, ledgerError(err, "查询代币余额失败")
	}
	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, ledgerError(fmt.Errorf("unpack balanceOf: %v", err), "解析代币余额失败")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, ledgerError(fmt.Errorf("unexpected balanceOf type %T", values[0]), "解析代币余额失败")
	}
	return balance, nil
}

// Transfer signs and broadcasts an EIP-1559 transaction. Funds are checked
// before signing so that an underfunded wallet never reaches the mempool.
func (c *Client) Transfer(ctx context.Context, req web3.TransferRequest) (*web3.TransferResult, error) {
	if !common.IsHexAddress(req.To) {
		return nil, xerrors.Wrap(web3.CodeInvalidRecipient, web3.ErrInvalidRecipient, "收款地址格式不正确", xerrors.WithMetadata("to", req.To))
	}
	if !common.IsHexAddress(req.From) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款地址格式不正确", xerrors.WithMetadata("from", req.From))
	}
	if !req.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}
	key, ok := c.keys.Signer(req.From)
	if !ok {
		return nil, xerrors.Wrap(web3.CodeSignerUnavailable, web3.ErrSignerUnavailable, "没有该地址的签名密钥", xerrors.WithMetadata("from", req.From))
	}

	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)

	token := req.Token
	if token.Kind == "" {
		token = c.native
	}

	var (
		txTo     common.Address
		value    *big.Int
		data     []byte
		tokenAmt *big.Int
	)
	switch token.Kind {
	case web3.TokenNative:
		wei, err := toBaseUnits(req.Amount, c.native)
		if err != nil {
			return nil, err
		}
		value = wei
		txTo = to
	case web3.TokenERC20:
		units, err := toBaseUnits(req.Amount, token)
		if err != nil {
			return nil, err
		}
		tokenAmt = units
		packed, err := c.erc20.Pack("transfer", to, tokenAmt)
		if err != nil {
			return nil, fmt.Errorf("编码 transfer 调用失败: %w", err)
		}
		data = packed
		value = new(big.Int)
		txTo = common.HexToAddress(token.Address)
	default:
		return nil, xerrors.Wrap(web3.CodeUnsupportedToken, web3.ErrUnsupportedToken, "该代币无法直接转账", xerrors.WithMetadata("token", token.Symbol))
	}
	if value.Sign() == 0 && (tokenAmt == nil || tokenAmt.Sign() == 0) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额低于代币最小精度")
	}

	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return nil, err
	}

	// 同一进程内串行化 nonce 分配。
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, ledgerError(err, "获取 nonce 失败")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, ledgerError(err, "获取小费建议失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, ledgerError(err, "获取最新区块头失败")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	if tokenAmt != nil {
		held, err := c.tokenBalance(ctx, txTo, from)
		if err != nil {
			return nil, err
		}
		if held.Cmp(tokenAmt) < 0 {
			return nil, xerrors.Wrap(web3.CodeInsufficientFunds, web3.ErrInsufficientFunds, "代币余额不足",
				xerrors.WithMetadata("token", token.Symbol), xerrors.WithMetadata("balance", fromBaseUnits(held, token.Decimals).String()))
		}
	}

	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &txTo, Value: value, Data: data, GasFeeCap: feeCap, GasTipCap: tip})
	if err != nil {
		if isInsufficientFunds(err) {
			return nil, xerrors.Wrap(web3.CodeInsufficientFunds, err, "余额不足以支付转账")
		}
		return nil, ledgerError(err, "估算 gas 失败")
	}

	native, err := c.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, ledgerError(err, "查询余额失败")
	}
	required := new(big.Int).Mul(new(big.Int).SetUint64(gas), feeCap)
	required.Add(required, value)
	if native.Cmp(required) < 0 {
		return nil, xerrors.Wrap(web3.CodeInsufficientFunds, web3.ErrInsufficientFunds, "余额不足以支付转账与手续费",
			xerrors.WithMetadata("balance", fromBaseUnits(native, c.native.Decimals).String()))
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &txTo,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeSignerUnavailable, err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if isInsufficientFunds(err) {
			return nil, xerrors.Wrap(web3.CodeInsufficientFunds, err, "节点拒绝交易：余额不足")
		}
		return nil, ledgerError(err, "广播交易失败")
	}

	return &web3.TransferResult{
		Hash:   signed.Hash().Hex(),
		Nonce:  nonce,
		Status: web3.TxPending,
	}, nil
}

// TransactionStatus looks up the receipt of hash.
func (c *Client) TransactionStatus(ctx context.Context, hash string) (web3.TxStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TxPending, nil
		}
		return "", ledgerError(err, "查询交易回执失败")
	}
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		return web3.TxConfirmed, nil
	}
	return web3.TxFailed, nil
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, ledgerError(err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func ledgerError(err error, message string) error {
	return xerrors.Wrap(web3.CodeLedgerUnavailable, err, message)
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// toBaseUnits refuses amounts finer than the token's smallest unit so the
// value broadcast always equals the value recorded.
func toBaseUnits(amount decimal.Decimal, token web3.Token) (*big.Int, error) {
	if !token.Representable(amount) {
		return nil, xerrors.Wrap(web3.CodeAmountPrecision, web3.ErrAmountPrecision, "转账金额超出代币精度",
			xerrors.WithMetadata("amount", amount.String()),
			xerrors.WithMetadata("token", token.Symbol),
		)
	}
	return amount.Shift(int32(token.Decimals)).BigInt(), nil
}

func fromBaseUnits(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
