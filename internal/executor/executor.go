package executor

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"
	"WalletPilot/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	CodeRecipientUnknown xerrors.Code = "RECIPIENT_UNKNOWN"
	CodeInvalidAmount    xerrors.Code = "INVALID_AMOUNT"
)

var (
	// ErrRecipientUnknown 表示收款邮箱没有绑定钱包。
	ErrRecipientUnknown = xerrors.New(CodeRecipientUnknown, "收款邮箱未注册")
	// ErrInvalidAmount 表示转账金额不是正数。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "转账金额必须大于 0")
)

func init() {
	xerrors.Register(CodeRecipientUnknown, xerrors.Attributes{
		Message:    "recipient not registered",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusOK,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:    "invalid amount",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// Directory 按邮箱查找已登记的钱包地址。
type Directory interface {
	FindUserByEmail(ctx context.Context, email string) (*storage.User, error)
}

// ActionResult 是一次动作执行的结论，供回复生成使用。
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// TransferRequest 描述一次待执行的转账，Amount 以 Token 计价。
type TransferRequest struct {
	From      string
	Recipient string
	Amount    decimal.Decimal
	Token     string
}

// TransferResult 是已广播转账的回执。
type TransferResult struct {
	Hash   string          `json:"hash"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Token  string          `json:"token"`
	Status web3.TxStatus   `json:"status"`
	Nonce  uint64          `json:"nonce"`
}

// Executor 负责调用链上客户端完成余额查询与转账，不做限额校验。
type Executor struct {
	ledger web3.Client
	tokens *web3.Registry
	users  Directory
	log    *slog.Logger
}

// New 创建执行器。
func New(ledger web3.Client, tokens *web3.Registry, users Directory) *Executor {
	if tokens == nil {
		tokens, _ = web3.NewRegistry("", nil)
	}
	return &Executor{
		ledger: ledger,
		tokens: tokens,
		users:  users,
		log:    logger.Named("executor"),
	}
}

// Tokens 返回执行器使用的代币注册表。
func (e *Executor) Tokens() *web3.Registry {
	return e.tokens
}

// ResolveRecipient 把邮箱解析为钱包地址，地址则只做格式校验。
func (e *Executor) ResolveRecipient(ctx context.Context, recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		if e.users == nil {
			return "", xerrors.Wrap(CodeRecipientUnknown, ErrRecipientUnknown, "未配置联系人存储", xerrors.WithMetadata("email", recipient))
		}
		user, err := e.users.FindUserByEmail(ctx, recipient)
		if err != nil {
			if stdErrors.Is(err, storage.ErrUserNotFound) {
				return "", xerrors.Wrap(CodeRecipientUnknown, err, "收款邮箱未注册", xerrors.WithMetadata("email", recipient))
			}
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询联系人失败")
		}
		recipient = user.Address
	}
	if !common.IsHexAddress(recipient) {
		return "", xerrors.Wrap(web3.CodeInvalidRecipient, web3.ErrInvalidRecipient, "收款地址格式不正确", xerrors.WithMetadata("to", recipient))
	}
	return strings.ToLower(recipient), nil
}

// GetBalance 并发查询注册表中所有链上代币的余额，键为代币符号。
func (e *Executor) GetBalance(ctx context.Context, address string) (map[string]string, error) {
	if e.ledger == nil {
		return nil, xerrors.Wrap(web3.CodeLedgerUnavailable, web3.ErrLedgerUnavailable, "未配置链上客户端")
	}
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包地址格式不正确", xerrors.WithMetadata("address", address))
	}

	var mu sync.Mutex
	balances := make(map[string]string)
	g, gctx := errgroup.WithContext(ctx)
	for _, tok := range e.tokens.OnChain() {
		tok := tok
		g.Go(func() error {
			amount, err := e.ledger.Balance(gctx, address, tok)
			if err != nil {
				return err
			}
			mu.Lock()
			balances[tok.Symbol] = amount.String()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Warn("查询余额失败", slog.String("address", address), slog.Any("error", err))
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			return nil, xerrors.Wrap(web3.CodeLedgerUnavailable, err, "查询余额失败")
		}
		return nil, err
	}
	return balances, nil
}

// Transfer 解析收款方并广播转账。法币计价的金额需由调用方事先换算为原生资产。
func (e *Executor) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if e.ledger == nil {
		return nil, xerrors.Wrap(web3.CodeLedgerUnavailable, web3.ErrLedgerUnavailable, "未配置链上客户端")
	}
	if !req.Amount.IsPositive() {
		return nil, xerrors.Wrap(CodeInvalidAmount, ErrInvalidAmount, "转账金额必须大于 0", xerrors.WithMetadata("amount", req.Amount.String()))
	}
	tok, ok := e.tokens.Lookup(req.Token)
	if !ok {
		tok = e.tokens.Native()
	}
	if !tok.OnChain() {
		return nil, xerrors.Wrap(web3.CodeUnsupportedToken, web3.ErrUnsupportedToken, "该代币无法直接转账", xerrors.WithMetadata("token", tok.Symbol))
	}
	// 记账金额必须与链上实际转出的金额一致，超出精度的部分不做截断。
	if !tok.Representable(req.Amount) {
		return nil, xerrors.Wrap(web3.CodeAmountPrecision, web3.ErrAmountPrecision, "转账金额超出代币精度",
			xerrors.WithMetadata("amount", req.Amount.String()),
			xerrors.WithMetadata("token", tok.Symbol),
		)
	}

	to, err := e.ResolveRecipient(ctx, req.Recipient)
	if err != nil {
		return nil, err
	}

	res, err := e.ledger.Transfer(ctx, web3.TransferRequest{
		From:   req.From,
		To:     to,
		Amount: req.Amount,
		Token:  tok,
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(web3.CodeLedgerUnavailable, err, "广播转账失败")
		}
		return nil, err
	}

	return &TransferResult{
		Hash:   strings.ToLower(res.Hash),
		From:   strings.ToLower(req.From),
		To:     to,
		Amount: req.Amount,
		Token:  tok.Symbol,
		Status: res.Status,
		Nonce:  res.Nonce,
	}, nil
}
