package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"

	"WalletPilot/internal/enrich"
	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/executor"
	"WalletPilot/internal/intent"
	"WalletPilot/internal/language"
	"WalletPilot/internal/limits"
	"WalletPilot/internal/memory"
	"WalletPilot/internal/observability/metrics"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"
	"WalletPilot/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CodeLimitsUnverified 表示限额统计不可用时按 fail-open 放行了转账。
const CodeLimitsUnverified xerrors.Code = "LIMITS_UNVERIFIED"

func init() {
	xerrors.Register(CodeLimitsUnverified, xerrors.Attributes{
		Message:    "transfer limits could not be verified",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusOK,
	})
}

// 待确认转账在会话中保存的参数。
const (
	paramFrom           = "from"
	paramRecipient      = "recipient"
	paramTo             = "to"
	paramAmount         = "amount"
	paramToken          = "token"
	paramIdempotencyKey = "idempotency_key"
	paramTxHash         = "tx_hash"
)

// defaultConfirmationTTL 是待确认转账的默认有效期，换算汇率也只在这段时间内有效。
const defaultConfirmationTTL = 5 * time.Minute

func newIdempotencyKey() string {
	return uuid.NewString()
}

func text(lang language.Tag, key language.Key, args ...any) *executor.ActionResult {
	return &executor.ActionResult{Message: language.Text(lang, key, args...)}
}

// prepareTransfer 校验转账要素与限额；需要确认时把转账挂起到会话中，否则直接执行。
func (a *Agent) prepareTransfer(ctx context.Context, t *turn, it intent.Intent, en enrich.Enrichment) (*executor.ActionResult, *Action) {
	incomplete := &Action{Type: intent.Transfer, Status: ActionIncomplete}
	ent := it.Entities

	if t.address == "" {
		return text(t.lang, language.MsgNeedAddress), incomplete
	}
	if ent.Recipient == "" {
		return text(t.lang, language.MsgNeedRecipient), incomplete
	}
	if ent.Amount == nil || !ent.Amount.IsPositive() {
		return text(t.lang, language.MsgNeedAmount), incomplete
	}
	if !en.Recipient.Resolved() {
		if ent.RecipientKind == intent.RecipientEmail {
			return text(t.lang, language.MsgRecipientUnknown, ent.Recipient), incomplete
		}
		return text(t.lang, language.MsgInvalidRecipient), incomplete
	}

	amount, token := *ent.Amount, ent.Token
	if token == "" {
		token = a.tokens.Native().Symbol
	}
	if tok, ok := a.tokens.Lookup(token); ok && tok.Kind == web3.TokenFiat {
		if en.ConvertedAmount == nil {
			t.log.Warn("法币金额无法换算为原生资产", slog.String("token", token))
			return text(t.lang, language.MsgTransferFailed), &Action{Type: intent.Transfer, Status: ActionFailed}
		}
		amount, token = *en.ConvertedAmount, en.NativeToken
	}
	to := en.Recipient.Address
	if tok, ok := a.tokens.Lookup(token); ok && !tok.Representable(amount) {
		return text(t.lang, language.MsgAmountPrecision, tok.Symbol, tok.Decimals), incomplete
	}

	t.enter(PhaseGuarding)
	verdict := a.check(ctx, t, amount, to)
	action := &Action{
		Type:    intent.Transfer,
		To:      to,
		Amount:  amount.String(),
		Token:   token,
		Verdict: &verdict,
	}
	if !verdict.Allowed {
		action.Status = ActionRejected
		return &executor.ActionResult{Message: limitMessage(t.lang, verdict, amount, token, ent.Recipient)}, action
	}

	key := t.idemKey
	if key == "" {
		key = a.newKey()
	}
	action.IdempotencyKey = key
	params := map[string]string{
		paramFrom:           t.address,
		paramRecipient:      ent.Recipient,
		paramTo:             to,
		paramAmount:         amount.String(),
		paramToken:          token,
		paramIdempotencyKey: key,
	}

	if !a.requireConfirmation {
		return a.execute(ctx, t, params)
	}

	t.state.LastAction = &memory.Action{
		Type:      string(intent.Transfer),
		Status:    memory.ActionAwaitingConfirmation,
		Params:    params,
		CreatedAt: a.now().UTC(),
	}
	action.Status = ActionAwaiting
	message := language.Text(t.lang, language.MsgConfirmTransfer, amount.String(), token, ent.Recipient)
	if len(en.Facts) > 0 {
		message = en.Facts[0] + "\n\n" + message
	}
	return &executor.ActionResult{Success: true, Message: message}, action
}

// confirmPending 执行用户确认过的转账；超过有效期的待确认转账只会被清除。
func (a *Agent) confirmPending(ctx context.Context, t *turn, pending *memory.Action) *Response {
	params := pending.Params
	if !pending.CreatedAt.IsZero() && a.now().Sub(pending.CreatedAt) > a.confirmationTTL {
		t.state.LastAction = nil
		t.log.Info("待确认转账已过期", slog.Time("created_at", pending.CreatedAt), slog.Duration("ttl", a.confirmationTTL))
		metrics.ObserveTransfer("expired")
		action := &Action{
			Type:           intent.Transfer,
			Status:         ActionExpired,
			To:             params[paramTo],
			Amount:         params[paramAmount],
			Token:          params[paramToken],
			IdempotencyKey: params[paramIdempotencyKey],
		}
		return a.compose(ctx, t, intent.Intent{Type: intent.Transfer, Confidence: 1}, enrich.Enrichment{}, text(t.lang, language.MsgConfirmationExpired), action)
	}
	if from := params[paramFrom]; from != "" {
		t.address = from
	}
	metrics.ObserveChatTurn(string(intent.Transfer), string(t.lang))

	result, action := a.execute(ctx, t, params)
	if action.Status != ActionSubmitted {
		t.state.LastAction = nil
	}
	return a.compose(ctx, t, intent.Intent{Type: intent.Transfer, Confidence: 1}, enrich.Enrichment{}, result, action)
}

// execute 在地址锁内完成幂等检查、限额复核、广播与记账。
func (a *Agent) execute(ctx context.Context, t *turn, params map[string]string) (*executor.ActionResult, *Action) {
	t.enter(PhaseExecuting)
	key := params[paramIdempotencyKey]
	to := params[paramTo]
	token := params[paramToken]
	action := &Action{
		Type:           intent.Transfer,
		To:             to,
		Amount:         params[paramAmount],
		Token:          token,
		IdempotencyKey: key,
	}
	fail := func(code xerrors.Code) (*executor.ActionResult, *Action) {
		action.Status = ActionFailed
		action.ErrorCode = code
		metrics.ObserveTransfer("failed")
		return text(t.lang, language.MsgTransferFailed), action
	}

	amount, err := decimal.NewFromString(params[paramAmount])
	if err != nil || t.address == "" || to == "" {
		t.log.Error("待确认转账参数无效", slog.Any("params", params))
		return fail(xerrors.CodeInvalidArgument)
	}
	if a.executor == nil {
		t.log.Error("未配置转账执行器")
		return fail(xerrors.CodeInitializationFailure)
	}

	unlock, err := a.locker.Lock(ctx, t.address)
	if err != nil {
		t.log.Error("获取地址锁失败", slog.Any("error", err), slog.String("address", t.address))
		return fail(xerrors.CodeTimeout)
	}
	defer unlock()

	if a.ledger != nil && key != "" {
		existing, err := a.ledger.FindByIdempotencyKey(ctx, t.address, key)
		switch {
		case err == nil && existing != nil:
			t.log.Info("重复的转账请求，返回已有结果", slog.String("idempotency_key", key), slog.String("tx_hash", existing.Hash))
			action.Status = ActionDuplicate
			action.TxHash = existing.Hash
			metrics.ObserveTransfer("duplicate")
			return &executor.ActionResult{
				Success: true,
				Message: language.Text(t.lang, language.MsgTransferDuplicate, existing.Hash),
				TxHash:  existing.Hash,
				Data:    existing,
			}, action
		case err != nil && !stdErrors.Is(err, storage.ErrTransactionNotFound):
			t.log.Error("幂等检查失败", slog.Any("error", err))
			return fail(xerrors.CodeStorageFailure)
		}
	}

	verdict := a.check(ctx, t, amount, to)
	action.Verdict = &verdict
	if !verdict.Allowed {
		action.Status = ActionRejected
		return &executor.ActionResult{Message: limitMessage(t.lang, verdict, amount, token, params[paramRecipient])}, action
	}

	res, err := a.executor.Transfer(ctx, executor.TransferRequest{
		From:      t.address,
		Recipient: to,
		Amount:    amount,
		Token:     token,
	})
	if err != nil {
		code := xerrors.CodeOf(err)
		action.Status = ActionFailed
		action.ErrorCode = code
		metrics.ObserveTransfer("failed")
		t.log.Warn("转账失败", slog.Any("error", err), slog.String("code", string(code)))
		logger.Audit().Warn("转账失败",
			slog.String("from", t.address),
			slog.String("to", to),
			slog.String("amount", amount.String()),
			slog.String("token", token),
			slog.String("code", string(code)),
		)
		if xerrors.ShouldAlert(err) {
			a.alert(ctx, code, t.address, err, map[string]string{"to": to, "amount": amount.String(), "token": token})
		}
		return &executor.ActionResult{Message: a.transferErrorMessage(t.lang, err, params[paramRecipient], token)}, action
	}

	record := storage.Transaction{
		Hash:           res.Hash,
		From:           res.From,
		To:             res.To,
		Amount:         res.Amount,
		Token:          res.Token,
		Status:         storage.TxSubmitted,
		IdempotencyKey: key,
		CreatedAt:      a.now().UTC(),
	}
	if a.ledger != nil {
		if err := a.ledger.RecordTransaction(ctx, record); err != nil {
			t.log.Error("记录交易失败", slog.Any("error", err), slog.String("tx_hash", res.Hash))
			a.alert(ctx, xerrors.CodeStorageFailure, res.Hash, err, map[string]string{"from": res.From})
		}
	}
	if a.settlement != nil {
		if err := a.settlement.Enqueue(ctx, res.Hash); err != nil {
			t.log.Warn("投递结算任务失败", slog.Any("error", err), slog.String("tx_hash", res.Hash))
		}
	}

	metrics.ObserveTransfer("submitted")
	logger.Audit().Info("转账已提交",
		slog.String("tx_hash", res.Hash),
		slog.String("from", res.From),
		slog.String("to", res.To),
		slog.String("amount", res.Amount.String()),
		slog.String("token", res.Token),
		slog.String("idempotency_key", key),
		slog.Bool("limits_unverified", verdict.Unverified),
	)

	done := make(map[string]string, len(params)+1)
	for k, v := range params {
		done[k] = v
	}
	done[paramTxHash] = res.Hash
	t.state.LastAction = &memory.Action{
		Type:      string(intent.Transfer),
		Status:    memory.ActionExecuted,
		Params:    done,
		CreatedAt: a.now().UTC(),
	}

	action.Status = ActionSubmitted
	action.TxHash = res.Hash
	return &executor.ActionResult{
		Success: true,
		Message: language.Text(t.lang, language.MsgTransferSubmitted, res.Amount.String(), res.Token, params[paramRecipient], res.Hash),
		TxHash:  res.Hash,
		Data:    res,
	}, action
}

// check 调用限额校验；统计不可用而放行时发送告警。
func (a *Agent) check(ctx context.Context, t *turn, amount decimal.Decimal, to string) limits.Verdict {
	if a.guard == nil {
		verdict := limits.Verdict{Reason: limits.UnverifiedReason, Code: limits.ReasonUnverified, Unverified: true}
		metrics.ObserveLimitCheck(false, string(verdict.Code))
		return verdict
	}
	verdict := a.guard.Check(ctx, t.address, amount, to)
	metrics.ObserveLimitCheck(verdict.Allowed, string(verdict.Code))
	if !verdict.Allowed {
		logger.Audit().Info("转账被限额拒绝",
			slog.String("from", t.address),
			slog.String("to", to),
			slog.String("amount", amount.String()),
			slog.String("code", string(verdict.Code)),
			slog.String("reason", verdict.Reason),
		)
	}
	if verdict.Unverified && verdict.Allowed {
		a.alert(ctx, CodeLimitsUnverified, t.address, nil, map[string]string{"to": to, "amount": amount.String()})
	}
	return verdict
}

func limitMessage(lang language.Tag, v limits.Verdict, amount decimal.Decimal, token, recipient string) string {
	var reason string
	switch v.Code {
	case limits.ReasonPerTx:
		reason = language.Text(lang, language.MsgLimitPerTx, amount.String()+" "+token, v.Limit)
	case limits.ReasonWhitelist:
		reason = language.Text(lang, language.MsgLimitWhitelist, recipient)
	case limits.ReasonDayCount:
		reason = language.Text(lang, language.MsgLimitDayCount, v.Limit)
	case limits.ReasonDayAmount:
		reason = language.Text(lang, language.MsgLimitDayAmount, v.Limit)
	case limits.ReasonMonthAmount:
		reason = language.Text(lang, language.MsgLimitMonthAmount, v.Limit)
	case limits.ReasonUnverified:
		reason = language.Text(lang, language.MsgLimitUnverified)
	default:
		reason = v.Reason
	}
	return language.Text(lang, language.MsgLimitRejected, reason)
}

func (a *Agent) transferErrorMessage(lang language.Tag, err error, recipient, token string) string {
	switch xerrors.CodeOf(err) {
	case web3.CodeAmountPrecision:
		if tok, ok := a.tokens.Lookup(token); ok {
			return language.Text(lang, language.MsgAmountPrecision, tok.Symbol, tok.Decimals)
		}
		return language.Text(lang, language.MsgTransferFailed)
	case web3.CodeInsufficientFunds:
		return language.Text(lang, language.MsgInsufficientFunds)
	case web3.CodeInvalidRecipient:
		return language.Text(lang, language.MsgInvalidRecipient)
	case web3.CodeLedgerUnavailable:
		return language.Text(lang, language.MsgLedgerUnavailable)
	case executor.CodeRecipientUnknown:
		return language.Text(lang, language.MsgRecipientUnknown, recipient)
	default:
		return language.Text(lang, language.MsgTransferFailed)
	}
}
